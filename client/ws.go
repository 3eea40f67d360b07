package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// ChangeNotice is one server change-feed message.
type ChangeNotice struct {
	Type     string          `json:"type"`
	WalletID string          `json:"wallet_id"`
	Payload  json.RawMessage `json:"payload"`
}

// ListenChanges subscribes to the server's change feed for the current wallet
// and invokes onChange per notification until the context is cancelled or the
// connection drops. Reconnection policy is the embedding app's concern; a
// typical app calls FullSync from onChange.
func (c *Core) ListenChanges(ctx context.Context, onChange func(ChangeNotice)) error {
	walletID, ok := c.CurrentWallet()
	if !ok {
		return fmt.Errorf("no wallet selected")
	}
	wsBase, ok, err := c.storage.ConfigGet(configWSURL)
	if err != nil {
		return err
	}
	if !ok || wsBase == "" {
		wsBase = strings.Replace(c.api.baseURL, "http", "ws", 1)
	}
	if wsBase == "" {
		return fmt.Errorf("no backend configured")
	}

	endpoint := strings.TrimRight(wsBase, "/") + "/ws?" + url.Values{
		"token":     {c.api.token},
		"wallet_id": {walletID},
	}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return ErrOffline
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrOffline
		}
		var notice ChangeNotice
		if err := json.Unmarshal(msg, &notice); err != nil {
			continue
		}
		onChange(notice)
	}
}
