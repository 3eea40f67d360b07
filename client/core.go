package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
	"github.com/debitum-app/debitum/pkg/projection"
)

type (
	logFields = logrus.Fields
	eventWire = event.Event
)

// Config keys in the local store.
const (
	configToken         = "token"
	configUserID        = "user_id"
	configCurrentWallet = "current_wallet_id"
	configBaseURL       = "base_url"
	configWSURL         = "ws_url"
)

// Core is the client facade: local-first CRUD over the event log, with sync
// against the server. All methods are safe to call from one goroutine; the
// storage handle serializes access underneath.
type Core struct {
	storage *Storage
	api     *apiClient
	log     *logrus.Logger
}

// New opens (or creates) the local database under dir and restores the
// persisted session (token, backend, current wallet).
func New(dir string) (*Core, error) {
	st, err := OpenStorage(dir)
	if err != nil {
		return nil, err
	}
	c := &Core{storage: st, api: newAPIClient(), log: logrus.New()}
	c.log.SetLevel(logrus.WarnLevel)

	if base, ok, _ := st.ConfigGet(configBaseURL); ok {
		c.api.baseURL = base
	}
	if token, ok, _ := st.ConfigGet(configToken); ok {
		c.api.token = token
	}
	if wallet, ok, _ := st.ConfigGet(configCurrentWallet); ok {
		c.api.walletID = wallet
	}
	return c, nil
}

// Close releases the local database.
func (c *Core) Close() error {
	return c.storage.Close()
}

// SetLogLevel adjusts client logging verbosity.
func (c *Core) SetLogLevel(level logrus.Level) {
	c.log.SetLevel(level)
}

// SetBackend points the client at a server.
func (c *Core) SetBackend(baseURL, wsURL string) error {
	c.api.baseURL = strings.TrimRight(baseURL, "/")
	if err := c.storage.ConfigSet(configBaseURL, c.api.baseURL); err != nil {
		return err
	}
	return c.storage.ConfigSet(configWSURL, wsURL)
}

// Login exchanges credentials for a token and persists the session.
func (c *Core) Login(username, password string) error {
	resp, err := c.api.login(username, password)
	if err != nil {
		return err
	}
	c.api.token = resp.Token
	if err := c.storage.ConfigSet(configToken, resp.Token); err != nil {
		return err
	}
	return c.storage.ConfigSet(configUserID, resp.UserID)
}

// SetToken installs an externally issued token (apps that do their own auth).
func (c *Core) SetToken(token, userID string) error {
	c.api.token = token
	if err := c.storage.ConfigSet(configToken, token); err != nil {
		return err
	}
	return c.storage.ConfigSet(configUserID, userID)
}

// Logout wipes the local database and session.
func (c *Core) Logout() error {
	c.api.token = ""
	c.api.walletID = ""
	return c.storage.ClearAll()
}

// IsLoggedIn reports whether a token is present.
func (c *Core) IsLoggedIn() bool {
	return c.api.token != ""
}

// UserID returns the stored principal id.
func (c *Core) UserID() (string, bool) {
	id, ok, _ := c.storage.ConfigGet(configUserID)
	return id, ok
}

// --- wallet selection -------------------------------------------------------

// CurrentWallet returns the selected wallet id.
func (c *Core) CurrentWallet() (string, bool) {
	id, ok, _ := c.storage.ConfigGet(configCurrentWallet)
	return id, ok && id != ""
}

// SetCurrentWallet selects the wallet all ledger operations target.
func (c *Core) SetCurrentWallet(walletID string) error {
	if _, err := uuid.Parse(walletID); err != nil {
		return fmt.Errorf("invalid wallet id: %w", err)
	}
	c.api.walletID = walletID
	return c.storage.ConfigSet(configCurrentWallet, walletID)
}

// Wallets lists the wallets the user belongs to, from the server.
func (c *Core) Wallets() ([]Wallet, error) {
	return c.api.getWallets()
}

// CreateWallet creates a wallet on the server; the caller becomes owner.
func (c *Core) CreateWallet(name, description string) (Wallet, error) {
	return c.api.createWallet(name, description)
}

// JoinWallet redeems a 4-digit invite code and returns the joined wallet id.
func (c *Core) JoinWallet(code string) (string, error) {
	return c.api.joinWallet(code)
}

// EnsureCurrentWallet selects the first available wallet, creating one when
// the user has none.
func (c *Core) EnsureCurrentWallet() error {
	if _, ok := c.CurrentWallet(); ok {
		return nil
	}
	wallets, err := c.api.getWallets()
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		wallet, err := c.api.createWallet("My Wallet", "")
		if err != nil {
			return err
		}
		return c.SetCurrentWallet(wallet.ID)
	}
	return c.SetCurrentWallet(wallets[0].ID)
}

// --- reads ------------------------------------------------------------------

// Contacts returns the cached projection for the current wallet.
func (c *Core) Contacts() ([]ledger.Contact, error) {
	walletID, ok := c.CurrentWallet()
	if !ok {
		return []ledger.Contact{}, nil
	}
	return c.storage.StateContacts(walletID)
}

// Transactions returns the cached projection for the current wallet.
func (c *Core) Transactions() ([]ledger.Transaction, error) {
	walletID, ok := c.CurrentWallet()
	if !ok {
		return []ledger.Transaction{}, nil
	}
	return c.storage.StateTransactions(walletID)
}

// Events returns the local event log for the current wallet.
func (c *Core) Events() ([]projection.Record, error) {
	walletID, ok := c.CurrentWallet()
	if !ok {
		return []projection.Record{}, nil
	}
	recs, err := c.storage.EventsGetAll(walletID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []projection.Record{}
	}
	return recs, nil
}

// --- local writes -----------------------------------------------------------

// appendLocal records one event in the local log, rebuilds the projection,
// and opportunistically syncs. The local mutation always lands even when the
// server is unreachable.
func (c *Core) appendLocal(walletID string, aggregate event.AggregateType, aggregateID string, eventType event.Type, data map[string]interface{}) error {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	payload, err := marshalPayload(data)
	if err != nil {
		return err
	}

	version, err := c.nextLocalVersion(walletID, event.StreamKey{AggregateType: aggregate, AggregateID: aggregateID})
	if err != nil {
		return err
	}

	wire := event.Event{
		ID:            uuid.NewString(),
		AggregateType: aggregate,
		AggregateID:   aggregateID,
		Type:          eventType,
		Data:          payload,
		Timestamp:     time.Now().UTC(),
		Version:       version,
	}
	if err := event.Validate(wire); err != nil {
		return err
	}

	if err := c.storage.EventsInsert(projection.Record{Event: wire, WalletID: walletID}); err != nil {
		return err
	}
	if err := c.rebuildLocal(walletID); err != nil {
		return err
	}

	// Best-effort: failures leave the event pending for the next sync.
	if c.api.configured() && c.api.token != "" {
		if err := c.FullSync(); err != nil && !errors.Is(err, ErrOffline) {
			c.log.WithError(err).Debug("Post-write sync failed")
		}
	}
	return nil
}

// nextLocalVersion computes the wire version for the next event in a stream,
// from the local replica's view of that stream.
func (c *Core) nextLocalVersion(walletID string, stream event.StreamKey) (int, error) {
	records, err := c.storage.EventsGetForAggregate(walletID, stream)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, rec := range records {
		if rec.Version > max {
			max = rec.Version
		}
	}
	return max + 1, nil
}

func requireWallet(c *Core) (string, error) {
	walletID, ok := c.CurrentWallet()
	if !ok {
		return "", errors.New("no wallet selected")
	}
	return walletID, nil
}

func requireNonEmpty(value, field string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}
