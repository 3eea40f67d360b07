package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/debitum-app/debitum/internal/metrics"
	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
	"github.com/debitum-app/debitum/internal/platform/httputil"
	"github.com/debitum-app/debitum/internal/platform/logging"
)

const wsSendBuffer = 32

// ChangeNotice is one change-feed message.
type ChangeNotice struct {
	Type     string      `json:"type"`
	WalletID string      `json:"wallet_id"`
	Payload  interface{} `json:"payload,omitempty"`
}

// Hub routes change notifications to websocket subscribers per wallet. Sends
// are lossy for slow consumers: when a client's buffer is full the oldest
// queued message is dropped so the newest wins.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *logging.Logger
	closed  bool
}

type wsClient struct {
	conn     *websocket.Conn
	walletID string
	send     chan []byte
	once     sync.Once
}

// NewHub returns an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{clients: make(map[*wsClient]struct{}), logger: logger}
}

// Broadcast queues a notice for every subscriber of the wallet.
func (h *Hub) Broadcast(walletID, changeType string, payload interface{}) {
	msg, err := json.Marshal(ChangeNotice{Type: changeType, WalletID: walletID, Payload: payload})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.walletID != walletID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

// Close disconnects every client; used on graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WebsocketClients.Inc()
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.WebsocketClients.Dec()
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Native app clients connect from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveWS upgrades a change-feed subscription. The token rides in the query
// string because upgrade requests cannot carry headers from browser contexts.
func (s *Service) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := s.auth.Validate(token)
	if err != nil {
		httputil.WriteError(w, apperrors.AuthDeclined(""))
		return
	}
	walletID := r.URL.Query().Get("wallet_id")
	if walletID == "" {
		httputil.WriteError(w, apperrors.MissingParameter("wallet_id"))
		return
	}
	if _, ok, err := s.store.GetRole(r.Context(), walletID, claims.Subject); err != nil || !ok {
		httputil.WriteError(w, apperrors.InsufficientWalletPermission())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, walletID: walletID, send: make(chan []byte, wsSendBuffer)}
	if !s.hub.register(client) {
		_ = conn.Close()
		return
	}

	go func() {
		defer func() {
			s.hub.unregister(client)
			client.close()
		}()
		for msg := range client.send {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.hub.unregister(client)
			client.close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
