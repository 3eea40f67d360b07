package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/debitum-app/debitum/pkg/event"
)

// ErrOffline is the sentinel for network failures and timeouts. Callers keep
// local state untouched and retry on the next sync.
var ErrOffline = errors.New("Network offline")

// ErrAuthDeclined marks a 401 with the stable auth code. State is kept.
var ErrAuthDeclined = errors.New("DEBITUM_AUTH_DECLINED")

// ErrInsufficientPermission marks a 403 with the stable permission code. On a
// push this means pending local events will never be accepted.
var ErrInsufficientPermission = errors.New("DEBITUM_INSUFFICIENT_WALLET_PERMISSION")

const requestTimeout = 30 * time.Second

// apiClient talks to the server. Outbound calls share a token bucket so a
// busy sync loop cannot hammer the server, and a circuit breaker backs off a
// server that keeps failing.
type apiClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	baseURL    string
	token      string
	walletID   string
}

func newAPIClient() *apiClient {
	return &apiClient{
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(20), 40),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "debitum-api",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *apiClient) configured() bool {
	return c.baseURL != ""
}

func (c *apiClient) endpoint(path string, query url.Values) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("no backend configured")
	}
	u := strings.TrimRight(c.baseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

// do performs one request. Network-level failures and timeouts collapse into
// ErrOffline; HTTP error statuses are classified by their stable code.
func (c *apiClient) do(method, path string, query url.Values, body interface{}) ([]byte, error) {
	endpoint, err := c.endpoint(path, query)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, ErrOffline
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if c.walletID != "" {
			req.Header.Set("X-Wallet-Id", c.walletID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, classifyTransport(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, classifyTransport(err)
		}
		if resp.StatusCode >= 400 {
			return nil, classifyStatus(resp.StatusCode, raw)
		}
		return raw, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOffline
		}
		return nil, err
	}
	return result.([]byte), nil
}

// getWithRetry retries idempotent reads on transient failures within the
// request budget.
func (c *apiClient) getWithRetry(path string, query url.Values) ([]byte, error) {
	var out []byte
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = requestTimeout

	err := backoff.Retry(func() error {
		raw, err := c.do(http.MethodGet, path, query, nil)
		if err != nil {
			if errors.Is(err, ErrOffline) {
				return err // retriable
			}
			return backoff.Permanent(err)
		}
		out = raw
		return nil
	}, policy)
	return out, err
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrOffline
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrOffline
	}
	return err
}

func classifyStatus(status int, body []byte) error {
	code := gjson.GetBytes(body, "code").Str
	switch {
	case code == "DEBITUM_INSUFFICIENT_WALLET_PERMISSION":
		return ErrInsufficientPermission
	case code == "DEBITUM_AUTH_DECLINED" || status == http.StatusUnauthorized:
		return ErrAuthDeclined
	}
	msg := gjson.GetBytes(body, "message").Str
	if msg == "" {
		msg = gjson.GetBytes(body, "error").Str
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return fmt.Errorf("server error %d: %s", status, msg)
}

// --- endpoint wrappers ------------------------------------------------------

type loginResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (c *apiClient) login(username, password string) (loginResponse, error) {
	raw, err := c.do(http.MethodPost, "/auth/login", nil, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return loginResponse{}, err
	}
	var resp loginResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return loginResponse{}, err
	}
	return resp, nil
}

func (c *apiClient) getSyncEvents(walletID string, since string) ([]event.Event, error) {
	query := url.Values{"wallet_id": {walletID}}
	if since != "" {
		query.Set("since", since)
	}
	raw, err := c.getWithRetry("/api/sync/events", query)
	if err != nil {
		return nil, err
	}
	var events []event.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}

type pushResult struct {
	Accepted  []string `json:"accepted"`
	Conflicts []string `json:"conflicts"`
}

func (c *apiClient) postSyncEvents(walletID string, events []event.Event) (pushResult, error) {
	query := url.Values{"wallet_id": {walletID}}
	raw, err := c.do(http.MethodPost, "/api/sync/events", query, events)
	if err != nil {
		return pushResult{}, err
	}
	var resp pushResult
	if err := json.Unmarshal(raw, &resp); err != nil {
		return pushResult{}, err
	}
	return resp, nil
}

type syncHashResponse struct {
	Hash               string `json:"hash"`
	EventCount         int64  `json:"event_count"`
	LastEventTimestamp string `json:"last_event_timestamp"`
}

func (c *apiClient) getSyncHash(walletID string) (syncHashResponse, error) {
	raw, err := c.getWithRetry("/api/sync/hash", url.Values{"wallet_id": {walletID}})
	if err != nil {
		return syncHashResponse{}, err
	}
	var resp syncHashResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return syncHashResponse{}, err
	}
	return resp, nil
}

// Wallet mirrors the server wallet shape the client needs.
type Wallet struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
}

func (c *apiClient) getWallets() ([]Wallet, error) {
	raw, err := c.getWithRetry("/api/wallets", nil)
	if err != nil {
		return nil, err
	}
	var wallets []Wallet
	if err := json.Unmarshal(raw, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (c *apiClient) createWallet(name, description string) (Wallet, error) {
	raw, err := c.do(http.MethodPost, "/api/wallets", nil, map[string]string{
		"name":        name,
		"description": description,
	})
	if err != nil {
		return Wallet{}, err
	}
	var wallet Wallet
	if err := json.Unmarshal(raw, &wallet); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

func (c *apiClient) joinWallet(code string) (string, error) {
	raw, err := c.do(http.MethodPost, "/api/wallets/join", nil, map[string]string{"code": code})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(raw, "wallet_id").Str, nil
}
