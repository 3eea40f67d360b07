// Package httpapi exposes the sync core over HTTP: the sync endpoints, wallet
// and group management, the permission matrix, and the websocket change feed.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/debitum-app/debitum/internal/eventlog"
	"github.com/debitum-app/debitum/internal/metrics"
	"github.com/debitum-app/debitum/internal/platform/logging"
	"github.com/debitum-app/debitum/internal/rebuild"
	"github.com/debitum-app/debitum/internal/snapshots"
	"github.com/debitum-app/debitum/internal/storage"
)

// Authenticator verifies primary credentials. Credential storage and password
// hashing live outside the core; the API only needs this seam for /auth/login.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (storage.User, error)
}

// Service bundles the core's dependencies behind the HTTP handlers.
type Service struct {
	log       eventlog.Log
	store     storage.Store
	rebuilder *rebuild.Rebuilder
	snaps     *snapshots.Manager
	auth      *AuthManager
	authn     Authenticator
	hub       *Hub
	logger    *logging.Logger
}

// Options configures NewHandler.
type Options struct {
	Log       eventlog.Log
	Store     storage.Store
	Rebuilder *rebuild.Rebuilder
	Snapshots *snapshots.Manager
	Auth      *AuthManager
	// Authn is optional; without it /auth/login is not mounted.
	Authn  Authenticator
	Logger *logging.Logger

	// RateLimitMax 0 disables rate limiting.
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// NewHandler builds the router with the standard middleware chain.
func NewHandler(opts Options) (http.Handler, *Service) {
	s := &Service{
		log:       opts.Log,
		store:     opts.Store,
		rebuilder: opts.Rebuilder,
		snaps:     opts.Snapshots,
		auth:      opts.Auth,
		authn:     opts.Authn,
		hub:       NewHub(opts.Logger),
		logger:    opts.Logger,
	}

	r := mux.NewRouter()
	r.Use(RecoveryMiddleware(opts.Logger))
	r.Use(TracingMiddleware(opts.Logger))
	r.Use(CORSMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(NewRateLimiter(opts.RateLimitMax, opts.RateLimitWindow, opts.Logger).Middleware)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.authn != nil {
		r.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/wallets", s.listWallets).Methods(http.MethodGet)
	api.HandleFunc("/wallets", s.createWallet).Methods(http.MethodPost)
	api.HandleFunc("/wallets/join", s.joinWallet).Methods(http.MethodPost)

	// Everything below operates inside one wallet.
	scoped := api.NewRoute().Subrouter()
	scoped.Use(s.walletContext)

	scoped.HandleFunc("/wallets/{id}", s.getWallet).Methods(http.MethodGet)
	scoped.HandleFunc("/wallets/{id}", s.updateWallet).Methods(http.MethodPut)
	scoped.HandleFunc("/wallets/{id}/users", s.listMembers).Methods(http.MethodGet)
	scoped.HandleFunc("/wallets/{id}/users", s.addMember).Methods(http.MethodPost)
	scoped.HandleFunc("/wallets/{id}/users/{userID}", s.updateMember).Methods(http.MethodPut)
	scoped.HandleFunc("/wallets/{id}/users/{userID}", s.removeMember).Methods(http.MethodDelete)
	scoped.HandleFunc("/wallets/{id}/invites", s.createInvite).Methods(http.MethodPost)

	scoped.HandleFunc("/wallets/{id}/user-groups", s.listUserGroups).Methods(http.MethodGet)
	scoped.HandleFunc("/wallets/{id}/user-groups", s.createUserGroup).Methods(http.MethodPost)
	scoped.HandleFunc("/wallets/{id}/user-groups/{groupID}", s.renameUserGroup).Methods(http.MethodPut)
	scoped.HandleFunc("/wallets/{id}/user-groups/{groupID}", s.deleteUserGroup).Methods(http.MethodDelete)
	scoped.HandleFunc("/wallets/{id}/user-groups/{groupID}/members", s.listUserGroupMembers).Methods(http.MethodGet)
	scoped.HandleFunc("/wallets/{id}/user-groups/{groupID}/members", s.addUserGroupMember).Methods(http.MethodPost)
	scoped.HandleFunc("/wallets/{id}/user-groups/{groupID}/members/{memberID}", s.removeUserGroupMember).Methods(http.MethodDelete)

	scoped.HandleFunc("/wallets/{id}/contact-groups", s.listContactGroups).Methods(http.MethodGet)
	scoped.HandleFunc("/wallets/{id}/contact-groups", s.createContactGroup).Methods(http.MethodPost)
	scoped.HandleFunc("/wallets/{id}/contact-groups/{groupID}", s.renameContactGroup).Methods(http.MethodPut)
	scoped.HandleFunc("/wallets/{id}/contact-groups/{groupID}", s.deleteContactGroup).Methods(http.MethodDelete)
	scoped.HandleFunc("/wallets/{id}/contact-groups/{groupID}/members", s.listContactGroupMembers).Methods(http.MethodGet)
	scoped.HandleFunc("/wallets/{id}/contact-groups/{groupID}/members", s.addContactGroupMember).Methods(http.MethodPost)
	scoped.HandleFunc("/wallets/{id}/contact-groups/{groupID}/members/{memberID}", s.removeContactGroupMember).Methods(http.MethodDelete)

	scoped.HandleFunc("/wallets/{id}/permission-actions", s.listPermissionActions).Methods(http.MethodGet)
	scoped.HandleFunc("/wallets/{id}/permission-matrix", s.getPermissionMatrix).Methods(http.MethodGet)
	scoped.HandleFunc("/wallets/{id}/permission-matrix", s.putPermissionMatrix).Methods(http.MethodPut)

	scoped.HandleFunc("/contacts", s.listContacts).Methods(http.MethodGet)
	scoped.HandleFunc("/contacts", s.createContact).Methods(http.MethodPost)
	scoped.HandleFunc("/contacts/{id}", s.updateContact).Methods(http.MethodPut)
	scoped.HandleFunc("/contacts/{id}", s.deleteContact).Methods(http.MethodDelete)
	scoped.HandleFunc("/transactions", s.listTransactions).Methods(http.MethodGet)
	scoped.HandleFunc("/transactions", s.createTransaction).Methods(http.MethodPost)
	scoped.HandleFunc("/transactions/{id}", s.updateTransaction).Methods(http.MethodPut)
	scoped.HandleFunc("/transactions/{id}", s.deleteTransaction).Methods(http.MethodDelete)
	scoped.HandleFunc("/undo", s.undo).Methods(http.MethodPost)

	scoped.HandleFunc("/sync/events", s.pullEvents).Methods(http.MethodGet)
	scoped.HandleFunc("/sync/events", s.pushEvents).Methods(http.MethodPost)
	scoped.HandleFunc("/sync/hash", s.syncHash).Methods(http.MethodGet)

	scoped.HandleFunc("/admin/projections/status", s.projectionStatus).Methods(http.MethodGet)
	scoped.HandleFunc("/admin/projections/rebuild", s.rebuildProjection).Methods(http.MethodPost)

	// The websocket upgrade carries its token in the query string since
	// browsers cannot set headers on upgrade requests.
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)

	return r, s
}

// Hub returns the websocket hub for lifecycle control.
func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
