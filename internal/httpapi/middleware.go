package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/debitum-app/debitum/internal/metrics"
	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
	"github.com/debitum-app/debitum/internal/platform/httputil"
	"github.com/debitum-app/debitum/internal/platform/logging"
	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/internal/storage"

	"errors"

	"github.com/google/uuid"
)

const (
	ctxWalletIDKey ctxKey = "httpapi.wallet_id"
	ctxRoleKey     ctxKey = "httpapi.role"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// TracingMiddleware assigns a trace id and logs the request.
func TracingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			if logger != nil {
				logger.LogRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
			}
		})
	}
}

// RecoveryMiddleware turns panics into 500s instead of dropped connections.
func RecoveryMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.WithFields(map[string]interface{}{
							"panic": fmt.Sprintf("%v", rec),
							"path":  r.URL.Path,
						}).Error("Recovered from panic in handler")
					}
					httputil.WriteError(w, apperrors.Internal("panic", fmt.Errorf("%v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware applies the permissive default used by native app clients.
func CORSMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Wallet-Id, X-Trace-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request latency.
func MetricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			metrics.RequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).
				Observe(time.Since(start).Seconds())
		})
	}
}

// rateEntry is one fixed window counter.
type rateEntry struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a process-wide fixed-window limiter keyed by client IP, with
// a separate, 5x larger budget for authenticated requests. Stale entries are
// evicted opportunistically once the maps grow past a threshold.
type RateLimiter struct {
	mu         sync.Mutex
	anon       map[string]*rateEntry
	authed     map[string]*rateEntry
	max        int
	authMax    int
	window     time.Duration
	evictAbove int
	logger     *logging.Logger
	now        func() time.Time
}

// NewRateLimiter builds the limiter; max 0 disables it.
func NewRateLimiter(max int, window time.Duration, logger *logging.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		anon:       make(map[string]*rateEntry),
		authed:     make(map[string]*rateEntry),
		max:        max,
		authMax:    max * 5,
		window:     window,
		evictAbove: 10000,
		logger:     logger,
		now:        time.Now,
	}
}

var rateLimitExemptPaths = map[string]struct{}{
	"/health":  {},
	"/ws":      {},
	"/metrics": {},
}

// Middleware enforces the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.max == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if _, exempt := rateLimitExemptPaths[r.URL.Path]; exempt {
			next.ServeHTTP(w, r)
			return
		}

		ip := httputil.ClientIP(r)
		authed := r.Header.Get("Authorization") != ""
		if !rl.allow(ip, authed) {
			if rl.logger != nil {
				rl.logger.WithFields(map[string]interface{}{
					"ip":   ip,
					"path": r.URL.Path,
				}).Warn("Rate limit exceeded")
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			httputil.WriteError(w, apperrors.RateLimitExceeded(rl.max, rl.window.String()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string, authed bool) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limits := rl.anon
	max := rl.max
	if authed {
		limits = rl.authed
		max = rl.authMax
	}

	now := rl.now()
	if len(limits) > rl.evictAbove {
		for k, e := range limits {
			if !e.resetAt.After(now) {
				delete(limits, k)
			}
		}
	}

	entry, ok := limits[key]
	if !ok || !entry.resetAt.After(now) {
		limits[key] = &rateEntry{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if entry.count >= max {
		return false
	}
	entry.count++
	return true
}

// walletContext resolves and validates the wallet scope for a request. The
// wallet id comes from the query string, the X-Wallet-Id header, or the
// route's {id} segment, in that order of precedence.
func (s *Service) walletContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromCtx(r.Context())
		if userID == "" {
			httputil.WriteError(w, apperrors.AuthDeclined(""))
			return
		}

		walletID := r.URL.Query().Get("wallet_id")
		if walletID == "" {
			walletID = r.Header.Get("X-Wallet-Id")
		}
		if walletID == "" {
			if vars := mux.Vars(r); vars != nil {
				walletID = vars["id"]
			}
		}
		if walletID == "" {
			httputil.WriteError(w, apperrors.MissingParameter("wallet_id"))
			return
		}
		if _, err := uuid.Parse(walletID); err != nil {
			httputil.WriteError(w, apperrors.InvalidInput("wallet_id", "must be a UUID"))
			return
		}

		wallet, err := s.store.GetWallet(r.Context(), walletID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httputil.WriteError(w, apperrors.NotFound("wallet", walletID))
				return
			}
			httputil.WriteError(w, apperrors.DatabaseError("get wallet", err))
			return
		}
		if !wallet.IsActive {
			httputil.WriteError(w, apperrors.NotFound("wallet", walletID))
			return
		}

		role, ok, err := s.store.GetRole(r.Context(), walletID, userID)
		if err != nil {
			httputil.WriteError(w, apperrors.DatabaseError("get role", err))
			return
		}
		if !ok {
			httputil.WriteError(w, apperrors.InsufficientWalletPermission())
			return
		}

		ctx := context.WithValue(r.Context(), ctxWalletIDKey, walletID)
		ctx = context.WithValue(ctx, ctxRoleKey, role)
		ctx = logging.WithWalletID(ctx, walletID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func walletIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(ctxWalletIDKey).(string); ok {
		return id
	}
	return ""
}

func roleFromCtx(ctx context.Context) permissions.Role {
	if role, ok := ctx.Value(ctxRoleKey).(permissions.Role); ok {
		return role
	}
	return ""
}
