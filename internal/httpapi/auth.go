package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
	"github.com/debitum-app/debitum/internal/platform/httputil"
	"github.com/debitum-app/debitum/internal/platform/logging"
	"github.com/debitum-app/debitum/internal/storage"
)

type ctxKey string

const (
	ctxUserIDKey   ctxKey = "httpapi.user_id"
	ctxUsernameKey ctxKey = "httpapi.username"
)

// Claims is the JWT payload the core issues and validates.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthManager issues and validates HS256 tokens.
type AuthManager struct {
	secret []byte
	ttl    time.Duration
}

// NewAuthManager builds a manager from the shared HMAC secret.
func NewAuthManager(secret string, ttl time.Duration) *AuthManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthManager{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the user.
func (m *AuthManager) Issue(user storage.User) (string, time.Time, error) {
	expires := time.Now().Add(m.ttl)
	claims := &Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	return token, expires, err
}

// Validate parses and verifies a token.
func (m *AuthManager) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.AuthDeclined("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, apperrors.AuthDeclined("invalid token")
	}
	return claims, nil
}

// Middleware authenticates Bearer tokens and stores the principal in context.
// Failures return 401 with the stable DEBITUM_AUTH_DECLINED code; clients keep
// their local state on it.
func (m *AuthManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			httputil.WriteError(w, apperrors.AuthDeclined("missing bearer token"))
			return
		}
		claims, err := m.Validate(token)
		if err != nil {
			httputil.WriteError(w, apperrors.AuthDeclined(""))
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserIDKey, claims.Subject)
		ctx = context.WithValue(ctx, ctxUsernameKey, claims.Username)
		ctx = logging.WithUserID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken supports the standard Authorization header only; avoid query
// tokens outside the websocket upgrade.
func extractToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(authHeader)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func userIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(ctxUserIDKey).(string); ok {
		return id
	}
	return ""
}

// login exchanges primary credentials for a token via the injected
// Authenticator. Registration and password storage are outside the core.
func (s *Service) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	user, err := s.authn.Authenticate(r.Context(), payload.Username, payload.Password)
	if err != nil {
		httputil.WriteError(w, apperrors.AuthDeclined(""))
		return
	}
	if err := s.store.EnsureUser(r.Context(), user); err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("ensure user", err))
		return
	}
	token, expires, err := s.auth.Issue(user)
	if err != nil {
		httputil.WriteError(w, apperrors.Internal("issue token", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"user_id":    user.ID,
		"username":   user.Username,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}
