// Package httputil holds small HTTP helpers shared by the API handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
)

// MaxBodyBytes caps request bodies accepted by DecodeJSON.
const MaxBodyBytes = 1 << 20

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError renders err as a JSON error body. ServiceErrors keep their code
// and status; anything else becomes a 500 with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	if svcErr := apperrors.GetServiceError(err); svcErr != nil {
		WriteJSON(w, svcErr.HTTPStatus, map[string]interface{}{
			"code":    string(svcErr.Code),
			"message": svcErr.Message,
			"details": svcErr.Details,
		})
		return
	}
	WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"code":    string(apperrors.ErrCodeInternal),
		"message": "Internal server error",
	})
}

// WriteMessage writes a plain {"error": msg} body for human-only messages.
func WriteMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// DecodeJSON decodes a request body into dst with a size cap and strict EOF.
func DecodeJSON(r io.Reader, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r, MaxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data in request body")
	}
	return nil
}

// ClientIP extracts the caller address, honouring reverse-proxy headers.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
