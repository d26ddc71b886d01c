package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// APIKeyAuth guards the client-facing routes with the shared backend key.
// Relay deliveries carry a signature and provider webhooks carry correlation
// ids, so both are mounted outside it.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, source := presentedKey(r)

			logger := log.WithFields(log.Fields{
				"requestId": middleware.GetReqID(r.Context()),
				"path":      r.URL.Path,
				"remote":    r.RemoteAddr,
			})

			if key == "" {
				logger.Warn("[API] Rejected request without API key")
				respondError(w, http.StatusUnauthorized, "Missing API key. Provide X-API-Key header or Authorization: Bearer <key>")
				return
			}

			// Constant-time so a mismatch position is not observable.
			if subtle.ConstantTimeCompare([]byte(key), expected) != 1 {
				logger.WithField("keySource", source).Warn("[API] Rejected request with invalid API key")
				respondError(w, http.StatusForbidden, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// presentedKey reads X-API-Key, falling back to a bearer token, and reports
// which header it came from.
func presentedKey(r *http.Request) (key, source string) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, "x-api-key"
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")), "bearer"
	}
	return "", ""
}
