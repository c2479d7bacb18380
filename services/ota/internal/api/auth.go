package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
)

const apiKeyHeader = "X-API-Key"

// requireAPIKey rejects any request whose X-API-Key header does not match
// the configured secret. Authorization is checked before business logic
// so every endpoint fails closed.
func (a *API) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.config.APIKey)) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
