package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// ModeAPIKey enables key checking in APIKeyMiddleware.
const ModeAPIKey = "apikey"

// APIKeyMiddleware returns HTTP middleware that enforces API key
// authentication on every request.
//
// Behaviour:
//   - If mode != "apikey" or key == "", all requests are allowed (pass-through).
//   - Otherwise the middleware reads header from the request and compares it
//     to key.
//   - A missing, empty, or incorrect key is answered with 401 and a JSON
//     error body; the wrapped handler is not called.
//
// Paths listed in exempt skip the check (health probes).
func APIKeyMiddleware(mode, header, key string, exempt ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		if mode != ModeAPIKey || key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(header)
			if got == "" {
				unauthorized(w, "missing api key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				unauthorized(w, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
