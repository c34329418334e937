package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const HeaderAPIKey = "X-API-Key"

// withAuth requires the shared API key on job routes when one is set.
// Health and metrics stay open for probes and scrapers.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	want := []byte(s.apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get(HeaderAPIKey))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requiresAuth(path string) bool {
	return strings.HasPrefix(path, "/v1/") ||
		path == "/generate" ||
		path == "/download" ||
		strings.HasPrefix(path, "/status/")
}
