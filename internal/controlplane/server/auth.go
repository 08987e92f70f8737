package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenMiddleware requires "Authorization: Bearer <token>" on every path not
// listed in skipPaths. A trailing "*" in a skip path matches by prefix.
func tokenMiddleware(token string, skipPaths []string) func(http.Handler) http.Handler {
	skipExact := make(map[string]bool, len(skipPaths))
	var skipPrefix []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipExact[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			for _, p := range skipPrefix {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if !tokenMatches(token, bearerToken(r)) {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func tokenMatches(want, got string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
