package server

import (
	"fmt"
	"net/http"
)

// defaultMaxBodyBytes applies when the config leaves max_body_bytes unset.
const defaultMaxBodyBytes int64 = 1 << 20

// limitRequestBody caps the body of every request that may carry one.
// A declared Content-Length over the cap is refused with 413 up front; other
// bodies are wrapped so the JSON decoder fails once the cap is crossed.
func limitRequestBody(limit int64) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	msg := fmt.Sprintf("request body exceeds %d bytes", limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				if r.ContentLength > limit {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", msg)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
