package middleware

import (
	"net/http"

	"github.com/dskow/cubewatch/internal/apierror"
)

// BodyLimit returns middleware that caps request bodies at maxBytes. None of
// the side listener's endpoints read a body, so the cap is small; oversized
// requests get 413 up front when Content-Length says so, and chunked bodies
// are wrapped with http.MaxBytesReader.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
