package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/cubewatch/internal/apierror"
)

// Recovery returns middleware that recovers from handler panics, logs the
// stack trace and answers 500 with the JSON error envelope. A panic in the
// side listener never reaches the watcher loop.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Error("panic in http handler",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
