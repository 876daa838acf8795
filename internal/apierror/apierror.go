// Package apierror provides the JSON error envelope used by the watcher's
// HTTP side listener. Every handler uses WriteJSON so clients get the same
// shape and a stable error code.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes. These form a public API contract; do not rename or remove
// existing codes.
const (
	NotFound              ErrorCode = "WATCH_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "WATCH_METHOD_NOT_ALLOWED"
	Forbidden             ErrorCode = "WATCH_FORBIDDEN"
	AuthMissingToken      ErrorCode = "WATCH_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "WATCH_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "WATCH_AUTH_INSUFFICIENT_SCOPE"
	RateLimitExceeded     ErrorCode = "WATCH_RATE_LIMIT_EXCEEDED"
	BodyTooLarge          ErrorCode = "WATCH_BODY_TOO_LARGE"
	NotifyFailed          ErrorCode = "WATCH_NOTIFY_FAILED"
	InternalError         ErrorCode = "WATCH_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the rejections admin clients hit most. They do
// not include request_id since it varies per request.
var (
	preForbidden         = mustMarshal(http.StatusForbidden, Forbidden, "client address not allowed")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The X-Request-ID header
// of r is echoed when present; r may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == Forbidden && status == http.StatusForbidden && message == "client address not allowed":
		return preForbidden
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	}
	return nil
}
