package apierror

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/admin/reload", nil)

	WriteJSON(w, r, http.StatusBadGateway, NotifyFailed, "signalling pid 42: operation not permitted")

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Bad Gateway" {
		t.Errorf("error = %q, want %q", resp.Error, "Bad Gateway")
	}
	if resp.ErrorCode != "WATCH_NOTIFY_FAILED" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "WATCH_NOTIFY_FAILED")
	}
	if resp.Message != "signalling pid 42: operation not permitted" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestWriteJSON_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	r.Header.Set("X-Request-ID", "test-req-123")

	WriteJSON(w, r, http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "test-req-123")
	}
	if resp.ErrorCode != "WATCH_AUTH_MISSING_TOKEN" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "WATCH_AUTH_MISSING_TOKEN")
	}
}

func TestWriteJSON_PreSerializedMatchesEncoded(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, nil, http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")

	if !bytes.Equal(w.Body.Bytes(), preRateLimitExceeded) {
		t.Errorf("expected pre-serialized body, got %s", w.Body.String())
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "" {
		t.Errorf("request_id should be omitted, got %q", resp.RequestID)
	}
}

func TestPreSerialized_NoMatch(t *testing.T) {
	if preSerialized(http.StatusForbidden, Forbidden, "something else") != nil {
		t.Error("expected nil for non-matching message")
	}
}
