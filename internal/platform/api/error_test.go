package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteError_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	BadRequest(rr, "MISSING_ID", "course_id is required", "req-1", map[string]any{"field": "course_id"})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "MISSING_ID" || resp.Error.RequestID != "req-1" {
		t.Fatalf("unexpected error body: %+v", resp.Error)
	}
	if resp.Error.Details["field"] != "course_id" {
		t.Fatalf("expected details to round-trip, got %v", resp.Error.Details)
	}
}

func TestStatusHelpers(t *testing.T) {
	cases := []struct {
		name  string
		write func(http.ResponseWriter)
		want  int
	}{
		{"internal", func(w http.ResponseWriter) { Internal(w, "") }, http.StatusInternalServerError},
		{"unauthorized", func(w http.ResponseWriter) { Unauthorized(w, "UNAUTHORIZED", "no token", "") }, http.StatusUnauthorized},
		{"unavailable", func(w http.ResponseWriter) { Unavailable(w, "NOT_READY", "queue down", "") }, http.StatusServiceUnavailable},
		{"rate limited", func(w http.ResponseWriter) { RateLimited(w, "RATE_LIMITED", "slow down", "") }, http.StatusTooManyRequests},
	}
	for _, c := range cases {
		rr := httptest.NewRecorder()
		c.write(rr)
		if rr.Code != c.want {
			t.Fatalf("%s: expected %d, got %d", c.name, c.want, rr.Code)
		}
	}
}
