package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	BadRequest(rr, "BAD_POSITION", "position out of range", "rid-1", map[string]any{"position": -1})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "BAD_POSITION" || body.Error.RequestID != "rid-1" {
		t.Fatalf("unexpected envelope: %+v", body.Error)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		URL string `json:"url"`
	}

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"url":"a.m3u8"}`))
	var p payload
	if err := DecodeJSON(req, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.URL != "a.m3u8" {
		t.Fatalf("expected a.m3u8, got %q", p.URL)
	}

	for _, body := range []string{"", `{"uri":"x"}`, `{"url":"a"}{"url":"b"}`, `[1]`} {
		req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
		if err := DecodeJSON(req, &p); err == nil {
			t.Fatalf("expected error for body %q", body)
		}
	}
}
