package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func response(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestCheckResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		code    int
		body    string
		wantErr string
	}{
		{"ok", http.StatusOK, "", ""},
		{"no content", http.StatusNoContent, "", ""},
		{"json error", http.StatusForbidden, `{"error": "credential revoked"}`, "unexpected response 403 Forbidden: credential revoked"},
		{"text error", http.StatusBadGateway, "upstream down\n", "unexpected response 502 Bad Gateway: upstream down"},
		{"empty error", http.StatusServiceUnavailable, "", "unexpected response 503 Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckResponse(response(tt.code, tt.body))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.code {
				t.Errorf("expected StatusError with code %d, got %#v", tt.code, err)
			}
		})
	}
}

func TestCheckResponseTruncatesBody(t *testing.T) {
	t.Parallel()

	err := CheckResponse(response(http.StatusInternalServerError, strings.Repeat("x", 3*maxErrorBody)))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if len(se.Message) != maxErrorBody {
		t.Errorf("message length = %d, want %d", len(se.Message), maxErrorBody)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var out struct {
		Status string `json:"status"`
	}
	if err := DecodeJSON(response(http.StatusOK, `{"status": "accepted"}`), &out); err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if out.Status != "accepted" {
		t.Errorf("status = %q, want accepted", out.Status)
	}

	if err := DecodeJSON(response(http.StatusOK, ""), &out); err != nil {
		t.Errorf("empty body should decode to nothing, got %v", err)
	}
	if err := DecodeJSON(response(http.StatusOK, "{"), &out); err == nil {
		t.Error("expected error for truncated JSON")
	}
	if err := DecodeJSON(response(http.StatusTeapot, ""), &out); err == nil {
		t.Error("expected status error")
	}
}
