package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStandardClient_Timeout(t *testing.T) {
	client := NewStandardClient(3 * time.Second)
	if client.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", client.Timeout)
	}
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body["run_id"] != "r-1" {
			t.Errorf("run_id = %q, want r-1", body["run_id"])
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 123}`))
	}))
	defer server.Close()

	resp, err := PostJSON(context.Background(), NewStandardClient(0), server.URL+"/checkin", map[string]string{"run_id": "r-1"})
	if err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusCreated)
	}
}

func TestPostJSON_EncodeError(t *testing.T) {
	mock := NewMockHTTPClient()
	if _, err := PostJSON(context.Background(), mock, "http://example.com", func() {}); err == nil {
		t.Fatal("expected encode error")
	}
	if mock.RequestCount() != 0 {
		t.Error("nothing should be sent when encoding fails")
	}
}

func TestMockHTTPClient_RecordsBodies(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusAccepted, `{"status": "ok"}`)

	resp, err := PostJSON(context.Background(), mock, "http://example.com/api", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if resp.Status != "202 Accepted" {
		t.Errorf("got status text %q", resp.Status)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status": "ok"}` {
		t.Errorf("got body %q", string(body))
	}
	if got := mock.GetBody(0); got != `{"n":1}` {
		t.Errorf("recorded body %q", got)
	}
	if mock.GetRequest(0).Method != http.MethodPost {
		t.Errorf("got method %s, want POST", mock.GetRequest(0).Method)
	}
	if mock.GetRequest(1) != nil || mock.GetBody(-1) != "" {
		t.Error("out of range lookups should be empty")
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "first")
	refused := errors.New("connection refused")
	mock.AddErrorResponse(refused)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/1", nil)
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "first" {
		t.Errorf("first response: got %q", string(body))
	}

	if _, err := mock.Do(req); err != refused {
		t.Errorf("second request: got %v, want %v", err, refused)
	}

	// Drained queue falls back to an empty 200.
	resp, err = mock.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Errorf("default response: %v %v", resp, err)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("got %d requests, want 3", mock.RequestCount())
	}
}

func TestMockHTTPClient_DefaultErrorAndDoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	netErr := errors.New("network error")
	mock.DefaultError = netErr
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := mock.Do(req); err != netErr {
		t.Errorf("got error %v, want %v", err, netErr)
	}

	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: io.NopCloser(strings.NewReader("custom")), Request: req}, nil
	}
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("DoFunc request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
}

func TestMockHTTPClient_CancelledContext(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "never")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := PostJSON(ctx, mock, "http://example.com", map[string]string{}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
