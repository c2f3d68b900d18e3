package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatgate/pkg/config"
)

func clientFor(url string) *Client {
	cfg := config.DefaultConfig().Upstream
	cfg.APIKey = "sk-test"
	cfg.BaseURL = url
	return New(cfg)
}

func TestChatStreamForcesStreamFlag(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body not JSON: %v", err)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	body := []byte(`{"model":"deepseek-chat","messages":[],"stream":false,"custom_knob":7}`)
	stream, err := clientFor(srv.URL).ChatStream(context.Background(), body)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	stream.Close()

	if got["stream"] != true {
		t.Error("stream flag not forced to true")
	}
	// Unknown fields pass through verbatim.
	if got["custom_knob"] != float64(7) {
		t.Errorf("custom_knob = %v", got["custom_knob"])
	}
}

func TestChatStreamPassesBytesThrough(t *testing.T) {
	const payload = "data: {\"choices\":[]}\n\ndata: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	stream, err := clientFor(srv.URL).ChatStream(context.Background(), []byte(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer stream.Close()
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(got) != payload {
		t.Errorf("stream = %q", got)
	}
}

func TestChatStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	_, err := clientFor(srv.URL).ChatStream(context.Background(), []byte(`{}`))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v", err)
	}
	if statusErr.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d", statusErr.Status)
	}
	if statusErr.Message != "overloaded" {
		t.Errorf("message = %q", statusErr.Message)
	}
}

func TestChatStreamNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>gateway exploded</html>")
	}))
	defer srv.Close()

	_, err := clientFor(srv.URL).ChatStream(context.Background(), []byte(`{}`))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(statusErr.Message, "gateway exploded") {
		t.Errorf("message = %q", statusErr.Message)
	}
}

func TestChatStreamConnectFailure(t *testing.T) {
	// A closed server: connection refused, not a timeout.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := clientFor(srv.URL).ChatStream(context.Background(), []byte(`{}`))
	if err == nil {
		t.Fatal("expected connect error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("connection refused misclassified as timeout: %v", err)
	}
}

func TestModel(t *testing.T) {
	if got := Model([]byte(`{"model":"deepseek-chat"}`)); got != "deepseek-chat" {
		t.Errorf("Model = %q", got)
	}
	if got := Model([]byte(`{}`)); got != "" {
		t.Errorf("Model on empty = %q", got)
	}
}
