// Package upstream issues chat-completion requests against the remote API
// and hands back the raw byte stream. The transport bounds connection
// establishment but never the streaming body: a long completion is not killed
// mid-stream.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"chatgate/pkg/config"
)

// ErrTimeout marks connect or header-wait deadlines, surfaced to clients
// as 504.
var ErrTimeout = errors.New("upstream timeout")

// StatusError is a non-2xx upstream response, surfaced as 502 with the
// sanitized upstream message.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
}

type Client struct {
	http    *http.Client
	apiKey  string
	baseURL string
}

func New(cfg config.UpstreamConfig) *Client {
	connectTimeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(cfg.HTTPClient.TCPNoDelay)
			}
			return conn, nil
		},
		MaxIdleConnsPerHost:   cfg.HTTPClient.PoolMaxIdlePerHost,
		IdleConnTimeout:       time.Duration(cfg.HTTPClient.PoolIdleTimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     cfg.HTTPClient.HTTP2AdaptiveWindow,
		ResponseHeaderTimeout: connectTimeout,
	}
	// No Client.Timeout: it would bound the whole request including the
	// streamed body.
	return &Client{
		http:    &http.Client{Transport: transport},
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// ChatStream posts the client's chat body upstream with streaming forced on
// and returns the response byte stream. The body passes through untouched
// apart from the stream flag, so unknown fields survive verbatim.
func (c *Client) ChatStream(ctx context.Context, body []byte) (io.ReadCloser, error) {
	body, err := sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("force stream flag: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Status: resp.StatusCode, Message: msg}
	}
	return resp.Body, nil
}

// Model extracts the model field from a chat body for logging. Empty when
// absent or unparseable.
func Model(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// readErrorMessage pulls a short, sanitized message out of an upstream error
// body. JSON error envelopes yield their message field; anything else is
// truncated raw text.
func readErrorMessage(r io.Reader) string {
	buf, err := io.ReadAll(io.LimitReader(r, 4*1024))
	if err != nil || len(buf) == 0 {
		return "no response body"
	}
	if msg := gjson.GetBytes(buf, "error.message").String(); msg != "" {
		return truncate(msg, 256)
	}
	return truncate(strings.TrimSpace(string(buf)), 256)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
