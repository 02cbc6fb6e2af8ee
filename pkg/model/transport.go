package model

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NetworkLogEntry is one request/response pair in network.jsonl.
type NetworkLogEntry struct {
	Timestamp       time.Time         `json:"timestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestID       string            `json:"request_id,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     string            `json:"request_body,omitempty"`
	ResponseStatus  int               `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	DurationMS      int64             `json:"duration_ms"`
	Error           string            `json:"error,omitempty"`
}

// LoggingTransport records requests and non-streaming responses as JSONL.
// Streaming bodies are passed through untouched.
type LoggingTransport struct {
	base http.RoundTripper

	mu  sync.Mutex
	out io.WriteCloser
}

// NewLoggingTransport logs to <logDir>/network.jsonl. An empty logDir, or
// a directory that cannot be created, disables logging.
func NewLoggingTransport(base http.RoundTripper, logDir string) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	lt := &LoggingTransport{base: base}
	if strings.TrimSpace(logDir) == "" {
		return lt
	}
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return lt
	}
	f, err := os.OpenFile(filepath.Join(logDir, "network.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return lt
	}
	lt.out = f
	return lt
}

// RoundTrip implements http.RoundTripper
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.out == nil {
		return t.base.RoundTrip(req)
	}

	entry := NetworkLogEntry{
		Timestamp:      time.Now(),
		Method:         req.Method,
		URL:            req.URL.String(),
		RequestID:      req.Header.Get(headerRequestID),
		RequestHeaders: sanitizeHeaders(req.Header),
	}
	streaming := req.Header.Get("Accept") == "text/event-stream"

	if req.Body != nil && req.Body != http.NoBody {
		if body, err := io.ReadAll(req.Body); err == nil {
			entry.RequestBody = truncateBody(string(body))
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	entry.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
		t.write(entry)
		return nil, err
	}

	entry.ResponseStatus = resp.StatusCode
	entry.ResponseHeaders = sanitizeHeaders(resp.Header)
	switch {
	case streaming && resp.StatusCode < 300:
		entry.ResponseBody = "[stream]"
	case resp.Body != nil:
		if body, readErr := io.ReadAll(resp.Body); readErr == nil {
			entry.ResponseBody = truncateBody(string(body))
			resp.Body = io.NopCloser(bytes.NewReader(body))
		}
	}

	t.write(entry)
	return resp, nil
}

func (t *LoggingTransport) write(entry NetworkLogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return
	}
	_, _ = t.out.Write(append(data, '\n'))
}

// Close closes the log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return nil
	}
	err := t.out.Close()
	t.out = nil
	return err
}

func sanitizeHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for key, values := range headers {
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "cookie":
			result[key] = "[REDACTED]"
		default:
			result[key] = strings.Join(values, ", ")
		}
	}
	return result
}

func truncateBody(body string) string {
	const maxLen = 10000
	if len(body) > maxLen {
		return body[:maxLen] + "\n...[truncated]"
	}
	return body
}
