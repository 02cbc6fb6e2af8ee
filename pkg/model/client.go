package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "github.com/odvcencio/threadline/pkg/errors"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8001"

	pathChat          = "/v1/chat"
	pathTools         = "/v1/tools"
	pathToolsCheck    = "/v1/tools-check-if-confirmation-needed"
	headerRequestID   = "X-Request-ID"
	defaultTimeout    = 60 * time.Second
	defaultRateLimit  = rate.Limit(5)
	defaultBurstSize  = 10
	maxTitleLength    = 80
	titleInstruction  = "Summarize the conversation above as a short title of at most seven words. Reply with the title only."
	maxErrorBodyBytes = 500
)

// RetryConfig controls retries of requests that fail before any response
// body has been consumed.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
}

// DefaultTransport returns a pooled transport tuned for one backend host.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// ClientOptions configures NewClient. Zero values select defaults.
type ClientOptions struct {
	APIKey string
	// NetworkLogDir enables the JSONL network log when non-empty.
	NetworkLogDir string
	// Timeout bounds non-streaming calls. Streams are bounded by ctx only.
	Timeout        time.Duration
	RateLimit      rate.Limit
	Burst          int
	CircuitBreaker *CircuitBreakerConfig
	Retry          *RetryConfig
	// HTTPClient replaces the default client and transport entirely.
	HTTPClient *http.Client
}

// Client talks to the chat backend.
type Client struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	transport      *LoggingTransport
	timeout        time.Duration
	rateLimiter    *rate.Limiter
	circuitBreaker *CircuitBreaker
	retryConfig    RetryConfig
}

// NewClient creates a client for baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, opts ClientOptions) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		apiKey:      opts.APIKey,
		baseURL:     baseURL,
		timeout:     opts.Timeout,
		retryConfig: DefaultRetryConfig(),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if opts.Retry != nil {
		c.retryConfig = *opts.Retry
	}

	limit, burst := opts.RateLimit, opts.Burst
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultBurstSize
	}
	c.rateLimiter = rate.NewLimiter(limit, burst)

	cbConfig := DefaultCircuitBreakerConfig()
	if opts.CircuitBreaker != nil {
		cbConfig = *opts.CircuitBreaker
	}
	c.circuitBreaker = NewCircuitBreaker(cbConfig)

	if opts.HTTPClient != nil {
		c.httpClient = opts.HTTPClient
	} else {
		c.transport = NewLoggingTransport(DefaultTransport(), opts.NetworkLogDir)
		c.httpClient = &http.Client{Transport: c.transport}
	}
	return c
}

// Close releases the network log.
func (c *Client) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CircuitBreakerState reports the breaker position.
func (c *Client) CircuitBreakerState() string {
	return c.circuitBreaker.State()
}

// AvailableTools fetches the backend's tool catalog.
func (c *Client) AvailableTools(ctx context.Context) ([]Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, pathTools, nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tools []Tool
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeBackend, "decoding tool list")
	}
	return tools, nil
}

// SendChat opens a streaming chat request. The caller owns the returned
// body and should hand it to Consume.
func (c *Client) SendChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshaling chat request")
	}
	resp, err := c.do(ctx, http.MethodPost, pathChat, body, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GenerateChatTitle asks the backend for a short title of the thread.
func (c *Client) GenerateChatTitle(ctx context.Context, req TitleRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]Message, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		if m.Role == "user" || m.Role == "assistant" {
			if m.Role == "assistant" && m.Content == nil {
				continue
			}
			messages = append(messages, Message{Role: m.Role, Content: m.Content})
		}
	}
	messages = append(messages, Message{Role: "user", Content: StringPtr(titleInstruction)})

	body, err := json.Marshal(ChatRequest{
		Messages:  messages,
		Model:     req.Model,
		Stream:    false,
		ChatID:    req.ChatID,
		MaxTokens: 32,
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshaling title request")
	}

	resp, err := c.do(ctx, http.MethodPost, pathChat, body, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeBackend, "decoding title response")
	}
	if len(out.Choices) == 0 {
		return "", apperrors.New(apperrors.ErrCodeBackend, "title response has no choices")
	}
	title := CleanTitle(out.Choices[0].Message.Text())
	if title == "" {
		return "", apperrors.New(apperrors.ErrCodeBackend, "title response is empty")
	}
	return title, nil
}

// CheckToolConfirmation asks whether the given tool calls need the user.
func (c *Client) CheckToolConfirmation(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return ConfirmationResponse{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshaling confirmation request")
	}
	resp, err := c.do(ctx, http.MethodPost, pathToolsCheck, body, false)
	if err != nil {
		return ConfirmationResponse{}, err
	}
	defer resp.Body.Close()

	var out ConfirmationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ConfirmationResponse{}, apperrors.Wrap(err, apperrors.ErrCodeBackend, "decoding confirmation response")
	}
	return out, nil
}

// CleanTitle trims quotes, keeps the first line and caps the length.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(strings.TrimSpace(title), "\"'`*#. ")
	if utf8.RuneCountInString(title) > maxTitleLength {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxTitleLength]))
	}
	return title
}

// do sends one request through the breaker, retrying retryable failures
// with backoff. A successful response has a 2xx status.
func (c *Client) do(ctx context.Context, method, path string, body []byte, stream bool) (*http.Response, error) {
	requestID := uuid.NewString()
	var resp *http.Response

	err := c.circuitBreaker.Call(func() error {
		var lastErr error
		for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.backoff(attempt, lastErr)):
				}
			}
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return err
			}

			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}
			httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "creating request")
			}
			c.setHeaders(httpReq, requestID, stream, body != nil)

			r, err := c.httpClient.Do(httpReq)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				lastErr = err
				continue
			}
			if r.StatusCode < 200 || r.StatusCode >= 300 {
				apiErr := parseError(r)
				r.Body.Close()
				lastErr = apiErr
				if apiErr.Retryable {
					continue
				}
				return apiErr
			}
			resp = r
			return nil
		}
		return lastErr
	}, countsAsBackendFailure)

	if err != nil {
		return nil, classify(err, method, path, requestID)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, requestID string, stream, hasBody bool) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set(headerRequestID, requestID)
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
}

// backoff grows exponentially with jitter and honours Retry-After.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
		return min(apiErr.RetryAfter, c.retryConfig.MaxInterval)
	}

	delay := float64(c.retryConfig.InitialInterval)
	for i := 1; i < attempt; i++ {
		delay *= c.retryConfig.Multiplier
	}
	if ceiling := float64(c.retryConfig.MaxInterval); ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay*0.75 + rand.Float64()*delay*0.5)
}

func countsAsBackendFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return true
}

func classify(err error, method, path, requestID string) error {
	if coded, ok := apperrors.As(err); ok {
		return coded
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(err, apperrors.ErrCodeAborted, "request cancelled").
			WithContext("request_id", requestID)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		code := apperrors.ErrCodeTransport
		if apiErr.IsRateLimitError() {
			code = apperrors.ErrCodeRateLimit
		}
		return apperrors.Wrap(err, code, fmt.Sprintf("%s %s failed", method, path)).
			WithContext("request_id", requestID).
			WithRetryable(apiErr.Retryable).
			WithUserMessage(apiErr.Message)
	}
	return apperrors.Wrap(err, apperrors.ErrCodeTransport, fmt.Sprintf("%s %s failed", method, path)).
		WithContext("request_id", requestID).
		WithRetryable(true)
}

func parseError(resp *http.Response) *APIError {
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
		Retryable:  retryable,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return apiErr
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		raw := string(body)
		if len(raw) > maxErrorBodyBytes {
			raw = raw[:maxErrorBodyBytes] + "..."
		}
		apiErr.Message = fmt.Sprintf("%s (raw: %s)", resp.Status, raw)
		return apiErr
	}

	switch {
	case errResp.Detail != "":
		apiErr.Message = errResp.Detail
	case errResp.Error.Message != "":
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
	}
	return apiErr
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
