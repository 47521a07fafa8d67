package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
)

const defaultAPIKeyHeader = "X-API-Key"

// RetryPolicy controls retries of outbound calls
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RetryStatuses are upstream statuses worth another attempt
	RetryStatuses []int
}

// DefaultRetryPolicy returns the standard retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		RetryStatuses: []int{429, 500, 502, 503, 504},
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// min(maxDelay, base * 2^(attempt-1) * (0.5 + jitter*0.5)) with jitter in [0,1).
func (p RetryPolicy) Backoff(attempt int, jitter float64) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)) * (0.5 + jitter*0.5)
	return time.Duration(math.Min(float64(p.MaxDelay), delay))
}

func (p RetryPolicy) retryStatus(status int) bool {
	for _, s := range p.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Config configures a Client
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Retry       RetryPolicy
	Headers     map[string]string
	Credentials models.Credentials
}

// Request is one outbound call relative to the base URL
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Response is a fully read upstream response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Client performs JSON-over-HTTP calls with auth injection and retries
type Client struct {
	config Config
	http   *http.Client
	logger *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithSleep overrides how the client waits between retries
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// New creates a Client
func New(config Config, logger *zap.Logger, opts ...Option) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	c := &Client{
		config: config,
		http:   &http.Client{},
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// URL resolves a path against the base URL; absolute URLs pass through
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.config.BaseURL + path
}

// Do performs a buffered call, retrying network failures, request timeouts
// and retryable statuses. A final non-2xx status is an http_status error.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err == nil && resp.StatusCode < 300 {
			resp.Attempts = attempt
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, services.NewCancelledError(ctx.Err())
		}

		if err == nil {
			err = services.NewHTTPStatusError(resp.StatusCode, resp.Body)
		}
		if !c.retryable(err) || attempt > c.config.Retry.MaxRetries {
			return nil, err
		}

		delay := c.backoff(attempt)
		c.logger.Warn("retrying upstream call",
			zap.String("url", c.URL(req.Path)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, services.NewCancelledError(err)
		}
	}
}

// Open performs a call whose body is consumed incrementally. Retries apply
// only until response headers arrive; the per-attempt timeout does too.
// The caller must close the returned body.
func (c *Client) Open(ctx context.Context, req Request) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := c.open(ctx, req)
		if err == nil && resp.StatusCode < 300 {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, services.NewCancelledError(ctx.Err())
		}

		if err == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			err = services.NewHTTPStatusError(resp.StatusCode, body)
		}
		if !c.retryable(err) || attempt > c.config.Retry.MaxRetries {
			return nil, err
		}

		delay := c.backoff(attempt)
		c.logger.Warn("retrying upstream stream",
			zap.String("url", c.URL(req.Path)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, services.NewCancelledError(err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := c.newRequest(attemptCtx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, attemptCtx, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.transportError(ctx, attemptCtx, err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) open(ctx context.Context, req Request) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(c.config.Timeout, cancel)
	timedOut := func() bool { return !headerTimer.Stop() }

	httpReq, err := c.newRequest(attemptCtx, req)
	if err != nil {
		headerTimer.Stop()
		cancel()
		return nil, err
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		expired := timedOut()
		cancel()
		if expired && ctx.Err() == nil {
			return nil, requestTimeoutError(err)
		}
		return nil, c.transportError(ctx, attemptCtx, err)
	}
	if timedOut() {
		httpResp.Body.Close()
		cancel()
		return nil, requestTimeoutError(context.DeadlineExceeded)
	}

	httpResp.Body = &cancelOnClose{ReadCloser: httpResp.Body, cancel: cancel}
	return httpResp, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.URL(req.Path), body)
	if err != nil {
		return nil, services.NewConfigurationError("failed to build upstream request", []string{err.Error()})
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	ApplyAuth(httpReq.Header, c.config.Credentials)
	return httpReq, nil
}

// transportError classifies a failed attempt as timeout, cancellation or network error
func (c *Client) transportError(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return services.NewCancelledError(parent.Err())
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return requestTimeoutError(err)
	}
	return services.NewNetworkError(err)
}

func (c *Client) retryable(err error) bool {
	switch services.GetErrorType(err) {
	case services.ErrorTypeNetwork:
		return true
	case services.ErrorTypeHTTPStatus:
		status, _ := services.HTTPStatusOf(err)
		return c.config.Retry.retryStatus(status)
	}
	return false
}

func (c *Client) backoff(attempt int) time.Duration {
	c.randMu.Lock()
	jitter := c.rand.Float64()
	c.randMu.Unlock()
	return c.config.Retry.Backoff(attempt, jitter)
}

// ApplyAuth injects credentials into outbound headers
func ApplyAuth(h http.Header, creds models.Credentials) {
	switch creds.Type {
	case models.AuthTypeBearer:
		if creds.Secret != "" {
			h.Set("Authorization", "Bearer "+creds.Secret)
		}
	case models.AuthTypeAPIKey:
		name := creds.HeaderName
		if name == "" {
			name = defaultAPIKeyHeader
		}
		if creds.Secret != "" {
			h.Set(name, creds.Secret)
		}
	case models.AuthTypeCustomHeaders:
		for k, v := range creds.Headers {
			h.Set(k, v)
		}
	}
}

// requestTimeoutError is retryable like any network failure
func requestTimeoutError(err error) error {
	return services.NewDomainError(services.ErrorTypeNetwork, "upstream request timed out", err).
		WithDetail("timeout", true)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelOnClose releases the attempt context when the body is closed
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
