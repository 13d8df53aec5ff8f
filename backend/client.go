// Package backend is the client for the appointment platform's REST API.
// Every failure it returns is an *apperr.Error; transport errors never leak
// to callers unclassified.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/internal/metrics"
)

const (
	// DefaultTimeout bounds every backend call.
	DefaultTimeout = 15 * time.Second

	maxResponseBytes = 1 << 20
	userAgent        = "nobat/1.0"
)

// Client talks to the backend REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    metrics.Recorder
	policy     *bluemonday.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit limits outgoing calls to r per second with the given burst.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithMetrics records every call on m.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		metrics:    metrics.Nop{},
		policy:     bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c.logger = c.logger.With("component", "backend")
	return c, nil
}

// envelope is the response wrapper used by every endpoint.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type call struct {
	op     string
	method string
	path   string
	token  string
	body   any
	// allowFailure returns success=false envelopes to the caller instead of
	// converting them to a server error.
	allowFailure bool
}

type response struct {
	status  int
	success bool
	message string
	data    json.RawMessage
	raw     []byte
}

func (c *Client) do(ctx context.Context, cl call) (resp *response, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = apperr.KindOf(err).String()
		}
		c.metrics.RecordBackendCall(cl.op, result, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperr.Timeout(fmt.Errorf("waiting for rate limiter: %w", err))
		}
	}

	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return nil, apperr.Internal(fmt.Errorf("encoding %s request: %w", cl.op, err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL.String()+cl.path, body)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("building %s request: %w", cl.op, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend call failed",
			slog.String("op", cl.op),
			slog.String("error", err.Error()),
		)
		return nil, classifyTransport(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		c.logger.Warn("backend returned error status",
			slog.String("op", cl.op),
			slog.Int("http_status", httpResp.StatusCode),
		)
		msg := ""
		if decodeErr == nil {
			msg = c.sanitize(env.Message)
		}
		return nil, apperr.Server(httpResp.StatusCode, msg)
	}
	if decodeErr != nil {
		c.logger.Warn("backend response could not be parsed",
			slog.String("op", cl.op),
			slog.String("error", decodeErr.Error()),
		)
		return nil, apperr.BadResponse(httpResp.StatusCode, decodeErr)
	}

	resp = &response{
		status:  httpResp.StatusCode,
		success: env.Success == nil || *env.Success,
		message: c.sanitize(env.Message),
		data:    env.Data,
		raw:     raw,
	}
	if !resp.success && !cl.allowFailure {
		return nil, apperr.Server(httpResp.StatusCode, resp.message)
	}
	return resp, nil
}

// decodeData unmarshals the envelope data into out. Missing data is a bad
// response.
func decodeData(resp *response, out any) error {
	if len(resp.data) == 0 || bytes.Equal(resp.data, []byte("null")) {
		return apperr.BadResponse(resp.status, errors.New("response has no data"))
	}
	if err := json.Unmarshal(resp.data, out); err != nil {
		return apperr.BadResponse(resp.status, err)
	}
	return nil
}

// sanitize strips markup from server-provided text. The policy escapes
// entities for HTML output; messages are plain text, so they are decoded.
func (c *Client) sanitize(s string) string {
	return strings.TrimSpace(html.UnescapeString(c.policy.Sanitize(s)))
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Timeout(err)
	}
	return apperr.Network(err)
}
