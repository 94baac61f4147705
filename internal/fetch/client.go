// Package fetch provides the outbound HTTP plumbing shared by every external data source and
// the clients for the price, markets and token-list services.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/aptos-positions/internal/circuitbreaker"
	"github.com/yourorg/aptos-positions/internal/otel"
)

// Options configures the shared client.
type Options struct {
	// Timeout bounds every single external call, retries included
	Timeout time.Duration

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RPS caps outbound requests per second across all sources, 0 disables the limiter
	RPS float64

	// Breakers guards each source; nil disables circuit breaking
	Breakers *circuitbreaker.Set

	// Observe receives the duration of every call, may be nil
	Observe func(source string, d time.Duration)

	// HTTPClient replaces the underlying transport client, used by tests
	HTTPClient *http.Client
}

// DefaultOptions returns the defaults used when no configuration is supplied.
func DefaultOptions() Options {
	return Options{
		Timeout:      8 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	}
}

// Client performs JSON requests against external data sources.
type Client struct {
	retry    *retryablehttp.Client
	limiter  *rate.Limiter
	breakers *circuitbreaker.Set
	timeout  time.Duration
	observe  func(source string, d time.Duration)
}

// NewClient creates a new Client. Zero durations take the defaults.
func NewClient(opts Options) *Client {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = defaults.RetryWaitMin
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = defaults.RetryWaitMax
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		burst := int(opts.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{
		retry:    newRetryClient(opts),
		limiter:  limiter,
		breakers: opts.Breakers,
		timeout:  opts.Timeout,
		observe:  opts.Observe,
	}
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(opts Options) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.Logger = nil
	// Keep the last response after retries are exhausted so callers see the real status.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.HTTPClient != nil {
		c.HTTPClient = opts.HTTPClient
	}
	return c
}

// Request describes one external call.
type Request struct {
	// Source names the data source for breakers, metrics and logs
	Source  string
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string

	// Body is JSON encoded when non-nil
	Body any
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Source     string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d %s: %s", e.Source, e.StatusCode, e.Status, e.Body)
}

// Do executes req and returns the raw response body. A 204 or empty body yields nil.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	var breaker *circuitbreaker.CircuitBreaker
	if c.breakers != nil {
		breaker = c.breakers.Get(req.Source)
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
	}

	ctx, span := otel.StartSourceSpan(ctx, req.Source, req.Method)
	defer span.End()

	start := time.Now()
	body, err := c.do(ctx, req)
	otel.RecordError(ctx, err)
	if c.observe != nil {
		c.observe(req.Source, time.Since(start))
	}

	if breaker != nil {
		if countsAsSourceFailure(err) {
			breaker.RecordFailure(err)
		} else {
			breaker.RecordSuccess()
		}
	}
	return body, err
}

func (c *Client) do(ctx context.Context, req Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", req.Source, err)
	}

	target := req.URL
	if len(req.Query) > 0 {
		target = target + "?" + req.Query.Encode()
	}

	var rawBody interface{}
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", req.Source, err)
		}
		rawBody = payload
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, target, rawBody)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", req.Source, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	logrus.WithFields(logrus.Fields{"source": req.Source, "url": req.URL}).Debug("Calling data source")
	resp, err := c.retry.Do(httpReq)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%s: request failed: %w", req.Source, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response body: %w", req.Source, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Source:     req.Source,
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       string(body),
		}
	}

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	return body, nil
}

// GetJSON performs a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, req Request, out any) error {
	req.Method = http.MethodGet
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if body == nil {
		return fmt.Errorf("%s: empty response", req.Source)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", req.Source, err)
	}
	return nil
}

// countsAsSourceFailure is true for transport errors, timeouts, 429 and 5xx. Client errors
// such as an aborted view function say nothing about the source's health.
func countsAsSourceFailure(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*StatusError); ok {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}
