// Package httpclient provides an OTEL-instrumented HTTP client for outbound
// service calls.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultRequestTimeout  = 10 * time.Second
	defaultDialKeepAlive   = 10 * time.Second
	defaultMaxConnsPerHost = 5
	defaultIdleConnTimeout = 2 * time.Minute
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a base URL prefixed to request paths.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.client.Timeout = timeout }
}

// WithHeader sets a default header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithTransport replaces the underlying round tripper (tests).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.client.Transport = rt }
}

// Client is an instrumented HTTP client bound to one upstream service.
type Client struct {
	client       *http.Client
	baseURL      string
	headers      map[string]string
	requestCount metric.Int64Counter
}

// New creates a client named for the upstream it talks to.
func New(name string, opts ...Option) (*Client, error) {
	c := &Client{
		client: &http.Client{
			Timeout: defaultRequestTimeout,
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{KeepAlive: defaultDialKeepAlive}).DialContext,
				MaxConnsPerHost: defaultMaxConnsPerHost,
				IdleConnTimeout: defaultIdleConnTimeout,
			},
		},
		headers: make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.client.Transport = otelhttp.NewTransport(
		c.client.Transport,
		otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
			return otelhttptrace.NewClientTrace(ctx)
		}),
	)

	counter, err := otel.Meter("httpclient").Int64Counter(
		"http_client_requests_total",
		metric.WithDescription("Total outbound HTTP requests"),
	)
	if err != nil {
		return nil, err
	}
	c.requestCount = counter

	return c, nil
}

// PostJSON sends body as JSON to path and decodes the JSON response into out.
// Non-2xx responses return an error carrying the response body.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.requestCount.Add(ctx, 1)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", http.MethodPost, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
