// Package jsonrpc implements the failover chain client over JSON-RPC 2.0.
package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stablepay/chainexec/business/rpc/app"
	"github.com/stablepay/chainexec/business/rpc/domain"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/circuitbreaker"
	"github.com/stablepay/chainexec/internal/logger"
	"github.com/stablepay/chainexec/internal/ratelimit"
)

const (
	tracerName = "github.com/stablepay/chainexec/business/rpc/infra/jsonrpc"
	meterName  = "github.com/stablepay/chainexec/business/rpc/infra/jsonrpc"
)

// Retryable JSON-RPC server error codes: rate limiting and internal errors.
// Anything else at the application level surfaces immediately.
const (
	rpcCodeInternalError = -32603
	rpcCodeRateLimited   = -32005
)

// endpointSlot couples one configured endpoint with its connection, health
// bookkeeping and resilience primitives.
type endpointSlot struct {
	cfg     domain.Endpoint
	health  *domain.EndpointHealth
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.CircuitBreaker[struct{}]

	mu       sync.Mutex
	conn     *gethrpc.Client
	verified bool
}

type clientMetrics struct {
	calls           metric.Int64Counter
	failovers       metric.Int64Counter
	endpointLatency metric.Float64Histogram
	exhausted       metric.Int64Counter
}

// Client is a fault-tolerant JSON-RPC client for one chain.
type Client struct {
	desc   *domain.Descriptor
	logger logger.LoggerInterface
	slots  []*endpointSlot

	onFailover app.FailoverListener

	tracer  trace.Tracer
	metrics *clientMetrics
}

var _ app.ChainClient = (*Client)(nil)

// New builds a client for the given chain descriptor.
func New(desc *domain.Descriptor, log logger.LoggerInterface) (*Client, error) {
	if len(desc.Endpoints) == 0 {
		return nil, apperror.New(apperror.CodeConfigurationError,
			apperror.WithChain(desc.Name),
			apperror.WithContext("no endpoints configured"))
	}

	c := &Client{
		desc:   desc,
		logger: log,
		tracer: otel.Tracer(tracerName),
	}

	for _, ep := range desc.Endpoints {
		c.slots = append(c.slots, &endpointSlot{
			cfg:     ep,
			health:  domain.NewEndpointHealth(),
			limiter: ratelimit.New(ep.RateLimitPerSec),
			breaker: circuitbreaker.New[struct{}](circuitbreaker.DefaultConfig("rpc-" + desc.Name + "-" + ep.URL)),
		})
	}

	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return c, nil
}

// SetFailoverListener registers a listener invoked on every failover.
func (c *Client) SetFailoverListener(fn app.FailoverListener) {
	c.onFailover = fn
}

func (c *Client) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	c.metrics = &clientMetrics{}

	c.metrics.calls, err = meter.Int64Counter(
		"rpc_calls_total",
		metric.WithDescription("Total JSON-RPC calls by chain and method"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	c.metrics.failovers, err = meter.Int64Counter(
		"rpc_endpoint_failovers_total",
		metric.WithDescription("Endpoint failovers during call routing"),
		metric.WithUnit("{failover}"),
	)
	if err != nil {
		return err
	}

	c.metrics.endpointLatency, err = meter.Float64Histogram(
		"rpc_endpoint_latency_ms",
		metric.WithDescription("Per-endpoint request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	c.metrics.exhausted, err = meter.Int64Counter(
		"rpc_endpoints_exhausted_total",
		metric.WithDescription("Calls that failed on every endpoint"),
		metric.WithUnit("{call}"),
	)
	return err
}

// Descriptor returns the chain configuration this client serves.
func (c *Client) Descriptor() *domain.Descriptor {
	return c.desc
}

// Health returns a health snapshot per endpoint URL.
func (c *Client) Health() map[string]domain.HealthSnapshot {
	out := make(map[string]domain.HealthSnapshot, len(c.slots))
	for _, slot := range c.slots {
		out[slot.cfg.URL] = slot.health.Snapshot()
	}
	return out
}

// orderedSlots returns candidate endpoints in ascending score order,
// filtering unhealthy endpoints still in cooldown unless nothing else exists.
func (c *Client) orderedSlots() []*endpointSlot {
	available := make([]*endpointSlot, 0, len(c.slots))
	for _, slot := range c.slots {
		if !slot.health.InCooldown(slot.cfg.Cooldown) {
			available = append(available, slot)
		}
	}
	if len(available) == 0 {
		// Everything is cooling down; retry them all rather than fail flat.
		available = append(available, c.slots...)
	}
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].health.Score(available[i].cfg.Priority) <
			available[j].health.Score(available[j].cfg.Priority)
	})
	return available
}

// Call performs a JSON-RPC call, failing over across endpoints on retryable
// errors. Application-level errors surface immediately without failover.
func (c *Client) Call(ctx context.Context, result any, method string, args ...any) error {
	ctx, span := c.tracer.Start(ctx, "rpc.call",
		trace.WithAttributes(
			attribute.String("chain", c.desc.Name),
			attribute.String("method", method),
		),
	)
	defer span.End()

	c.metrics.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", c.desc.Name),
		attribute.String("method", method),
	))

	var (
		attemptErrs []string
		lastURL     string
	)

	for _, slot := range c.orderedSlots() {
		if lastURL != "" {
			c.metrics.failovers.Add(ctx, 1, metric.WithAttributes(
				attribute.String("chain", c.desc.Name),
			))
			span.AddEvent("endpoint_failover", trace.WithAttributes(
				attribute.String("from", lastURL),
				attribute.String("to", slot.cfg.URL),
			))
			if c.onFailover != nil {
				c.onFailover(c.desc.Name, lastURL, slot.cfg.URL, errors.New(attemptErrs[len(attemptErrs)-1]))
			}
		}
		lastURL = slot.cfg.URL

		err := c.callEndpoint(ctx, slot, result, method, args...)
		if err == nil {
			span.SetStatus(codes.Ok, "ok")
			return nil
		}

		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "application error")
			return err
		}

		attemptErrs = append(attemptErrs, fmt.Sprintf("%s: %v", slot.cfg.URL, err))
		c.logger.Warn(ctx, "endpoint attempt failed",
			"chain", c.desc.Name, "endpoint", slot.cfg.URL, "method", method, "error", err)
	}

	c.metrics.exhausted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", c.desc.Name),
	))

	err := apperror.New(apperror.CodeAllEndpointsFailed,
		apperror.WithChain(c.desc.Name),
		apperror.WithContext(method+": "+strings.Join(attemptErrs, "; ")))
	span.RecordError(err)
	span.SetStatus(codes.Error, "all endpoints failed")
	return err
}

// callEndpoint runs one attempt against one endpoint, updating its health.
func (c *Client) callEndpoint(ctx context.Context, slot *endpointSlot, result any, method string, args ...any) error {
	if err := slot.limiter.Wait(ctx); err != nil {
		return err
	}

	conn, err := c.connect(ctx, slot)
	if err != nil {
		slot.health.RecordFailure(err, slot.cfg.FailureThreshold)
		return err
	}

	if c.desc.ValidateChainID {
		if err := c.verifyChainID(ctx, slot, conn); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, slot.cfg.Timeout)
	defer cancel()

	start := time.Now()
	_, err = slot.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, conn.CallContext(callCtx, result, method, args...)
	})
	latency := time.Since(start)

	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) {
			slot.health.RecordFailure(err, slot.cfg.FailureThreshold)
		}
		return err
	}

	slot.health.RecordSuccess(latency)
	c.metrics.endpointLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(
		attribute.String("chain", c.desc.Name),
		attribute.String("endpoint", slot.cfg.URL),
	))
	return nil
}

// connect lazily dials the endpoint, reusing the connection afterwards.
func (c *Client) connect(ctx context.Context, slot *endpointSlot) (*gethrpc.Client, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.conn != nil {
		return slot.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, slot.cfg.Timeout)
	defer cancel()

	conn, err := gethrpc.DialContext(dialCtx, slot.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", slot.cfg.URL, err)
	}
	slot.conn = conn
	return conn, nil
}

// verifyChainID checks the endpoint against the configured chain id on first
// use. A mismatch is a fatal wrong-network error and never fails over.
func (c *Client) verifyChainID(ctx context.Context, slot *endpointSlot, conn *gethrpc.Client) error {
	slot.mu.Lock()
	verified := slot.verified
	slot.mu.Unlock()
	if verified {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, slot.cfg.Timeout)
	defer cancel()

	var got hexutil.Big
	if err := conn.CallContext(callCtx, &got, "eth_chainId"); err != nil {
		slot.health.RecordFailure(err, slot.cfg.FailureThreshold)
		return fmt.Errorf("chain id check on %s: %w", slot.cfg.URL, err)
	}

	if got.ToInt().Uint64() != c.desc.ChainID {
		err := apperror.New(apperror.CodeChainIDMismatch,
			apperror.WithChain(c.desc.Name),
			apperror.WithContext(fmt.Sprintf("endpoint %s reports chain id %s, expected %d",
				slot.cfg.URL, got.ToInt(), c.desc.ChainID)))
		c.logger.Error(ctx, "chain id mismatch, refusing endpoint",
			"chain", c.desc.Name, "endpoint", slot.cfg.URL,
			"got", got.ToInt().String(), "want", c.desc.ChainID)
		return err
	}

	slot.mu.Lock()
	slot.verified = true
	slot.mu.Unlock()
	return nil
}

// isRetryable reports whether an attempt error justifies failover to the
// next endpoint: transport failures, HTTP 429/5xx, and the retryable
// JSON-RPC server codes. Chain id mismatches never fail over.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if apperror.HasCode(err, apperror.CodeChainIDMismatch) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeInternalError, rpcCodeRateLimited:
			return true
		default:
			return false
		}
	}

	// No JSON-RPC error object: transport-level failure (conn refused,
	// timeout, bad gateway body), eligible for failover.
	return true
}

// Close releases all endpoint connections.
func (c *Client) Close() {
	for _, slot := range c.slots {
		slot.mu.Lock()
		if slot.conn != nil {
			slot.conn.Close()
			slot.conn = nil
		}
		slot.mu.Unlock()
	}
}
