package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GatewayMetrics holds metric instruments for the gateway's hot path.
// Initialize once at server startup and reuse throughout the application
// lifecycle. A nil *GatewayMetrics is valid and records nothing, so
// components can take metrics as an optional collaborator.
type GatewayMetrics struct {
	RequestCounter   metric.Int64Counter     // Proxied requests by destination and status class
	RequestDuration  metric.Float64Histogram // End-to-end request latency
	ExchangeCounter  metric.Int64Counter     // Token exchange calls by audience and outcome
	ExchangeDuration metric.Float64Histogram // Token exchange latency
	CacheHits        metric.Int64Counter     // Exchange cache hits
	CacheMisses      metric.Int64Counter     // Exchange cache misses
	BreakerChanges   metric.Int64Counter     // Circuit breaker state transitions
}

// NewGatewayMetrics creates a new GatewayMetrics instance with pre-configured
// instruments. Call this during server initialization.
func NewGatewayMetrics() (*GatewayMetrics, error) {
	meter := otel.Meter("gateway/edge")

	requestCounter, err := meter.Int64Counter(
		"gateway.request.count",
		metric.WithDescription("Total proxied requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"gateway.request.duration",
		metric.WithDescription("Proxied request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	exchangeCounter, err := meter.Int64Counter(
		"gateway.exchange.count",
		metric.WithDescription("Token exchange calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	exchangeDuration, err := meter.Float64Histogram(
		"gateway.exchange.duration",
		metric.WithDescription("Token exchange latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"gateway.exchange_cache.hits",
		metric.WithDescription("Exchange cache hits"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"gateway.exchange_cache.misses",
		metric.WithDescription("Exchange cache misses"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	breakerChanges, err := meter.Int64Counter(
		"gateway.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &GatewayMetrics{
		RequestCounter:   requestCounter,
		RequestDuration:  requestDuration,
		ExchangeCounter:  exchangeCounter,
		ExchangeDuration: exchangeDuration,
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
		BreakerChanges:   breakerChanges,
	}, nil
}

// RecordRequest records one proxied request.
func (m *GatewayMetrics) RecordRequest(ctx context.Context, destination string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.Int("status", status),
	)
	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordExchange records one token exchange call and its outcome.
func (m *GatewayMetrics) RecordExchange(ctx context.Context, audience, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("audience", audience),
		attribute.String("outcome", outcome),
	)
	m.ExchangeCounter.Add(ctx, 1, attrs)
	m.ExchangeDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordCacheHit records an exchange cache hit.
func (m *GatewayMetrics) RecordCacheHit(ctx context.Context, audience string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("audience", audience)))
}

// RecordCacheMiss records an exchange cache miss.
func (m *GatewayMetrics) RecordCacheMiss(ctx context.Context, audience string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("audience", audience)))
}

// RecordBreakerChange records a circuit breaker state transition.
func (m *GatewayMetrics) RecordBreakerChange(name, from, to string) {
	if m == nil {
		return
	}
	m.BreakerChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
