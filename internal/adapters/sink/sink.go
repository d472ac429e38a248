// Package sink holds what the remote metric sinks share: the JSON message
// they publish and a circuit breaker decorator.
package sink

import (
	"context"
	"time"

	"nmtboard.tail/internal/core/circuitbreaker"
	"nmtboard.tail/internal/core/domain"
	"nmtboard.tail/internal/core/ports"
)

// Message is the payload published by the redis, mqtt and websocket sinks.
type Message struct {
	Type   string               `json:"type"`
	RunTag string               `json:"run_tag"`
	RunID  string               `json:"run_id,omitempty"`
	Points []domain.Point       `json:"points,omitempty"`
	Config []domain.ConfigEntry `json:"config,omitempty"`
	SentAt time.Time            `json:"sent_at"`
}

const (
	MessageTypeMetrics = "metrics"
	MessageTypeConfig  = "config"
)

func NewMetricsMessage(runTag, runID string, points []domain.Point) Message {
	return Message{Type: MessageTypeMetrics, RunTag: runTag, RunID: runID, Points: points, SentAt: time.Now().UTC()}
}

func NewConfigMessage(runTag, runID string, entries []domain.ConfigEntry) Message {
	return Message{Type: MessageTypeConfig, RunTag: runTag, RunID: runID, Config: entries, SentAt: time.Now().UTC()}
}

// Guarded wraps a remote sink in a circuit breaker so a dead backend fails
// fast instead of eating the push timeout every tick.
type Guarded struct {
	inner ports.MetricSink
	cb    *circuitbreaker.CircuitBreaker
}

func WithBreaker(inner ports.MetricSink, settings circuitbreaker.Settings) *Guarded {
	return &Guarded{
		inner: inner,
		cb:    circuitbreaker.NewWithSettings("sink:"+inner.Name(), settings),
	}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Push(ctx context.Context, runTag string, points []domain.Point) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Push(ctx, runTag, points)
	})
}

// PushConfig drops the entries when the wrapped sink cannot store them.
func (g *Guarded) PushConfig(ctx context.Context, runTag string, entries []domain.ConfigEntry) error {
	cs, ok := g.inner.(ports.ConfigSink)
	if !ok {
		return nil
	}
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return cs.PushConfig(ctx, runTag, entries)
	})
}

func (g *Guarded) Ping(ctx context.Context) error {
	if hc, ok := g.inner.(ports.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

func (g *Guarded) Close(ctx context.Context) error {
	return g.inner.Close(ctx)
}

// Unwrap returns the decorated sink.
func (g *Guarded) Unwrap() ports.MetricSink { return g.inner }
