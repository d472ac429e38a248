// Package promsink exposes the latest value of every training metric as
// Prometheus gauges on the status server's /metrics endpoint.
package promsink

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"nmtboard.tail/internal/core/domain"
)

const SinkName = "prometheus"

type Sink struct {
	value *prometheus.GaugeVec
	step  *prometheus.GaugeVec

	mu     sync.Mutex
	latest map[string]int64
}

// New registers the gauges with the default registry.
func New() *Sink {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		value: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nmtboard_metric_value",
				Help: "Value of a training metric at its latest step",
			},
			[]string{"run", "metric"},
		),
		step: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nmtboard_metric_step",
				Help: "Latest step seen for a training metric",
			},
			[]string{"run", "metric"},
		),
		latest: make(map[string]int64),
	}
}

func (s *Sink) Name() string { return SinkName }

// Push only moves a gauge forward; an overwrite of an older step is ignored.
func (s *Sink) Push(ctx context.Context, runTag string, points []domain.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		key := runTag + "\x00" + p.Metric
		if last, ok := s.latest[key]; ok && p.Step < last {
			continue
		}
		s.latest[key] = p.Step
		s.value.WithLabelValues(runTag, p.Metric).Set(p.Value)
		s.step.WithLabelValues(runTag, p.Metric).Set(float64(p.Step))
	}
	return nil
}

func (s *Sink) Close(ctx context.Context) error { return nil }
