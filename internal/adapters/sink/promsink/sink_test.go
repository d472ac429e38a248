package promsink

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"nmtboard.tail/internal/core/domain"
)

func TestSinkKeepsLatestStep(t *testing.T) {
	s := NewWithRegistry(prometheus.NewRegistry())
	ctx := context.Background()

	if err := s.Push(ctx, "run", []domain.Point{
		{Metric: domain.MetricLoss, Step: 1, Value: 3},
		{Metric: domain.MetricLoss, Step: 2, Value: 2.5},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(ctx, "run", []domain.Point{{Metric: domain.MetricLoss, Step: 1, Value: 9, Overwrite: true}}); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(s.value.WithLabelValues("run", domain.MetricLoss)); got != 2.5 {
		t.Errorf("value = %v, want 2.5", got)
	}
	if got := testutil.ToFloat64(s.step.WithLabelValues("run", domain.MetricLoss)); got != 2 {
		t.Errorf("step = %v, want 2", got)
	}
}
