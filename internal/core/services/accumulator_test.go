package services

import (
	"reflect"
	"testing"

	"nmtboard.tail/internal/core/domain"
)

func rec(step int64, metric string, value float64) domain.MetricRecord {
	return domain.MetricRecord{Step: step, Metric: metric, Value: value}
}

func TestAccumulatorMergesMetricsOfOneStep(t *testing.T) {
	a := NewAccumulator(nil)

	points := a.Ingest("train.log", []domain.MetricRecord{rec(100, domain.MetricLoss, 2.345)})
	points = append(points, a.Ingest("train.log", []domain.MetricRecord{
		rec(100, domain.MetricLearningRate, 0.0003),
		rec(100, domain.MetricGradientNorm, 1.1),
	})...)

	if len(points) != 3 {
		t.Fatalf("got %d points, want 3", len(points))
	}
	for _, m := range []string{domain.MetricLoss, domain.MetricLearningRate, domain.MetricGradientNorm} {
		s, ok := a.Series(m)
		if !ok || !reflect.DeepEqual(s.Steps(), []int64{100}) {
			t.Errorf("series %s missing step 100", m)
		}
	}
}

func TestAccumulatorDeduplicatesEqualValues(t *testing.T) {
	a := NewAccumulator(nil)
	a.Ingest("train.log", []domain.MetricRecord{rec(1, domain.MetricLoss, 1.5)})

	if points := a.Ingest("train.log", []domain.MetricRecord{rec(1, domain.MetricLoss, 1.5)}); len(points) != 0 {
		t.Errorf("duplicate produced points: %+v", points)
	}
}

func TestAccumulatorOverwritesDifferingValue(t *testing.T) {
	a := NewAccumulator(nil)
	a.Ingest("train.log", []domain.MetricRecord{rec(1, domain.MetricLoss, 1.5)})

	points := a.Ingest("train.log", []domain.MetricRecord{rec(1, domain.MetricLoss, 1.25)})
	if len(points) != 1 || points[0].Value != 1.25 || !points[0].Overwrite {
		t.Fatalf("points = %+v, want one overwrite with 1.25", points)
	}
	s, _ := a.Series(domain.MetricLoss)
	if v, _ := s.Get(1); v != 1.25 {
		t.Errorf("stored value = %v, want 1.25", v)
	}
}

func TestAccumulatorLastWriteWinsWithinCall(t *testing.T) {
	a := NewAccumulator(nil)
	points := a.Ingest("train.log", []domain.MetricRecord{
		rec(5, domain.MetricLoss, 3.0),
		rec(5, domain.MetricLoss, 2.0),
	})
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	if points[0].Value != 2.0 || points[0].Overwrite {
		t.Errorf("point = %+v, want value 2 without overwrite flag", points[0])
	}
}

func TestAccumulatorFlagsBackwardsStep(t *testing.T) {
	a := NewAccumulator(nil)
	a.Ingest("train.log", []domain.MetricRecord{rec(10, domain.MetricLoss, 1)})
	a.Ingest("train.log", []domain.MetricRecord{rec(20, domain.MetricLoss, 2)})
	if a.Restarts("train.log") != 0 {
		t.Fatalf("Restarts() = %d before regression", a.Restarts("train.log"))
	}

	points := a.Ingest("train.log", []domain.MetricRecord{rec(15, domain.MetricLoss, 1.5)})
	if a.Restarts("train.log") != 1 {
		t.Errorf("Restarts() = %d, want 1", a.Restarts("train.log"))
	}
	if len(points) != 1 || points[0].Step != 15 {
		t.Errorf("points = %+v, want step 15 applied after restart", points)
	}

	a.Ingest("train.log", []domain.MetricRecord{rec(16, domain.MetricLoss, 1.4)})
	if a.Restarts("train.log") != 1 {
		t.Errorf("Restarts() = %d after resuming forward, want 1", a.Restarts("train.log"))
	}

	s, _ := a.Series(domain.MetricLoss)
	if !reflect.DeepEqual(s.Steps(), []int64{10, 15, 16, 20}) {
		t.Errorf("Steps() = %v, want sorted", s.Steps())
	}
}

func TestAccumulatorSourcesAreIndependent(t *testing.T) {
	a := NewAccumulator(nil)
	a.Ingest("a.log", []domain.MetricRecord{rec(100, domain.MetricLoss, 1)})
	a.Ingest("b.log", []domain.MetricRecord{rec(5, "valid/bleu", 20)})
	if a.Restarts("b.log") != 0 || a.Restarts("a.log") != 0 {
		t.Error("steps of different sources must not be compared")
	}

	a.ResetSource("a.log")
	a.Ingest("a.log", []domain.MetricRecord{rec(1, domain.MetricLoss, 9)})
	if a.Restarts("a.log") != 0 {
		t.Error("reset source must start a fresh sequence")
	}
}

func TestAccumulatorSortsDelta(t *testing.T) {
	a := NewAccumulator(nil)
	points := a.Ingest("train.log", []domain.MetricRecord{
		rec(2, domain.MetricLoss, 1),
		rec(1, domain.MetricLearningRate, 1),
		rec(1, domain.MetricLoss, 1),
	})
	want := []domain.PointKey{
		{Metric: domain.MetricLearningRate, Step: 1},
		{Metric: domain.MetricLoss, Step: 1},
		{Metric: domain.MetricLoss, Step: 2},
	}
	for i, p := range points {
		if p.Key() != want[i] {
			t.Errorf("points[%d] = %v, want %v", i, p.Key(), want[i])
		}
	}
}
