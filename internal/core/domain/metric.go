package domain

import (
	"sort"
	"time"
)

// Metric names recognised by the parser. Validation metrics are named
// dynamically as "valid/<name>" and "valid/<name>_stalled".
const (
	MetricEpoch              = "train/epoch"
	MetricLoss               = "train/loss"
	MetricSentences          = "train/sentences"
	MetricTotalSentences     = "train/total_sentences"
	MetricLabels             = "train/labels"
	MetricEffectiveBatchSize = "train/effective_batch_size"
	MetricTotalLabels        = "train/total_labels"
	MetricTimeSeconds        = "train/time_seconds"
	MetricWordsPerSecond     = "train/words_per_second"
	MetricGradientNorm       = "train/gradient_norm"
	MetricLearningRate       = "train/learning_rate"

	ValidPrefix   = "valid/"
	StalledSuffix = "_stalled"
)

// MetricRecord is a single parsed observation.
type MetricRecord struct {
	Step     int64     `json:"step"`
	Metric   string    `json:"metric"`
	Value    float64   `json:"value"`
	Epoch    string    `json:"epoch,omitempty"`
	WallTime time.Time `json:"wall_time,omitempty"`
}

// ConfigEntry is a "[config] key: value" line of the training log.
type ConfigEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Point is one entry of a Delta handed to sinks.
type Point struct {
	Metric    string    `json:"metric"`
	Step      int64     `json:"step"`
	Value     float64   `json:"value"`
	WallTime  time.Time `json:"wall_time,omitempty"`
	Epoch     string    `json:"epoch,omitempty"`
	Overwrite bool      `json:"overwrite,omitempty"`
}

// Key identifies the series slot a point belongs to.
func (p Point) Key() PointKey {
	return PointKey{Metric: p.Metric, Step: p.Step}
}

type PointKey struct {
	Metric string
	Step   int64
}

// Delta holds the observations that are new or changed since the previous tick.
type Delta struct {
	Points []Point       `json:"points"`
	Config []ConfigEntry `json:"config,omitempty"`
}

// Empty reports whether the delta carries nothing to deliver.
func (d Delta) Empty() bool {
	return len(d.Points) == 0 && len(d.Config) == 0
}

// StepBatch groups all points of a single step.
type StepBatch struct {
	Step   int64
	Points []Point
}

// SortPoints orders points by step, then metric name.
func SortPoints(points []Point) {
	sort.Slice(points, func(i, j int) bool {
		if points[i].Step != points[j].Step {
			return points[i].Step < points[j].Step
		}
		return points[i].Metric < points[j].Metric
	})
}

// GroupByStep splits sorted points into per-step batches.
func GroupByStep(points []Point) []StepBatch {
	var batches []StepBatch
	for _, p := range points {
		n := len(batches)
		if n == 0 || batches[n-1].Step != p.Step {
			batches = append(batches, StepBatch{Step: p.Step})
			n++
		}
		batches[n-1].Points = append(batches[n-1].Points, p)
	}
	return batches
}

// ClonePoints returns a copy that the receiver may keep.
func ClonePoints(points []Point) []Point {
	if points == nil {
		return nil
	}
	out := make([]Point, len(points))
	copy(out, points)
	return out
}
