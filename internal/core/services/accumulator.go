package services

import (
	"log/slog"
	"sort"

	"nmtboard.tail/internal/core/domain"
)

// Series holds the values of one metric ordered by step.
type Series struct {
	steps  []int64
	values map[int64]float64
}

func newSeries() *Series {
	return &Series{values: make(map[int64]float64)}
}

func (s *Series) Get(step int64) (float64, bool) {
	v, ok := s.values[step]
	return v, ok
}

func (s *Series) set(step int64, value float64) {
	if _, ok := s.values[step]; !ok {
		i := sort.Search(len(s.steps), func(i int) bool { return s.steps[i] >= step })
		s.steps = append(s.steps, 0)
		copy(s.steps[i+1:], s.steps[i:])
		s.steps[i] = step
	}
	s.values[step] = value
}

// Steps returns the steps in increasing order.
func (s *Series) Steps() []int64 {
	out := make([]int64, len(s.steps))
	copy(out, s.steps)
	return out
}

func (s *Series) Len() int { return len(s.steps) }

// Accumulator merges records of all sources into per-metric series and
// reports what changed.
type Accumulator struct {
	series   map[string]*Series
	lastStep map[string]int64
	restarts map[string]int
	logger   *slog.Logger
}

func NewAccumulator(logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		series:   make(map[string]*Series),
		lastStep: make(map[string]int64),
		restarts: make(map[string]int),
		logger:   logger,
	}
}

// Ingest applies the records read from source and returns the points that
// are new or carry a different value than before. Within one call the last
// record for a (metric, step) wins.
func (a *Accumulator) Ingest(source string, records []domain.MetricRecord) []domain.Point {
	var points []domain.Point
	index := make(map[domain.PointKey]int)

	for _, r := range records {
		if r.Step < 0 {
			continue
		}
		a.trackStep(source, r.Step)

		s, ok := a.series[r.Metric]
		if !ok {
			s = newSeries()
			a.series[r.Metric] = s
		}
		old, exists := s.Get(r.Step)
		if exists && old == r.Value {
			continue
		}
		s.set(r.Step, r.Value)

		p := domain.Point{
			Metric:    r.Metric,
			Step:      r.Step,
			Value:     r.Value,
			WallTime:  r.WallTime,
			Epoch:     r.Epoch,
			Overwrite: exists,
		}
		key := p.Key()
		if i, seen := index[key]; seen {
			p.Overwrite = points[i].Overwrite
			points[i] = p
			continue
		}
		index[key] = len(points)
		points = append(points, p)
	}

	domain.SortPoints(points)
	return points
}

// trackStep enforces per-source monotonicity. A step going backwards means
// the writer restarted (e.g. training resumed from a checkpoint).
func (a *Accumulator) trackStep(source string, step int64) {
	last, ok := a.lastStep[source]
	if ok && step < last {
		a.restarts[source]++
		a.logger.Warn("step went backwards, treating as a stream restart",
			"source", source, "last_step", last, "step", step)
	}
	a.lastStep[source] = step
}

// ResetSource forgets the per-source position, used when a file is rotated.
func (a *Accumulator) ResetSource(source string) {
	delete(a.lastStep, source)
}

// Restarts is the number of backwards steps seen in source.
func (a *Accumulator) Restarts(source string) int {
	return a.restarts[source]
}

func (a *Accumulator) Series(metric string) (*Series, bool) {
	s, ok := a.series[metric]
	return s, ok
}

// Metrics lists the known metric names.
func (a *Accumulator) Metrics() []string {
	names := make([]string, 0, len(a.series))
	for name := range a.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
