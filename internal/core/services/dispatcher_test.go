package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nmtboard.tail/internal/core/domain"
	"nmtboard.tail/internal/core/ports"
)

type recordingSink struct {
	name string

	mu      sync.Mutex
	points  []domain.Point
	config  []domain.ConfigEntry
	fail    error
	calls   int
	closed  bool
	release chan struct{}
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Push(ctx context.Context, runTag string, points []domain.Point) error {
	s.mu.Lock()
	s.calls++
	fail, release := s.fail, s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if fail != nil {
		return fail
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, points...)
	return nil
}

func (s *recordingSink) PushConfig(ctx context.Context, runTag string, entries []domain.ConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.config = append(s.config, entries...)
	return nil
}

func (s *recordingSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *recordingSink) received() []domain.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Point, len(s.points))
	copy(out, s.points)
	return out
}

// hangingSink never returns before its context is cancelled.
type hangingSink struct{ name string }

func (s hangingSink) Name() string { return s.name }

func (s hangingSink) Push(ctx context.Context, runTag string, points []domain.Point) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s hangingSink) Close(ctx context.Context) error { return nil }

func point(metric string, step int64, value float64) domain.Point {
	return domain.Point{Metric: metric, Step: step, Value: value}
}

func delta(points ...domain.Point) domain.Delta {
	return domain.Delta{Points: points}
}

func TestDispatcherDeliversToAllSinks(t *testing.T) {
	a, b := newRecordingSink("a"), newRecordingSink("b")
	d := NewDispatcher("run", []ports.MetricSink{a, b}, DispatcherOptions{})

	d.Dispatch(context.Background(), delta(point(domain.MetricLoss, 1, 2.5), point(domain.MetricLearningRate, 1, 0.1)))

	for _, s := range []*recordingSink{a, b} {
		if got := len(s.received()); got != 2 {
			t.Errorf("sink %s got %d points, want 2", s.name, got)
		}
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
	if wm := d.Watermarks(); wm["a"] != 1 || wm["b"] != 1 {
		t.Errorf("Watermarks() = %v, want 1 for both", wm)
	}
}

func TestDispatcherHangingSinkDoesNotBlockHealthySink(t *testing.T) {
	healthy := newRecordingSink("healthy")
	d := NewDispatcher("run", []ports.MetricSink{hangingSink{name: "slow"}, healthy}, DispatcherOptions{
		Timeout: 50 * time.Millisecond,
	})

	start := time.Now()
	d.Dispatch(context.Background(), delta(point(domain.MetricLoss, 1, 2.5)))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Dispatch took %v", elapsed)
	}

	if got := healthy.received(); len(got) != 1 || got[0].Step != 1 {
		t.Fatalf("healthy sink got %+v, want step 1", got)
	}

	status := d.Status()
	if status[0].LastError == "" || status[0].Pending != 1 {
		t.Errorf("slow sink status = %+v, want pending point and error", status[0])
	}
	if status[1].Pending != 0 || status[1].LastError != "" {
		t.Errorf("healthy sink status = %+v", status[1])
	}
}

func TestDispatcherRetriesFailedPushOnNextTick(t *testing.T) {
	s := newRecordingSink("flaky")
	s.setFail(errors.New("connection refused"))
	d := NewDispatcher("run", []ports.MetricSink{s}, DispatcherOptions{})

	d.Dispatch(context.Background(), delta(point(domain.MetricLoss, 1, 2.5)))
	if d.Pending() != 1 {
		t.Fatalf("Pending() = %d after failure, want 1", d.Pending())
	}
	if st := d.Status()[0]; st.Failures != 1 || st.Watermark != -1 {
		t.Errorf("status = %+v, want one failure and no watermark", st)
	}

	s.setFail(nil)
	d.Dispatch(context.Background(), delta(point(domain.MetricLoss, 2, 2.0)))

	got := s.received()
	if len(got) != 2 || got[0].Step != 1 || got[1].Step != 2 {
		t.Fatalf("received %+v, want steps 1 and 2 in order", got)
	}
	if st := d.Status()[0]; st.Failures != 0 || st.Watermark != 2 {
		t.Errorf("status = %+v, want reset failures and watermark 2", st)
	}
}

func TestDispatcherSkipsBusySink(t *testing.T) {
	s := newRecordingSink("busy")
	s.release = make(chan struct{})
	d := NewDispatcher("run", []ports.MetricSink{s}, DispatcherOptions{Timeout: 20 * time.Millisecond})

	// The sink ignores its context, so the first push outlives the tick.
	d.Dispatch(context.Background(), delta(point(domain.MetricLoss, 1, 1)))
	d.Dispatch(context.Background(), delta(point(domain.MetricLoss, 2, 1)))

	s.mu.Lock()
	calls := s.calls
	release := s.release
	s.release = nil
	s.mu.Unlock()
	if calls != 1 {
		t.Fatalf("push calls = %d while busy, want 1", calls)
	}
	close(release)

	if err := d.Flush(context.Background(), 3); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	got := s.received()
	if len(got) != 2 || got[0].Step != 1 || got[1].Step != 2 {
		t.Fatalf("received %+v, want steps 1 and 2", got)
	}
}

func TestDispatcherKeepsNewerValueWhilePushIsInFlight(t *testing.T) {
	s := newRecordingSink("s")
	d := NewDispatcher("run", []ports.MetricSink{s}, DispatcherOptions{})
	st := d.sinks[0]

	d.Enqueue(delta(point(domain.MetricLoss, 1, 1.0)))
	batch, _ := d.batch(st)
	d.Enqueue(delta(domain.Point{Metric: domain.MetricLoss, Step: 1, Value: 0.5, Overwrite: true}))
	d.complete(st, pushResult{batch: batch})

	if len(st.pending) != 1 {
		t.Fatalf("pending = %v, want the overwrite kept", st.pending)
	}
	if p := st.pending[domain.PointKey{Metric: domain.MetricLoss, Step: 1}]; p.Value != 0.5 {
		t.Errorf("pending value = %v, want 0.5", p.Value)
	}
}

func TestDispatcherRestoreFiltersDeliveredSteps(t *testing.T) {
	s := newRecordingSink("s")
	d := NewDispatcher("run", []ports.MetricSink{s}, DispatcherOptions{})
	d.Restore(map[string]int64{"s": 10, "other": 99})

	d.Dispatch(context.Background(), delta(
		point(domain.MetricLoss, 5, 1),
		domain.Point{Metric: domain.MetricLearningRate, Step: 10, Value: 0.2, Overwrite: true},
		point(domain.MetricLoss, 11, 0.9),
	))

	got := s.received()
	if len(got) != 2 {
		t.Fatalf("received %+v, want the overwrite and step 11", got)
	}
	if got[0].Step != 10 || got[1].Step != 11 {
		t.Errorf("steps = %d,%d, want 10,11", got[0].Step, got[1].Step)
	}
	if wm := d.Watermarks()["s"]; wm != 11 {
		t.Errorf("watermark = %d, want 11", wm)
	}
}

func TestDispatcherTrimsOldestPending(t *testing.T) {
	s := newRecordingSink("s")
	s.setFail(errors.New("down"))
	d := NewDispatcher("run", []ports.MetricSink{s}, DispatcherOptions{MaxPending: 2})

	d.Dispatch(context.Background(), delta(
		point(domain.MetricLoss, 1, 1),
		point(domain.MetricLoss, 2, 1),
		point(domain.MetricLoss, 3, 1),
	))

	st := d.sinks[0]
	if len(st.pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(st.pending))
	}
	if _, ok := st.pending[domain.PointKey{Metric: domain.MetricLoss, Step: 1}]; ok {
		t.Error("oldest step was kept")
	}
}

func TestDispatcherDeliversConfigOnlyToConfigSinks(t *testing.T) {
	s := newRecordingSink("s")
	d := NewDispatcher("run", []ports.MetricSink{s, hangingSink{name: "plain"}}, DispatcherOptions{Timeout: 20 * time.Millisecond})

	d.Dispatch(context.Background(), domain.Delta{Config: []domain.ConfigEntry{{Name: "dim-emb", Value: "512"}}})

	if len(s.config) != 1 || s.config[0].Name != "dim-emb" {
		t.Errorf("config = %+v", s.config)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
}

func TestDispatcherFlushReportsUndelivered(t *testing.T) {
	s := newRecordingSink("s")
	s.setFail(errors.New("down"))
	d := NewDispatcher("run", []ports.MetricSink{s}, DispatcherOptions{RetryDelay: time.Millisecond})
	d.Enqueue(delta(point(domain.MetricLoss, 1, 1)))

	err := d.Flush(context.Background(), 3)
	if err == nil {
		t.Fatal("Flush() error = nil, want undelivered points")
	}
	if s.calls != 3 {
		t.Errorf("push calls = %d, want 3", s.calls)
	}

	s.setFail(nil)
	if err := d.Flush(context.Background(), 1); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !s.closed {
		t.Error("sink was not closed")
	}
}
