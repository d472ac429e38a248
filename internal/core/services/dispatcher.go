package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"nmtboard.tail/internal/core/domain"
	"nmtboard.tail/internal/core/metrics"
	"nmtboard.tail/internal/core/ports"
)

var (
	// ErrSinkBusy means the previous push to a sink has not returned yet.
	ErrSinkBusy = errors.New("sink is still busy with a previous push")
	// ErrSinkTimeout means a push did not return within the sink timeout.
	ErrSinkTimeout = errors.New("sink push timed out")
)

const (
	defaultSinkTimeout = 10 * time.Second
	defaultMaxPending  = 100000
	defaultRetryDelay  = time.Second
)

// DispatcherOptions tunes the dispatcher. Zero values pick the defaults.
type DispatcherOptions struct {
	Timeout    time.Duration
	MaxPending int
	RetryDelay time.Duration
	Clock      ports.Clock
	Logger     *slog.Logger
}

type pushResult struct {
	batch  []domain.Point
	config int
	err    error
}

// sinkState is only touched by the goroutine calling the Dispatcher methods.
// Push goroutines communicate back through done.
type sinkState struct {
	sink      ports.MetricSink
	pending   map[domain.PointKey]domain.Point
	config    []domain.ConfigEntry
	floor     int64
	watermark int64
	inflight  bool
	done      chan pushResult
	failures  int
	lastErr   error
	lastPush  time.Time
}

// Dispatcher fans the accumulator delta out to every sink. Each sink has its
// own pending buffer and watermark; a slow or failing sink never holds back
// the others, and undelivered points are retried on the next tick.
type Dispatcher struct {
	runTag string
	sinks  []*sinkState
	opts   DispatcherOptions
	logger *slog.Logger
}

func NewDispatcher(runTag string, sinks []ports.MetricSink, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSinkTimeout
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{runTag: runTag, opts: opts, logger: opts.Logger}
	for _, s := range sinks {
		d.sinks = append(d.sinks, &sinkState{
			sink:      s,
			pending:   make(map[domain.PointKey]domain.Point),
			floor:     -1,
			watermark: -1,
			done:      make(chan pushResult, 1),
		})
	}
	return d
}

// Restore sets the steps each sink acknowledged in a previous invocation.
// Points at or below them are not delivered again unless their value changed.
func (d *Dispatcher) Restore(watermarks map[string]int64) {
	for _, st := range d.sinks {
		if wm, ok := watermarks[st.sink.Name()]; ok && wm > st.floor {
			st.floor = wm
			if wm > st.watermark {
				st.watermark = wm
			}
		}
	}
}

// Enqueue merges a delta into the pending buffer of every sink.
func (d *Dispatcher) Enqueue(delta domain.Delta) {
	for _, st := range d.sinks {
		for _, p := range delta.Points {
			if p.Step <= st.floor && !p.Overwrite {
				continue
			}
			st.pending[p.Key()] = p
		}
		if _, ok := st.sink.(ports.ConfigSink); ok && len(delta.Config) > 0 {
			st.config = append(st.config, delta.Config...)
		}
		d.trim(st)
	}
}

// Dispatch enqueues delta and pushes to all sinks.
func (d *Dispatcher) Dispatch(ctx context.Context, delta domain.Delta) {
	d.Enqueue(delta)
	d.pushAll(ctx)
}

// Pending is the total number of undelivered points over all sinks.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, st := range d.sinks {
		n += len(st.pending) + len(st.config)
	}
	return n
}

// Flush retries pending deliveries up to attempts times.
func (d *Dispatcher) Flush(ctx context.Context, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		d.waitInflight(ctx)
		d.pushAll(ctx)
		if d.Pending() == 0 {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.opts.Clock.After(ctx, d.opts.RetryDelay):
		}
	}

	var errs []error
	for _, st := range d.sinks {
		if n := len(st.pending) + len(st.config); n > 0 {
			errs = append(errs, fmt.Errorf("sink %s: %d undelivered points: %w", st.sink.Name(), n, st.lastErr))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink, each within the sink timeout.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.waitInflight(ctx)
	var errs []error
	for _, st := range d.sinks {
		cctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		if err := st.sink.Close(cctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", st.sink.Name(), err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Status reports the delivery state of every sink.
func (d *Dispatcher) Status() []domain.SinkStatus {
	out := make([]domain.SinkStatus, 0, len(d.sinks))
	for _, st := range d.sinks {
		s := domain.SinkStatus{
			Name:      st.sink.Name(),
			Watermark: st.watermark,
			Pending:   len(st.pending),
			Failures:  st.failures,
			LastPush:  st.lastPush,
		}
		if st.lastErr != nil {
			s.LastError = st.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

// Watermarks returns the highest acknowledged step per sink name.
func (d *Dispatcher) Watermarks() map[string]int64 {
	out := make(map[string]int64, len(d.sinks))
	for _, st := range d.sinks {
		out[st.sink.Name()] = st.watermark
	}
	return out
}

// Sinks returns the configured sinks.
func (d *Dispatcher) Sinks() []ports.MetricSink {
	out := make([]ports.MetricSink, 0, len(d.sinks))
	for _, st := range d.sinks {
		out = append(out, st.sink)
	}
	return out
}

func (d *Dispatcher) pushAll(ctx context.Context) {
	type launched struct {
		st     *sinkState
		cancel context.CancelFunc
		pctx   context.Context
	}
	var started []launched

	for _, st := range d.sinks {
		if st.inflight {
			select {
			case res := <-st.done:
				d.complete(st, res)
			default:
				metrics.RecordSinkPush(st.sink.Name(), "busy")
				d.logger.Warn("skipping sink for this tick", "sink", st.sink.Name(), "error", ErrSinkBusy)
				continue
			}
		}

		batch, config := d.batch(st)
		if len(batch) == 0 && len(config) == 0 {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		st.inflight = true
		go func(sink ports.MetricSink, done chan<- pushResult) {
			done <- pushResult{batch: batch, config: len(config), err: push(pctx, sink, d.runTag, batch, config)}
		}(st.sink, st.done)
		started = append(started, launched{st: st, cancel: cancel, pctx: pctx})
	}

	for _, l := range started {
		select {
		case res := <-l.st.done:
			d.complete(l.st, res)
		case <-l.pctx.Done():
			// The push goroutine still owns its batch; its result is picked up
			// on a later tick.
			l.st.failures++
			l.st.lastErr = ErrSinkTimeout
			metrics.RecordSinkPush(l.st.sink.Name(), "timeout")
			d.logger.Warn("sink push timed out, will retry", "sink", l.st.sink.Name(), "timeout", d.opts.Timeout)
		}
		l.cancel()
		metrics.SetSinkState(l.st.sink.Name(), len(l.st.pending), l.st.watermark)
	}
}

func push(ctx context.Context, sink ports.MetricSink, runTag string, batch []domain.Point, config []domain.ConfigEntry) error {
	if len(config) > 0 {
		if cs, ok := sink.(ports.ConfigSink); ok {
			if err := cs.PushConfig(ctx, runTag, config); err != nil {
				return fmt.Errorf("push config: %w", err)
			}
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return sink.Push(ctx, runTag, batch)
}

// batch copies the pending points of st. The copy is owned by the push
// goroutine.
func (d *Dispatcher) batch(st *sinkState) ([]domain.Point, []domain.ConfigEntry) {
	batch := make([]domain.Point, 0, len(st.pending))
	for _, p := range st.pending {
		batch = append(batch, p)
	}
	domain.SortPoints(batch)

	var config []domain.ConfigEntry
	if len(st.config) > 0 {
		config = make([]domain.ConfigEntry, len(st.config))
		copy(config, st.config)
	}
	return batch, config
}

func (d *Dispatcher) complete(st *sinkState, res pushResult) {
	st.inflight = false
	if res.err != nil {
		st.failures++
		st.lastErr = res.err
		metrics.RecordSinkPush(st.sink.Name(), "error")
		d.logger.Warn("sink push failed, will retry", "sink", st.sink.Name(), "points", len(res.batch), "error", res.err)
		return
	}

	for _, p := range res.batch {
		if cur, ok := st.pending[p.Key()]; ok && cur == p {
			delete(st.pending, p.Key())
		}
		if p.Step > st.watermark {
			st.watermark = p.Step
		}
	}
	if res.config > 0 {
		st.config = st.config[res.config:]
	}
	st.failures = 0
	st.lastErr = nil
	st.lastPush = d.opts.Clock.Now()
	metrics.RecordSinkPush(st.sink.Name(), "ok")
}

// waitInflight collects pushes that outlived their tick, giving each at most
// one more sink timeout.
func (d *Dispatcher) waitInflight(ctx context.Context) {
	for _, st := range d.sinks {
		if !st.inflight {
			continue
		}
		select {
		case res := <-st.done:
			d.complete(st, res)
		case <-d.opts.Clock.After(ctx, d.opts.Timeout):
		case <-ctx.Done():
			return
		}
	}
}

// trim drops the oldest steps when a sink has been failing for long enough
// to exceed the pending limit.
func (d *Dispatcher) trim(st *sinkState) {
	over := len(st.pending) - d.opts.MaxPending
	if over <= 0 {
		return
	}
	keys := make([]domain.PointKey, 0, len(st.pending))
	for k := range st.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Step != keys[j].Step {
			return keys[i].Step < keys[j].Step
		}
		return keys[i].Metric < keys[j].Metric
	})
	for _, k := range keys[:over] {
		delete(st.pending, k)
	}
	d.logger.Warn("pending buffer full, dropped oldest points", "sink", st.sink.Name(), "dropped", over)
}
