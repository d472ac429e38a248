package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"nmtboard.tail/internal/core/domain"
	"nmtboard.tail/internal/core/metrics"
	"nmtboard.tail/internal/core/ports"
	"nmtboard.tail/internal/core/tracing"
	"nmtboard.tail/internal/parser"
	"nmtboard.tail/internal/tailer"
)

const (
	defaultFlushRetries = 3
	defaultDrainTimeout = 30 * time.Second
)

// PollLoopOptions configures a PollLoop. Zero values pick the defaults.
type PollLoopOptions struct {
	RunTag string
	RunID  string
	// Interval between ticks. Zero runs a single pass.
	Interval     time.Duration
	Offline      bool
	StepKey      parser.StepKey
	FlushRetries int
	DrainTimeout time.Duration
	// Resume restores offsets and sink watermarks from Store.
	Resume bool
	Store  *tailer.OffsetStore
	// Wake triggers an early tick, e.g. from a file watcher.
	Wake   <-chan struct{}
	Clock  ports.Clock
	Logger *slog.Logger
}

// PollLoop drives sources, matchers, accumulator and dispatcher through
// STARTING, POLLING and DRAINING until STOPPED or ERROR.
type PollLoop struct {
	sources    *tailer.SourceSet
	acc        *Accumulator
	dispatcher *Dispatcher
	matchers   map[string]*parser.Matcher
	opts       PollLoopOptions
	logger     *slog.Logger
	ticks      int64

	mu     sync.RWMutex
	status domain.RunStatus
}

func NewPollLoop(sources *tailer.SourceSet, acc *Accumulator, dispatcher *Dispatcher, opts PollLoopOptions) *PollLoop {
	if opts.FlushRetries <= 0 {
		opts.FlushRetries = defaultFlushRetries
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PollLoop{
		sources:    sources,
		acc:        acc,
		dispatcher: dispatcher,
		matchers:   make(map[string]*parser.Matcher),
		opts:       opts,
		logger:     opts.Logger,
		status: domain.RunStatus{
			RunTag: opts.RunTag,
			RunID:  opts.RunID,
			State:  domain.LoopStateStarting,
		},
	}
}

// Run blocks until the loop reaches a terminal state. It returns
// tailer.ErrNoSources when no configured path exists at start. The source
// set may already be resolved by the caller; resolving again only picks up
// files created since. Cancelling ctx ends polling and triggers the final
// flush.
func (l *PollLoop) Run(ctx context.Context) error {
	l.setState(domain.LoopStateStarting)
	if _, err := l.sources.Resolve(); err != nil {
		l.setState(domain.LoopStateError)
		l.logger.Error("nothing to tail", "error", err)
		return err
	}
	l.logger.Info("starting", "run_tag", l.opts.RunTag, "files", len(l.sources.Paths()), "interval", l.opts.Interval)
	l.restore()

	l.setState(domain.LoopStatePolling)
	for {
		l.tick(ctx)
		if l.opts.Offline || l.opts.Interval <= 0 {
			break
		}
		if l.sources.Active() == 0 {
			l.logger.Info("all log files finished")
			break
		}
		if !l.wait(ctx) {
			l.logger.Info("stop requested")
			break
		}
	}
	return l.drain()
}

// State returns the current loop state.
func (l *PollLoop) State() domain.LoopState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status.State
}

// Status returns the snapshot taken at the end of the last tick.
func (l *PollLoop) Status() domain.RunStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.status
	s.Sources = append([]domain.LogSource(nil), l.status.Sources...)
	s.Sinks = append([]domain.SinkStatus(nil), l.status.Sinks...)
	return s
}

func (l *PollLoop) setState(state domain.LoopState) {
	l.mu.Lock()
	prev := l.status.State
	l.status.State = state
	l.mu.Unlock()
	if prev != state {
		l.logger.Debug("loop state changed", "from", prev, "to", state)
	}
}

func (l *PollLoop) wait(ctx context.Context) bool {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	select {
	case <-ctx.Done():
		return false
	case <-l.opts.Clock.After(wctx, l.opts.Interval):
		return ctx.Err() == nil
	case <-l.opts.Wake:
		return ctx.Err() == nil
	}
}

func (l *PollLoop) tick(ctx context.Context) {
	start := l.opts.Clock.Now()
	ctx, span := tracing.StartSpan(ctx, "poll.tick", attribute.String("run_tag", l.opts.RunTag))

	if _, err := l.sources.Refresh(); err != nil {
		l.logger.Warn("failed to refresh log paths", "error", err)
	}

	var delta domain.Delta
	index := make(map[domain.PointKey]int)
	for _, batch := range l.sources.Poll() {
		points, config := l.consume(batch)
		for _, p := range points {
			if i, ok := index[p.Key()]; ok {
				delta.Points[i] = p
				continue
			}
			index[p.Key()] = len(delta.Points)
			delta.Points = append(delta.Points, p)
		}
		delta.Config = append(delta.Config, config...)
	}
	domain.SortPoints(delta.Points)
	metrics.RecordPoints(len(delta.Points))

	l.dispatcher.Dispatch(ctx, delta)
	l.ticks++
	l.saveState()

	span.SetAttributes(
		attribute.Int("points", len(delta.Points)),
		attribute.Int("sources", l.sources.Active()),
	)
	tracing.EndSpan(span, nil)
	metrics.SetActiveSources(l.sources.Active())
	metrics.ObserveTick(l.opts.Clock.Now().Sub(start))
	if !delta.Empty() {
		l.logger.Debug("tick", "points", len(delta.Points), "config", len(delta.Config), "pending", l.dispatcher.Pending())
	}
	l.publish()
}

// consume matches the lines of one batch and feeds the records to the
// accumulator.
func (l *PollLoop) consume(batch tailer.Batch) ([]domain.Point, []domain.ConfigEntry) {
	m, ok := l.matchers[batch.Path]
	if !ok {
		m = parser.NewMatcher(l.opts.StepKey)
		l.matchers[batch.Path] = m
	}
	if batch.Reset {
		m.Reset()
		l.acc.ResetSource(batch.Path)
		metrics.RecordSourceReset()
	}

	var (
		records  []domain.MetricRecord
		config   []domain.ConfigEntry
		skipped  int
		finished bool
	)
	for _, line := range batch.Lines {
		parsed := m.Match(line)
		metrics.RecordLine(parsed.Kind.String())
		switch parsed.Kind {
		case parser.KindMetrics:
			records = append(records, parsed.Records...)
		case parser.KindConfig:
			if parsed.Config != nil {
				config = append(config, *parsed.Config)
			}
		case parser.KindMalformed:
			skipped++
		case parser.KindFinished:
			finished = true
		}
	}
	if skipped > 0 {
		l.logger.Debug("skipped malformed lines", "path", batch.Path, "lines", skipped)
	}

	points := l.acc.Ingest(batch.Path, records)
	if finished {
		l.sources.MarkFinished(batch.Path)
		delete(l.matchers, batch.Path)
	}
	return points, config
}

func (l *PollLoop) drain() error {
	l.setState(domain.LoopStateDraining)
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.DrainTimeout)
	defer cancel()

	if err := l.dispatcher.Flush(ctx, l.opts.FlushRetries); err != nil {
		l.logger.Warn("giving up on undelivered points", "error", err)
	}
	l.saveState()
	if err := l.dispatcher.Close(ctx); err != nil {
		l.logger.Warn("failed to close sinks", "error", err)
	}
	l.publish()
	l.setState(domain.LoopStateStopped)
	l.logger.Info("stopped", "ticks", l.ticks, "series", len(l.acc.Metrics()))
	return nil
}

func (l *PollLoop) restore() {
	if l.opts.Store == nil || !l.opts.Resume {
		return
	}
	state, err := l.opts.Store.Load()
	if err != nil {
		l.logger.Warn("ignoring unreadable state file", "path", l.opts.Store.Path(), "error", err)
		return
	}
	if state.RunTag != "" && state.RunTag != l.opts.RunTag {
		l.logger.Warn("state file belongs to another run, starting over",
			"path", l.opts.Store.Path(), "state_run_tag", state.RunTag)
		return
	}
	n := state.Apply(l.sources)
	for path, ms := range state.Matchers {
		if _, ok := l.sources.Cursor(path); !ok {
			continue
		}
		m := parser.NewMatcher(l.opts.StepKey)
		m.Restore(ms)
		l.matchers[path] = m
	}
	l.dispatcher.Restore(state.Watermarks)
	l.logger.Info("resuming from saved offsets", "files", n, "path", l.opts.Store.Path())
}

func (l *PollLoop) saveState() {
	if l.opts.Store == nil {
		return
	}
	matchers := make(map[string]parser.MatcherState, len(l.matchers))
	for path, m := range l.matchers {
		matchers[path] = m.State()
	}
	state := &tailer.OffsetState{
		RunTag:     l.opts.RunTag,
		Offsets:    l.sources.Offsets(),
		Matchers:   matchers,
		Watermarks: l.dispatcher.Watermarks(),
	}
	if err := l.opts.Store.Save(state); err != nil {
		l.logger.Warn("failed to save state", "path", l.opts.Store.Path(), "error", err)
	}
}

func (l *PollLoop) publish() {
	sources := l.sources.Snapshot()
	sinks := l.dispatcher.Status()
	series := len(l.acc.Metrics())

	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Ticks = l.ticks
	l.status.Sources = sources
	l.status.Sinks = sinks
	l.status.Series = series
}
