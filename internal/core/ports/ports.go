package ports

import (
	"context"
	"time"

	"nmtboard.tail/internal/core/domain"
)

// MetricSink receives the per-tick delta. Implementations must not retain
// the points slice after Push returns.
type MetricSink interface {
	Name() string
	Push(ctx context.Context, runTag string, points []domain.Point) error
	Close(ctx context.Context) error
}

// ConfigSink is implemented by sinks that can record training configuration text.
type ConfigSink interface {
	PushConfig(ctx context.Context, runTag string, entries []domain.ConfigEntry) error
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Clock drives the polling loop.
type Clock interface {
	Now() time.Time
	// After sends the current time once d has elapsed or ctx is done.
	After(ctx context.Context, d time.Duration) <-chan time.Time
}

// SystemClock is the wall-clock implementation of Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) After(ctx context.Context, d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case now := <-t.C:
			ch <- now
		case <-ctx.Done():
			ch <- time.Now()
		}
	}()
	return ch
}
