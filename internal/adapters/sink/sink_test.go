package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"nmtboard.tail/internal/core/circuitbreaker"
	"nmtboard.tail/internal/core/domain"
)

type countingSink struct {
	calls int
	err   error
}

func (s *countingSink) Name() string { return "counting" }

func (s *countingSink) Push(ctx context.Context, runTag string, points []domain.Point) error {
	s.calls++
	return s.err
}

func (s *countingSink) Close(ctx context.Context) error { return nil }

func TestGuardedOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &countingSink{err: errors.New("connection refused")}
	g := WithBreaker(inner, circuitbreaker.Settings{ConsecutiveFailures: 2, OpenTimeout: time.Hour})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := g.Push(ctx, "run", nil); err == nil || errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			t.Fatalf("push %d error = %v, want backend error", i, err)
		}
	}
	if err := g.Push(ctx, "run", nil); !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("Push() error = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestGuardedIgnoresConfigForPlainSink(t *testing.T) {
	inner := &countingSink{err: errors.New("unused")}
	g := WithBreaker(inner, circuitbreaker.Settings{})

	if err := g.PushConfig(context.Background(), "run", []domain.ConfigEntry{{Name: "a", Value: "b"}}); err != nil {
		t.Errorf("PushConfig() error = %v", err)
	}
	if err := g.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if g.Name() != "counting" || g.Unwrap() != inner {
		t.Error("decorator does not expose the wrapped sink")
	}
}
