package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nmtboard.tail/internal/core/domain"
)

const (
	defaultStallTimeout = 30 * time.Minute // Marian logs at least every disp-freq updates
	stallCheckInterval  = 30 * time.Second
)

const (
	StallEventStalled = "stalled"
	StallEventResumed = "resumed"
)

type StallAlert struct {
	RunTag    string    `json:"run_tag"`
	Path      string    `json:"path"`
	Event     string    `json:"event"`
	LastRead  time.Time `json:"last_read"`
	Timestamp time.Time `json:"timestamp"`
}

// StallMonitor reports log files that stopped growing while training has not
// finished, e.g. a crashed or hung trainer.
type StallMonitor struct {
	loop      StatusProvider
	timeout   time.Duration
	alertChan chan StallAlert
	logger    *slog.Logger

	mu      sync.Mutex
	stalled map[string]bool
}

func NewStallMonitor(loop StatusProvider, timeout time.Duration, logger *slog.Logger) *StallMonitor {
	if timeout <= 0 {
		timeout = defaultStallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StallMonitor{
		loop:      loop,
		timeout:   timeout,
		alertChan: make(chan StallAlert, 100),
		logger:    logger,
		stalled:   make(map[string]bool),
	}
}

// Start begins monitoring sources
func (m *StallMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

// Check compares the last read time of every unfinished source with now.
func (m *StallMonitor) Check(now time.Time) []StallAlert {
	status := m.loop.Status()
	if status.State != domain.LoopStatePolling {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var alerts []StallAlert
	for _, src := range status.Sources {
		if src.Finished || src.LastRead.IsZero() {
			delete(m.stalled, src.Path)
			continue
		}
		idle := now.Sub(src.LastRead) > m.timeout
		switch {
		case idle && !m.stalled[src.Path]:
			m.stalled[src.Path] = true
			alerts = append(alerts, StallAlert{RunTag: status.RunTag, Path: src.Path, Event: StallEventStalled, LastRead: src.LastRead, Timestamp: now})
			m.logger.Warn("log file stopped growing", "path", src.Path, "last_read", src.LastRead, "timeout", m.timeout)
		case !idle && m.stalled[src.Path]:
			delete(m.stalled, src.Path)
			alerts = append(alerts, StallAlert{RunTag: status.RunTag, Path: src.Path, Event: StallEventResumed, LastRead: src.LastRead, Timestamp: now})
			m.logger.Info("log file is growing again", "path", src.Path)
		}
	}

	for _, a := range alerts {
		select {
		case m.alertChan <- a:
		default:
			m.logger.Warn("stall alert dropped, nobody is listening", "path", a.Path, "event", a.Event)
		}
	}
	return alerts
}

// Alerts returns the alert channel
func (m *StallMonitor) Alerts() <-chan StallAlert {
	return m.alertChan
}
