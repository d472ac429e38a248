package services

import (
	"context"
	"fmt"
	"time"

	"nmtboard.tail/internal/core/domain"
	"nmtboard.tail/internal/core/ports"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

// StatusProvider is implemented by PollLoop.
type StatusProvider interface {
	Status() domain.RunStatus
}

type HealthService struct {
	loop     StatusProvider
	checkers map[string]ports.HealthChecker
	version  string
}

// NewHealthService pings every sink that implements ports.HealthChecker.
func NewHealthService(loop StatusProvider, sinks []ports.MetricSink, version string) *HealthService {
	if version == "" {
		version = "0.0.1"
	}
	checkers := make(map[string]ports.HealthChecker)
	for _, s := range sinks {
		if hc, ok := s.(ports.HealthChecker); ok {
			checkers[s.Name()] = hc
		}
	}
	return &HealthService{
		loop:     loop,
		checkers: checkers,
		version:  version,
	}
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	status := s.loop.Status()
	loopHealth := checkLoop(status)
	report.Components["loop"] = loopHealth
	if loopHealth.Status != HealthStatusHealthy {
		report.Status = HealthStatusUnhealthy
	}

	// Sinks only degrade the report; the tailer keeps buffering for them.
	for _, sink := range status.Sinks {
		h := s.checkSink(ctx, sink)
		report.Components["sink:"+sink.Name] = h
		if h.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}

	return report
}

func checkLoop(status domain.RunStatus) ComponentHealth {
	h := ComponentHealth{
		Status:    HealthStatusHealthy,
		Message:   string(status.State),
		CheckedAt: time.Now(),
	}
	if status.State == domain.LoopStateError {
		h.Status = HealthStatusUnhealthy
	}
	return h
}

func (s *HealthService) checkSink(ctx context.Context, sink domain.SinkStatus) ComponentHealth {
	start := time.Now()

	if hc, ok := s.checkers[sink.Name]; ok {
		// Check connection with timeout
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := hc.Ping(ctx); err != nil {
			return ComponentHealth{
				Status:    HealthStatusUnhealthy,
				Message:   fmt.Sprintf("ping failed: %v", err),
				Latency:   time.Since(start).String(),
				CheckedAt: time.Now(),
			}
		}
	}

	if sink.Failures > 0 {
		return ComponentHealth{
			Status:    HealthStatusDegraded,
			Message:   fmt.Sprintf("%d failed pushes, %d points pending: %s", sink.Failures, sink.Pending, sink.LastError),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

// SimpleHealthCheck returns a simple health status for load balancers
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	report := s.CheckHealth(ctx)

	switch report.Status {
	case HealthStatusHealthy:
		return "ok", 200
	case HealthStatusDegraded:
		return "degraded", 200 // Still tailing
	default:
		return "unhealthy", 503
	}
}
