package services

import (
	"testing"
	"time"

	"nmtboard.tail/internal/core/domain"
)

func TestStallMonitorAlertsOnceAndRecovers(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	status := &domain.RunStatus{
		RunTag: "run",
		State:  domain.LoopStatePolling,
		Sources: []domain.LogSource{
			{Path: "/logs/train.log", LastRead: base},
			{Path: "/logs/done.log", LastRead: base, Finished: true},
		},
	}
	m := NewStallMonitor(statusFunc(func() domain.RunStatus { return *status }), time.Minute, nil)

	if alerts := m.Check(base.Add(30 * time.Second)); len(alerts) != 0 {
		t.Fatalf("alerts before timeout: %+v", alerts)
	}

	alerts := m.Check(base.Add(2 * time.Minute))
	if len(alerts) != 1 || alerts[0].Event != StallEventStalled || alerts[0].Path != "/logs/train.log" {
		t.Fatalf("alerts = %+v, want one stall for train.log", alerts)
	}
	if alerts := m.Check(base.Add(3 * time.Minute)); len(alerts) != 0 {
		t.Errorf("repeated alert: %+v", alerts)
	}

	status.Sources[0].LastRead = base.Add(3 * time.Minute)
	alerts = m.Check(base.Add(3*time.Minute + time.Second))
	if len(alerts) != 1 || alerts[0].Event != StallEventResumed {
		t.Fatalf("alerts = %+v, want resume", alerts)
	}

	select {
	case a := <-m.Alerts():
		if a.Event != StallEventStalled {
			t.Errorf("first queued alert = %+v", a)
		}
	default:
		t.Error("no alert queued")
	}
}

func TestStallMonitorIgnoresStoppedLoop(t *testing.T) {
	status := domain.RunStatus{
		State:   domain.LoopStateStopped,
		Sources: []domain.LogSource{{Path: "/logs/train.log", LastRead: time.Unix(0, 0)}},
	}
	m := NewStallMonitor(statusFunc(func() domain.RunStatus { return status }), time.Minute, nil)
	if alerts := m.Check(time.Now()); len(alerts) != 0 {
		t.Errorf("alerts = %+v, want none", alerts)
	}
}

type statusFunc func() domain.RunStatus

func (f statusFunc) Status() domain.RunStatus { return f() }
