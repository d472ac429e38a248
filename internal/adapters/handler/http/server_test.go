package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nmtboard.tail/internal/adapters/sink"
	"nmtboard.tail/internal/core/domain"
	"nmtboard.tail/internal/core/services"
)

type fixedStatus struct{ status domain.RunStatus }

func (f fixedStatus) Status() domain.RunStatus { return f.status }

func newTestServer(state domain.LoopState, hub *Hub) *httptest.Server {
	status := fixedStatus{domain.RunStatus{RunTag: "run__a", State: state, Ticks: 3}}
	health := services.NewHealthService(status, nil, "test")
	return httptest.NewServer(NewServer(status, health, hub).Handler())
}

func TestServerEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		state    domain.LoopState
		path     string
		wantCode int
		wantBody string
	}{
		{"liveness", domain.LoopStatePolling, "/health/live", http.StatusOK, "ok"},
		{"readiness", domain.LoopStatePolling, "/health/ready", http.StatusOK, "ok"},
		{"readiness in error", domain.LoopStateError, "/health/ready", http.StatusServiceUnavailable, "unhealthy"},
		{"detailed health", domain.LoopStateError, "/api/health/detailed", http.StatusServiceUnavailable, `"status":"unhealthy"`},
		{"status", domain.LoopStatePolling, "/api/status", http.StatusOK, `"run_tag":"run__a"`},
		{"metrics", domain.LoopStatePolling, "/metrics", http.StatusOK, "nmtboard_points_total"},
		{"ws disabled", domain.LoopStatePolling, "/api/ws", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(tt.state, nil)
			defer srv.Close()

			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestHubStreamsPushedPoints(t *testing.T) {
	hub := NewHub("id")
	go hub.Run()
	defer hub.Close(context.Background())

	srv := newTestServer(domain.LoopStatePolling, hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := hub.Push(ctx, "run__a", []domain.Point{{Metric: domain.MetricLoss, Step: 7, Value: 1.5}}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type    string       `json:"type"`
		Payload sink.Message `json:"payload"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != sink.MessageTypeMetrics || got.Payload.RunTag != "run__a" {
		t.Fatalf("message = %+v", got)
	}
	if len(got.Payload.Points) != 1 || got.Payload.Points[0].Step != 7 {
		t.Errorf("points = %+v", got.Payload.Points)
	}
}

func TestHubPushAfterCloseFails(t *testing.T) {
	hub := NewHub("id")
	stopped := make(chan struct{})
	go func() {
		hub.Run()
		close(stopped)
	}()
	hub.Close(context.Background())
	<-stopped

	err := hub.Push(context.Background(), "run", nil)
	if err == nil {
		t.Error("Push() after Close succeeded")
	}
}
