// Package influx writes metric points to InfluxDB 2.x.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"nmtboard.tail/internal/core/domain"
)

const (
	SinkName    = "influx"
	Measurement = "training"
)

type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	runID    string
	now      func() time.Time
}

func New(opts Options, runID string) (*Sink, error) {
	if opts.URL == "" || opts.Org == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("influx: url, org and bucket are required")
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket),
		runID:    runID,
		now:      time.Now,
	}, nil
}

func (s *Sink) Name() string { return SinkName }

func (s *Sink) Push(ctx context.Context, runTag string, points []domain.Point) error {
	if len(points) == 0 {
		return nil
	}
	batch := make([]*write.Point, 0, len(points))
	for _, p := range points {
		batch = append(batch, toInfluxPoint(runTag, s.runID, p, s.now()))
	}
	if err := s.writeAPI.WritePoint(ctx, batch...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (s *Sink) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != "pass" {
		msg := string(health.Status)
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influx not ready: %s", msg)
	}
	return nil
}

func (s *Sink) Close(ctx context.Context) error {
	s.client.Close()
	return nil
}

// toInfluxPoint tags by run and metric. Marian timestamps have second
// resolution, so the step is folded into the sub-second part to keep two
// steps logged in the same second apart.
func toInfluxPoint(runTag, runID string, p domain.Point, now time.Time) *write.Point {
	ts := p.WallTime
	if ts.IsZero() {
		ts = now
	}
	ts = ts.Truncate(time.Second).Add(time.Duration(p.Step % int64(time.Second)))

	fields := map[string]interface{}{
		"value": p.Value,
		"step":  p.Step,
	}
	if p.Epoch != "" {
		fields["epoch"] = p.Epoch
	}
	return influxdb2.NewPoint(
		Measurement,
		map[string]string{
			"run":    runTag,
			"metric": p.Metric,
			"run_id": runID,
		},
		fields,
		ts,
	)
}
