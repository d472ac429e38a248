package influx

import (
	"testing"
	"time"

	"nmtboard.tail/internal/core/domain"
)

func TestToInfluxPoint(t *testing.T) {
	wall := time.Date(2019, 3, 25, 14, 51, 54, 0, time.UTC)
	p := toInfluxPoint("run__a", "id", domain.Point{Metric: domain.MetricLoss, Step: 1000, Value: 7.96, Epoch: "1", WallTime: wall}, time.Now())

	if p.Name() != Measurement {
		t.Errorf("Name() = %q", p.Name())
	}
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["run"] != "run__a" || tags["metric"] != domain.MetricLoss {
		t.Errorf("tags = %v", tags)
	}
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["value"] != 7.96 || fields["step"] != int64(1000) || fields["epoch"] != "1" {
		t.Errorf("fields = %v", fields)
	}
	if want := wall.Add(1000 * time.Nanosecond); !p.Time().Equal(want) {
		t.Errorf("Time() = %v, want %v", p.Time(), want)
	}
}

func TestToInfluxPointWithoutWallTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := toInfluxPoint("run", "id", domain.Point{Metric: domain.MetricLoss, Step: 2}, now)
	if !p.Time().Equal(now.Add(2)) {
		t.Errorf("Time() = %v", p.Time())
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(Options{URL: "http://localhost:8086", Org: "org"}, "id"); err == nil {
		t.Error("New() accepted options without bucket")
	}
}
