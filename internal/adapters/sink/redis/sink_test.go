package redis

import (
	"encoding/json"
	"testing"
	"time"

	"nmtboard.tail/internal/core/domain"
)

func TestKeys(t *testing.T) {
	s := NewWithClient(nil, "", "id")
	if got := s.SeriesKey("run__a", domain.MetricLoss); got != "nmtboard:run:run__a:series:train/loss" {
		t.Errorf("SeriesKey() = %q", got)
	}
	if got := s.ChannelKey("run__a"); got != "nmtboard:run:run__a:events" {
		t.Errorf("ChannelKey() = %q", got)
	}
}

func TestEncodeSample(t *testing.T) {
	wall := time.Date(2019, 3, 25, 14, 51, 54, 0, time.UTC)
	member, err := encodeSample(domain.Point{Metric: domain.MetricLoss, Step: 100, Value: 2.345, Epoch: "1", WallTime: wall})
	if err != nil {
		t.Fatal(err)
	}
	var got sample
	if err := json.Unmarshal([]byte(member), &got); err != nil {
		t.Fatalf("member %q is not JSON: %v", member, err)
	}
	if got.Step != 100 || got.Value != 2.345 || got.Epoch != "1" || !got.WallTime.Equal(wall) {
		t.Errorf("sample = %+v", got)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("http://localhost", "", "id"); err == nil {
		t.Error("New() accepted a non-redis url")
	}
}
