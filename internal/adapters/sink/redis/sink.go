// Package redis stores metric series in Redis sorted sets and announces every
// tick on a pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"nmtboard.tail/internal/adapters/sink"
	"nmtboard.tail/internal/core/domain"
)

const (
	SinkName      = "redis"
	DefaultPrefix = "nmtboard"
)

// Sink writes one sorted set per metric, scored by step:
//
//	<prefix>:runs                      set of run tags
//	<prefix>:run:<tag>:series:<metric> sorted set, member is the JSON sample
//	<prefix>:run:<tag>:latest          hash metric -> last value
//	<prefix>:run:<tag>:config          hash name -> value
//	<prefix>:run:<tag>:events          pub/sub channel of sink.Message
type Sink struct {
	client *redis.Client
	prefix string
	runID  string
}

type sample struct {
	Step     int64     `json:"step"`
	Value    float64   `json:"value"`
	Epoch    string    `json:"epoch,omitempty"`
	WallTime time.Time `json:"wall_time,omitempty"`
}

func New(url, prefix, runID string) (*Sink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), prefix, runID), nil
}

func NewWithClient(client *redis.Client, prefix, runID string) *Sink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Sink{client: client, prefix: prefix, runID: runID}
}

func (s *Sink) Name() string { return SinkName }

func (s *Sink) Push(ctx context.Context, runTag string, points []domain.Point) error {
	msg, err := json.Marshal(sink.NewMetricsMessage(runTag, s.runID, points))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	latest := make(map[string]interface{})
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.runsKey(), runTag)
		for _, p := range points {
			member, err := encodeSample(p)
			if err != nil {
				return err
			}
			key := s.SeriesKey(runTag, p.Metric)
			score := strconv.FormatInt(p.Step, 10)
			// One member per step: replace whatever was stored for it.
			pipe.ZRemRangeByScore(ctx, key, score, score)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(p.Step), Member: member})
			latest[p.Metric] = p.Value
		}
		if len(latest) > 0 {
			pipe.HSet(ctx, s.key(runTag, "latest"), latest)
		}
		pipe.Publish(ctx, s.ChannelKey(runTag), msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push: %w", err)
	}
	return nil
}

func (s *Sink) PushConfig(ctx context.Context, runTag string, entries []domain.ConfigEntry) error {
	values := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		values[e.Name] = e.Value
	}
	if len(values) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, s.key(runTag, "config"), values).Err(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}
	return nil
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close()
}

func (s *Sink) SeriesKey(runTag, metric string) string {
	return s.key(runTag, "series:"+metric)
}

func (s *Sink) ChannelKey(runTag string) string {
	return s.key(runTag, "events")
}

func (s *Sink) runsKey() string {
	return s.prefix + ":runs"
}

func (s *Sink) key(runTag, suffix string) string {
	return s.prefix + ":run:" + runTag + ":" + suffix
}

func encodeSample(p domain.Point) (string, error) {
	data, err := json.Marshal(sample{Step: p.Step, Value: p.Value, Epoch: p.Epoch, WallTime: p.WallTime})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sample: %w", err)
	}
	return string(data), nil
}
