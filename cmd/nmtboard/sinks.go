package main

import (
	"context"
	"fmt"

	http_handler "nmtboard.tail/internal/adapters/handler/http"
	"nmtboard.tail/internal/adapters/repository/pg"
	"nmtboard.tail/internal/adapters/sink"
	"nmtboard.tail/internal/adapters/sink/influx"
	"nmtboard.tail/internal/adapters/sink/mqtt"
	"nmtboard.tail/internal/adapters/sink/promsink"
	redis_sink "nmtboard.tail/internal/adapters/sink/redis"
	"nmtboard.tail/internal/adapters/sink/tensorboard"
	"nmtboard.tail/internal/config"
	"nmtboard.tail/internal/core/circuitbreaker"
	"nmtboard.tail/internal/core/logger"
	"nmtboard.tail/internal/core/ports"
)

// buildSinks creates every configured sink. Network sinks sit behind a
// circuit breaker. A sink that cannot be created fails the start.
func buildSinks(cfg *config.Config, runTag, runID string, hub *http_handler.Hub) ([]ports.MetricSink, error) {
	var sinks []ports.MetricSink
	fail := func(err error) ([]ports.MetricSink, error) {
		for _, s := range sinks {
			if cerr := s.Close(context.Background()); cerr != nil {
				logger.Warn("Failed to close sink", "sink", s.Name(), "error", cerr)
			}
		}
		return nil, err
	}
	breaker := circuitbreaker.Settings{}

	if cfg.LocalSinkEnabled() {
		tb, err := tensorboard.New(cfg.WorkDir, runTag, logger.Named("tensorboard"))
		if err != nil {
			return fail(fmt.Errorf("failed to init tensorboard sink: %w", err))
		}
		logger.Info("Writing TensorBoard events", "path", tb.Path())
		sinks = append(sinks, tb)
	}

	if cfg.HTTPAddr != "" && cfg.EnablePromSink {
		sinks = append(sinks, promsink.New())
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}

	if cfg.RedisURL != "" {
		rs, err := redis_sink.New(cfg.RedisURL, cfg.RedisPrefix, runID)
		if err != nil {
			return fail(fmt.Errorf("failed to init redis sink: %w", err))
		}
		logger.Info("Publishing to Redis", "channel", rs.ChannelKey(runTag))
		sinks = append(sinks, sink.WithBreaker(rs, breaker))
	}

	if cfg.MQTTBroker != "" {
		pub, err := mqtt.NewPublisher(cfg.MQTTBroker, cfg.MQTTPrefix, runID, logger.Named("mqtt"))
		if err != nil {
			return fail(fmt.Errorf("failed to init mqtt sink: %w", err))
		}
		logger.Info("Publishing to MQTT", "broker", cfg.MQTTBroker, "events", mqtt.Topic(cfg.MQTTPrefix, runTag, "events"))
		sinks = append(sinks, sink.WithBreaker(pub, breaker))
	}

	if cfg.DatabaseURL != "" {
		repo, err := pg.NewRepository(cfg.DatabaseURL, runID)
		if err != nil {
			return fail(fmt.Errorf("failed to init postgres sink: %w", err))
		}
		sinks = append(sinks, sink.WithBreaker(repo, breaker))
	}

	if cfg.InfluxURL != "" {
		in, err := influx.New(influx.Options{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, runID)
		if err != nil {
			return fail(fmt.Errorf("failed to init influx sink: %w", err))
		}
		sinks = append(sinks, sink.WithBreaker(in, breaker))
	}

	return sinks, nil
}
