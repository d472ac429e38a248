// Package mqtt publishes metric points to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nmtboard.tail/internal/adapters/sink"
	"nmtboard.tail/internal/core/domain"
)

const (
	SinkName      = "mqtt"
	DefaultPrefix = "nmtboard"

	qos = 1
)

// Publisher sends one message per point on
// <prefix>/<run-tag>/<metric> and the whole tick on <prefix>/<run-tag>/events.
type Publisher struct {
	client mqtt.Client
	prefix string
	runID  string
	logger *slog.Logger
}

// NewPublisher initializes the MQTT publisher
func NewPublisher(brokerURL, prefix, runID string, logger *slog.Logger) (*Publisher, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("nmtboard-%s", runID))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", brokerURL, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("connected to mqtt broker", "broker", brokerURL)
	return &Publisher{
		client: client,
		prefix: prefix,
		runID:  runID,
		logger: logger,
	}, nil
}

func (p *Publisher) Name() string { return SinkName }

func (p *Publisher) Push(ctx context.Context, runTag string, points []domain.Point) error {
	for _, pt := range points {
		payload, err := json.Marshal(pt)
		if err != nil {
			return fmt.Errorf("failed to marshal point: %w", err)
		}
		if err := p.publish(ctx, Topic(p.prefix, runTag, pt.Metric), payload); err != nil {
			return err
		}
	}
	return p.publishMessage(ctx, runTag, sink.NewMetricsMessage(runTag, p.runID, points))
}

func (p *Publisher) PushConfig(ctx context.Context, runTag string, entries []domain.ConfigEntry) error {
	return p.publishMessage(ctx, runTag, sink.NewConfigMessage(runTag, p.runID, entries))
}

func (p *Publisher) Ping(ctx context.Context) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt: not connected")
	}
	return nil
}

func (p *Publisher) Close(ctx context.Context) error {
	p.client.Disconnect(250)
	return nil
}

func (p *Publisher) publishMessage(ctx context.Context, runTag string, msg sink.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.publish(ctx, Topic(p.prefix, runTag, "events"), data)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Topic builds <prefix>/<run-tag>/<name>. MQTT wildcards and empty levels
// are replaced so that a metric such as "valid/bleu" keeps its hierarchy.
func Topic(prefix, runTag, name string) string {
	clean := strings.NewReplacer("+", "_", "#", "_").Replace
	parts := []string{clean(prefix), clean(runTag)}
	for _, level := range strings.Split(name, "/") {
		if level = clean(level); level != "" {
			parts = append(parts, level)
		}
	}
	return strings.Join(parts, "/")
}
