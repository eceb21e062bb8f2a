// Package telemetry ships device status and log events to a message
// broker for fleet-wide observability. Envelopes are published to a topic
// exchange and routed to a device-specific queue, so the fleet backend can
// consume per-device streams without fan-out logic of its own.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/pkg/models"
)

// Options configures the AMQP connection backing a Publisher.
type Options struct {
	URL           string
	Exchange      string
	QueueName     string
	RoutingKey    string
	PrefetchCount int
}

// Envelope wraps a status snapshot with delivery metadata. MessageID is
// assigned by Publish if left empty, so callers never need a UUID library
// of their own just to build one.
type Envelope struct {
	MessageID string              `json:"messageId"`
	DeviceID  string              `json:"deviceId"`
	Status    models.PlayerStatus `json:"status"`
	Kind      string              `json:"kind"`
	Timestamp time.Time           `json:"timestamp"`
}

// Kinds of telemetry envelopes.
const (
	KindHeartbeat  = "heartbeat"
	KindStateEntry = "state_entry"
	KindError      = "error"
)

// Publisher publishes telemetry envelopes to a device-specific queue
// bound to a topic exchange.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	opts    Options
	logger  *zap.Logger
}

// NewPublisher dials the broker, declares the exchange and input queue,
// and applies QoS before the first publish.
func NewPublisher(opts Options, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to telemetry broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening telemetry channel: %w", err)
	}

	if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("setting telemetry channel QoS: %w", err)
	}

	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring telemetry exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(opts.QueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring telemetry queue: %w", err)
	}

	if err := ch.QueueBind(opts.QueueName, opts.RoutingKey, opts.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("binding telemetry queue: %w", err)
	}

	return &Publisher{conn: conn, channel: ch, opts: opts, logger: logger}, nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish declares (idempotently) a per-device queue named
// "telemetry.{deviceId}", binds it with the device ID as routing key, and
// publishes env as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	deviceQueue := fmt.Sprintf("telemetry.%s", env.DeviceID)

	if _, err := p.channel.QueueDeclare(deviceQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring device telemetry queue %s: %w", deviceQueue, err)
	}
	if err := p.channel.QueueBind(deviceQueue, env.DeviceID, p.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding device telemetry queue %s: %w", deviceQueue, err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling telemetry envelope: %w", err)
	}

	err = p.channel.PublishWithContext(ctx, p.opts.Exchange, env.DeviceID, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    env.Timestamp,
		MessageId:    env.MessageID,
	})
	if err != nil {
		return fmt.Errorf("publishing telemetry envelope: %w", err)
	}

	p.logger.Debug("published telemetry envelope",
		zap.String("deviceId", env.DeviceID),
		zap.String("kind", env.Kind),
		zap.String("queue", deviceQueue))
	return nil
}

// Sink is the interface the player's heartbeat loop depends on, so a
// no-op stand-in can be used when no broker is configured.
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// NopSink discards every envelope.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, env Envelope) error { return nil }
func (NopSink) Close() error                                    { return nil }
