/**
 * @description
 * Publisher for JSON events on durable RabbitMQ topic exchanges. The ledger
 * uses it to fan user notifications out to whichever service delivers them.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: AMQP client.
 * - go.uber.org/zap: structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// Publisher is implemented by anything that can publish a JSON event.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close()
}

// EventProducer holds one connection and a channel that is reopened when a
// declare or publish fails on it.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *zap.Logger
}

// NoopProducer drops events. It stands in when RabbitMQ is unreachable at
// startup so the ledger keeps serving.
type NoopProducer struct {
	logger *zap.Logger
}

func NewNoopProducer(logger *zap.Logger) *NoopProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopProducer{logger: logger.With(zap.String("component", "rabbitmq_producer"), zap.String("mode", "noop"))}
}

func (p *NoopProducer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	p.logger.Debug("publish skipped", zap.String("exchange", exchange), zap.String("routing_key", routingKey))
	return nil
}

func (p *NoopProducer) Close() {}

// SanitizeURL trims quotes and stray prefixes that env files tend to add and
// checks the scheme.
func SanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ with a bounded timeout and opens a channel.
func NewEventProducer(amqpURL string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return &EventProducer{
		conn:    conn,
		channel: ch,
		logger:  logger.With(zap.String("component", "rabbitmq_producer")),
	}, nil
}

// Publish declares exchange as a durable topic and publishes body as JSON.
// On failure the channel is reopened and the publish retried once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publish(ctx, exchange, routingKey, payload)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed; reopening channel",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.Error(err),
	)
	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.channel = ch
	return p.publish(ctx, exchange, routingKey, payload)
}

func (p *EventProducer) publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
}

// Close closes the channel and the connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
