// Package notify delivers ledger notifications to the message broker.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

// DefaultExchange is the topic exchange notifications are published on.
const DefaultExchange = "ledger_notifications"

// ErrUnavailable is returned while the breaker is open or probing.
var ErrUnavailable = errors.New("notification broker unavailable")

// BreakerConfig tunes the circuit breaker around the publisher.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	return c
}

// BrokerNotifier publishes each notification as a JSON event routed by its
// type, e.g. "notification.success". Publishes go through a circuit breaker.
type BrokerNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

func NewBrokerNotifier(publisher rabbitmq.Publisher, exchange string, cfg BreakerConfig, logger *zap.Logger) *BrokerNotifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "notify"))
	cfg = cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-broker",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BrokerNotifier{
		publisher: publisher,
		exchange:  exchange,
		breaker:   breaker,
		logger:    logger,
	}
}

// RoutingKey returns the routing key for a notification type.
func RoutingKey(t domain.NotificationType) string {
	if t == "" {
		t = domain.NotificationInfo
	}
	return "notification." + string(t)
}

func (n *BrokerNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.publisher.Publish(ctx, n.exchange, RoutingKey(notification.Type), notification)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// State exposes the breaker state for health reporting.
func (n *BrokerNotifier) State() gobreaker.State {
	return n.breaker.State()
}
