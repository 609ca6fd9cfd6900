package app

import (
	"context"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"go.uber.org/zap"
)

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, domain.Notification) error { return nil }

// dispatcher publishes notifications after a commit. Failures are logged and
// never reach the caller, and each publish is bounded by timeout even when
// the request context is already done.
type dispatcher struct {
	notifier Notifier
	clock    Clock
	timeout  time.Duration
	logger   *zap.Logger
}

func newDispatcher(notifier Notifier, clock Clock, timeout time.Duration, logger *zap.Logger) *dispatcher {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &dispatcher{notifier: notifier, clock: clock, timeout: timeout, logger: logger}
}

func (d *dispatcher) send(ctx context.Context, notifications ...domain.Notification) {
	for _, n := range notifications {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = d.clock.Now()
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		err := d.notifier.Notify(sendCtx, n)
		cancel()
		if err != nil {
			d.logger.Warn("notification publish failed",
				zap.String("user_id", n.UserID.String()),
				zap.String("title", n.Title),
				zap.Error(err),
			)
		}
	}
}
