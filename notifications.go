package authgate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type notificationKind string

const (
	notifyVerification  notificationKind = "verification"
	notifyPasswordReset notificationKind = "password_reset"
	notifyTwoFactorCode notificationKind = "two_factor_code"
)

type notification struct {
	kind  notificationKind
	email string
	// secret is the token or code. It is never logged.
	secret string
}

// notificationDispatcher hands messages to the NotificationSender from a fixed
// worker pool so delivery latency and failures stay out of the auth flows.
type notificationDispatcher struct {
	sender  NotificationSender
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics

	jobs      chan notification
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

func newNotificationDispatcher(sender NotificationSender, cfg NotificationConfig, logger *zap.Logger, metrics *Metrics) *notificationDispatcher {
	d := &notificationDispatcher{
		sender:  sender,
		timeout: cfg.SendTimeout,
		logger:  logger,
		metrics: metrics,
	}
	if sender == nil {
		return d
	}

	d.jobs = make(chan notification, cfg.QueueSize)
	d.done = make(chan struct{})
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.run()
	}
	return d
}

func (d *notificationDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case n := <-d.jobs:
			d.deliver(n)
		case <-d.done:
			for {
				select {
				case n := <-d.jobs:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *notificationDispatcher) deliver(n notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var err error
	switch n.kind {
	case notifyVerification:
		err = d.sender.SendVerification(ctx, n.email, n.secret)
	case notifyPasswordReset:
		err = d.sender.SendPasswordReset(ctx, n.email, n.secret)
	case notifyTwoFactorCode:
		err = d.sender.SendTwoFactorCode(ctx, n.email, n.secret)
	}
	if err != nil {
		d.logger.Warn("notification delivery failed",
			zap.String("kind", string(n.kind)),
			zap.Error(err),
		)
	}
}

// enqueue never blocks. A full queue, a closed dispatcher or a missing sender
// drops the message.
func (d *notificationDispatcher) enqueue(n notification) bool {
	if d == nil || d.sender == nil {
		if d != nil {
			d.logger.Warn("no notification sender configured", zap.String("kind", string(n.kind)))
			d.metrics.Inc(MetricNotificationDropped)
		}
		return false
	}
	if d.closed.Load() {
		return false
	}

	select {
	case d.jobs <- n:
		return true
	case <-d.done:
		return false
	default:
		d.metrics.Inc(MetricNotificationDropped)
		d.logger.Warn("notification queue full", zap.String("kind", string(n.kind)))
		return false
	}
}

// Close stops intake and delivers what is already queued.
func (d *notificationDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		if d.done != nil {
			close(d.done)
			d.wg.Wait()
		}
	})
}
