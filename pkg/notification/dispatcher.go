package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultQueueSize       = 128
	DefaultDeliveryTimeout = 10 * time.Second
)

// Alert is a notice addressed to a user. To is resolved from UserID when empty.
// Context values are passed to the template next to Title and Message.
type Alert struct {
	Type    NoticeType
	UserID  uuid.UUID
	To      string
	Title   string
	Message string
	Context map[string]string
}

// Alerter accepts alerts without reporting delivery failures.
type Alerter interface {
	Notify(ctx context.Context, alert Alert)
}

// Sender is satisfied by *NotificationManager.
type Sender interface {
	Send(noticeType NoticeType, notification NotificationData) error
}

// RecipientResolver returns the address alerts for userID go to.
type RecipientResolver func(ctx context.Context, userID uuid.UUID) (string, error)

// Dispatcher delivers alerts on a background worker. A full queue drops the alert.
type Dispatcher struct {
	sender  Sender
	resolve RecipientResolver
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Alert
	done   chan struct{}
}

var _ Alerter = (*Dispatcher)(nil)

// NewDispatcher starts the delivery worker. Call Close to drain and stop it.
func NewDispatcher(sender Sender, resolve RecipientResolver, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		sender:  sender,
		resolve: resolve,
		timeout: DefaultDeliveryTimeout,
		queue:   make(chan Alert, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, alert Alert) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		slog.Warn("Alert dropped, dispatcher closed", "type", alert.Type, "user_id", alert.UserID)
		return
	}
	select {
	case d.queue <- alert:
	default:
		slog.Warn("Alert dropped, queue full", "type", alert.Type, "user_id", alert.UserID)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for alert := range d.queue {
		d.deliver(alert)
	}
}

func (d *Dispatcher) deliver(alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Alert delivery panicked", "type", alert.Type, "user_id", alert.UserID, "panic", r)
		}
	}()

	to := alert.To
	if to == "" {
		if d.resolve == nil {
			slog.Warn("Alert has no recipient", "type", alert.Type, "user_id", alert.UserID)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		addr, err := d.resolve(ctx, alert.UserID)
		cancel()
		if err != nil || addr == "" {
			slog.Warn("Alert recipient not resolved", "type", alert.Type, "user_id", alert.UserID, "err", err)
			return
		}
		to = addr
	}

	data := make(map[string]string, len(alert.Context)+2)
	for k, v := range alert.Context {
		data[k] = v
	}
	data["Title"] = alert.Title
	data["Message"] = alert.Message

	err := d.sender.Send(alert.Type, NotificationData{
		To:   to,
		Body: alert.Message,
		Data: data,
	})
	if err != nil {
		slog.Error("Alert delivery failed", "type", alert.Type, "user_id", alert.UserID, "err", err)
		return
	}
	slog.Info("Alert delivered", "type", alert.Type, "user_id", alert.UserID)
}
