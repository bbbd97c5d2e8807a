// Package ledger is the append-only account event trail.
//
// Record never blocks or fails the caller: events go onto a bounded queue and a
// single worker appends them. Write failures and overflow are logged and the
// event is dropped.
package ledger

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/tendant/devicetrust/pkg/config"
	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Recorder accepts events without reporting failures.
type Recorder interface {
	Record(ctx context.Context, userID uuid.UUID, eventType model.EventType, sessionID string, metadata map[string]string)
}

// Ledger writes events asynchronously and reads them back page by page.
type Ledger struct {
	repo         store.EventRepository
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan model.AccountEvent
	done   chan struct{}
}

var _ Recorder = (*Ledger)(nil)

type Option func(*Ledger)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New starts the writer. Call Close to flush and stop it.
func New(repo store.EventRepository, cfg config.LedgerConfig, opts ...Option) *Ledger {
	size := cfg.QueueSize
	if size <= 0 {
		size = config.DefaultLedgerConfig().QueueSize
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = config.DefaultLedgerConfig().WriteTimeout
	}
	l := &Ledger{
		repo:         repo,
		writeTimeout: timeout,
		now:          time.Now,
		queue:        make(chan model.AccountEvent, size),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Record stamps the event and queues it. The creation time is taken here, not
// when the worker writes it.
func (l *Ledger) Record(ctx context.Context, userID uuid.UUID, eventType model.EventType, sessionID string, metadata map[string]string) {
	if !eventType.Valid() {
		slog.Error("Account event dropped, unknown type", "type", eventType, "user_id", userID)
		return
	}

	now := l.now().UTC()
	event := model.AccountEvent{
		ID:              ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		UserID:          userID,
		Type:            eventType,
		DeviceSessionID: sessionID,
		Metadata:        maps.Clone(metadata),
		CreatedAt:       now,
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		slog.Warn("Account event dropped, ledger closed", "type", eventType, "user_id", userID)
		return
	}
	select {
	case l.queue <- event:
	default:
		slog.Error("Account event dropped, queue full", "type", eventType, "user_id", userID, "session_id", sessionID)
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (l *Ledger) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Ledger) run() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
}

func (l *Ledger) write(event model.AccountEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	if err := l.repo.AppendEvent(ctx, event); err != nil {
		slog.Error("Failed to append account event",
			"event_id", event.ID,
			"type", event.Type,
			"user_id", event.UserID,
			"session_id", event.DeviceSessionID,
			"error", err,
		)
		return
	}
	slog.Debug("Account event appended", "event_id", event.ID, "type", event.Type, "user_id", event.UserID)
}

// Page is one page of events, newest first. NextCursor is set when more events
// may follow; pass it back as before.
type Page struct {
	Events     []model.AccountEvent `json:"events"`
	NextCursor *time.Time           `json:"next_cursor,omitempty"`
}

// List returns the user's events created strictly before the cursor. limit
// defaults to DefaultPageSize and is capped at MaxPageSize.
func (l *Ledger) List(ctx context.Context, userID uuid.UUID, before *time.Time, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	events, err := l.repo.ListEvents(ctx, userID, before, limit)
	if err != nil {
		slog.Error("Failed to list account events", "user_id", userID, "error", err)
		return Page{}, errors.Upstream(err, "store")
	}

	page := Page{Events: events}
	if page.Events == nil {
		page.Events = []model.AccountEvent{}
	}
	if len(events) == limit {
		cursor := events[len(events)-1].CreatedAt
		page.NextCursor = &cursor
	}
	return page, nil
}
