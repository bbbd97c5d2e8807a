package ledger

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/devicetrust/pkg/config"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store/inmem"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

// now advances by a second on every call so events get distinct timestamps.
func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type failingRepo struct{ *inmem.Store }

func (failingRepo) AppendEvent(ctx context.Context, event model.AccountEvent) error {
	return stderrors.New("database unavailable")
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	clock := &stepClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(s, config.DefaultLedgerConfig(), WithClock(clock.now))
	userID := uuid.New()

	for i := 0; i < 25; i++ {
		l.Record(ctx, userID, model.EventDeviceVerified, "s1", map[string]string{"method": "device_code"})
	}
	l.Record(ctx, uuid.New(), model.EventDeviceRevoked, "s2", nil)
	l.Close()

	page, err := l.List(ctx, userID, nil, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, DefaultPageSize)
	require.NotNil(t, page.NextCursor)
	assert.True(t, page.Events[0].CreatedAt.After(page.Events[1].CreatedAt), "newest first")
	assert.Equal(t, "device_code", page.Events[0].Metadata["method"])
	assert.Len(t, page.Events[0].ID, 26, "ids are ULIDs")

	next, err := l.List(ctx, userID, page.NextCursor, 0)
	require.NoError(t, err)
	assert.Len(t, next.Events, 5)
	assert.Nil(t, next.NextCursor)
	for _, e := range next.Events {
		assert.True(t, e.CreatedAt.Before(*page.NextCursor))
	}
}

func TestListCapsLimit(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	l := New(s, config.DefaultLedgerConfig())
	userID := uuid.New()
	for i := 0; i < MaxPageSize+5; i++ {
		l.Record(ctx, userID, model.EventSessionCreated, "", nil)
	}
	l.Close()

	page, err := l.List(ctx, userID, nil, 1000)
	require.NoError(t, err)
	assert.Len(t, page.Events, MaxPageSize)
}

func TestRecordNeverFailsCaller(t *testing.T) {
	ctx := context.Background()
	l := New(failingRepo{inmem.New()}, config.LedgerConfig{QueueSize: 1, WriteTimeout: time.Second})

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			l.Record(ctx, uuid.New(), model.EventDeviceVerified, "", nil)
		}
		l.Record(ctx, uuid.New(), model.EventType("bogus"), "", nil)
		l.Close()
		l.Record(ctx, uuid.New(), model.EventDeviceVerified, "", nil)
	})
}

func TestRecordCopiesMetadata(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	l := New(s, config.DefaultLedgerConfig())
	userID := uuid.New()

	meta := map[string]string{"action": "disable_2fa"}
	l.Record(ctx, userID, model.EventSensitiveActionVerified, "s1", meta)
	meta["action"] = "changed"
	l.Close()

	page, err := l.List(ctx, userID, nil, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "disable_2fa", page.Events[0].Metadata["action"])
}
