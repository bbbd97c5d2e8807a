package inmem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store"
)

var laptop = model.DeviceDescriptor{Name: "Mac", Browser: "Chrome", OperatingSystem: "macOS 14", IPAddress: "203.0.113.24"}

func seedSession(t *testing.T, s *Store, userID uuid.UUID, id string, lastActive time.Time) model.DeviceSession {
	t.Helper()
	ctx := context.Background()

	d, err := s.FindOrCreateDevice(ctx, laptop)
	require.NoError(t, err)

	session := model.DeviceSession{
		ID:                id,
		UserID:            userID,
		DeviceID:          d.ID,
		VerificationLevel: model.VerificationUnverified,
		CreatedAt:         lastActive,
		LastActive:        lastActive,
	}
	require.NoError(t, s.CreateSession(ctx, session))
	return session
}

func TestFindOrCreateDevice_NaturalKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.FindOrCreateDevice(ctx, laptop)
	require.NoError(t, err)

	other := laptop
	other.IPAddress = "198.51.100.1"
	again, err := s.FindOrCreateDevice(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "203.0.113.24", again.LastIP, "devices are never mutated")

	other.OperatingSystem = "macOS 15"
	different, err := s.FindOrCreateDevice(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, different.ID)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := uuid.New()
	now := time.Now()

	seedSession(t, s, userID, "old", now.Add(-time.Hour))
	seedSession(t, s, userID, "new", now)
	seedSession(t, s, uuid.New(), "someone-else", now)

	got, err := s.GetSession(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "Mac", got.Device.Name)

	list, err := s.ListSessionsByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	verified := now
	got.VerificationLevel = model.VerificationVerified
	got.LastVerified = &verified
	require.NoError(t, s.UpdateSession(ctx, got))

	got, err = s.GetSession(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, model.StateVerified, got.State())

	require.NoError(t, s.DeleteSession(ctx, "new"))
	_, err = s.GetSession(ctx, "new")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, "new"), store.ErrSessionNotFound)
}

func TestCreateSession_Duplicate(t *testing.T) {
	s := New()
	session := seedSession(t, s, uuid.New(), "dup", time.Now())
	assert.ErrorIs(t, s.CreateSession(context.Background(), session), store.ErrSessionExists)
}

func TestConsumeCode(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedSession(t, s, uuid.New(), "sess", time.Now())
	now := time.Now()

	older := model.VerificationCode{ID: uuid.New(), Code: "111111", DeviceSessionID: "sess", CreatedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(8 * time.Minute)}
	newer := model.VerificationCode{ID: uuid.New(), Code: "222222", DeviceSessionID: "sess", CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(9 * time.Minute)}
	expired := model.VerificationCode{ID: uuid.New(), Code: "333333", DeviceSessionID: "sess", CreatedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-10 * time.Minute)}
	for _, c := range []model.VerificationCode{older, newer, expired} {
		require.NoError(t, s.CreateCode(ctx, c))
	}

	latest, err := s.LatestCode(ctx, "sess", now)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	// older in-flight codes still validate
	got, err := s.ConsumeCode(ctx, "sess", "111111", now)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	_, err = s.ConsumeCode(ctx, "sess", "111111", now)
	assert.ErrorIs(t, err, store.ErrCodeNotFound)

	_, err = s.ConsumeCode(ctx, "sess", "333333", now)
	assert.ErrorIs(t, err, store.ErrCodeNotFound)

	_, err = s.ConsumeCode(ctx, "other", "222222", now)
	assert.ErrorIs(t, err, store.ErrCodeNotFound)

	n, err := s.DeleteExpiredCodes(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsumeCode_Race(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedSession(t, s, uuid.New(), "sess", time.Now())
	now := time.Now()
	require.NoError(t, s.CreateCode(ctx, model.VerificationCode{
		ID: uuid.New(), Code: "424242", DeviceSessionID: "sess", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeCode(ctx, "sess", "424242", now)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrCodeNotFound):
				misses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), misses.Load())
}

func TestWithinTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedSession(t, s, uuid.New(), "sess", time.Now())
	now := time.Now()
	require.NoError(t, s.CreateCode(ctx, model.VerificationCode{
		ID: uuid.New(), Code: "424242", DeviceSessionID: "sess", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx store.Store) error {
		_, err := tx.ConsumeCode(ctx, "sess", "424242", now)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.LatestCode(ctx, "sess", now)
	assert.NoError(t, err, "code must survive a rolled back transaction")

	err = s.WithinTx(ctx, func(tx store.Store) error {
		return tx.WithinTx(ctx, func(inner store.Store) error {
			_, err := inner.ConsumeCode(ctx, "sess", "424242", now)
			return err
		})
	})
	require.NoError(t, err)
	_, err = s.LatestCode(ctx, "sess", now)
	assert.ErrorIs(t, err, store.ErrCodeNotFound)
}

func TestListEvents_Cursor(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := uuid.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, model.AccountEvent{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      model.EventDeviceVerified,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, model.AccountEvent{ID: "x", UserID: uuid.New(), Type: model.EventDeviceRevoked, CreatedAt: base}))

	page, err := s.ListEvents(ctx, userID, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, base.Add(4*time.Minute), page[0].CreatedAt)

	cursor := page[1].CreatedAt
	page, err = s.ListEvents(ctx, userID, &cursor, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, base.Add(2*time.Minute), page[0].CreatedAt)
}
