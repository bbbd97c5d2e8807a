package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	return New(pool)
}

func TestPostgresStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	desc := model.DeviceDescriptor{Name: "Mac", Browser: "Chrome", OperatingSystem: "macOS 14", IPAddress: "203.0.113.24"}
	device, err := s.FindOrCreateDevice(ctx, desc)
	require.NoError(t, err)

	t.Run("DeviceNaturalKey", func(t *testing.T) {
		again, err := s.FindOrCreateDevice(ctx, model.DeviceDescriptor{Name: "Mac", Browser: "Chrome", OperatingSystem: "macOS 14"})
		require.NoError(t, err)
		assert.Equal(t, device.ID, again.ID)
		assert.Equal(t, "203.0.113.24", again.LastIP)

		_, err = s.GetDevice(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrDeviceNotFound)
	})

	session := model.DeviceSession{
		ID:                "sess-1",
		UserID:            userID,
		DeviceID:          device.ID,
		IPAddress:         "203.0.113.24",
		ConfidenceScore:   35,
		AccessLevel:       model.AccessRestricted,
		VerificationLevel: model.VerificationUnverified,
		NeedsVerification: true,
		CreatedAt:         now,
		LastActive:        now,
	}
	require.NoError(t, s.CreateSession(ctx, session))

	t.Run("Sessions", func(t *testing.T) {
		assert.ErrorIs(t, s.CreateSession(ctx, session), store.ErrSessionExists)

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "Mac", got.Device.Name)
		assert.Equal(t, model.StateUnverified, got.State())
		assert.Nil(t, got.LastVerified)

		verified := now.Add(time.Minute)
		got.VerificationLevel = model.VerificationVerified
		got.AccessLevel = model.AccessFull
		got.NeedsVerification = false
		got.LastVerified = &verified
		require.NoError(t, s.UpdateSession(ctx, got))

		list, err := s.ListSessionsByUser(ctx, userID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, model.StateVerified, list[0].State())
		require.NotNil(t, list[0].LastVerified)
		assert.True(t, verified.Equal(*list[0].LastVerified))
	})

	t.Run("ConsumeCodeRace", func(t *testing.T) {
		require.NoError(t, s.CreateCode(ctx, model.VerificationCode{
			ID: uuid.New(), Code: "424242", DeviceSessionID: "sess-1", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
		}))

		var wins, misses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.WithinTx(ctx, func(tx store.Store) error {
					_, err := tx.ConsumeCode(ctx, "sess-1", "424242", now)
					return err
				})
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
		assert.Equal(t, int32(7), misses.Load())
	})

	t.Run("ExpiredCode", func(t *testing.T) {
		require.NoError(t, s.CreateCode(ctx, model.VerificationCode{
			ID: uuid.New(), Code: "111111", DeviceSessionID: "sess-1", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
		}))
		_, err := s.ConsumeCode(ctx, "sess-1", "111111", now)
		assert.ErrorIs(t, err, store.ErrCodeNotFound)

		n, err := s.DeleteExpiredCodes(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("TxRollback", func(t *testing.T) {
		require.NoError(t, s.CreateCode(ctx, model.VerificationCode{
			ID: uuid.New(), Code: "999999", DeviceSessionID: "sess-1", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		}))
		boom := errors.New("boom")
		err := s.WithinTx(ctx, func(tx store.Store) error {
			if _, err := tx.ConsumeCode(ctx, "sess-1", "999999", now); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		latest, err := s.LatestCode(ctx, "sess-1", now)
		require.NoError(t, err)
		assert.Equal(t, "999999", latest.Code)
	})

	t.Run("Events", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendEvent(ctx, model.AccountEvent{
				ID:              uuid.NewString(),
				UserID:          userID,
				Type:            model.EventDeviceVerified,
				DeviceSessionID: "sess-1",
				Metadata:        map[string]string{"method": "device_code"},
				CreatedAt:       now.Add(time.Duration(i) * time.Second),
			}))
		}

		page, err := s.ListEvents(ctx, userID, nil, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "device_code", page[0].Metadata["method"])

		cursor := page[1].CreatedAt
		rest, err := s.ListEvents(ctx, userID, &cursor, 20)
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})

	t.Run("DeleteCascadesCodes", func(t *testing.T) {
		require.NoError(t, s.DeleteSession(ctx, "sess-1"))
		_, err := s.LatestCode(ctx, "sess-1", now)
		assert.ErrorIs(t, err, store.ErrCodeNotFound)
		assert.ErrorIs(t, s.DeleteSession(ctx, "sess-1"), store.ErrSessionNotFound)
	})
}
