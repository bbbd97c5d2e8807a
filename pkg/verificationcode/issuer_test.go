package verificationcode

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/devicetrust/pkg/config"
	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store/inmem"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Issuer, *inmem.Store, *fixedClock, string) {
	t.Helper()
	ctx := context.Background()
	s := inmem.New()
	dev, err := s.FindOrCreateDevice(ctx, model.DeviceDescriptor{Name: "Mac", Browser: "Safari", OperatingSystem: "macOS 14"})
	require.NoError(t, err)

	clock := &fixedClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	sessionID := uuid.NewString()
	require.NoError(t, s.CreateSession(ctx, model.DeviceSession{
		ID:                sessionID,
		UserID:            uuid.New(),
		DeviceID:          dev.ID,
		VerificationLevel: model.VerificationUnverified,
		CreatedAt:         clock.t,
		LastActive:        clock.t,
	}))

	return NewIssuer(s, config.DefaultTrustConfig(), WithClock(clock.now)), s, clock, sessionID
}

func TestIssueAndConsumeOnce(t *testing.T) {
	ctx := context.Background()
	issuer, _, clock, sessionID := setup(t)

	issued, err := issuer.Issue(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, issued.Code, 6)
	assert.Regexp(t, `^[0-9]{6}$`, issued.Code)
	assert.Equal(t, clock.t.Add(10*time.Minute), issued.ExpiresAt)

	consumed, err := issuer.Consume(ctx, sessionID, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, sessionID, consumed.DeviceSessionID)

	_, err = issuer.Consume(ctx, sessionID, issued.Code)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidOrExpiredCode), "replay must fail")
}

func TestConsumeExpiredCode(t *testing.T) {
	ctx := context.Background()
	issuer, _, clock, sessionID := setup(t)

	issued, err := issuer.Issue(ctx, sessionID)
	require.NoError(t, err)

	clock.advance(10 * time.Minute)
	_, err = issuer.Consume(ctx, sessionID, issued.Code)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidOrExpiredCode))
}

func TestConsumeFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	issuer, _, clock, sessionID := setup(t)

	issued, err := issuer.Issue(ctx, sessionID)
	require.NoError(t, err)

	wrong := "000000"
	if issued.Code == wrong {
		wrong = "111111"
	}
	_, wrongErr := issuer.Consume(ctx, sessionID, wrong)
	_, malformedErr := issuer.Consume(ctx, sessionID, "12ab")
	clock.advance(11 * time.Minute)
	_, expiredErr := issuer.Consume(ctx, sessionID, issued.Code)

	for _, err := range []error{wrongErr, malformedErr, expiredErr} {
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidOrExpiredCode))
		assert.Equal(t, errors.InvalidOrExpiredCodeMessage, errors.PublicMessage(err))
	}
}

func TestResendKeepsEarlierCodesValid(t *testing.T) {
	ctx := context.Background()
	issuer, _, clock, sessionID := setup(t)

	first, err := issuer.Issue(ctx, sessionID)
	require.NoError(t, err)
	clock.advance(time.Minute)
	second, err := issuer.Issue(ctx, sessionID)
	require.NoError(t, err)

	_, err = issuer.Consume(ctx, sessionID, first.Code)
	require.NoError(t, err)
	if second.Code != first.Code {
		_, err = issuer.Consume(ctx, sessionID, second.Code)
		require.NoError(t, err)
	}
}

func TestIssueUnknownSession(t *testing.T) {
	issuer, _, _, _ := setup(t)
	_, err := issuer.Issue(context.Background(), "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestConcurrentConsumeSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	issuer, _, _, sessionID := setup(t)

	issued, err := issuer.Issue(ctx, sessionID)
	require.NoError(t, err)

	var wins, rejections int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.Consume(ctx, sessionID, issued.Code)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.IsCode(err, errors.ErrCodeInvalidOrExpiredCode):
				atomic.AddInt32(&rejections, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(1), rejections)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	issuer, s, clock, sessionID := setup(t)

	_, err := issuer.Issue(ctx, sessionID)
	require.NoError(t, err)
	clock.advance(5 * time.Minute)
	live, err := issuer.Issue(ctx, sessionID)
	require.NoError(t, err)

	clock.advance(6 * time.Minute)
	n, err := issuer.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	latest, err := s.LatestCode(ctx, sessionID, clock.now())
	require.NoError(t, err)
	assert.Equal(t, live.ExpiresAt, latest.ExpiresAt)
}
