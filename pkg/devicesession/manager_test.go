package devicesession

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
	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store"
	"github.com/tendant/devicetrust/pkg/store/inmem"
)

type fakeInvalidator struct {
	mu          sync.Mutex
	err         error
	invalidated []string
}

func (f *fakeInvalidator) InvalidateSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.invalidated = append(f.invalidated, sessionID)
	return nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

var (
	laptop = model.DeviceDescriptor{Name: "Windows PC", Browser: "Chrome", OperatingSystem: "Windows 10", IPAddress: "198.51.100.7"}
	phone  = model.DeviceDescriptor{Name: "iPhone", Browser: "Safari", OperatingSystem: "iOS 17", IPAddress: "203.0.113.9"}
)

func newManager(t *testing.T) (*Manager, *inmem.Store, *fakeInvalidator, *testClock) {
	t.Helper()
	s := inmem.New()
	inv := &fakeInvalidator{}
	clock := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(s, inv, config.DefaultTrustConfig(), WithClock(clock.now)), s, inv, clock
}

func TestCreateInitialState(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)
	userID := uuid.New()

	trusted, err := m.Create(ctx, "s-high", userID, laptop, 70)
	require.NoError(t, err)
	assert.Equal(t, model.StateTrusted, trusted.State())
	assert.True(t, trusted.IsTrusted)
	assert.False(t, trusted.NeedsVerification)
	assert.Equal(t, model.AccessFull, trusted.AccessLevel)
	assert.Nil(t, trusted.LastVerified)

	unverified, err := m.Create(ctx, "s-medium", userID, phone, 69)
	require.NoError(t, err)
	assert.Equal(t, model.StateUnverified, unverified.State())
	assert.True(t, unverified.NeedsVerification)
	assert.Equal(t, model.AccessRestricted, unverified.AccessLevel)

	_, err = m.Create(ctx, "s-medium", userID, phone, 10)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	_, err = m.Create(ctx, "s-bad", userID, phone, 101)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestCreateScored(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newManager(t)
	userID := uuid.New()

	first, err := m.CreateScored(ctx, "first", userID, laptop)
	require.NoError(t, err)
	assert.Equal(t, 100, first.ConfidenceScore, "first device is trusted by definition")
	assert.Equal(t, model.StateTrusted, first.State())

	clock.t = clock.t.Add(time.Minute)
	second, err := m.CreateScored(ctx, "second", userID, phone)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ConfidenceScore)
	assert.Equal(t, model.StateUnverified, second.State())

	again, err := m.CreateScored(ctx, "third", userID, laptop)
	require.NoError(t, err)
	assert.Equal(t, 85, again.ConfidenceScore)
	assert.Equal(t, first.DeviceID, again.DeviceID, "devices are found by natural key")
}

func TestGraceExpired(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	grace := 15 * time.Minute
	verifiedAt := t0

	verified := model.DeviceSession{CreatedAt: t0.Add(-time.Hour), LastVerified: &verifiedAt}
	assert.False(t, GraceExpired(verified, t0.Add(grace-time.Minute), grace))
	assert.False(t, GraceExpired(verified, t0.Add(grace), grace), "the boundary is still fresh")
	assert.True(t, GraceExpired(verified, t0.Add(grace+time.Minute), grace))

	neverVerified := model.DeviceSession{CreatedAt: t0}
	assert.True(t, GraceExpired(neverVerified, t0, grace))

	createdTrusted := model.DeviceSession{CreatedAt: t0, IsTrusted: true}
	assert.False(t, GraceExpired(createdTrusted, t0.Add(grace-time.Minute), grace))
	assert.True(t, GraceExpired(createdTrusted, t0.Add(grace+time.Minute), grace))
}

func TestVerifyChallengeAndGrace(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newManager(t)
	userID := uuid.New()

	_, err := m.Create(ctx, "s1", userID, phone, 20)
	require.NoError(t, err)

	expired, err := m.CheckGracePeriod(ctx, "s1", clock.t)
	require.NoError(t, err)
	assert.True(t, expired, "never verified sessions are always expired")

	verifiedAt := clock.t
	session, err := m.VerifyChallenge(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateVerified, session.State())
	assert.False(t, session.NeedsVerification)
	assert.Equal(t, model.AccessFull, session.AccessLevel)
	require.NotNil(t, session.LastVerified)
	assert.Equal(t, verifiedAt, *session.LastVerified)

	expired, err = m.CheckGracePeriod(ctx, "s1", verifiedAt.Add(14*time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = m.CheckGracePeriod(ctx, "s1", verifiedAt.Add(16*time.Minute))
	require.NoError(t, err)
	assert.True(t, expired)

	_, err = m.CheckGracePeriod(ctx, "missing", clock.t)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound), "unknown sessions fail closed")
}

func TestVerifyChallengeProofFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	m, s, _, _ := newManager(t)

	_, err := m.Create(ctx, "s1", uuid.New(), phone, 20)
	require.NoError(t, err)

	_, err = m.VerifyChallenge(ctx, "s1", func(ctx context.Context, tx store.Store, session model.DeviceSession) error {
		return errors.InvalidOrExpiredCode()
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidOrExpiredCode))

	stored, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StateUnverified, stored.State())
	assert.Nil(t, stored.LastVerified)
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)

	_, err := m.Create(ctx, "s1", uuid.New(), phone, 20)
	require.NoError(t, err)

	_, err = m.Promote(ctx, "s1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "unverified sessions cannot be trusted")

	_, err = m.VerifyChallenge(ctx, "s1", nil)
	require.NoError(t, err)
	session, err := m.Promote(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StateTrusted, session.State())
	assert.NotNil(t, session.LastVerified)
}

func TestRevokeKeepsRecordWhenUpstreamFails(t *testing.T) {
	ctx := context.Background()
	m, s, inv, _ := newManager(t)
	userID := uuid.New()

	_, err := m.Create(ctx, "s1", userID, laptop, 100)
	require.NoError(t, err)

	inv.err = stderrors.New("provider unavailable")
	_, err = m.Revoke(ctx, "s1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeUpstreamFailure))
	_, err = s.GetSession(ctx, "s1")
	assert.NoError(t, err, "local record must survive a failed upstream invalidation")

	inv.err = nil
	_, err = m.Revoke(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, inv.invalidated)
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	_, err = m.Revoke(ctx, "s1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestRevokeForUserChecksOwner(t *testing.T) {
	ctx := context.Background()
	m, _, inv, _ := newManager(t)

	_, err := m.Create(ctx, "s1", uuid.New(), laptop, 100)
	require.NoError(t, err)

	_, err = m.RevokeForUser(ctx, uuid.New(), "s1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	assert.Empty(t, inv.invalidated)
}

func TestRevokeAllExcept(t *testing.T) {
	ctx := context.Background()
	m, _, inv, clock := newManager(t)
	userID := uuid.New()

	for _, id := range []string{"a", "b", "c"} {
		clock.t = clock.t.Add(time.Minute)
		_, err := m.Create(ctx, id, userID, laptop, 100)
		require.NoError(t, err)
	}

	revoked, err := m.RevokeAllExcept(ctx, userID, "b")
	require.NoError(t, err)
	assert.Len(t, revoked, 2)
	assert.ElementsMatch(t, []string{"a", "c"}, inv.invalidated)

	list, err := m.ListForUser(ctx, userID, "b")
	require.NoError(t, err)
	require.Len(t, list.Sessions, 1)
	assert.True(t, list.Sessions[0].IsCurrentSession)
}

func TestListForUserAndTouch(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newManager(t)
	userID := uuid.New()

	_, err := m.Create(ctx, "old", userID, laptop, 100)
	require.NoError(t, err)
	clock.t = clock.t.Add(time.Minute)
	_, err = m.Create(ctx, "new", userID, phone, 0)
	require.NoError(t, err)

	list, err := m.ListForUser(ctx, userID, "old")
	require.NoError(t, err)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "new", list.Sessions[0].ID)
	assert.Equal(t, model.ConfidenceLow, list.Sessions[0].ConfidenceLevel)
	assert.True(t, list.Sessions[1].IsCurrentSession)
	assert.Equal(t, 1, list.TrustedCount)

	clock.t = clock.t.Add(time.Minute)
	require.NoError(t, m.Touch(ctx, "old"))
	list, err = m.ListForUser(ctx, userID, "old")
	require.NoError(t, err)
	assert.Equal(t, "old", list.Sessions[0].ID)

	assert.True(t, errors.IsCode(m.Touch(ctx, "missing"), errors.ErrCodeNotFound))
}
