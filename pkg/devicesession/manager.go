// Package devicesession owns the trust lifecycle of device sessions.
//
//	Unverified --VerifyChallenge--> Verified --Promote--> Trusted
//	     any state --Revoke--> Revoked (record deleted, provider session invalidated)
//
// Sessions created at high confidence start Trusted. Lookups of ids that do not
// resolve, or that belong to another user, fail with NOT_FOUND.
package devicesession

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/config"
	"github.com/tendant/devicetrust/pkg/device"
	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/idp"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store"
)

// Proof is checked inside the unit of work that marks a session verified. An
// error aborts the whole unit.
type Proof func(ctx context.Context, tx store.Store, session model.DeviceSession) error

// SessionInvalidator is the part of the identity provider Revoke depends on.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context, sessionID string) error
}

var _ SessionInvalidator = (idp.Provider)(nil)

type Manager struct {
	store       store.Store
	invalidator SessionInvalidator
	scorer      *device.Scorer
	grace       time.Duration
	now         func() time.Time
}

type Option func(*Manager)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(s store.Store, invalidator SessionInvalidator, cfg config.TrustConfig, opts ...Option) *Manager {
	m := &Manager{
		store:       s,
		invalidator: invalidator,
		scorer:      device.NewScorer(cfg.HighConfidenceThreshold, cfg.MediumConfidenceThreshold),
		grace:       cfg.GracePeriod,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scorer returns the scorer configured with the manager's thresholds.
func (m *Manager) Scorer() *device.Scorer {
	return m.scorer
}

// Score computes the confidence of desc against the user's existing sessions.
func (m *Manager) Score(ctx context.Context, userID uuid.UUID, desc model.DeviceDescriptor) (int, error) {
	prior, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		slog.Error("Failed to list sessions for scoring", "user_id", userID, "error", err)
		return 0, errors.Upstream(err, "store")
	}
	return m.scorer.ComputeConfidence(desc, prior), nil
}

// Create records a session for a login with a precomputed confidence score.
// High confidence sessions start trusted, the rest start unverified and
// flagged for verification.
func (m *Manager) Create(ctx context.Context, sessionID string, userID uuid.UUID, desc model.DeviceDescriptor, confidence int) (model.DeviceSession, error) {
	if sessionID == "" {
		return model.DeviceSession{}, errors.InvalidInput("session_id", "cannot be empty")
	}
	if userID == uuid.Nil {
		return model.DeviceSession{}, errors.InvalidInput("user_id", "cannot be empty")
	}
	if confidence < 0 || confidence > device.MaxScore {
		return model.DeviceSession{}, errors.InvalidInput("confidence", "must be between 0 and 100")
	}

	var session model.DeviceSession
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		session, err = m.create(ctx, tx, sessionID, userID, desc, confidence)
		return err
	})
	if err != nil {
		return model.DeviceSession{}, m.mapCreateError(sessionID, userID, err)
	}

	slog.Info("Device session created",
		"session_id", session.ID,
		"user_id", userID,
		"device_id", session.DeviceID,
		"confidence", confidence,
		"state", session.State(),
	)
	return session, nil
}

// CreateScored scores desc against the user's history and creates the session in
// one unit of work, so concurrent logins see each other's sessions.
func (m *Manager) CreateScored(ctx context.Context, sessionID string, userID uuid.UUID, desc model.DeviceDescriptor) (model.DeviceSession, error) {
	if sessionID == "" {
		return model.DeviceSession{}, errors.InvalidInput("session_id", "cannot be empty")
	}
	if userID == uuid.Nil {
		return model.DeviceSession{}, errors.InvalidInput("user_id", "cannot be empty")
	}

	var session model.DeviceSession
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		prior, err := tx.ListSessionsByUser(ctx, userID)
		if err != nil {
			return err
		}
		confidence := m.scorer.ComputeConfidence(desc, prior)
		session, err = m.create(ctx, tx, sessionID, userID, desc, confidence)
		return err
	})
	if err != nil {
		return model.DeviceSession{}, m.mapCreateError(sessionID, userID, err)
	}

	slog.Info("Device session created",
		"session_id", session.ID,
		"user_id", userID,
		"device_id", session.DeviceID,
		"confidence", session.ConfidenceScore,
		"state", session.State(),
	)
	return session, nil
}

func (m *Manager) create(ctx context.Context, tx store.Store, sessionID string, userID uuid.UUID, desc model.DeviceDescriptor, confidence int) (model.DeviceSession, error) {
	dev, err := tx.FindOrCreateDevice(ctx, desc)
	if err != nil {
		return model.DeviceSession{}, err
	}

	now := m.now().UTC()
	trusted := m.scorer.Level(confidence) == model.ConfidenceHigh
	session := model.DeviceSession{
		ID:                sessionID,
		UserID:            userID,
		DeviceID:          dev.ID,
		Device:            dev,
		IPAddress:         desc.IPAddress,
		ConfidenceScore:   confidence,
		AccessLevel:       m.scorer.AccessLevel(confidence),
		VerificationLevel: model.VerificationUnverified,
		IsTrusted:         trusted,
		NeedsVerification: !trusted,
		CreatedAt:         now,
		LastActive:        now,
	}
	if err := tx.CreateSession(ctx, session); err != nil {
		return model.DeviceSession{}, err
	}
	return session, nil
}

func (m *Manager) mapCreateError(sessionID string, userID uuid.UUID, err error) error {
	if stderrors.Is(err, store.ErrSessionExists) {
		return errors.Newf(errors.ErrCodeConflict, "device session already exists: %s", sessionID)
	}
	slog.Error("Failed to create device session", "session_id", sessionID, "user_id", userID, "error", err)
	return errors.Upstream(err, "store")
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (model.DeviceSession, error) {
	return m.get(ctx, m.store, sessionID)
}

// GetForUser loads a session and checks that it belongs to userID. A session of
// another user is reported as not found.
func (m *Manager) GetForUser(ctx context.Context, userID uuid.UUID, sessionID string) (model.DeviceSession, error) {
	session, err := m.get(ctx, m.store, sessionID)
	if err != nil {
		return model.DeviceSession{}, err
	}
	if session.UserID != userID {
		slog.Warn("Device session requested by another user", "session_id", sessionID, "user_id", userID)
		return model.DeviceSession{}, errors.NotFound("device session", sessionID)
	}
	return session, nil
}

func (m *Manager) get(ctx context.Context, repo store.SessionRepository, sessionID string) (model.DeviceSession, error) {
	session, err := repo.GetSession(ctx, sessionID)
	if err != nil {
		if stderrors.Is(err, store.ErrSessionNotFound) {
			return model.DeviceSession{}, errors.NotFound("device session", sessionID)
		}
		slog.Error("Failed to load device session", "session_id", sessionID, "error", err)
		return model.DeviceSession{}, errors.Upstream(err, "store")
	}
	return session, nil
}

// CheckGracePeriod reports whether the session needs re-verification at now.
// Unknown sessions fail with NOT_FOUND rather than reporting a result.
func (m *Manager) CheckGracePeriod(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return true, err
	}
	return m.GraceExpired(session, now), nil
}

// GraceExpired applies the configured grace period to a loaded session.
func (m *Manager) GraceExpired(session model.DeviceSession, now time.Time) bool {
	return GraceExpired(session, now, m.grace)
}

// GracePeriod returns the configured grace period.
func (m *Manager) GracePeriod() time.Duration {
	return m.grace
}

// VerifyChallenge checks proof and marks the session verified in one unit of
// work: last_verified is stamped, needs_verification cleared and access raised
// to full. A nil proof means the caller already confirmed the challenge.
func (m *Manager) VerifyChallenge(ctx context.Context, sessionID string, proof Proof) (model.DeviceSession, error) {
	var session model.DeviceSession
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		session, err = m.get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if proof != nil {
			if err := proof(ctx, tx, session); err != nil {
				return err
			}
		}

		now := m.now().UTC()
		session.VerificationLevel = model.VerificationVerified
		session.NeedsVerification = false
		session.AccessLevel = model.AccessFull
		session.LastVerified = &now
		session.LastActive = now
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return model.DeviceSession{}, m.mapUpdateError(sessionID, "verify", err)
	}

	slog.Info("Device session verified", "session_id", sessionID, "user_id", session.UserID)
	return session, nil
}

// Promote marks a verified session trusted. Unverified sessions cannot be
// promoted; promoting a trusted session is a no-op.
func (m *Manager) Promote(ctx context.Context, sessionID string) (model.DeviceSession, error) {
	var session model.DeviceSession
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		session, err = m.get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		switch session.State() {
		case model.StateTrusted:
			return nil
		case model.StateUnverified:
			return errors.New(errors.ErrCodeConflict, "device session must be verified before it can be trusted")
		}
		session.IsTrusted = true
		session.LastActive = m.now().UTC()
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return model.DeviceSession{}, m.mapUpdateError(sessionID, "promote", err)
	}

	slog.Info("Device session trusted", "session_id", sessionID, "user_id", session.UserID)
	return session, nil
}

// FlagForVerification sets needs_verification on a session whose grace period
// lapsed before a sensitive action.
func (m *Manager) FlagForVerification(ctx context.Context, sessionID string) error {
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		session, err := m.get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.NeedsVerification {
			return nil
		}
		session.NeedsVerification = true
		return tx.UpdateSession(ctx, session)
	})
	return m.mapUpdateError(sessionID, "flag", err)
}

// Touch bumps last_active.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		session, err := m.get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		session.LastActive = m.now().UTC()
		return tx.UpdateSession(ctx, session)
	})
	return m.mapUpdateError(sessionID, "touch", err)
}

func (m *Manager) mapUpdateError(sessionID, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}
	if stderrors.Is(err, store.ErrSessionNotFound) {
		return errors.NotFound("device session", sessionID)
	}
	slog.Error("Device session update failed", "op", op, "session_id", sessionID, "error", err)
	return errors.Upstream(err, "store")
}

// Revoke invalidates the provider session and then deletes the local record. If
// the provider call fails the local record is kept and UPSTREAM_FAILURE is
// returned, so a session is never revoked locally while still valid upstream.
func (m *Manager) Revoke(ctx context.Context, sessionID string) (model.DeviceSession, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return model.DeviceSession{}, err
	}
	return session, m.revoke(ctx, session)
}

// RevokeForUser revokes a session after checking it belongs to userID.
func (m *Manager) RevokeForUser(ctx context.Context, userID uuid.UUID, sessionID string) (model.DeviceSession, error) {
	session, err := m.GetForUser(ctx, userID, sessionID)
	if err != nil {
		return model.DeviceSession{}, err
	}
	return session, m.revoke(ctx, session)
}

func (m *Manager) revoke(ctx context.Context, session model.DeviceSession) error {
	if err := m.invalidator.InvalidateSession(ctx, session.ID); err != nil {
		slog.Error("Identity provider failed to invalidate session, keeping local record",
			"session_id", session.ID, "user_id", session.UserID, "error", err)
		return errors.Upstream(err, "identity provider")
	}

	if err := m.store.DeleteSession(ctx, session.ID); err != nil {
		if stderrors.Is(err, store.ErrSessionNotFound) {
			return errors.NotFound("device session", session.ID)
		}
		slog.Error("Failed to delete revoked session", "session_id", session.ID, "error", err)
		return errors.Upstream(err, "store")
	}

	slog.Info("Device session revoked", "session_id", session.ID, "user_id", session.UserID)
	return nil
}

// RevokeAllExcept revokes every session of the user other than keepSessionID.
// It stops at the first failure and returns the sessions revoked so far.
func (m *Manager) RevokeAllExcept(ctx context.Context, userID uuid.UUID, keepSessionID string) ([]model.DeviceSession, error) {
	sessions, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		slog.Error("Failed to list sessions", "user_id", userID, "error", err)
		return nil, errors.Upstream(err, "store")
	}

	var revoked []model.DeviceSession
	for _, s := range sessions {
		if s.ID == keepSessionID {
			continue
		}
		if err := m.revoke(ctx, s); err != nil {
			return revoked, err
		}
		revoked = append(revoked, s)
	}
	return revoked, nil
}

// ListForUser returns the user's sessions, most recently active first, marking
// currentSessionID.
func (m *Manager) ListForUser(ctx context.Context, userID uuid.UUID, currentSessionID string) (*SessionListResponse, error) {
	sessions, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		slog.Error("Failed to list sessions", "user_id", userID, "error", err)
		return nil, errors.Upstream(err, "store")
	}

	resp := &SessionListResponse{
		Sessions:         make([]SessionSummary, 0, len(sessions)),
		Total:            len(sessions),
		CurrentSessionID: currentSessionID,
	}
	for _, s := range sessions {
		state := s.State()
		if state == model.StateTrusted {
			resp.TrustedCount++
		}
		desc := s.Descriptor()
		resp.Sessions = append(resp.Sessions, SessionSummary{
			ID:                s.ID,
			DeviceName:        desc.Name,
			Browser:           desc.Browser,
			OperatingSystem:   desc.OperatingSystem,
			IPAddress:         desc.IPAddress,
			State:             state,
			ConfidenceScore:   s.ConfidenceScore,
			ConfidenceLevel:   m.scorer.Level(s.ConfidenceScore),
			AccessLevel:       s.AccessLevel,
			VerificationLevel: s.VerificationLevel,
			LastActive:        s.LastActive,
			LastVerified:      s.LastVerified,
			CreatedAt:         s.CreatedAt,
			IsCurrentSession:  s.ID == currentSessionID,
		})
	}
	return resp, nil
}
