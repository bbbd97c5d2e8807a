// Package verificationcode issues and consumes one-time numeric codes bound to a
// device session.
//
// A session may hold several live codes (resends). Any unexpired code of the
// session validates, the most recent match is the one consumed, and consuming
// deletes it. Expired codes are ignored by lookups and removed by PurgeExpired.
package verificationcode

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/config"
	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store"
	"github.com/tendant/devicetrust/pkg/utils"
)

// IssuedCode is returned to the caller that delivers the code to the user.
type IssuedCode struct {
	Code      string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Issuer struct {
	store  store.Store
	length int
	expiry time.Duration
	now    func() time.Time
}

type Option func(*Issuer)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer takes code length and expiry from cfg.
func NewIssuer(s store.Store, cfg config.TrustConfig, opts ...Option) *Issuer {
	i := &Issuer{
		store:  s,
		length: cfg.CodeLength,
		expiry: cfg.CodeExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue creates a fresh code for an existing session. Earlier codes stay valid
// until they expire or are consumed.
func (i *Issuer) Issue(ctx context.Context, sessionID string) (IssuedCode, error) {
	if _, err := i.store.GetSession(ctx, sessionID); err != nil {
		if stderrors.Is(err, store.ErrSessionNotFound) {
			return IssuedCode{}, errors.NotFound("device session", sessionID)
		}
		slog.Error("Failed to load session for code issue", "session_id", sessionID, "error", err)
		return IssuedCode{}, errors.Upstream(err, "store")
	}

	value, err := utils.GenerateNumericCode(i.length)
	if err != nil {
		slog.Error("Failed to generate verification code", "session_id", sessionID, "error", err)
		return IssuedCode{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate code")
	}

	now := i.now().UTC()
	code := model.VerificationCode{
		ID:              uuid.New(),
		Code:            value,
		DeviceSessionID: sessionID,
		ExpiresAt:       now.Add(i.expiry),
		CreatedAt:       now,
	}
	if err := i.store.CreateCode(ctx, code); err != nil {
		slog.Error("Failed to store verification code", "session_id", sessionID, "error", err)
		return IssuedCode{}, errors.Upstream(err, "store")
	}

	slog.Info("Verification code issued", "session_id", sessionID, "expires_at", code.ExpiresAt)
	return IssuedCode{Code: value, ExpiresAt: code.ExpiresAt}, nil
}

// Consume validates and deletes a code outside of any session update.
func (i *Issuer) Consume(ctx context.Context, sessionID, code string) (model.VerificationCode, error) {
	return i.ConsumeWithin(ctx, i.store, sessionID, code)
}

// ConsumeWithin validates and deletes a code through repo, which is normally the
// transaction that also marks the session verified. Wrong, expired and already
// consumed codes all fail with INVALID_OR_EXPIRED_CODE.
func (i *Issuer) ConsumeWithin(ctx context.Context, repo store.CodeRepository, sessionID, code string) (model.VerificationCode, error) {
	if !i.wellFormed(code) {
		slog.Info("Verification code rejected", "session_id", sessionID, "reason", "malformed")
		return model.VerificationCode{}, errors.InvalidOrExpiredCode()
	}

	consumed, err := repo.ConsumeCode(ctx, sessionID, code, i.now().UTC())
	if err != nil {
		if stderrors.Is(err, store.ErrCodeNotFound) {
			slog.Info("Verification code rejected", "session_id", sessionID)
			return model.VerificationCode{}, errors.InvalidOrExpiredCode()
		}
		slog.Error("Failed to consume verification code", "session_id", sessionID, "error", err)
		return model.VerificationCode{}, errors.Upstream(err, "store")
	}

	slog.Info("Verification code consumed", "session_id", sessionID, "code_id", consumed.ID)
	return consumed, nil
}

// Proof returns a check for devicesession.Manager.VerifyChallenge that consumes
// code in the same unit of work as the session update.
func (i *Issuer) Proof(code string) func(ctx context.Context, tx store.Store, session model.DeviceSession) error {
	return func(ctx context.Context, tx store.Store, session model.DeviceSession) error {
		_, err := i.ConsumeWithin(ctx, tx, session.ID, code)
		return err
	}
}

// PurgeExpired deletes codes past their expiry.
func (i *Issuer) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := i.store.DeleteExpiredCodes(ctx, i.now().UTC())
	if err != nil {
		slog.Error("Failed to purge expired verification codes", "error", err)
		return 0, errors.Upstream(err, "store")
	}
	if n > 0 {
		slog.Info("Expired verification codes purged", "count", n)
	}
	return n, nil
}

func (i *Issuer) wellFormed(code string) bool {
	if len(code) != i.length {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
