// Package idp defines the Identity Provider boundary. The provider owns password,
// second factor and session token truth; the device trust engine only asks it
// questions and asks it to invalidate sessions.
package idp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/model"
)

var (
	ErrFactorNotFound    = errors.New("factor not found")
	ErrChallengeNotFound = errors.New("challenge not found or expired")
	ErrInvalidCode       = errors.New("invalid code")
	ErrInvalidPassword   = errors.New("invalid password")
	ErrSessionNotFound   = errors.New("session not found")
)

type FactorStatus string

const (
	FactorUnverified FactorStatus = "unverified"
	FactorVerified   FactorStatus = "verified"
)

// Factor is an enrolled second factor.
type Factor struct {
	ID           string           `json:"id"`
	UserID       uuid.UUID        `json:"user_id"`
	Kind         model.MethodKind `json:"kind"`
	FriendlyName string           `json:"friendly_name,omitempty"`
	PhoneSuffix  string           `json:"phone_suffix,omitempty"`
	Status       FactorStatus     `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Method converts the factor into its verification method variant.
func (f Factor) Method() (model.Method, error) {
	switch f.Kind {
	case model.MethodAuthenticator:
		return model.Authenticator{FactorID: f.ID, FriendlyName: f.FriendlyName}, nil
	case model.MethodSMS:
		return model.SMS{FactorID: f.ID, PhoneSuffix: f.PhoneSuffix}, nil
	default:
		return nil, fmt.Errorf("factor %s has unsupported kind %q", f.ID, f.Kind)
	}
}

// Challenge is an outstanding factor challenge.
type Challenge struct {
	ID        string    `json:"id"`
	FactorID  string    `json:"factor_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider is the subset of the identity provider the engine depends on.
type Provider interface {
	// ListVerifiedFactors returns the user's second factors whose enrollment
	// completed. Factors that were only initiated are excluded.
	ListVerifiedFactors(ctx context.Context, userID uuid.UUID) ([]Factor, error)
	ChallengeFactor(ctx context.Context, factorID string) (Challenge, error)
	// VerifyFactorChallenge returns ErrInvalidCode or ErrChallengeNotFound when the
	// proof is rejected.
	VerifyFactorChallenge(ctx context.Context, factorID, challengeID, code string) error
	// InvalidateSession makes the session token unusable. Invalidating an already
	// invalid session succeeds.
	InvalidateSession(ctx context.Context, sessionID string) error
}

// AccountVerifier exposes the non second factor proofs an account supports.
type AccountVerifier interface {
	HasPassword(ctx context.Context, userID uuid.UUID) (bool, error)
	VerifyPassword(ctx context.Context, userID uuid.UUID, password string) error
	BackupCodesRemaining(ctx context.Context, userID uuid.UUID) (int, error)
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, code string) error
}

// IsRejection reports whether err means the submitted proof was wrong, as
// opposed to the provider failing.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidCode) ||
		errors.Is(err, ErrChallengeNotFound) ||
		errors.Is(err, ErrFactorNotFound) ||
		errors.Is(err, ErrInvalidPassword)
}
