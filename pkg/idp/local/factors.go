package local

import (
	"cmp"
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/xlzd/gotp"

	"github.com/tendant/devicetrust/pkg/idp"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/utils"
)

const (
	totpPeriod = 30
	totpSkew   = 1

	// MaxChallengeAttempts bounds wrong answers before a challenge is discarded.
	MaxChallengeAttempts = 5
)

// AuthenticatorEnrollment is returned once, when an authenticator factor is created.
type AuthenticatorEnrollment struct {
	Factor          idp.Factor `json:"factor"`
	Secret          string     `json:"secret"`
	ProvisioningURI string     `json:"provisioning_uri"`
}

// EnrollAuthenticator creates an unverified authenticator factor. It becomes
// verified after the first successful challenge.
func (p *Provider) EnrollAuthenticator(ctx context.Context, userID uuid.UUID, friendlyName string) (AuthenticatorEnrollment, error) {
	secret := gotp.RandomSecret(32)
	rec := &factorRecord{
		Factor: idp.Factor{
			ID:           uuid.NewString(),
			UserID:       userID,
			Kind:         model.MethodAuthenticator,
			FriendlyName: friendlyName,
			Status:       idp.FactorUnverified,
			CreatedAt:    p.now().UTC(),
		},
		secret: secret,
	}

	p.mu.Lock()
	p.factors[rec.ID] = rec
	p.mu.Unlock()

	slog.Info("Authenticator factor enrolled", "user_id", userID, "factor_id", rec.ID)
	return AuthenticatorEnrollment{
		Factor:          rec.Factor,
		Secret:          secret,
		ProvisioningURI: gotp.NewDefaultTOTP(secret).ProvisioningUri(userID.String(), p.issuer),
	}, nil
}

// EnrollSMS creates an unverified SMS factor for phone.
func (p *Provider) EnrollSMS(ctx context.Context, userID uuid.UUID, phone string) (idp.Factor, error) {
	if phone == "" {
		return idp.Factor{}, fmt.Errorf("phone number is required")
	}
	rec := &factorRecord{
		Factor: idp.Factor{
			ID:          uuid.NewString(),
			UserID:      userID,
			Kind:        model.MethodSMS,
			PhoneSuffix: utils.PhoneSuffix(phone),
			Status:      idp.FactorUnverified,
			CreatedAt:   p.now().UTC(),
		},
		phone: phone,
	}

	p.mu.Lock()
	p.factors[rec.ID] = rec
	p.mu.Unlock()

	slog.Info("SMS factor enrolled", "user_id", userID, "factor_id", rec.ID, "phone", utils.MaskPhone(phone))
	return rec.Factor, nil
}

// RemoveFactor deletes a factor and its outstanding challenges.
func (p *Provider) RemoveFactor(ctx context.Context, factorID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.factors[factorID]; !ok {
		return fmt.Errorf("factor %s: %w", factorID, idp.ErrFactorNotFound)
	}
	delete(p.factors, factorID)
	for id, c := range p.challenges {
		if c.FactorID == factorID {
			delete(p.challenges, id)
		}
	}
	return nil
}

// ListVerifiedFactors returns the user's verified factors, oldest first.
func (p *Provider) ListVerifiedFactors(ctx context.Context, userID uuid.UUID) ([]idp.Factor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var factors []idp.Factor
	for _, f := range p.factors {
		if f.UserID == userID && f.Status == idp.FactorVerified {
			factors = append(factors, f.Factor)
		}
	}
	slices.SortFunc(factors, func(a, b idp.Factor) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return factors, nil
}

// ChallengeFactor opens a challenge. SMS factors get a fresh code delivered through
// the configured sender; authenticator factors are answered from the app.
func (p *Provider) ChallengeFactor(ctx context.Context, factorID string) (idp.Challenge, error) {
	p.mu.Lock()
	f, ok := p.factors[factorID]
	if !ok {
		p.mu.Unlock()
		return idp.Challenge{}, fmt.Errorf("factor %s: %w", factorID, idp.ErrFactorNotFound)
	}
	factor, phone := f.Factor, f.phone
	p.mu.Unlock()

	rec := challengeRecord{Challenge: idp.Challenge{
		ID:        uuid.NewString(),
		FactorID:  factorID,
		ExpiresAt: p.now().UTC().Add(p.challengeTTL),
	}}

	if factor.Kind == model.MethodSMS {
		code, err := utils.GenerateNumericCode(DefaultSMSCodeLength)
		if err != nil {
			return idp.Challenge{}, fmt.Errorf("generate sms code: %w", err)
		}
		rec.code = code
		if p.smsSender == nil {
			slog.Warn("No SMS sender configured, SMS challenge cannot be delivered", "factor_id", factorID)
		} else if err := p.smsSender(ctx, phone, code); err != nil {
			slog.Error("Failed to deliver SMS challenge", "factor_id", factorID, "error", err)
			return idp.Challenge{}, fmt.Errorf("deliver sms challenge: %w", err)
		}
	}

	p.mu.Lock()
	p.challenges[rec.ID] = rec
	p.mu.Unlock()

	slog.Info("Factor challenged", "factor_id", factorID, "kind", factor.Kind, "challenge_id", rec.ID)
	return rec.Challenge, nil
}

// VerifyFactorChallenge checks code against the challenge. Success consumes the
// challenge and completes enrollment of an unverified factor.
func (p *Provider) VerifyFactorChallenge(ctx context.Context, factorID, challengeID, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	c, ok := p.challenges[challengeID]
	if !ok || c.FactorID != factorID || !now.Before(c.ExpiresAt) {
		return idp.ErrChallengeNotFound
	}
	f, ok := p.factors[factorID]
	if !ok {
		delete(p.challenges, challengeID)
		return fmt.Errorf("factor %s: %w", factorID, idp.ErrFactorNotFound)
	}

	var valid bool
	switch f.Kind {
	case model.MethodAuthenticator:
		var err error
		valid, err = totp.ValidateCustom(code, f.secret, now, totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      totpSkew,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			slog.Debug("TOTP validation error", "factor_id", factorID, "error", err)
			valid = false
		}
	case model.MethodSMS:
		valid = c.code != "" && subtle.ConstantTimeCompare([]byte(code), []byte(c.code)) == 1
	default:
		return fmt.Errorf("factor %s has unsupported kind %q", factorID, f.Kind)
	}

	if !valid {
		c.attempts++
		if c.attempts >= MaxChallengeAttempts {
			delete(p.challenges, challengeID)
			slog.Warn("Challenge discarded after too many attempts", "factor_id", factorID, "challenge_id", challengeID)
		} else {
			p.challenges[challengeID] = c
		}
		return idp.ErrInvalidCode
	}

	delete(p.challenges, challengeID)
	if f.Status != idp.FactorVerified {
		f.Status = idp.FactorVerified
		slog.Info("Factor enrollment completed", "user_id", f.UserID, "factor_id", factorID)
	}
	return nil
}
