// Package model holds the records shared by the device trust engine and its stores.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConfidenceLevel is the coarse bucket of a 0-100 confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// AccessLevel is derived from confidence at session creation.
type AccessLevel string

const (
	AccessRestricted AccessLevel = "restricted"
	AccessFull       AccessLevel = "full"
)

type VerificationLevel string

const (
	VerificationUnverified VerificationLevel = "unverified"
	VerificationVerified   VerificationLevel = "verified"
)

// TrustState is the lifecycle state of a device session. It is derived from the
// stored flags; Revoked sessions have no record at all.
type TrustState string

const (
	StateUnverified TrustState = "unverified"
	StateVerified   TrustState = "verified"
	StateTrusted    TrustState = "trusted"
	StateRevoked    TrustState = "revoked"
)

// Device is a by-value fingerprint. Name, Browser and OS form the natural key.
type Device struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Browser         string    `json:"browser"`
	OperatingSystem string    `json:"operating_system"`
	LastIP          string    `json:"last_ip,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// DeviceDescriptor is what a caller knows about the device making a request.
type DeviceDescriptor struct {
	Name            string `json:"name"`
	Browser         string `json:"browser"`
	OperatingSystem string `json:"operating_system"`
	IPAddress       string `json:"ip_address,omitempty"`
}

// Descriptor returns the descriptor view of a stored device.
func (d Device) Descriptor() DeviceDescriptor {
	return DeviceDescriptor{
		Name:            d.Name,
		Browser:         d.Browser,
		OperatingSystem: d.OperatingSystem,
		IPAddress:       d.LastIP,
	}
}

// DeviceSession binds an authenticated session token to a device and its trust state.
type DeviceSession struct {
	ID                string            `json:"id"`
	UserID            uuid.UUID         `json:"user_id"`
	DeviceID          uuid.UUID         `json:"device_id"`
	Device            Device            `json:"device"`
	IPAddress         string            `json:"ip_address,omitempty"`
	ConfidenceScore   int               `json:"confidence_score"`
	AccessLevel       AccessLevel       `json:"access_level"`
	VerificationLevel VerificationLevel `json:"verification_level"`
	IsTrusted         bool              `json:"is_trusted"`
	NeedsVerification bool              `json:"needs_verification"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActive        time.Time         `json:"last_active"`
	LastVerified      *time.Time        `json:"last_verified,omitempty"`
}

// Descriptor is the device as seen by this session. The session IP wins over the
// device's first-seen IP.
func (s DeviceSession) Descriptor() DeviceDescriptor {
	d := s.Device.Descriptor()
	if s.IPAddress != "" {
		d.IPAddress = s.IPAddress
	}
	return d
}

// State derives the lifecycle state from the stored flags.
func (s DeviceSession) State() TrustState {
	switch {
	case s.IsTrusted:
		return StateTrusted
	case s.VerificationLevel == VerificationVerified:
		return StateVerified
	default:
		return StateUnverified
	}
}

// VerificationCode is a one-time numeric code bound to a device session.
type VerificationCode struct {
	ID              uuid.UUID `json:"id"`
	Code            string    `json:"-"`
	DeviceSessionID string    `json:"device_session_id"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsExpired reports whether the code is past its expiry at now.
func (c VerificationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// EventType is the closed set of account events written to the ledger.
type EventType string

const (
	EventSessionCreated           EventType = "session_created"
	EventDeviceVerified           EventType = "device_verified"
	EventDeviceTrusted            EventType = "device_trusted"
	EventDeviceRevoked            EventType = "device_revoked"
	EventTwoFactorEnabled         EventType = "2fa_enabled"
	EventTwoFactorDisabled        EventType = "2fa_disabled"
	EventPasswordChanged          EventType = "password_changed"
	EventEmailChanged             EventType = "email_changed"
	EventSensitiveActionVerified  EventType = "sensitive_action_verified"
	EventSocialProviderConnected  EventType = "social_provider_connected"
	EventProfileUpdated           EventType = "profile_updated"
	EventVerificationCodeIssued   EventType = "verification_code_issued"
	EventStepUpVerificationFailed EventType = "stepup_verification_failed"
)

var eventTypes = map[EventType]struct{}{
	EventSessionCreated:           {},
	EventDeviceVerified:           {},
	EventDeviceTrusted:            {},
	EventDeviceRevoked:            {},
	EventTwoFactorEnabled:         {},
	EventTwoFactorDisabled:        {},
	EventPasswordChanged:          {},
	EventEmailChanged:             {},
	EventSensitiveActionVerified:  {},
	EventSocialProviderConnected:  {},
	EventProfileUpdated:           {},
	EventVerificationCodeIssued:   {},
	EventStepUpVerificationFailed: {},
}

// Valid reports whether t belongs to the closed event set.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// AccountEvent is an append-only audit record.
type AccountEvent struct {
	ID              string            `json:"id"`
	UserID          uuid.UUID         `json:"user_id"`
	Type            EventType         `json:"type"`
	DeviceSessionID string            `json:"device_session_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Sensitivity classifies an action for step-up purposes.
type Sensitivity string

const (
	// SensitivityRoutine actions never require re-verification.
	SensitivityRoutine Sensitivity = "routine"
	// SensitivityFresh actions require a verification within the grace period.
	SensitivityFresh Sensitivity = "fresh"
)

// ParseSensitivity validates a sensitivity name from a policy file.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch v := Sensitivity(s); v {
	case SensitivityRoutine, SensitivityFresh:
		return v, nil
	default:
		return "", fmt.Errorf("unknown sensitivity: %q", s)
	}
}
