// Package store defines the persistence boundary of the device trust engine.
//
// Implementations live in sub-packages: inmem for tests and single-process use,
// postgres for durable deployments. Lookups that miss return one of the sentinel
// errors below, wrapped with %w.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/model"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrSessionNotFound = errors.New("device session not found")
	ErrSessionExists   = errors.New("device session already exists")
	ErrCodeNotFound    = errors.New("verification code not found")
)

// DeviceRepository stores device fingerprints. Devices are identified by value.
type DeviceRepository interface {
	// FindOrCreateDevice returns the device with the same name, browser and
	// operating system, creating it on first sighting.
	FindOrCreateDevice(ctx context.Context, desc model.DeviceDescriptor) (model.Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (model.Device, error)
}

// SessionRepository stores device sessions with their device embedded on read.
type SessionRepository interface {
	CreateSession(ctx context.Context, session model.DeviceSession) error
	GetSession(ctx context.Context, id string) (model.DeviceSession, error)
	// ListSessionsByUser returns sessions ordered by last activity, most recent first.
	ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]model.DeviceSession, error)
	// UpdateSession writes the mutable trust fields and activity timestamps.
	UpdateSession(ctx context.Context, session model.DeviceSession) error
	// DeleteSession removes the session and its verification codes.
	DeleteSession(ctx context.Context, id string) error
}

// CodeRepository stores one-time verification codes.
type CodeRepository interface {
	CreateCode(ctx context.Context, code model.VerificationCode) error
	// ConsumeCode deletes the most recent unexpired code of the session whose value
	// matches and returns it. It is a conditional delete: when two callers race on
	// the same code exactly one gets the record and the other gets ErrCodeNotFound.
	ConsumeCode(ctx context.Context, sessionID, code string, now time.Time) (model.VerificationCode, error)
	// LatestCode returns the most recent unexpired code of the session.
	LatestCode(ctx context.Context, sessionID string, now time.Time) (model.VerificationCode, error)
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// EventRepository is the append-only account event ledger.
type EventRepository interface {
	AppendEvent(ctx context.Context, event model.AccountEvent) error
	// ListEvents returns events of the user created strictly before the cursor
	// (or all when nil), newest first.
	ListEvents(ctx context.Context, userID uuid.UUID, before *time.Time, limit int) ([]model.AccountEvent, error)
}

// Store is the full persistence boundary.
type Store interface {
	DeviceRepository
	SessionRepository
	CodeRepository
	EventRepository

	// WithinTx runs fn as one unit of work. Either every write made through tx is
	// committed or none is. Nested calls join the outer unit.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
