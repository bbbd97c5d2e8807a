// Package inmem is an in-memory implementation of store.Store.
//
// Every operation runs under one mutex. WithinTx holds that mutex for the whole
// unit of work and applies writes to a copy of the state, which replaces the live
// state only when fn succeeds.
package inmem

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store"
)

type deviceKey struct {
	name, browser, os string
}

type state struct {
	devices      map[uuid.UUID]model.Device
	devicesByKey map[deviceKey]uuid.UUID
	sessions     map[string]model.DeviceSession
	codes        map[uuid.UUID]model.VerificationCode
	events       []model.AccountEvent
}

func newState() *state {
	return &state{
		devices:      make(map[uuid.UUID]model.Device),
		devicesByKey: make(map[deviceKey]uuid.UUID),
		sessions:     make(map[string]model.DeviceSession),
		codes:        make(map[uuid.UUID]model.VerificationCode),
	}
}

func (s *state) clone() *state {
	return &state{
		devices:      maps.Clone(s.devices),
		devicesByKey: maps.Clone(s.devicesByKey),
		sessions:     maps.Clone(s.sessions),
		codes:        maps.Clone(s.codes),
		events:       slices.Clone(s.events),
	}
}

// Store implements store.Store in memory.
type Store struct {
	mu    *sync.Mutex
	st    *state
	inTx  bool
	clock func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState(), clock: time.Now}
}

func (s *Store) lock() {
	if !s.inTx {
		s.mu.Lock()
	}
}

func (s *Store) unlock() {
	if !s.inTx {
		s.mu.Unlock()
	}
}

// WithinTx runs fn against a private copy of the state and publishes it on success.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &Store{mu: s.mu, st: s.st.clone(), inTx: true, clock: s.clock}
	if err := fn(tx); err != nil {
		slog.Debug("In-memory transaction rolled back", "error", err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

func (s *Store) FindOrCreateDevice(ctx context.Context, desc model.DeviceDescriptor) (model.Device, error) {
	s.lock()
	defer s.unlock()

	key := deviceKey{desc.Name, desc.Browser, desc.OperatingSystem}
	if id, ok := s.st.devicesByKey[key]; ok {
		return s.st.devices[id], nil
	}

	d := model.Device{
		ID:              uuid.New(),
		Name:            desc.Name,
		Browser:         desc.Browser,
		OperatingSystem: desc.OperatingSystem,
		LastIP:          desc.IPAddress,
		CreatedAt:       s.clock().UTC(),
	}
	s.st.devices[d.ID] = d
	s.st.devicesByKey[key] = d.ID
	return d, nil
}

func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (model.Device, error) {
	s.lock()
	defer s.unlock()

	d, ok := s.st.devices[id]
	if !ok {
		return model.Device{}, fmt.Errorf("device %s: %w", id, store.ErrDeviceNotFound)
	}
	return d, nil
}

func (s *Store) CreateSession(ctx context.Context, session model.DeviceSession) error {
	s.lock()
	defer s.unlock()

	if _, ok := s.st.sessions[session.ID]; ok {
		return fmt.Errorf("session %s: %w", session.ID, store.ErrSessionExists)
	}
	if _, ok := s.st.devices[session.DeviceID]; !ok {
		return fmt.Errorf("device %s: %w", session.DeviceID, store.ErrDeviceNotFound)
	}
	session.Device = model.Device{}
	s.st.sessions[session.ID] = session
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (model.DeviceSession, error) {
	s.lock()
	defer s.unlock()

	session, ok := s.st.sessions[id]
	if !ok {
		return model.DeviceSession{}, fmt.Errorf("session %s: %w", id, store.ErrSessionNotFound)
	}
	return s.withDevice(session), nil
}

func (s *Store) ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]model.DeviceSession, error) {
	s.lock()
	defer s.unlock()

	var sessions []model.DeviceSession
	for _, session := range s.st.sessions {
		if session.UserID == userID {
			sessions = append(sessions, s.withDevice(session))
		}
	}
	slices.SortFunc(sessions, func(a, b model.DeviceSession) int {
		if c := b.LastActive.Compare(a.LastActive); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return sessions, nil
}

func (s *Store) UpdateSession(ctx context.Context, session model.DeviceSession) error {
	s.lock()
	defer s.unlock()

	existing, ok := s.st.sessions[session.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", session.ID, store.ErrSessionNotFound)
	}
	existing.AccessLevel = session.AccessLevel
	existing.VerificationLevel = session.VerificationLevel
	existing.IsTrusted = session.IsTrusted
	existing.NeedsVerification = session.NeedsVerification
	existing.LastActive = session.LastActive
	existing.LastVerified = session.LastVerified
	s.st.sessions[session.ID] = existing
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.lock()
	defer s.unlock()

	if _, ok := s.st.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrSessionNotFound)
	}
	delete(s.st.sessions, id)
	maps.DeleteFunc(s.st.codes, func(_ uuid.UUID, c model.VerificationCode) bool {
		return c.DeviceSessionID == id
	})
	return nil
}

func (s *Store) CreateCode(ctx context.Context, code model.VerificationCode) error {
	s.lock()
	defer s.unlock()

	if _, ok := s.st.sessions[code.DeviceSessionID]; !ok {
		return fmt.Errorf("session %s: %w", code.DeviceSessionID, store.ErrSessionNotFound)
	}
	s.st.codes[code.ID] = code
	return nil
}

func (s *Store) ConsumeCode(ctx context.Context, sessionID, value string, now time.Time) (model.VerificationCode, error) {
	s.lock()
	defer s.unlock()

	match, ok := s.latest(sessionID, now, func(c model.VerificationCode) bool { return c.Code == value })
	if !ok {
		return model.VerificationCode{}, store.ErrCodeNotFound
	}
	delete(s.st.codes, match.ID)
	return match, nil
}

func (s *Store) LatestCode(ctx context.Context, sessionID string, now time.Time) (model.VerificationCode, error) {
	s.lock()
	defer s.unlock()

	latest, ok := s.latest(sessionID, now, func(model.VerificationCode) bool { return true })
	if !ok {
		return model.VerificationCode{}, store.ErrCodeNotFound
	}
	return latest, nil
}

func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	s.lock()
	defer s.unlock()

	before := len(s.st.codes)
	maps.DeleteFunc(s.st.codes, func(_ uuid.UUID, c model.VerificationCode) bool {
		return c.IsExpired(now)
	})
	return int64(before - len(s.st.codes)), nil
}

func (s *Store) AppendEvent(ctx context.Context, event model.AccountEvent) error {
	s.lock()
	defer s.unlock()

	event.Metadata = maps.Clone(event.Metadata)
	s.st.events = append(s.st.events, event)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, userID uuid.UUID, before *time.Time, limit int) ([]model.AccountEvent, error) {
	s.lock()
	defer s.unlock()

	var events []model.AccountEvent
	for _, e := range s.st.events {
		if e.UserID != userID {
			continue
		}
		if before != nil && !e.CreatedAt.Before(*before) {
			continue
		}
		events = append(events, e)
	}
	slices.SortStableFunc(events, func(a, b model.AccountEvent) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// latest returns the most recently created unexpired code of the session
// accepted by match. Callers hold the lock.
func (s *Store) latest(sessionID string, now time.Time, match func(model.VerificationCode) bool) (model.VerificationCode, bool) {
	var (
		found model.VerificationCode
		ok    bool
	)
	for _, c := range s.st.codes {
		if c.DeviceSessionID != sessionID || c.IsExpired(now) || !match(c) {
			continue
		}
		if !ok || c.CreatedAt.After(found.CreatedAt) {
			found, ok = c, true
		}
	}
	return found, ok
}

func (s *Store) withDevice(session model.DeviceSession) model.DeviceSession {
	session.Device = s.st.devices[session.DeviceID]
	return session
}
