// Package postgres implements store.Store on PostgreSQL with pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements store.Store on a pgx pool or transaction.
type Store struct {
	db   DBTX
	inTx bool
}

var _ store.Store = (*Store)(nil)

// New creates a store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// WithinTx runs fn in a database transaction. Nested calls reuse the outer one.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&Store{db: tx, inTx: true})
	})
}

const deviceColumns = `id, name, browser, operating_system, last_ip, created_at`

func (s *Store) FindOrCreateDevice(ctx context.Context, desc model.DeviceDescriptor) (model.Device, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	row := s.db.QueryRow(ctx, `
		INSERT INTO device (id, name, browser, operating_system, last_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (name, browser, operating_system) DO UPDATE SET name = EXCLUDED.name
		RETURNING `+deviceColumns,
		uuid.New(), desc.Name, desc.Browser, desc.OperatingSystem, desc.IPAddress)

	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, fmt.Errorf("find or create device: %w", err)
	}
	return d, nil
}

func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (model.Device, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device WHERE id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Device{}, fmt.Errorf("device %s: %w", id, store.ErrDeviceNotFound)
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *Store) CreateSession(ctx context.Context, session model.DeviceSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_session (
			id, user_id, device_id, ip_address, confidence_score, access_level,
			verification_level, is_trusted, needs_verification, created_at, last_active, last_verified
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		session.ID, session.UserID, session.DeviceID, session.IPAddress, session.ConfidenceScore,
		string(session.AccessLevel), string(session.VerificationLevel), session.IsTrusted,
		session.NeedsVerification, session.CreatedAt, session.LastActive, session.LastVerified)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("session %s: %w", session.ID, store.ErrSessionExists)
		case pgForeignKeyViolation:
			return fmt.Errorf("device %s: %w", session.DeviceID, store.ErrDeviceNotFound)
		}
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionSelect = `
	SELECT s.id, s.user_id, s.device_id, s.ip_address, s.confidence_score, s.access_level,
		s.verification_level, s.is_trusted, s.needs_verification, s.created_at, s.last_active,
		s.last_verified, d.id, d.name, d.browser, d.operating_system, d.last_ip, d.created_at
	FROM device_session s
	JOIN device d ON d.id = s.device_id`

func (s *Store) GetSession(ctx context.Context, id string) (model.DeviceSession, error) {
	row := s.db.QueryRow(ctx, sessionSelect+` WHERE s.id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DeviceSession{}, fmt.Errorf("session %s: %w", id, store.ErrSessionNotFound)
	}
	if err != nil {
		return model.DeviceSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *Store) ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]model.DeviceSession, error) {
	rows, err := s.db.Query(ctx, sessionSelect+`
		WHERE s.user_id = $1
		ORDER BY s.last_active DESC, s.created_at DESC, s.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.DeviceSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, session model.DeviceSession) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE device_session
		SET access_level = $2, verification_level = $3, is_trusted = $4,
			needs_verification = $5, last_active = $6, last_verified = $7
		WHERE id = $1`,
		session.ID, string(session.AccessLevel), string(session.VerificationLevel),
		session.IsTrusted, session.NeedsVerification, session.LastActive, session.LastVerified)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", session.ID, store.ErrSessionNotFound)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM device_session WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrSessionNotFound)
	}
	return nil
}

func (s *Store) CreateCode(ctx context.Context, code model.VerificationCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO verification_code (id, code, device_session_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		code.ID, code.Code, code.DeviceSessionID, code.ExpiresAt, code.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("session %s: %w", code.DeviceSessionID, store.ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("create code: %w", err)
	}
	return nil
}

// ConsumeCode deletes by primary key. A concurrent consumer that selected the same
// row waits on its lock and then deletes nothing.
func (s *Store) ConsumeCode(ctx context.Context, sessionID, value string, now time.Time) (model.VerificationCode, error) {
	row := s.db.QueryRow(ctx, `
		DELETE FROM verification_code
		WHERE id = (
			SELECT id FROM verification_code
			WHERE device_session_id = $1 AND code = $2 AND expires_at > $3
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING id, code, device_session_id, expires_at, created_at`,
		sessionID, value, now)

	c, err := scanCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VerificationCode{}, store.ErrCodeNotFound
	}
	if err != nil {
		return model.VerificationCode{}, fmt.Errorf("consume code: %w", err)
	}
	return c, nil
}

func (s *Store) LatestCode(ctx context.Context, sessionID string, now time.Time) (model.VerificationCode, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, code, device_session_id, expires_at, created_at
		FROM verification_code
		WHERE device_session_id = $1 AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1`, sessionID, now)

	c, err := scanCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VerificationCode{}, store.ErrCodeNotFound
	}
	if err != nil {
		return model.VerificationCode{}, fmt.Errorf("latest code: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM verification_code WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("Purged expired verification codes", "count", n)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AppendEvent(ctx context.Context, event model.AccountEvent) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	var sessionID *string
	if event.DeviceSessionID != "" {
		sessionID = &event.DeviceSessionID
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO account_event (id, user_id, event_type, device_session_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.UserID, string(event.Type), sessionID, metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, userID uuid.UUID, before *time.Time, limit int) ([]model.AccountEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, event_type, device_session_id, metadata, created_at
		FROM account_event
		WHERE user_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.AccountEvent
	for rows.Next() {
		var (
			e         model.AccountEvent
			eventType string
			sessionID *string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &eventType, &sessionID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = model.EventType(eventType)
		if sessionID != nil {
			e.DeviceSessionID = *sessionID
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanDevice(row pgx.Row) (model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.Name, &d.Browser, &d.OperatingSystem, &d.LastIP, &d.CreatedAt)
	return d, err
}

func scanSession(row pgx.Row) (model.DeviceSession, error) {
	var (
		s                         model.DeviceSession
		accessLevel, verification string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.DeviceID, &s.IPAddress, &s.ConfidenceScore, &accessLevel,
		&verification, &s.IsTrusted, &s.NeedsVerification, &s.CreatedAt, &s.LastActive,
		&s.LastVerified, &s.Device.ID, &s.Device.Name, &s.Device.Browser,
		&s.Device.OperatingSystem, &s.Device.LastIP, &s.Device.CreatedAt,
	)
	s.AccessLevel = model.AccessLevel(accessLevel)
	s.VerificationLevel = model.VerificationLevel(verification)
	return s, err
}

func scanCode(row pgx.Row) (model.VerificationCode, error) {
	var c model.VerificationCode
	err := row.Scan(&c.ID, &c.Code, &c.DeviceSessionID, &c.ExpiresAt, &c.CreatedAt)
	return c, err
}
