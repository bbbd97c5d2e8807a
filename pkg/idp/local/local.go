// Package local is a self-contained identity provider: authenticator factors
// validated with TOTP, SMS factors with one-time codes, bcrypt password and backup
// code hashes, and HS256 session tokens whose revocation is tracked in memory.
//
// It backs the service binary when no external provider is configured and serves
// as the provider in tests.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/idp"
)

const (
	DefaultIssuer         = "devicetrust"
	DefaultSessionExpiry  = 24 * time.Hour
	DefaultChallengeTTL   = 5 * time.Minute
	DefaultSMSCodeLength  = 6
	DefaultBackupCodeSize = 10
)

// SMSSender delivers an SMS factor code. Implementations must not log the code.
type SMSSender func(ctx context.Context, phone, code string) error

type factorRecord struct {
	idp.Factor
	secret string // TOTP secret for authenticator factors
	phone  string
}

type challengeRecord struct {
	idp.Challenge
	code     string // SMS challenges only
	attempts int
}

type account struct {
	email        string
	passwordHash string
	backupHashes []string
}

// Provider implements idp.Provider and idp.AccountVerifier.
type Provider struct {
	mu         sync.Mutex
	factors    map[string]*factorRecord
	challenges map[string]challengeRecord
	accounts   map[uuid.UUID]*account
	revoked    map[string]time.Time

	secret        []byte
	issuer        string
	sessionExpiry time.Duration
	challengeTTL  time.Duration
	smsSender     SMSSender
	now           func() time.Time
}

var (
	_ idp.Provider        = (*Provider)(nil)
	_ idp.AccountVerifier = (*Provider)(nil)
)

type Option func(*Provider)

func WithIssuer(issuer string) Option {
	return func(p *Provider) { p.issuer = issuer }
}

func WithSessionExpiry(d time.Duration) Option {
	return func(p *Provider) { p.sessionExpiry = d }
}

func WithChallengeTTL(d time.Duration) Option {
	return func(p *Provider) { p.challengeTTL = d }
}

// WithSMSSender sets the delivery function for SMS factor codes.
func WithSMSSender(sender SMSSender) Option {
	return func(p *Provider) { p.smsSender = sender }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates a provider that signs session tokens with secret.
func New(secret string, opts ...Option) *Provider {
	p := &Provider{
		factors:       make(map[string]*factorRecord),
		challenges:    make(map[string]challengeRecord),
		accounts:      make(map[uuid.UUID]*account),
		revoked:       make(map[string]time.Time),
		secret:        []byte(secret),
		issuer:        DefaultIssuer,
		sessionExpiry: DefaultSessionExpiry,
		challengeTTL:  DefaultChallengeTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SessionClaims are the claims of a session token. The token id is the session id.
type SessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// IssueSession starts a new session for userID and returns its id and signed token.
func (p *Provider) IssueSession(ctx context.Context, userID uuid.UUID) (string, string, error) {
	sessionID := uuid.NewString()
	now := p.now().UTC()

	claims := SessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(p.sessionExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			Issuer:    p.issuer,
			Subject:   userID.String(),
			ID:        sessionID,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		slog.Error("Failed to sign session token", "user_id", userID, "error", err)
		return "", "", fmt.Errorf("sign session token: %w", err)
	}
	slog.Info("Session issued", "user_id", userID, "session_id", sessionID)
	return sessionID, token, nil
}

// ParseSession validates a session token and rejects invalidated sessions.
func (p *Provider) ParseSession(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !p.SessionActive(claims.SessionID) {
		return nil, fmt.Errorf("session %s: %w", claims.SessionID, idp.ErrSessionNotFound)
	}
	return claims, nil
}

// SessionActive reports whether the session has not been invalidated.
func (p *Provider) SessionActive(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, revoked := p.revoked[sessionID]
	return !revoked
}

// InvalidateSession records the session as revoked. Repeated calls succeed.
func (p *Provider) InvalidateSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("empty session id: %w", idp.ErrSessionNotFound)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.revoked[sessionID]; !ok {
		p.revoked[sessionID] = p.now().UTC()
		slog.Info("Session invalidated", "session_id", sessionID)
	}
	return nil
}

// PurgeRevoked forgets revocations older than the session expiry, after which the
// tokens are rejected on expiry alone.
func (p *Provider) PurgeRevoked() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().UTC().Add(-p.sessionExpiry)
	n := 0
	for id, at := range p.revoked {
		if at.Before(cutoff) {
			delete(p.revoked, id)
			n++
		}
	}
	return n
}

func (p *Provider) accountFor(userID uuid.UUID) *account {
	a, ok := p.accounts[userID]
	if !ok {
		a = &account{}
		p.accounts[userID] = a
	}
	return a
}
