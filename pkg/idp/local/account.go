package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tendant/devicetrust/pkg/idp"
	"github.com/tendant/devicetrust/pkg/utils"
)

const backupCodeLength = 10

// SetEmail records the address notices for userID are sent to.
func (p *Provider) SetEmail(ctx context.Context, userID uuid.UUID, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("email cannot be empty")
	}
	p.mu.Lock()
	p.accountFor(userID).email = email
	p.mu.Unlock()
	return nil
}

// EmailFor returns the address recorded with SetEmail. It has the shape of
// notification.RecipientResolver.
func (p *Provider) EmailFor(ctx context.Context, userID uuid.UUID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[userID]; ok && a.email != "" {
		return a.email, nil
	}
	return "", fmt.Errorf("no email for user %s", userID)
}

// SetPassword stores a bcrypt hash of password.
func (p *Provider) SetPassword(ctx context.Context, userID uuid.UUID, password string) error {
	if password == "" {
		return errors.New("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	p.mu.Lock()
	p.accountFor(userID).passwordHash = string(hash)
	p.mu.Unlock()
	return nil
}

func (p *Provider) HasPassword(ctx context.Context, userID uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[userID]
	return ok && a.passwordHash != "", nil
}

// VerifyPassword returns idp.ErrInvalidPassword on mismatch or when no password is set.
func (p *Provider) VerifyPassword(ctx context.Context, userID uuid.UUID, password string) error {
	p.mu.Lock()
	var hash string
	if a, ok := p.accounts[userID]; ok {
		hash = a.passwordHash
	}
	p.mu.Unlock()

	if hash == "" || password == "" {
		return idp.ErrInvalidPassword
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return idp.ErrInvalidPassword
	}
	if err != nil {
		return fmt.Errorf("compare password: %w", err)
	}
	return nil
}

// GenerateBackupCodes replaces the user's backup codes with n fresh ones and
// returns them in plain text. Only hashes are kept.
func (p *Provider) GenerateBackupCodes(ctx context.Context, userID uuid.UUID, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultBackupCodeSize
	}
	codes := make([]string, 0, n)
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := utils.GenerateRandomString(backupCodeLength)
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}

	p.mu.Lock()
	p.accountFor(userID).backupHashes = hashes
	p.mu.Unlock()

	slog.Info("Backup codes generated", "user_id", userID, "count", n)
	return codes, nil
}

func (p *Provider) BackupCodesRemaining(ctx context.Context, userID uuid.UUID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[userID]; ok {
		return len(a.backupHashes), nil
	}
	return 0, nil
}

// ConsumeBackupCode removes the matching backup code. A code works once.
func (p *Provider) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return idp.ErrInvalidCode
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.accounts[userID]
	if !ok {
		return idp.ErrInvalidCode
	}
	for i, hash := range a.backupHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			a.backupHashes = append(a.backupHashes[:i], a.backupHashes[i+1:]...)
			slog.Info("Backup code consumed", "user_id", userID, "remaining", len(a.backupHashes))
			return nil
		}
	}
	return idp.ErrInvalidCode
}
