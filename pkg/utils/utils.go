package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const alphanumeric = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// GenerateNumericCode returns a string of length decimal digits. Leading zeros are kept.
func GenerateNumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}
	return generate(length, "0123456789")
}

// GenerateRandomString returns a random string over an unambiguous alphanumeric alphabet.
func GenerateRandomString(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive, got %d", length)
	}
	return generate(length, alphanumeric)
}

func generate(length int, alphabet string) (string, error) {
	limit := big.NewInt(int64(len(alphabet)))
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}

// MaskPhone keeps the last four digits.
func MaskPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) <= 4 {
		return "***" + digits
	}
	return "***" + digits[len(digits)-4:]
}

// PhoneSuffix returns the last four digits of phone.
func PhoneSuffix(phone string) string {
	return strings.TrimPrefix(MaskPhone(phone), "***")
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
