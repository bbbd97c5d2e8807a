package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateNumericCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code, err := GenerateNumericCode(6)
		require.NoError(t, err)
		assert.Len(t, code, 6)
		assert.Regexp(t, `^[0-9]{6}$`, code)
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)

	_, err := GenerateNumericCode(0)
	assert.Error(t, err)
}

func TestGenerateRandomString(t *testing.T) {
	s, err := GenerateRandomString(24)
	require.NoError(t, err)
	assert.Len(t, s, 24)
}

func TestMasking(t *testing.T) {
	assert.Equal(t, "***4567", MaskPhone("+1 (555) 123-4567"))
	assert.Equal(t, "***12", MaskPhone("12"))
	assert.Equal(t, "4567", PhoneSuffix("+15551234567"))
	assert.Equal(t, "a***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "***", MaskEmail("nope"))
}
