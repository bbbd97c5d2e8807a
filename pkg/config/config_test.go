package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTrustConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultTrustConfig().Validate())
}

func TestTrustConfigValidate(t *testing.T) {
	cfg := DefaultTrustConfig()
	cfg.GracePeriod = 0
	cfg.CodeLength = 2
	cfg.HighConfidenceThreshold = 30
	cfg.EnabledMethods = []string{"carrier_pigeon"}

	err := cfg.Validate()
	require.Error(t, err)

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	assert.Len(t, errs, 4)
}

func TestNewTrustConfigFromEnv(t *testing.T) {
	t.Setenv("STEPUP_GRACE_PERIOD", "5m")
	t.Setenv("STEPUP_CODE_LENGTH", "8")
	t.Setenv("STEPUP_ENABLED_METHODS", "password, device_code")

	cfg := NewTrustConfigFromEnv()
	assert.Equal(t, 5*time.Minute, cfg.GracePeriod)
	assert.Equal(t, 8, cfg.CodeLength)
	assert.Equal(t, 10*time.Minute, cfg.CodeExpiry)
	assert.Equal(t, []string{"password", "device_code"}, cfg.EnabledMethods)
	assert.True(t, cfg.MethodEnabled("password"))
	assert.False(t, cfg.MethodEnabled("sms"))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLAG_ON", "Yes")
	t.Setenv("FLAG_BAD", "maybe")
	assert.True(t, GetEnvBool("FLAG_ON", false))
	assert.True(t, GetEnvBool("FLAG_BAD", true))
	assert.False(t, GetEnvBool("FLAG_UNSET", false))
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitAndTrim(" a ,, b ", ","))
	assert.Nil(t, SplitAndTrim("", ","))
}

func TestDatabaseURL(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Database: "trust", User: "u", Password: "p", Schema: "s"}
	assert.Equal(t, "postgres://u:p@db:5433/trust?sslmode=disable&search_path=s,public", d.ToDatabaseURL())
}
