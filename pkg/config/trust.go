package config

import (
	"time"

	"github.com/tendant/devicetrust/pkg/model"
)

// TrustConfig is the policy of the device trust engine. A value is handed to each
// component at construction, so tests can run engines with different policies side
// by side.
type TrustConfig struct {
	// GracePeriod is how long a verification stays fresh for sensitive actions.
	GracePeriod time.Duration `env:"STEPUP_GRACE_PERIOD" env-default:"15m"`

	// CodeLength is the number of digits in an issued verification code.
	CodeLength int `env:"STEPUP_CODE_LENGTH" env-default:"6"`

	// CodeExpiry is the lifetime of an issued verification code.
	CodeExpiry time.Duration `env:"STEPUP_CODE_EXPIRY" env-default:"10m"`

	// Confidence thresholds, inclusive.
	HighConfidenceThreshold   int `env:"DEVICE_HIGH_CONFIDENCE" env-default:"70"`
	MediumConfidenceThreshold int `env:"DEVICE_MEDIUM_CONFIDENCE" env-default:"40"`

	// EnabledMethods lists the verification methods the deployment offers.
	EnabledMethods []string `env:"STEPUP_ENABLED_METHODS" env-default:"authenticator,sms,backup_code,password,device_code"`

	// PolicyFile optionally points to a TOML action policy table.
	PolicyFile string `env:"STEPUP_POLICY_FILE"`
}

// DefaultTrustConfig returns the documented defaults.
func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		GracePeriod:               15 * time.Minute,
		CodeLength:                6,
		CodeExpiry:                10 * time.Minute,
		HighConfidenceThreshold:   70,
		MediumConfidenceThreshold: 40,
		EnabledMethods: []string{
			string(model.MethodAuthenticator),
			string(model.MethodSMS),
			string(model.MethodBackupCode),
			string(model.MethodPassword),
			string(model.MethodDeviceCode),
		},
	}
}

// NewTrustConfigFromEnv loads TrustConfig from standard environment variables.
//
// Environment variables:
//   - STEPUP_GRACE_PERIOD (default: 15m)
//   - STEPUP_CODE_LENGTH (default: 6)
//   - STEPUP_CODE_EXPIRY (default: 10m)
//   - DEVICE_HIGH_CONFIDENCE (default: 70)
//   - DEVICE_MEDIUM_CONFIDENCE (default: 40)
//   - STEPUP_ENABLED_METHODS (default: all methods)
//   - STEPUP_POLICY_FILE (default: built-in table)
func NewTrustConfigFromEnv() TrustConfig {
	d := DefaultTrustConfig()
	return TrustConfig{
		GracePeriod:               GetEnvDuration("STEPUP_GRACE_PERIOD", d.GracePeriod),
		CodeLength:                GetEnvInt("STEPUP_CODE_LENGTH", d.CodeLength),
		CodeExpiry:                GetEnvDuration("STEPUP_CODE_EXPIRY", d.CodeExpiry),
		HighConfidenceThreshold:   GetEnvInt("DEVICE_HIGH_CONFIDENCE", d.HighConfidenceThreshold),
		MediumConfidenceThreshold: GetEnvInt("DEVICE_MEDIUM_CONFIDENCE", d.MediumConfidenceThreshold),
		EnabledMethods:            GetEnvSlice("STEPUP_ENABLED_METHODS", d.EnabledMethods),
		PolicyFile:                GetEnvOrDefault("STEPUP_POLICY_FILE", ""),
	}
}

// Validate checks the invariants the engine relies on.
func (c TrustConfig) Validate() error {
	var errs ValidationErrors
	if c.GracePeriod <= 0 {
		errs = append(errs, ValidationError{Field: "GracePeriod", Message: "must be positive"})
	}
	if c.CodeLength < 4 || c.CodeLength > 12 {
		errs = append(errs, ValidationError{Field: "CodeLength", Message: "must be between 4 and 12"})
	}
	if c.CodeExpiry <= 0 {
		errs = append(errs, ValidationError{Field: "CodeExpiry", Message: "must be positive"})
	}
	if c.MediumConfidenceThreshold < 0 || c.HighConfidenceThreshold > 100 ||
		c.MediumConfidenceThreshold >= c.HighConfidenceThreshold {
		errs = append(errs, ValidationError{Field: "HighConfidenceThreshold", Message: "thresholds must satisfy 0 <= medium < high <= 100"})
	}
	for _, m := range c.EnabledMethods {
		if _, err := model.ParseMethodKind(m); err != nil {
			errs = append(errs, ValidationError{Field: "EnabledMethods", Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// MethodEnabled reports whether kind is in EnabledMethods.
func (c TrustConfig) MethodEnabled(kind model.MethodKind) bool {
	for _, m := range c.EnabledMethods {
		if model.MethodKind(m) == kind {
			return true
		}
	}
	return false
}
