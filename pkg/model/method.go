package model

import "fmt"

// Method is a verification method a caller can present to the user.
// The set is closed; switch statements over it are expected to be exhaustive.
type Method interface {
	Kind() MethodKind
	isMethod()
}

type MethodKind string

const (
	MethodAuthenticator MethodKind = "authenticator"
	MethodSMS           MethodKind = "sms"
	MethodBackupCode    MethodKind = "backup_code"
	MethodPassword      MethodKind = "password"
	MethodDeviceCode    MethodKind = "device_code"
)

// ParseMethodKind validates a method name coming from configuration or a request.
func ParseMethodKind(s string) (MethodKind, error) {
	switch k := MethodKind(s); k {
	case MethodAuthenticator, MethodSMS, MethodBackupCode, MethodPassword, MethodDeviceCode:
		return k, nil
	default:
		return "", fmt.Errorf("unknown verification method: %q", s)
	}
}

// Authenticator is an enrolled TOTP app factor held by the identity provider.
type Authenticator struct {
	FactorID     string `json:"factor_id"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

// SMS is an enrolled phone factor held by the identity provider.
type SMS struct {
	FactorID    string `json:"factor_id"`
	PhoneSuffix string `json:"phone_suffix,omitempty"`
}

// BackupCode is a one-shot recovery code held by the identity provider.
type BackupCode struct {
	Remaining int `json:"remaining"`
}

// Password is password re-entry.
type Password struct{}

// DeviceCode is a one-time code issued by the verification code issuer.
type DeviceCode struct {
	Length int `json:"length"`
}

func (Authenticator) Kind() MethodKind { return MethodAuthenticator }
func (SMS) Kind() MethodKind           { return MethodSMS }
func (BackupCode) Kind() MethodKind    { return MethodBackupCode }
func (Password) Kind() MethodKind      { return MethodPassword }
func (DeviceCode) Kind() MethodKind    { return MethodDeviceCode }

func (Authenticator) isMethod() {}
func (SMS) isMethod()           {}
func (BackupCode) isMethod()    {}
func (Password) isMethod()      {}
func (DeviceCode) isMethod()    {}

// IsSecondFactor reports whether m is an enrolled second factor rather than a fallback.
func IsSecondFactor(m Method) bool {
	switch m.(type) {
	case Authenticator, SMS:
		return true
	case BackupCode, Password, DeviceCode:
		return false
	default:
		panic(fmt.Sprintf("unhandled verification method %T", m))
	}
}

// FactorID returns the identity provider factor id for second factors, or "".
func FactorID(m Method) string {
	switch v := m.(type) {
	case Authenticator:
		return v.FactorID
	case SMS:
		return v.FactorID
	case BackupCode, Password, DeviceCode:
		return ""
	default:
		panic(fmt.Sprintf("unhandled verification method %T", m))
	}
}

// MethodView is the JSON shape of a method.
type MethodView struct {
	Kind   MethodKind `json:"kind"`
	Detail Method     `json:"detail,omitempty"`
}

// ViewOf wraps m for serialization.
func ViewOf(m Method) MethodView {
	return MethodView{Kind: m.Kind(), Detail: m}
}
