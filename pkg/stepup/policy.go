package stepup

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/tendant/devicetrust/pkg/model"
)

// Action names of the built-in policy table.
const (
	ActionViewProfile              = "view_profile"
	ActionListSessions             = "list_sessions"
	ActionUpdateProfile            = "update_profile"
	ActionChangeEmail              = "change_email"
	ActionChangePassword           = "change_password"
	ActionEnable2FA                = "enable_2fa"
	ActionDisable2FA               = "disable_2fa"
	ActionConnectSocialProvider    = "connect_social_provider"
	ActionDisconnectSocialProvider = "disconnect_social_provider"
	ActionRevokeSession            = "revoke_session"
	ActionTrustDevice              = "trust_device"
	ActionDeleteAccount            = "delete_account"
)

// ActionPolicy is the step-up rule of one action type.
type ActionPolicy struct {
	Action          string            `toml:"action" json:"action"`
	Sensitivity     model.Sensitivity `toml:"sensitivity" json:"sensitivity"`
	AlertOnInitiate bool              `toml:"alert_on_initiate" json:"alert_on_initiate"`
	AlertOnComplete bool              `toml:"alert_on_complete" json:"alert_on_complete"`
}

// RequiresFresh reports whether the action needs a verification within the grace period.
func (p ActionPolicy) RequiresFresh() bool {
	return p.Sensitivity == model.SensitivityFresh
}

// PolicyTable maps action types to their policy. Actions missing from the table
// are treated as requiring freshness without alerts.
type PolicyTable struct {
	policies map[string]ActionPolicy
}

// DefaultPolicies is the built-in table.
func DefaultPolicies() *PolicyTable {
	routine := func(action string) ActionPolicy {
		return ActionPolicy{Action: action, Sensitivity: model.SensitivityRoutine}
	}
	fresh := func(action string, onInitiate, onComplete bool) ActionPolicy {
		return ActionPolicy{Action: action, Sensitivity: model.SensitivityFresh, AlertOnInitiate: onInitiate, AlertOnComplete: onComplete}
	}
	t, _ := NewPolicyTable(
		routine(ActionViewProfile),
		routine(ActionListSessions),
		routine(ActionUpdateProfile),
		fresh(ActionChangeEmail, true, true),
		fresh(ActionChangePassword, false, true),
		fresh(ActionEnable2FA, false, true),
		fresh(ActionDisable2FA, true, true),
		fresh(ActionConnectSocialProvider, false, true),
		fresh(ActionDisconnectSocialProvider, false, true),
		fresh(ActionRevokeSession, false, false),
		fresh(ActionTrustDevice, false, false),
		fresh(ActionDeleteAccount, true, true),
	)
	return t
}

// NewPolicyTable builds a table, rejecting duplicate or malformed entries.
func NewPolicyTable(policies ...ActionPolicy) (*PolicyTable, error) {
	t := &PolicyTable{policies: make(map[string]ActionPolicy, len(policies))}
	for _, p := range policies {
		if p.Action == "" {
			return nil, fmt.Errorf("policy without action")
		}
		if _, err := model.ParseSensitivity(string(p.Sensitivity)); err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Action, err)
		}
		if _, dup := t.policies[p.Action]; dup {
			return nil, fmt.Errorf("duplicate policy for action %s", p.Action)
		}
		t.policies[p.Action] = p
	}
	return t, nil
}

type policyFile struct {
	Actions []ActionPolicy `toml:"actions"`
}

// LoadPolicyFile reads a TOML table of [[actions]] entries. Entries replace the
// built-in policy of the same action; other built-in actions are kept.
func LoadPolicyFile(path string) (*PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(string(data))
}

// ParsePolicy parses TOML policy content on top of the built-in table.
func ParsePolicy(data string) (*PolicyTable, error) {
	var f policyFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	overrides, err := NewPolicyTable(f.Actions...)
	if err != nil {
		return nil, err
	}

	t := DefaultPolicies()
	for action, p := range overrides.policies {
		t.policies[action] = p
	}
	slog.Info("Step-up policy loaded", "overrides", len(overrides.policies), "actions", len(t.policies))
	return t, nil
}

// Lookup returns the policy of action. Unknown actions get a fresh policy so a
// missing entry never skips verification.
func (t *PolicyTable) Lookup(action string) (ActionPolicy, bool) {
	p, ok := t.policies[action]
	if !ok {
		return ActionPolicy{Action: action, Sensitivity: model.SensitivityFresh}, false
	}
	return p, true
}

// Actions lists the configured policies sorted by action name.
func (t *PolicyTable) Actions() []ActionPolicy {
	out := make([]ActionPolicy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}
