package stepup

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/config"
	"github.com/tendant/devicetrust/pkg/devicesession"
	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/idp"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/notification"
)

// Reasons reported with a Requirement.
const (
	ReasonRoutineAction      = "routine_action"
	ReasonWithinGracePeriod  = "within_grace_period"
	ReasonGracePeriodExpired = "grace_period_expired"
)

// Requirement is the outcome of resolving an action for a session. When Required
// is set, Methods lists what the user may present, second factors first, and
// Default is the one to offer first.
type Requirement struct {
	Required bool
	Action   string
	Reason   string
	Methods  []model.Method
	Default  model.Method
}

func (r Requirement) MarshalJSON() ([]byte, error) {
	type view struct {
		Required bool               `json:"required"`
		Action   string             `json:"action"`
		Reason   string             `json:"reason"`
		Methods  []model.MethodView `json:"methods"`
		Default  *model.MethodView  `json:"default,omitempty"`
	}
	v := view{
		Required: r.Required,
		Action:   r.Action,
		Reason:   r.Reason,
		Methods:  make([]model.MethodView, 0, len(r.Methods)),
	}
	for _, m := range r.Methods {
		v.Methods = append(v.Methods, model.ViewOf(m))
	}
	if r.Default != nil {
		d := model.ViewOf(r.Default)
		v.Default = &d
	}
	return json.Marshal(v)
}

// Resolver decides whether an action needs step-up verification and with which
// methods.
type Resolver struct {
	sessions *devicesession.Manager
	provider idp.Provider
	accounts idp.AccountVerifier
	policies *PolicyTable
	cfg      config.TrustConfig
	alerter  notification.Alerter
	now      func() time.Time
}

// NewResolver wires a resolver. alerter may be nil.
func NewResolver(sessions *devicesession.Manager, provider idp.Provider, accounts idp.AccountVerifier, policies *PolicyTable, cfg config.TrustConfig, alerter notification.Alerter) *Resolver {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if alerter == nil {
		alerter = noopAlerter{}
	}
	return &Resolver{
		sessions: sessions,
		provider: provider,
		accounts: accounts,
		policies: policies,
		cfg:      cfg,
		alerter:  alerter,
		now:      time.Now,
	}
}

// Policy returns the policy applied to action.
func (r *Resolver) Policy(action string) ActionPolicy {
	p, _ := r.policies.Lookup(action)
	return p
}

// Resolve decides whether the session may perform action now. A session that
// does not resolve for the user is UNAUTHORIZED. When verification is required
// and no method is available the result is MISCONFIGURATION, never a pass.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID, action, sessionID string) (Requirement, error) {
	if action == "" {
		return Requirement{}, errors.InvalidInput("action", "cannot be empty")
	}
	session, err := r.sessions.GetForUser(ctx, userID, sessionID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return Requirement{}, errors.Unauthorized("no device session for this request")
		}
		return Requirement{}, err
	}

	policy, known := r.policies.Lookup(action)
	if !known {
		slog.Warn("No step-up policy for action, requiring fresh verification", "action", action)
	}
	if !policy.RequiresFresh() {
		return Requirement{Action: action, Reason: ReasonRoutineAction}, nil
	}
	if !r.sessions.GraceExpired(session, r.now().UTC()) {
		return Requirement{Action: action, Reason: ReasonWithinGracePeriod}, nil
	}

	methods, err := r.AvailableMethods(ctx, userID)
	if err != nil {
		return Requirement{}, err
	}
	if len(methods) == 0 {
		slog.Error("No verification method available for sensitive action", "user_id", userID, "action", action)
		return Requirement{}, errors.Misconfiguration("no verification method is available for this account")
	}

	if !session.NeedsVerification {
		if err := r.sessions.FlagForVerification(ctx, session.ID); err != nil {
			return Requirement{}, err
		}
	}
	if policy.AlertOnInitiate {
		r.alerter.Notify(ctx, stepUpInitiatedAlert(session, action))
	}

	slog.Info("Step-up verification required",
		"user_id", userID,
		"session_id", session.ID,
		"action", action,
		"default", methods[0].Kind(),
		"methods", len(methods),
	)
	return Requirement{
		Required: true,
		Action:   action,
		Reason:   ReasonGracePeriodExpired,
		Methods:  methods,
		Default:  methods[0],
	}, nil
}

// AvailableMethods lists the user's verified second factors, authenticator apps
// before SMS. Without any, it lists the enabled fallbacks the account supports:
// password, device code, backup code.
func (r *Resolver) AvailableMethods(ctx context.Context, userID uuid.UUID) ([]model.Method, error) {
	factors, err := r.provider.ListVerifiedFactors(ctx, userID)
	if err != nil {
		slog.Error("Failed to list verified factors", "user_id", userID, "error", err)
		return nil, errors.Upstream(err, "identity provider")
	}

	var methods []model.Method
	for _, f := range factors {
		if f.Status != idp.FactorVerified || !r.cfg.MethodEnabled(f.Kind) {
			continue
		}
		m, err := f.Method()
		if err != nil {
			slog.Warn("Skipping unsupported factor", "user_id", userID, "factor_id", f.ID, "error", err)
			continue
		}
		methods = append(methods, m)
	}
	slices.SortStableFunc(methods, func(a, b model.Method) int {
		return factorRank(a) - factorRank(b)
	})
	if len(methods) > 0 {
		return methods, nil
	}
	return r.fallbackMethods(ctx, userID)
}

func factorRank(m model.Method) int {
	switch m.(type) {
	case model.Authenticator:
		return 0
	case model.SMS:
		return 1
	case model.Password, model.DeviceCode, model.BackupCode:
		return 2
	default:
		return 3
	}
}

func (r *Resolver) fallbackMethods(ctx context.Context, userID uuid.UUID) ([]model.Method, error) {
	var methods []model.Method

	if r.cfg.MethodEnabled(model.MethodPassword) {
		has, err := r.accounts.HasPassword(ctx, userID)
		if err != nil {
			slog.Error("Failed to check password", "user_id", userID, "error", err)
			return nil, errors.Upstream(err, "identity provider")
		}
		if has {
			methods = append(methods, model.Password{})
		}
	}

	if r.cfg.MethodEnabled(model.MethodDeviceCode) {
		methods = append(methods, model.DeviceCode{Length: r.cfg.CodeLength})
	}

	if r.cfg.MethodEnabled(model.MethodBackupCode) {
		remaining, err := r.accounts.BackupCodesRemaining(ctx, userID)
		if err != nil {
			slog.Error("Failed to count backup codes", "user_id", userID, "error", err)
			return nil, errors.Upstream(err, "identity provider")
		}
		if remaining > 0 {
			methods = append(methods, model.BackupCode{Remaining: remaining})
		}
	}
	return methods, nil
}
