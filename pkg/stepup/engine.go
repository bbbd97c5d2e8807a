// Package stepup is the device trust engine: it decides per sensitive action
// whether the current device session may proceed or must first pass a step-up
// challenge, and completes those challenges.
//
// Engine is the boundary the HTTP layer talks to. It composes the session
// lifecycle manager, the verification code issuer, the resolver, the event
// ledger and the alert dispatcher. Ledger writes and alerts are best effort and
// never fail the operation that triggered them.
package stepup

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/config"
	"github.com/tendant/devicetrust/pkg/devicesession"
	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/idp"
	"github.com/tendant/devicetrust/pkg/ledger"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/notification"
	"github.com/tendant/devicetrust/pkg/store"
	"github.com/tendant/devicetrust/pkg/verificationcode"
)

// EventLog is the ledger as seen by the engine.
type EventLog interface {
	ledger.Recorder
	List(ctx context.Context, userID uuid.UUID, before *time.Time, limit int) (ledger.Page, error)
}

// Dependencies are the collaborators of an Engine. Alerter and Events may be
// nil; Policies defaults to DefaultPolicies and Clock to time.Now.
type Dependencies struct {
	Store    store.Store
	Provider idp.Provider
	Accounts idp.AccountVerifier
	Policies *PolicyTable
	Alerter  notification.Alerter
	Events   EventLog
	Clock    func() time.Time
}

type Engine struct {
	cfg      config.TrustConfig
	sessions *devicesession.Manager
	codes    *verificationcode.Issuer
	resolver *Resolver
	provider idp.Provider
	accounts idp.AccountVerifier
	alerter  notification.Alerter
	events   EventLog
	recorder ledger.Recorder
	now      func() time.Time
}

// NewEngine validates cfg and wires the components.
func NewEngine(cfg config.TrustConfig, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMisconfiguration, "invalid trust configuration")
	}
	if deps.Store == nil || deps.Provider == nil || deps.Accounts == nil {
		return nil, errors.Misconfiguration("store, identity provider and account verifier are required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Alerter == nil {
		deps.Alerter = noopAlerter{}
	}

	sessions := devicesession.NewManager(deps.Store, deps.Provider, cfg, devicesession.WithClock(deps.Clock))
	resolver := NewResolver(sessions, deps.Provider, deps.Accounts, deps.Policies, cfg, deps.Alerter)
	resolver.now = deps.Clock

	e := &Engine{
		cfg:      cfg,
		sessions: sessions,
		codes:    verificationcode.NewIssuer(deps.Store, cfg, verificationcode.WithClock(deps.Clock)),
		resolver: resolver,
		provider: deps.Provider,
		accounts: deps.Accounts,
		alerter:  deps.Alerter,
		events:   deps.Events,
		recorder: noopRecorder{},
		now:      deps.Clock,
	}
	if deps.Events != nil {
		e.recorder = deps.Events
	}
	return e, nil
}

// Sessions exposes the lifecycle manager.
func (e *Engine) Sessions() *devicesession.Manager { return e.sessions }

// Resolver exposes the step-up resolver.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// ComputeConfidence scores desc against prior sessions with the configured thresholds.
func (e *Engine) ComputeConfidence(desc model.DeviceDescriptor, prior []model.DeviceSession) int {
	return e.sessions.Scorer().ComputeConfidence(desc, prior)
}

// ConfidenceLevel maps a score to its level.
func (e *Engine) ConfidenceLevel(score int) model.ConfidenceLevel {
	return e.sessions.Scorer().Level(score)
}

// CreateSession scores the device against the user's history and records the
// session. Sign-ins below high confidence trigger a new device alert.
func (e *Engine) CreateSession(ctx context.Context, sessionID string, userID uuid.UUID, desc model.DeviceDescriptor) (model.DeviceSession, error) {
	session, err := e.sessions.CreateScored(ctx, sessionID, userID, desc)
	if err != nil {
		return model.DeviceSession{}, err
	}
	e.afterCreate(ctx, session)
	return session, nil
}

// CreateSessionWithScore records a session with a confidence computed by the caller.
func (e *Engine) CreateSessionWithScore(ctx context.Context, sessionID string, userID uuid.UUID, desc model.DeviceDescriptor, confidence int) (model.DeviceSession, error) {
	session, err := e.sessions.Create(ctx, sessionID, userID, desc, confidence)
	if err != nil {
		return model.DeviceSession{}, err
	}
	e.afterCreate(ctx, session)
	return session, nil
}

func (e *Engine) afterCreate(ctx context.Context, session model.DeviceSession) {
	level := e.ConfidenceLevel(session.ConfidenceScore)
	e.recorder.Record(ctx, session.UserID, model.EventSessionCreated, session.ID, map[string]string{
		"confidence":       strconv.Itoa(session.ConfidenceScore),
		"confidence_level": string(level),
		"device_id":        session.DeviceID.String(),
	})
	if level != model.ConfidenceHigh {
		e.alerter.Notify(ctx, newDeviceAlert(session, level))
	}
}

// CheckGracePeriod reports whether the session needs re-verification at now.
func (e *Engine) CheckGracePeriod(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	return e.sessions.CheckGracePeriod(ctx, sessionID, now)
}

// ResolveVerificationRequirement decides whether action needs step-up now.
func (e *Engine) ResolveVerificationRequirement(ctx context.Context, userID uuid.UUID, action, sessionID string) (Requirement, error) {
	return e.resolver.Resolve(ctx, userID, action, sessionID)
}

// IssueVerificationCode creates a device code for the session and queues it for
// delivery to the user. The returned code is for the delivery channel only.
func (e *Engine) IssueVerificationCode(ctx context.Context, userID uuid.UUID, sessionID string) (verificationcode.IssuedCode, error) {
	if !e.cfg.MethodEnabled(model.MethodDeviceCode) {
		return verificationcode.IssuedCode{}, errors.New(errors.ErrCodeForbidden, "device codes are not enabled")
	}
	session, err := e.sessions.GetForUser(ctx, userID, sessionID)
	if err != nil {
		return verificationcode.IssuedCode{}, err
	}

	issued, err := e.codes.Issue(ctx, session.ID)
	if err != nil {
		return verificationcode.IssuedCode{}, err
	}

	e.alerter.Notify(ctx, deviceCodeAlert(session, issued.Code, issued.ExpiresAt.Format(time.RFC1123)))
	e.recorder.Record(ctx, userID, model.EventVerificationCodeIssued, session.ID, map[string]string{
		"expires_at": issued.ExpiresAt.Format(time.RFC3339),
	})
	return issued, nil
}

// ConsumeVerificationCode checks a device code and marks the session verified in
// the same unit of work. action, when set, names the sensitive action the
// verification was for.
func (e *Engine) ConsumeVerificationCode(ctx context.Context, userID uuid.UUID, sessionID, code, action string) (bool, error) {
	if _, err := e.sessions.GetForUser(ctx, userID, sessionID); err != nil {
		return false, err
	}
	session, err := e.sessions.VerifyChallenge(ctx, sessionID, e.codes.Proof(code))
	if err != nil {
		e.recordFailure(ctx, userID, sessionID, model.MethodDeviceCode, action, err)
		return false, err
	}
	e.afterVerify(ctx, session, action, model.MethodDeviceCode)
	return true, nil
}

// ChallengeFactor opens a challenge on one of the user's verified factors.
func (e *Engine) ChallengeFactor(ctx context.Context, userID uuid.UUID, sessionID, factorID string) (idp.Challenge, error) {
	if _, err := e.sessions.GetForUser(ctx, userID, sessionID); err != nil {
		return idp.Challenge{}, err
	}
	factor, err := e.userFactor(ctx, userID, factorID)
	if err != nil {
		return idp.Challenge{}, err
	}

	challenge, err := e.provider.ChallengeFactor(ctx, factor.ID)
	if err != nil {
		if idp.IsRejection(err) {
			return idp.Challenge{}, errors.NotFound("factor", factorID)
		}
		slog.Error("Failed to challenge factor", "user_id", userID, "factor_id", factorID, "error", err)
		return idp.Challenge{}, errors.Upstream(err, "identity provider")
	}
	slog.Info("Factor challenge opened", "user_id", userID, "session_id", sessionID, "factor_id", factorID, "kind", factor.Kind)
	return challenge, nil
}

// VerifyFactorChallenge submits a factor code to the identity provider and, on
// success, marks the session verified.
func (e *Engine) VerifyFactorChallenge(ctx context.Context, userID uuid.UUID, sessionID, action, factorID, challengeID, code string) (model.DeviceSession, error) {
	if _, err := e.sessions.GetForUser(ctx, userID, sessionID); err != nil {
		return model.DeviceSession{}, err
	}
	factor, err := e.userFactor(ctx, userID, factorID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			err = errors.InvalidOrExpiredCode()
			e.recordFailure(ctx, userID, sessionID, "", action, err)
		}
		return model.DeviceSession{}, err
	}

	if err := e.provider.VerifyFactorChallenge(ctx, factor.ID, challengeID, code); err != nil {
		if idp.IsRejection(err) {
			err = errors.InvalidOrExpiredCode()
			e.recordFailure(ctx, userID, sessionID, factor.Kind, action, err)
			return model.DeviceSession{}, err
		}
		slog.Error("Failed to verify factor challenge", "user_id", userID, "factor_id", factorID, "error", err)
		return model.DeviceSession{}, errors.Upstream(err, "identity provider")
	}

	session, err := e.sessions.VerifyChallenge(ctx, sessionID, nil)
	if err != nil {
		return model.DeviceSession{}, err
	}
	e.afterVerify(ctx, session, action, factor.Kind)
	return session, nil
}

// VerifyPassword accepts password re-entry as the step-up proof.
func (e *Engine) VerifyPassword(ctx context.Context, userID uuid.UUID, sessionID, action, password string) (model.DeviceSession, error) {
	return e.verifyFallback(ctx, userID, sessionID, action, model.MethodPassword, func() error {
		return e.accounts.VerifyPassword(ctx, userID, password)
	})
}

// VerifyBackupCode accepts a backup recovery code as the step-up proof. The code
// is spent on success.
func (e *Engine) VerifyBackupCode(ctx context.Context, userID uuid.UUID, sessionID, action, code string) (model.DeviceSession, error) {
	return e.verifyFallback(ctx, userID, sessionID, action, model.MethodBackupCode, func() error {
		return e.accounts.ConsumeBackupCode(ctx, userID, code)
	})
}

func (e *Engine) verifyFallback(ctx context.Context, userID uuid.UUID, sessionID, action string, kind model.MethodKind, check func() error) (model.DeviceSession, error) {
	if !e.cfg.MethodEnabled(kind) {
		return model.DeviceSession{}, errors.Newf(errors.ErrCodeForbidden, "%s verification is not enabled", kind)
	}
	if _, err := e.sessions.GetForUser(ctx, userID, sessionID); err != nil {
		return model.DeviceSession{}, err
	}

	if err := check(); err != nil {
		if idp.IsRejection(err) {
			var rejected error = errors.InvalidOrExpiredCode()
			if kind == model.MethodPassword {
				rejected = errors.Unauthorized("invalid password")
			}
			e.recordFailure(ctx, userID, sessionID, kind, action, rejected)
			return model.DeviceSession{}, rejected
		}
		slog.Error("Fallback verification failed", "user_id", userID, "method", kind, "error", err)
		return model.DeviceSession{}, errors.Upstream(err, "identity provider")
	}

	session, err := e.sessions.VerifyChallenge(ctx, sessionID, nil)
	if err != nil {
		return model.DeviceSession{}, err
	}
	e.afterVerify(ctx, session, action, kind)
	return session, nil
}

func (e *Engine) userFactor(ctx context.Context, userID uuid.UUID, factorID string) (idp.Factor, error) {
	factors, err := e.provider.ListVerifiedFactors(ctx, userID)
	if err != nil {
		slog.Error("Failed to list verified factors", "user_id", userID, "error", err)
		return idp.Factor{}, errors.Upstream(err, "identity provider")
	}
	for _, f := range factors {
		if f.ID == factorID && e.cfg.MethodEnabled(f.Kind) {
			return f, nil
		}
	}
	return idp.Factor{}, errors.NotFound("factor", factorID)
}

func (e *Engine) afterVerify(ctx context.Context, session model.DeviceSession, action string, method model.MethodKind) {
	e.recorder.Record(ctx, session.UserID, model.EventDeviceVerified, session.ID, map[string]string{
		"method": string(method),
	})
	if action == "" {
		return
	}
	e.recorder.Record(ctx, session.UserID, model.EventSensitiveActionVerified, session.ID, map[string]string{
		"action": action,
		"method": string(method),
	})
	if e.resolver.Policy(action).AlertOnComplete {
		e.alerter.Notify(ctx, stepUpCompletedAlert(session, action, method))
	}
}

func (e *Engine) recordFailure(ctx context.Context, userID uuid.UUID, sessionID string, method model.MethodKind, action string, err error) {
	if !errors.IsCode(err, errors.ErrCodeInvalidOrExpiredCode) && !errors.IsCode(err, errors.ErrCodeUnauthorized) {
		return
	}
	meta := map[string]string{"reason": string(errors.GetCode(err))}
	if method != "" {
		meta["method"] = string(method)
	}
	if action != "" {
		meta["action"] = action
	}
	e.recorder.Record(ctx, userID, model.EventStepUpVerificationFailed, sessionID, meta)
}

// TrustSession promotes a verified session to trusted.
func (e *Engine) TrustSession(ctx context.Context, userID uuid.UUID, sessionID string) (model.DeviceSession, error) {
	if _, err := e.sessions.GetForUser(ctx, userID, sessionID); err != nil {
		return model.DeviceSession{}, err
	}
	session, err := e.sessions.Promote(ctx, sessionID)
	if err != nil {
		return model.DeviceSession{}, err
	}
	e.recorder.Record(ctx, userID, model.EventDeviceTrusted, sessionID, nil)
	return session, nil
}

// RevokeSession invalidates the provider session and deletes the local record.
func (e *Engine) RevokeSession(ctx context.Context, sessionID string) error {
	session, err := e.sessions.Revoke(ctx, sessionID)
	if err != nil {
		return err
	}
	e.recordRevoked(ctx, session, "")
	return nil
}

// RevokeUserSession revokes a session after checking it belongs to userID.
// revokedBy is the session that asked for the revocation, if any.
func (e *Engine) RevokeUserSession(ctx context.Context, userID uuid.UUID, sessionID, revokedBy string) error {
	session, err := e.sessions.RevokeForUser(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	e.recordRevoked(ctx, session, revokedBy)
	return nil
}

// RevokeOtherSessions revokes all sessions of the user but currentSessionID. On
// failure the sessions revoked before it stay revoked.
func (e *Engine) RevokeOtherSessions(ctx context.Context, userID uuid.UUID, currentSessionID string) (int, error) {
	revoked, err := e.sessions.RevokeAllExcept(ctx, userID, currentSessionID)
	for _, s := range revoked {
		e.recordRevoked(ctx, s, currentSessionID)
	}
	return len(revoked), err
}

func (e *Engine) recordRevoked(ctx context.Context, session model.DeviceSession, revokedBy string) {
	meta := map[string]string{"device_id": session.DeviceID.String()}
	if revokedBy != "" {
		meta["revoked_by"] = revokedBy
	}
	e.recorder.Record(ctx, session.UserID, model.EventDeviceRevoked, session.ID, meta)
}

// ListSessions returns the user's sessions marking currentSessionID.
func (e *Engine) ListSessions(ctx context.Context, userID uuid.UUID, currentSessionID string) (*devicesession.SessionListResponse, error) {
	return e.sessions.ListForUser(ctx, userID, currentSessionID)
}

// TouchSession bumps the session's last activity.
func (e *Engine) TouchSession(ctx context.Context, sessionID string) error {
	return e.sessions.Touch(ctx, sessionID)
}

// RecordEvent appends to the ledger without waiting and without failing.
func (e *Engine) RecordEvent(ctx context.Context, userID uuid.UUID, eventType model.EventType, sessionID string, metadata map[string]string) {
	e.recorder.Record(ctx, userID, eventType, sessionID, metadata)
}

// ListEvents pages through the user's ledger, newest first.
func (e *Engine) ListEvents(ctx context.Context, userID uuid.UUID, before *time.Time, limit int) (ledger.Page, error) {
	if e.events == nil {
		return ledger.Page{Events: []model.AccountEvent{}}, nil
	}
	return e.events.List(ctx, userID, before, limit)
}

// PurgeExpiredCodes removes expired verification codes.
func (e *Engine) PurgeExpiredCodes(ctx context.Context) (int64, error) {
	return e.codes.PurgeExpired(ctx)
}
