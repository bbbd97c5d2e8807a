package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/device"
	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/idp"
	"github.com/tendant/devicetrust/pkg/ratelimit"
	"github.com/tendant/devicetrust/pkg/stepup"
)

// LoginProvider checks a password and issues a session token.
type LoginProvider interface {
	VerifyPassword(ctx context.Context, userID uuid.UUID, password string) error
	IssueSession(ctx context.Context, userID uuid.UUID) (string, string, error)
}

// Handle serves the device trust routes.
type Handle struct {
	engine   *stepup.Engine
	auth     *jwtauth.JWTAuth
	sessions SessionChecker
	login    LoginProvider

	general ratelimit.Throttler
	verify  ratelimit.Throttler
	issue   ratelimit.Throttler
}

type Option func(*Handle)

// WithLogin enables POST /auth/login against provider.
func WithLogin(provider LoginProvider) Option {
	return func(h *Handle) { h.login = provider }
}

// WithThrottlers sets the request throttlers. general applies to every route per
// client IP, verify to proof submissions per user and issue to code issuance per
// user. Nil throttlers are skipped.
func WithThrottlers(general, verify, issue ratelimit.Throttler) Option {
	return func(h *Handle) {
		h.general = general
		h.verify = verify
		h.issue = issue
	}
}

func NewHandle(engine *stepup.Engine, auth *jwtauth.JWTAuth, sessions SessionChecker, opts ...Option) *Handle {
	h := &Handle{engine: engine, auth: auth, sessions: sessions}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every route on r.
func (h *Handle) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(limit("general", h.general, ratelimit.ByIP))

		if h.login != nil {
			r.With(limit("login", h.verify, ratelimit.ByIP)).Post("/auth/login", h.Login)
		}

		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.auth))
			r.Use(jwtauth.Authenticator(h.auth))
			r.Use(h.RequireActiveSession)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.CreateSession)
				r.Get("/", h.ListSessions)
				r.Delete("/", h.RevokeOtherSessions)
				r.Delete("/{id}", h.RevokeSession)
				r.Post("/{id}/trust", h.TrustSession)
			})

			r.Route("/stepup", func(r chi.Router) {
				r.Get("/{action}", h.GetRequirement)
				r.With(limit("issue", h.issue, ratelimit.ByUser)).Post("/codes", h.IssueCode)

				r.Group(func(r chi.Router) {
					r.Use(limit("verify", h.verify, ratelimit.ByUser))
					r.Post("/codes/verify", h.VerifyCode)
					r.Post("/factors/{factorID}/challenge", h.ChallengeFactor)
					r.Post("/factors/verify", h.VerifyFactor)
					r.Post("/password", h.VerifyPassword)
					r.Post("/backup-codes", h.VerifyBackupCode)
				})
			})

			r.Get("/events", h.ListEvents)
		})
	})
}

// Login handles POST /auth/login. It checks the password, issues a session token
// and records the device session for it.
func (h *Handle) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, errors.InvalidInput("body", "malformed JSON"))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, r, errors.InvalidInput("user_id", "must be a UUID"))
		return
	}

	if err := h.login.VerifyPassword(r.Context(), userID, req.Password); err != nil {
		if idp.IsRejection(err) {
			slog.Info("Login rejected", "user_id", userID, "ip", device.ClientIP(r))
			writeError(w, r, errors.Unauthorized("invalid credentials"))
			return
		}
		writeError(w, r, errors.Upstream(err, "identity provider"))
		return
	}

	sessionID, token, err := h.login.IssueSession(r.Context(), userID)
	if err != nil {
		writeError(w, r, errors.Upstream(err, "identity provider"))
		return
	}
	session, err := h.engine.CreateSession(r.Context(), sessionID, userID, device.DescriptorFromRequest(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, LoginResponse{Token: token, Session: h.sessionResponse(session)})
}

// CreateSession handles POST /sessions for a token whose device session was not
// recorded at login.
func (h *Handle) CreateSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	session, err := h.engine.CreateSession(r.Context(), p.SessionID, p.UserID, device.DescriptorFromRequest(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, h.sessionResponse(session))
}

// ListSessions handles GET /sessions.
func (h *Handle) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	resp, err := h.engine.ListSessions(r.Context(), p.UserID, p.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// RevokeSession handles DELETE /sessions/{id}. Revoking another device needs a
// fresh verification; signing out the current one does not.
func (h *Handle) RevokeSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	target := chi.URLParam(r, "id")

	if target != p.SessionID && !h.stepUpSatisfied(w, r, p, stepup.ActionRevokeSession) {
		return
	}
	if err := h.engine.RevokeUserSession(r.Context(), p.UserID, target, p.SessionID); err != nil {
		writeError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// RevokeOtherSessions handles DELETE /sessions.
func (h *Handle) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	if !h.stepUpSatisfied(w, r, p, stepup.ActionRevokeSession) {
		return
	}
	n, err := h.engine.RevokeOtherSessions(r.Context(), p.UserID, p.SessionID)
	if err != nil {
		slog.Error("Revoke other sessions stopped early", "user_id", p.UserID, "revoked", n, "error", err)
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, RevokeOthersResponse{Revoked: n})
}

// TrustSession handles POST /sessions/{id}/trust.
func (h *Handle) TrustSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	if !h.stepUpSatisfied(w, r, p, stepup.ActionTrustDevice) {
		return
	}
	session, err := h.engine.TrustSession(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, h.sessionResponse(session))
}

// GetRequirement handles GET /stepup/{action}.
func (h *Handle) GetRequirement(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	req, err := h.engine.ResolveVerificationRequirement(r.Context(), p.UserID, chi.URLParam(r, "action"), p.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, req)
}

// IssueCode handles POST /stepup/codes. The code goes to the user's notification
// channel, never into the response.
func (h *Handle) IssueCode(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	issued, err := h.engine.IssueVerificationCode(r.Context(), p.UserID, p.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]time.Time{"expires_at": issued.ExpiresAt})
}

// VerifyCode handles POST /stepup/codes/verify.
func (h *Handle) VerifyCode(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req VerifyCodeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, errors.InvalidInput("body", "malformed JSON"))
		return
	}
	if _, err := h.engine.ConsumeVerificationCode(r.Context(), p.UserID, p.SessionID, req.Code, req.Action); err != nil {
		writeError(w, r, err)
		return
	}
	h.renderCurrent(w, r, p)
}

// ChallengeFactor handles POST /stepup/factors/{factorID}/challenge.
func (h *Handle) ChallengeFactor(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	challenge, err := h.engine.ChallengeFactor(r.Context(), p.UserID, p.SessionID, chi.URLParam(r, "factorID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, challenge)
}

// VerifyFactor handles POST /stepup/factors/verify.
func (h *Handle) VerifyFactor(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req VerifyFactorRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, errors.InvalidInput("body", "malformed JSON"))
		return
	}
	session, err := h.engine.VerifyFactorChallenge(r.Context(), p.UserID, p.SessionID, req.Action, req.FactorID, req.ChallengeID, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, h.sessionResponse(session))
}

// VerifyPassword handles POST /stepup/password.
func (h *Handle) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req VerifyPasswordRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, errors.InvalidInput("body", "malformed JSON"))
		return
	}
	session, err := h.engine.VerifyPassword(r.Context(), p.UserID, p.SessionID, req.Action, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, h.sessionResponse(session))
}

// VerifyBackupCode handles POST /stepup/backup-codes.
func (h *Handle) VerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req VerifyCodeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, errors.InvalidInput("body", "malformed JSON"))
		return
	}
	session, err := h.engine.VerifyBackupCode(r.Context(), p.UserID, p.SessionID, req.Action, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, h.sessionResponse(session))
}

// ListEvents handles GET /events?before=<RFC3339>&limit=<n>.
func (h *Handle) ListEvents(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, r, errors.InvalidInput("before", "must be an RFC 3339 timestamp"))
			return
		}
		before = &t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, errors.InvalidInput("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	page, err := h.engine.ListEvents(r.Context(), p.UserID, before, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, page)
}

func (h *Handle) renderCurrent(w http.ResponseWriter, r *http.Request, p Principal) {
	session, err := h.engine.Sessions().GetForUser(r.Context(), p.UserID, p.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, h.sessionResponse(session))
}

// stepUpSatisfied resolves action for the caller's session and writes a 403 with
// the requirement when verification is needed.
func (h *Handle) stepUpSatisfied(w http.ResponseWriter, r *http.Request, p Principal, action string) bool {
	req, err := h.engine.ResolveVerificationRequirement(r.Context(), p.UserID, action, p.SessionID)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if req.Required {
		writeVerificationRequired(w, r, req)
		return false
	}
	return true
}
