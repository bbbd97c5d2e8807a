package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/model"
	"github.com/tendant/devicetrust/pkg/stepup"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    errors.ErrorCode       `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SessionResponse is a device session with its derived state.
type SessionResponse struct {
	model.DeviceSession
	State           model.TrustState      `json:"state"`
	ConfidenceLevel model.ConfidenceLevel `json:"confidence_level"`
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token   string          `json:"token"`
	Session SessionResponse `json:"session"`
}

type VerifyCodeRequest struct {
	Code   string `json:"code"`
	Action string `json:"action,omitempty"`
}

type VerifyFactorRequest struct {
	FactorID    string `json:"factor_id"`
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
	Action      string `json:"action,omitempty"`
}

type VerifyPasswordRequest struct {
	Password string `json:"password"`
	Action   string `json:"action,omitempty"`
}

type RevokeOthersResponse struct {
	Revoked int `json:"revoked"`
}

func (h *Handle) sessionResponse(s model.DeviceSession) SessionResponse {
	return SessionResponse{
		DeviceSession:   s,
		State:           s.State(),
		ConfidenceLevel: h.engine.ConfidenceLevel(s.ConfidenceScore),
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	status := errors.MapErrorCodeToHTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}

	resp := ErrorResponse{Code: code, Message: errors.PublicMessage(err)}
	if status < http.StatusInternalServerError {
		resp.Details = errors.DetailsOf(err)
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func writeVerificationRequired(w http.ResponseWriter, r *http.Request, req stepup.Requirement) {
	render.Status(r, errors.MapErrorCodeToHTTPStatus(errors.ErrCodeVerificationRequired))
	render.JSON(w, r, ErrorResponse{
		Code:    errors.ErrCodeVerificationRequired,
		Message: "verification required",
		Details: map[string]interface{}{"requirement": req},
	})
}
