package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"

	"github.com/tendant/devicetrust/pkg/errors"
	"github.com/tendant/devicetrust/pkg/ratelimit"
)

// SessionChecker reports whether the identity provider still honours a session.
type SessionChecker interface {
	SessionActive(sessionID string) bool
}

type principalKey struct{}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID    uuid.UUID
	SessionID string
}

// PrincipalFrom returns the principal stored by RequireActiveSession.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireActiveSession resolves the principal from the verified token claims and
// rejects sessions the provider has invalidated. It bumps the device session's
// last activity when one exists.
func (h *Handle) RequireActiveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || claims == nil {
			writeError(w, r, errors.Unauthorized("missing session token"))
			return
		}

		sub, _ := claims["sub"].(string)
		userID, err := uuid.Parse(sub)
		if err != nil {
			slog.Warn("Session token with invalid subject", "sub", sub)
			writeError(w, r, errors.Unauthorized("invalid session token"))
			return
		}
		sessionID, _ := claims["sid"].(string)
		if sessionID == "" {
			writeError(w, r, errors.Unauthorized("invalid session token"))
			return
		}
		if h.sessions != nil && !h.sessions.SessionActive(sessionID) {
			slog.Info("Rejected request with invalidated session", "user_id", userID, "session_id", sessionID)
			writeError(w, r, errors.Unauthorized("session has been revoked"))
			return
		}

		if err := h.engine.TouchSession(r.Context(), sessionID); err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
			slog.Warn("Failed to touch device session", "session_id", sessionID, "error", err)
		}

		ctx := context.WithValue(r.Context(), principalKey{}, Principal{UserID: userID, SessionID: sessionID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func limit(name string, t ratelimit.Throttler, key ratelimit.KeyFunc) func(http.Handler) http.Handler {
	if t == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Limit(name, t, key)
}
