package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ggoodman/agent-obo-auth/internal/logctx"
)

// Boundary headers for the "redirect required" contract. A 401 carrying
// RedirectURLHeader means "re-authenticate via this URL"; a 401 without it
// means the credentials themselves were rejected. The two are never
// conflated.
const (
	RedirectURLHeader = "X-Auth-Redirect-URL"
	SessionJTIHeader  = "X-Auth-Session-JTI"
)

type authCtxKey struct{}

// ContextWithAuth attaches the authenticated context to ctx.
func ContextWithAuth(ctx context.Context, a *Authenticated) context.Context {
	return context.WithValue(ctx, authCtxKey{}, a)
}

// AuthFromContext retrieves the authenticated context installed by
// RequireAuth.
func AuthFromContext(ctx context.Context) (*Authenticated, bool) {
	a, ok := ctx.Value(authCtxKey{}).(*Authenticated)
	return a, ok
}

// RequireAuth guards next with ProcessRequest. Outcomes:
//
//   - *Authenticated: installed in the request context, next runs;
//   - *RedirectRequired: 401 with the redirect headers CORS-exposed;
//   - scope failure: 403; JWKS fault: 502; other validation failures: 401.
func (o *Orchestrator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		})

		result, err := o.ProcessRequest(ctx, r.Header)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		switch res := result.(type) {
		case *RedirectRequired:
			w.Header().Set("Access-Control-Expose-Headers", RedirectURLHeader+", "+SessionJTIHeader)
			w.Header().Set(RedirectURLHeader, res.URL)
			w.Header().Set(SessionJTIHeader, res.SessionJTI)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "OAuth flow required"})
		case *Authenticated:
			next.ServeHTTP(w, r.WithContext(ContextWithAuth(ctx, res)))
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "unexpected authentication result"})
		}
	})
}

// CallbackHandler serves the OAuth redirect endpoint for hosts that mount
// this subsystem on an existing server. On success it answers with
// {success, jti, user_id}.
func (o *Orchestrator) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code, state := q.Get("code"), q.Get("state")
		if code == "" || state == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "missing code or state"})
			return
		}

		result, err := o.HandleCallback(r.Context(), code, state)
		if err != nil {
			o.log.WarnContext(r.Context(), "callback failed", slog.String("error", err.Error()))
			writeAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"jti":     result.SessionJTI,
			"user_id": result.UserID,
			"message": "Authentication successful",
		})
	})
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, ErrInsufficientScope):
		status = http.StatusForbidden
	case errors.Is(err, ErrJWKSUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, ErrMissingCredentials),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrSession):
		status = http.StatusUnauthorized
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
