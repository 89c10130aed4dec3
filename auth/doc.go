// Package auth is the authentication and delegation front door for
// inbound API calls. It validates caller-supplied bearer JWTs against a
// JWKS, brokers an On-Behalf-Of (OBO) exchange that trades the validated
// identity for a downstream-scoped token via a PKCE authorization-code
// flow, and opportunistically attaches a cached service-identity ("agent")
// token acquired through a separate non-interactive flow.
//
// The entry point is the Orchestrator, constructed once at startup from an
// explicit Config and injected into every request path; there is no global
// state. ProcessRequest yields a tagged Result: *Authenticated when the
// caller's session already holds a delegated token, or *RedirectRequired
// when the user must visit the provider's authorization URL. Rejections
// travel on the error return.
//
// Example:
//
//	cfg, err := auth.ConfigFromEnv()
//	if err != nil { log.Fatal(err) }
//	orch, err := auth.New(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//
//	mux.Handle("/auth/callback", orch.CallbackHandler())
//	mux.Handle("/api/", orch.RequireAuth(apiHandler))
//
// Inside a guarded handler the authenticated context is recovered with
// AuthFromContext; its OBOToken is the delegated credential for
// downstream calls on the user's behalf, while AgentToken (when present)
// authenticates the service itself.
//
// # Sessions
//
// Each inbound token's jti claim keys a delegation session that advances
// NEW -> PENDING -> DELEGATED. Sessions live in a sessions.Store; the
// default is a bounded in-memory store, and a Redis-backed store is
// available for multi-replica hosts. Re-validating a still-PENDING jti
// issues a brand-new verifier/state pair, invalidating any earlier
// authorization URL for that session.
//
// # Errors
//
// Validation failures surface with a precise reason: ErrInvalidToken,
// ErrTokenExpired, ErrInsufficientScope (403 at the boundary, with
// *ScopeError naming the missing scopes), ErrSession for an unknown
// callback state, ErrOAuthFlow (with *FlowError carrying the provider's
// status and body), and ErrJWKSUnavailable for JWKS infrastructure faults
// (a server error, never a 401). Agent-token acquisition failures are
// logged and swallowed; they degrade the request, never fail it.
package auth
