package auth

import (
	"errors"

	"github.com/ggoodman/agent-obo-auth/internal/jwtauth"
	"github.com/ggoodman/agent-obo-auth/internal/oauthflow"
)

// Sentinel errors for the validation family. The token sentinels are
// shared with the internal validator so errors.Is works on anything the
// orchestrator returns.
var (
	// ErrMissingCredentials: no usable Authorization: Bearer header. A 401
	// without a redirect URL; the caller's credentials are absent, not
	// pending delegation.
	ErrMissingCredentials = errors.New("auth: missing or invalid Authorization header")

	// ErrInvalidToken: signature, kid, or standard-claim verification
	// failed.
	ErrInvalidToken = jwtauth.ErrInvalidToken

	// ErrTokenExpired: the token's exp has passed.
	ErrTokenExpired = jwtauth.ErrTokenExpired

	// ErrInsufficientScope: token valid but missing required scope; maps
	// to 403, distinct from the 401 family. Inspect with *ScopeError for
	// the exact missing scopes.
	ErrInsufficientScope = jwtauth.ErrInsufficientScope

	// ErrJWKSUnavailable: the JWKS endpoint was unreachable or returned
	// invalid JSON. An infrastructure fault surfaced as a server error,
	// never downgraded to "unauthenticated".
	ErrJWKSUnavailable = jwtauth.ErrJWKSUnavailable

	// ErrSession: the callback's state matched no live session.
	ErrSession = errors.New("auth: invalid state or session expired")

	// ErrOAuthFlow: an OAuth HTTP interaction returned a non-success
	// status. Inspect with *FlowError for the upstream status and body.
	ErrOAuthFlow = errors.New("auth: oauth flow failed")
)

// ScopeError carries the missing and available scopes for a failed scope
// check. It unwraps to ErrInsufficientScope.
type ScopeError = jwtauth.ScopeError

// FlowError carries the upstream provider's status and body for a failed
// OAuth step.
type FlowError = oauthflow.FlowError
