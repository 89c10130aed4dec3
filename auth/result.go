package auth

import "github.com/ggoodman/agent-obo-auth/internal/jwtauth"

// Claims is the decoded payload of a validated inbound token.
type Claims = jwtauth.Claims

// Result is the outcome of ProcessRequest: either *Authenticated or
// *RedirectRequired. Rejections are reported through the error return,
// never smuggled into a success shape.
type Result interface {
	isResult()
}

// Authenticated is the request-scoped authenticated context. OBOToken is
// the delegated token stored on the session; AgentToken, when present, is
// the process-wide service identity token attached opportunistically.
type Authenticated struct {
	// Claims of the validated inbound token. Nil for anonymous contexts
	// and for contexts produced by HandleCallback, which has no inbound
	// token to decode.
	Claims Claims
	// RawToken is the original bearer token as received.
	RawToken string
	// SessionJTI and UserID identify the delegation session.
	SessionJTI string
	UserID     string
	OBOToken   string
	AgentToken string
	// Anonymous is set when no authentication is configured and the
	// request was admitted without credentials.
	Anonymous bool
}

// RedirectRequired instructs the caller to send the user to URL to
// complete delegation. At the HTTP boundary this is a 401 carrying the
// URL and session identifier in response headers, not a credential
// failure.
type RedirectRequired struct {
	URL        string
	SessionJTI string
}

func (*Authenticated) isResult()    {}
func (*RedirectRequired) isResult() {}
