// Package sessions defines the delegation session model and the Store
// contract used by the auth orchestrator. A session tracks one inbound
// token's On-Behalf-Of exchange, keyed primarily by the token's jti claim
// and secondarily by the CSRF state minted when an authorization URL is
// issued. Both keys must resolve to the same entry while a flow is in
// flight.
package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates an Update or Delete referenced a jti with no
// corresponding session.
var ErrNotFound = errors.New("sessions: session not found")

// Session is the mutable state of one delegation flow. PKCEVerifier and
// CSRFState are set together when an authorization URL is issued and
// cleared together when the callback completes; the state is single-use.
type Session struct {
	JTI            string
	UserID         string
	OBOAccessToken string
	RefreshToken   string
	IDToken        string
	PKCEVerifier   string
	CSRFState      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Delegated reports whether the On-Behalf-Of exchange has completed for
// this session. A delegated session is terminal: requests carrying its jti
// are served from the stored token without further network calls.
func (s *Session) Delegated() bool { return s != nil && s.OBOAccessToken != "" }

// Clone returns a deep copy. Stores hand out copies so callers can mutate
// freely and publish changes explicitly via Update.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	return &dup
}

// Store is the session registry shared by every request. Implementations
// must be safe for concurrent use; two near-simultaneous Creates for the
// same jti must collapse to a single session rather than diverge.
//
// Get and GetByState return (nil, nil) when no session matches.
// GetByState must never match a session whose CSRFState has been cleared;
// in particular an empty state never matches anything.
type Store interface {
	Create(ctx context.Context, jti, userID string) (*Session, error)
	Get(ctx context.Context, jti string) (*Session, error)
	GetByState(ctx context.Context, state string) (*Session, error)
	// Update replaces the stored session identified by sess.JTI and
	// refreshes UpdatedAt. It returns ErrNotFound for an unknown jti and
	// never touches any other jti's entry.
	Update(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, jti string) error
}
