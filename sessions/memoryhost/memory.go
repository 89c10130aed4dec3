// Package memoryhost provides the default in-memory session store using
// github.com/hashicorp/golang-lru/v2 as a bounded primary index by jti,
// with a secondary index by CSRF state so callback resolution never scans.
package memoryhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/agent-obo-auth/sessions"
)

// DefaultMaxSessions bounds the store when no explicit capacity is given.
// Sessions evicted by the LRU lose their pending flow; the orchestrator
// simply restarts the flow on the next request for that jti.
const DefaultMaxSessions = 4096

// Store implements sessions.Store. The mutex guards both indices so the
// jti and state views can never disagree.
type Store struct {
	mu      sync.Mutex
	byJTI   *lru.Cache[string, *sessions.Session]
	byState map[string]string // CSRFState -> jti
}

// New creates an in-memory store holding at most maxSessions entries.
// maxSessions <= 0 selects DefaultMaxSessions.
func New(maxSessions int) (*Store, error) {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	s := &Store{byState: make(map[string]string)}
	cache, err := lru.NewWithEvict(maxSessions, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	s.byJTI = cache
	return s, nil
}

// onEvict runs while mu is held (all cache mutation happens under mu).
func (s *Store) onEvict(_ string, sess *sessions.Session) {
	if sess.CSRFState != "" {
		delete(s.byState, sess.CSRFState)
	}
}

func (s *Store) Create(_ context.Context, jti, userID string) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collapse same-jti races: the second Create observes the first's
	// session instead of minting a diverging one.
	if existing, ok := s.byJTI.Get(jti); ok {
		return existing.Clone(), nil
	}

	now := time.Now()
	sess := &sessions.Session{
		JTI:       jti,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byJTI.Add(jti, sess)
	return sess.Clone(), nil
}

func (s *Store) Get(_ context.Context, jti string) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byJTI.Get(jti)
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *Store) GetByState(_ context.Context, state string) (*sessions.Session, error) {
	if state == "" {
		// A cleared state must never match; without this guard a session
		// whose flow already completed (state reset to empty) would be
		// replayable.
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jti, ok := s.byState[state]
	if !ok {
		return nil, nil
	}
	sess, ok := s.byJTI.Get(jti)
	if !ok || sess.CSRFState != state {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *Store) Update(_ context.Context, sess *sessions.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byJTI.Get(sess.JTI)
	if !ok {
		return sessions.ErrNotFound
	}

	// Re-point the state index: drop the old mapping, record the new one.
	if current.CSRFState != "" && current.CSRFState != sess.CSRFState {
		delete(s.byState, current.CSRFState)
	}
	stored := sess.Clone()
	stored.UpdatedAt = time.Now()
	if stored.CSRFState != "" {
		s.byState[stored.CSRFState] = stored.JTI
	}
	s.byJTI.Add(stored.JTI, stored)
	*sess = *stored
	return nil
}

func (s *Store) Delete(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byJTI.Get(jti)
	if !ok {
		return sessions.ErrNotFound
	}
	if sess.CSRFState != "" {
		delete(s.byState, sess.CSRFState)
	}
	s.byJTI.Remove(jti)
	return nil
}

var _ sessions.Store = (*Store)(nil)
