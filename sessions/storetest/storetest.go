// Package storetest provides the conformance suite every sessions.Store
// implementation must pass. Host packages call RunStoreTests from their
// own tests so the in-memory and Redis stores stay behaviorally
// interchangeable.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/agent-obo-auth/sessions"
)

// StoreFactory creates a fresh store instance for one test.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete Store contract suite against the
// provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("Create_CollapsesSameJTI", func(t *testing.T) { testCreateCollapsesSameJTI(t, factory) })
	t.Run("Create_ConcurrentSameJTI", func(t *testing.T) { testCreateConcurrent(t, factory) })
	t.Run("GetByState", func(t *testing.T) { testGetByState(t, factory) })
	t.Run("GetByState_ClearedStateNeverMatches", func(t *testing.T) { testClearedState(t, factory) })
	t.Run("Update_ReindexesState", func(t *testing.T) { testUpdateReindexes(t, factory) })
	t.Run("Update_UnknownJTI", func(t *testing.T) { testUpdateUnknown(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("HandsOutCopies", func(t *testing.T) { testHandsOutCopies(t, factory) })
}

// uniq returns a value that will not collide with earlier runs against a
// shared backing store such as Redis.
func uniq(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func testCreateAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	jti := uniq("jti")

	sess, err := s.Create(ctx, jti, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.JTI != jti || sess.UserID != "u1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", sess)
	}

	got, err := s.Get(ctx, jti)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.JTI != jti {
		t.Fatalf("get returned %+v", got)
	}

	missing, err := s.Get(ctx, uniq("absent"))
	if err != nil || missing != nil {
		t.Fatalf("missing jti: got %+v, %v", missing, err)
	}
}

func testCreateCollapsesSameJTI(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	jti := uniq("jti")

	first, err := s.Create(ctx, jti, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first.CSRFState = uniq("state")
	first.PKCEVerifier = "ver-1"
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}

	again, err := s.Create(ctx, jti, "u1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if again.CSRFState != first.CSRFState {
		t.Fatalf("second create minted a diverging session: %+v", again)
	}
}

func testCreateConcurrent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	jti := uniq("jti")

	const n = 16
	results := make([]*sessions.Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := s.Create(ctx, jti, "u1")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			results[i] = sess
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r == nil || !r.CreatedAt.Equal(results[0].CreatedAt) {
			t.Fatalf("concurrent creates diverged")
		}
	}
}

func testGetByState(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	jti, state := uniq("jti"), uniq("state")

	sess, err := s.Create(ctx, jti, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.CSRFState = state
	sess.PKCEVerifier = "ver-xyz"
	if err := s.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetByState(ctx, state)
	if err != nil {
		t.Fatalf("get by state: %v", err)
	}
	if got == nil || got.JTI != jti {
		t.Fatalf("get by state returned %+v", got)
	}

	if got, _ := s.GetByState(ctx, uniq("unknown")); got != nil {
		t.Fatalf("unknown state matched %+v", got)
	}
}

func testClearedState(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	jti, state := uniq("jti"), uniq("state")

	sess, err := s.Create(ctx, jti, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.CSRFState = state
	sess.PKCEVerifier = "ver-once"
	if err := s.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Complete the flow: state is single-use.
	sess.OBOAccessToken = "OBO1"
	sess.CSRFState = ""
	sess.PKCEVerifier = ""
	if err := s.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	if got, _ := s.GetByState(ctx, state); got != nil {
		t.Fatalf("cleared state still matched %+v", got)
	}
	if got, _ := s.GetByState(ctx, ""); got != nil {
		t.Fatalf("empty state matched %+v", got)
	}
}

func testUpdateReindexes(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	jti, stateA, stateB := uniq("jti"), uniq("state-a"), uniq("state-b")

	sess, err := s.Create(ctx, jti, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.CSRFState = stateA
	sess.PKCEVerifier = "ver-a"
	if err := s.Update(ctx, sess); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Re-issuing the flow replaces the pair; the old state must stop
	// matching.
	sess.CSRFState = stateB
	sess.PKCEVerifier = "ver-b"
	if err := s.Update(ctx, sess); err != nil {
		t.Fatalf("second update: %v", err)
	}

	if got, _ := s.GetByState(ctx, stateA); got != nil {
		t.Fatalf("stale state still matched %+v", got)
	}
	got, _ := s.GetByState(ctx, stateB)
	if got == nil || got.JTI != jti {
		t.Fatalf("new state lookup returned %+v", got)
	}
}

func testUpdateUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	err := s.Update(context.Background(), &sessions.Session{JTI: uniq("ghost")})
	if err != sessions.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	jti, state := uniq("jti"), uniq("state")

	sess, err := s.Create(ctx, jti, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.CSRFState = state
	if err := s.Update(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := s.Delete(ctx, jti); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.Get(ctx, jti); got != nil {
		t.Fatalf("deleted session still present: %+v", got)
	}
	if got, _ := s.GetByState(ctx, state); got != nil {
		t.Fatalf("deleted session still indexed by state: %+v", got)
	}
	if err := s.Delete(ctx, jti); err != sessions.ErrNotFound {
		t.Fatalf("double delete: want ErrNotFound, got %v", err)
	}
}

func testHandsOutCopies(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	jti := uniq("jti")

	sess, err := s.Create(ctx, jti, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.OBOAccessToken = "local mutation"

	got, err := s.Get(ctx, jti)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OBOAccessToken != "" {
		t.Fatalf("caller mutation leaked into the store: %+v", got)
	}
}
