package memoryhost

import (
	"context"
	"testing"

	"github.com/ggoodman/agent-obo-auth/sessions"
	"github.com/ggoodman/agent-obo-auth/sessions/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		s, err := New(0)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return s
	})
}

func TestEvictionDropsStateIndex(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	a, err := s.Create(ctx, "j-a", "u")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a.CSRFState = "state-a"
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Two more sessions push j-a out of the bounded cache.
	if _, err := s.Create(ctx, "j-b", "u"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, "j-c", "u"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if got, _ := s.Get(ctx, "j-a"); got != nil {
		t.Fatalf("expected j-a to be evicted, got %+v", got)
	}
	if got, _ := s.GetByState(ctx, "state-a"); got != nil {
		t.Fatalf("evicted session still reachable by state: %+v", got)
	}
}
