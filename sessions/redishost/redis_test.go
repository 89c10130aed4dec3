package redishost

import (
	"testing"

	"github.com/ggoodman/agent-obo-auth/sessions"
	"github.com/ggoodman/agent-obo-auth/sessions/storetest"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check so environments without Redis skip cleanly.
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis session store tests: %v", err)
		return
	}
	_ = s.Close()

	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		store, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
