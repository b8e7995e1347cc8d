package testsupport

import (
	"testing"

	"stemd/internal/config"
	"stemd/internal/queue"
)

// MustOpenStore opens a queue store for the test config and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
