package envcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sl224/casparianflow/internal/identity"
)

// countingResolver records how many times an environment was actually
// materialized.
type countingResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *countingResolver) Resolve(_ context.Context, lockfile []byte, dir string) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return os.WriteFile(filepath.Join(dir, "lockfile"), lockfile, 0o644)
}

func TestEnsureMaterializesOnceAndReuses(t *testing.T) {
	resolver := &countingResolver{}
	cache, err := New(t.TempDir(), 4, time.Hour, resolver)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	lockfile := []byte("numpy==1.26.0\npyarrow==15.0.0\n")
	envHash := identity.HashBytes(lockfile)

	first, err := cache.Ensure(context.Background(), envHash, lockfile)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(first, ".ready")); err != nil {
		t.Fatalf("materialized env missing ready marker: %v", err)
	}

	second, err := cache.Ensure(context.Background(), envHash, lockfile)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first != second {
		t.Fatalf("same hash must map to same path: %s vs %s", first, second)
	}
	if resolver.calls != 1 {
		t.Fatalf("environment resolved %d times, want 1", resolver.calls)
	}
}

func TestEnsureRejectsMismatchedLockfile(t *testing.T) {
	cache, err := New(t.TempDir(), 4, time.Hour, &countingResolver{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := cache.Ensure(context.Background(), "not-the-hash", []byte("content")); err == nil {
		t.Fatalf("mismatched lockfile must be rejected")
	}
}

func TestLRUEvictionRespectsMaxEnvs(t *testing.T) {
	root := t.TempDir()
	cache, err := New(root, 2, time.Hour, &countingResolver{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	var paths []string
	for _, content := range []string{"env-a", "env-b", "env-c"} {
		lockfile := []byte(content)
		p, err := cache.Ensure(ctx, identity.HashBytes(lockfile), lockfile)
		if err != nil {
			t.Fatalf("ensure %s: %v", content, err)
		}
		paths = append(paths, p)
		time.Sleep(2 * time.Millisecond) // distinct lastUsedAt ordering
	}

	count, _ := cache.Stats()
	if count != 2 {
		t.Fatalf("expected max_envs=2 retained, got %d", count)
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("oldest environment must be evicted from disk")
	}
	if _, err := os.Stat(paths[2]); err != nil {
		t.Fatalf("newest environment must survive: %v", err)
	}
}

func TestRestartDiscoversExistingEnvironments(t *testing.T) {
	root := t.TempDir()
	lockfile := []byte("env-a")
	envHash := identity.HashBytes(lockfile)

	first, err := New(root, 4, time.Hour, &countingResolver{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := first.Ensure(context.Background(), envHash, lockfile); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	resolver := &countingResolver{}
	second, err := New(root, 4, time.Hour, resolver)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := second.Ensure(context.Background(), envHash, lockfile); err != nil {
		t.Fatalf("ensure after restart: %v", err)
	}
	if resolver.calls != 0 {
		t.Fatalf("restart must reuse the on-disk environment, resolved %d times", resolver.calls)
	}
}
