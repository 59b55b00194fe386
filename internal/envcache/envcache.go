// Package envcache manages the worker's content-addressed environment
// lifecycle: env_root/<env_hash>/ directories holding a plugin's fully
// resolved dependency set, created atomically via temp-dir+rename and
// evicted under an LRU policy bounded by max_envs/max_age.
//
// This is the domain-specific descendant of a host-side content cache: the
// same "dedup by content hash, materialize once, evict the coldest" shape
// as a disk-image cache, retargeted at resolved plugin environments rather
// than VM disk images.
package envcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sl224/casparianflow/internal/identity"
	"github.com/sl224/casparianflow/internal/logging"
)

// Resolver materializes an environment directory for the given lockfile
// bytes. Environments with native dependencies, compiled extensions, or
// language-specific package managers all implement this by installing into
// dir; envcache only owns naming, atomicity, and eviction.
type Resolver interface {
	Resolve(ctx context.Context, lockfile []byte, dir string) error
}

// entry tracks one resolved environment's on-disk location and last-touch
// time for LRU eviction.
type entry struct {
	path       string
	lastUsedAt time.Time
}

// Cache owns env_root and enforces MaxEnvs/MaxAge against it.
type Cache struct {
	root     string
	maxEnvs  int
	maxAge   time.Duration
	resolver Resolver

	mu      sync.Mutex
	entries map[string]*entry // env_hash -> entry
}

// New creates a cache rooted at root. The directory is created if absent;
// any environments already materialized under it (e.g. from a prior
// process) are discovered and registered so a restart doesn't orphan them.
func New(root string, maxEnvs int, maxAge time.Duration, resolver Resolver) (*Cache, error) {
	if maxEnvs <= 0 {
		maxEnvs = 32
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("envcache: create root %s: %w", root, err)
	}
	c := &Cache{
		root:     root,
		maxEnvs:  maxEnvs,
		maxAge:   maxAge,
		resolver: resolver,
		entries:  make(map[string]*entry),
	}
	c.loadExisting()
	return c, nil
}

func (c *Cache) loadExisting() {
	dirs, err := os.ReadDir(c.root)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		envHash := d.Name()
		path := filepath.Join(c.root, envHash)
		if _, err := os.Stat(filepath.Join(path, ".ready")); err != nil {
			// A directory without the .ready marker is a leftover partial
			// materialization from a crash mid-rename; it is never
			// reachable via the atomic-rename path below, so it's safe to
			// ignore (not delete — it may be mid-rename by another process
			// using the same root, which this cache does not assume it
			// owns exclusively).
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		c.entries[envHash] = &entry{path: path, lastUsedAt: info.ModTime()}
	}
	if len(c.entries) > 0 {
		logging.Op().Info("envcache loaded existing environments", "count", len(c.entries))
	}
}

// Ensure returns the path to envHash's materialized environment,
// resolving it first if missing. Concurrent Ensure calls for the same
// missing envHash are not deduplicated: each resolves into its own temp
// dir, the first rename wins, and the others discard their copy and
// return the winner's path.
func (c *Cache) Ensure(ctx context.Context, envHash string, lockfile []byte) (string, error) {
	// Callers holding the lockfile bytes get content-addressing enforced;
	// callers passing nil delegate fetching to the Resolver, which only
	// knows the hash.
	if len(lockfile) > 0 {
		if computed := identity.HashBytes(lockfile); computed != envHash {
			return "", fmt.Errorf("envcache: lockfile does not hash to env_hash %s (got %s)", envHash, computed)
		}
	}

	c.mu.Lock()
	if e, ok := c.entries[envHash]; ok {
		e.lastUsedAt = time.Now()
		path := e.path
		c.mu.Unlock()
		return path, nil
	}
	c.mu.Unlock()

	finalPath := filepath.Join(c.root, envHash)
	tmpPath := finalPath + ".tmp-" + identity.NewUnguessableID()
	if err := os.MkdirAll(tmpPath, 0o755); err != nil {
		return "", fmt.Errorf("envcache: create temp dir: %w", err)
	}
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.RemoveAll(tmpPath)
		}
	}()

	if c.resolver != nil {
		if err := c.resolver.Resolve(ctx, lockfile, tmpPath); err != nil {
			return "", fmt.Errorf("envcache: resolve %s: %w", envHash, err)
		}
	}
	if err := os.WriteFile(filepath.Join(tmpPath, ".ready"), []byte{}, 0o644); err != nil {
		return "", fmt.Errorf("envcache: mark ready: %w", err)
	}

	// Atomic rename: readers racing Ensure see either nothing at finalPath
	// (and resolve themselves) or the fully-materialized directory, never
	// a partial one.
	if err := os.Rename(tmpPath, finalPath); err != nil {
		if os.IsExist(err) {
			// Lost the race to a concurrent Ensure; use what they built.
			cleanupTmp = true
		} else {
			return "", fmt.Errorf("envcache: rename into place: %w", err)
		}
	} else {
		cleanupTmp = false
	}

	c.mu.Lock()
	c.entries[envHash] = &entry{path: finalPath, lastUsedAt: time.Now()}
	n := len(c.entries)
	c.mu.Unlock()

	logging.Op().Info("environment materialized", "env_hash", envHash[:12], "total_envs", n)
	c.evictLocked(ctx)
	return finalPath, nil
}

// Touch refreshes envHash's last-used time without re-resolving it, for
// callers that hold a path across multiple uses of the same job.
func (c *Cache) Touch(envHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[envHash]; ok {
		e.lastUsedAt = time.Now()
	}
}

// Stats reports the current environment count and root, for the
// worker's environment-LRU metrics.
func (c *Cache) Stats() (count int, root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.root
}

// evictLocked runs LRU eviction against MaxEnvs and MaxAge. Called after
// every Ensure that materializes a new environment (a cache hit returns
// without evicting); also safe to call periodically from a background sweep.
func (c *Cache) evictLocked(ctx context.Context) {
	c.mu.Lock()
	type candidate struct {
		hash string
		e    *entry
	}
	now := time.Now()
	var stale []candidate
	var live []candidate
	for hash, e := range c.entries {
		if c.maxAge > 0 && now.Sub(e.lastUsedAt) > c.maxAge {
			stale = append(stale, candidate{hash, e})
		} else {
			live = append(live, candidate{hash, e})
		}
	}

	var toEvict []candidate
	toEvict = append(toEvict, stale...)
	for _, s := range stale {
		delete(c.entries, s.hash)
	}

	if over := len(live) - c.maxEnvs; over > 0 {
		// Oldest lastUsedAt first.
		for i := 0; i < len(live); i++ {
			for j := i + 1; j < len(live); j++ {
				if live[j].e.lastUsedAt.Before(live[i].e.lastUsedAt) {
					live[i], live[j] = live[j], live[i]
				}
			}
		}
		for i := 0; i < over; i++ {
			toEvict = append(toEvict, live[i])
			delete(c.entries, live[i].hash)
		}
	}
	c.mu.Unlock()

	if len(toEvict) == 0 {
		return
	}
	release, err := lockRoot(c.root)
	if err != nil {
		logging.Op().Warn("envcache eviction skipped, cannot lock root", "error", err)
		return
	}
	defer release()

	for _, victim := range toEvict {
		if err := os.RemoveAll(victim.e.path); err != nil {
			logging.Op().Warn("envcache eviction failed", "env_hash", victim.hash[:12], "error", err)
			continue
		}
		logging.Op().Info("environment evicted", "env_hash", victim.hash[:12])
	}
}

// EvictLoop runs periodic eviction sweeps until ctx is cancelled, catching
// environments that go stale without any further Ensure calls touching
// the cache.
func (c *Cache) EvictLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictLocked(ctx)
		}
	}
}
