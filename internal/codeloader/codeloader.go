// Package codeloader stages plugin source into resolved environments.
// Source bundles are cached on the host by source_hash, so workers that
// run the same parser version across many jobs pay the copy once; the
// installer then places the cached source into a job's environment
// directory as the guest entrypoint, verifying the content hash on the
// way in so a tampered bundle never reaches a guest.
package codeloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/identity"
	"github.com/sl224/casparianflow/internal/logging"
)

// Cache deduplicates plugin source bundles by content hash.
type Cache struct {
	mu  sync.RWMutex
	dir string
	// source_hash -> cached file path
	entries map[string]string
}

// NewCache opens (or creates) a source cache rooted at dir, registering
// anything a prior process left behind.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("codeloader: create cache dir %s: %w", dir, err)
	}
	c := &Cache{dir: dir, entries: make(map[string]string)}
	c.loadExisting()
	return c, nil
}

// Get returns the cached path for sourceHash, if present on disk.
func (c *Cache) Get(sourceHash string) (string, bool) {
	c.mu.RLock()
	path, ok := c.entries[sourceHash]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Put copies srcPath into the cache under sourceHash after verifying the
// file's content actually hashes to it. The returned path is stable for
// the life of the cache entry.
func (c *Cache) Put(sourceHash, srcPath string) (string, error) {
	actual, err := identity.HashFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("codeloader: hash source %s: %w", srcPath, err)
	}
	if actual != sourceHash {
		return "", fmt.Errorf("codeloader: source %s hashes to %s, manifest claims %s", srcPath, actual, sourceHash)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[sourceHash]; ok {
		if _, err := os.Stat(existing); err == nil {
			return existing, nil
		}
	}

	cached := filepath.Join(c.dir, sourceHash+".src")
	if err := copyFile(srcPath, cached, 0o644); err != nil {
		return "", err
	}
	c.entries[sourceHash] = cached
	logging.Op().Info("plugin source cached", "source_hash", sourceHash[:12])
	return cached, nil
}

// Evict drops one cached bundle.
func (c *Cache) Evict(sourceHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path, ok := c.entries[sourceHash]; ok {
		os.Remove(path)
		delete(c.entries, sourceHash)
	}
}

// Size returns the number of cached bundles.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) loadExisting() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".src" {
			continue
		}
		hash := e.Name()[:len(e.Name())-len(".src")]
		c.entries[hash] = filepath.Join(c.dir, e.Name())
	}
	if len(c.entries) > 0 {
		logging.Op().Info("codeloader loaded cached sources", "count", len(c.entries))
	}
}

// Installer places a plugin's source into a job's environment directory.
type Installer struct {
	cache      *Cache
	bundleRoot string // published bundles live under bundleRoot/<name>-<version>/
}

func NewInstaller(cache *Cache, bundleRoot string) *Installer {
	return &Installer{cache: cache, bundleRoot: bundleRoot}
}

// Install stages plugin's source as envDir/entrypoint, going through the
// cache: a hit skips the bundle read entirely; a miss verifies the bundle
// against the plugin's source_hash before caching.
func (i *Installer) Install(ctx context.Context, plugin *domain.Plugin, envDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cached, ok := i.cache.Get(plugin.SourceHash)
	if !ok {
		bundleSource := filepath.Join(i.bundleRoot, plugin.Name+"-"+plugin.Version, "source")
		var err error
		cached, err = i.cache.Put(plugin.SourceHash, bundleSource)
		if err != nil {
			return fmt.Errorf("codeloader: stage %s@%s: %w", plugin.Name, plugin.Version, err)
		}
	}

	return copyFile(cached, filepath.Join(envDir, "entrypoint"), 0o755)
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("codeloader: read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("codeloader: write %s: %w", dst, err)
	}
	return nil
}
