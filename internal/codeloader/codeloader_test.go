package codeloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/identity"
)

func writeSource(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestPutVerifiesContentHash(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	src := writeSource(t, t.TempDir(), "source", []byte("parse() {}"))

	if _, err := cache.Put("wrong-hash", src); err == nil {
		t.Fatalf("a bundle that does not hash to its manifest claim must be rejected")
	}

	hash, _ := identity.HashFile(src)
	cached, err := cache.Put(hash, src)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if got, ok := cache.Get(hash); !ok || got != cached {
		t.Fatalf("get after put: %q %v", got, ok)
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	content := []byte("parse() {}")
	src := writeSource(t, t.TempDir(), "source", content)
	hash, _ := identity.HashFile(src)

	first, err := NewCache(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := first.Put(hash, src); err != nil {
		t.Fatalf("put: %v", err)
	}

	second, err := NewCache(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := second.Get(hash); !ok {
		t.Fatalf("restart must rediscover cached sources")
	}
	if second.Size() != 1 {
		t.Fatalf("expected 1 cached source, got %d", second.Size())
	}
}

func TestInstallStagesEntrypoint(t *testing.T) {
	bundleRoot := t.TempDir()
	content := []byte("#!/usr/bin/env parser\nparse()\n")
	src := writeSource(t, bundleRoot, "csv-parser-1.2.0/source", content)
	hash, _ := identity.HashFile(src)

	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	installer := NewInstaller(cache, bundleRoot)

	envDir := t.TempDir()
	plugin := &domain.Plugin{Name: "csv-parser", Version: "1.2.0", SourceHash: hash}
	if err := installer.Install(context.Background(), plugin, envDir); err != nil {
		t.Fatalf("install: %v", err)
	}

	entrypoint := filepath.Join(envDir, "entrypoint")
	staged, err := os.ReadFile(entrypoint)
	if err != nil {
		t.Fatalf("read entrypoint: %v", err)
	}
	if string(staged) != string(content) {
		t.Fatalf("entrypoint content mangled")
	}
	info, _ := os.Stat(entrypoint)
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("entrypoint must be executable, mode %v", info.Mode())
	}

	// Second install for the same plugin serves from cache even after
	// the bundle disappears.
	if err := os.Remove(src); err != nil {
		t.Fatalf("remove bundle: %v", err)
	}
	if err := installer.Install(context.Background(), plugin, t.TempDir()); err != nil {
		t.Fatalf("install from cache: %v", err)
	}
}

func TestInstallRejectsTamperedBundle(t *testing.T) {
	bundleRoot := t.TempDir()
	writeSource(t, bundleRoot, "csv-parser-1.2.0/source", []byte("tampered"))

	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	installer := NewInstaller(cache, bundleRoot)

	plugin := &domain.Plugin{Name: "csv-parser", Version: "1.2.0", SourceHash: identity.HashString("the real source")}
	if err := installer.Install(context.Background(), plugin, t.TempDir()); err == nil {
		t.Fatalf("tampered bundle must not install")
	}
}
