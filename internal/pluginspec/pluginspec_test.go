package pluginspec

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "source.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lock.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write lockfile: %v", err)
	}
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestParseFileValid(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "name: csv-parser\nversion: 1.0.0\nsource: source.py\nlockfile: lock.json\n")

	m, err := ParseFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Name != "csv-parser" || m.Version != "1.0.0" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestParseFileMissingSourceFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte("name: x\nversion: 1.0.0\nsource: missing.py\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ParseFile(path); err == nil {
		t.Fatalf("expected error for missing source file")
	}
}

func TestToPluginComputesHashes(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "name: csv-parser\nversion: 1.0.0\nsource: source.py\nlockfile: lock.json\n")

	m, err := ParseFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := m.ToPlugin()
	if err != nil {
		t.Fatalf("to plugin: %v", err)
	}
	if p.SourceHash == "" || p.EnvHash == "" {
		t.Fatalf("expected non-empty hashes, got %+v", p)
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	dir := t.TempDir()
	path := writeManifest(t, dir, "name: csv-parser\nversion: 1.0.0\nsource: source.py\nlockfile: lock.json\n")
	m, err := ParseFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := m.ToPlugin()
	if err != nil {
		t.Fatalf("to plugin: %v", err)
	}

	p.Signature = Sign(priv, p.SourceHash)
	if err := Verify(p, pub); err != nil {
		t.Fatalf("verify: %v", err)
	}

	p.SourceHash = "tampered"
	if err := Verify(p, pub); err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid for tampered hash, got %v", err)
	}
}
