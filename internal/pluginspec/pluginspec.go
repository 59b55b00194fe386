// Package pluginspec defines the on-disk plugin artifact manifest and its
// signature verification. A plugin artifact is a signed bundle containing
// source, a resolved lockfile, optional native-extensions/, and this
// manifest binding them together under name/version/source_hash/env_hash.
package pluginspec

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/identity"
	"gopkg.in/yaml.v3"
)

// ErrSignatureInvalid is returned by Verify when a manifest carries a
// signature that does not verify against its own source_hash.
var ErrSignatureInvalid = errors.New("pluginspec: signature invalid")

// Manifest is the YAML manifest shipped inside a plugin artifact bundle.
type Manifest struct {
	Name                string            `yaml:"name"`
	Version             string            `yaml:"version"`
	SourcePath           string            `yaml:"source"`
	LockfilePath         string            `yaml:"lockfile"`
	NativeExtensionsPath string            `yaml:"nativeExtensions,omitempty"`
	Signature            string            `yaml:"signature,omitempty"`
	SystemRequirements    map[string]string `yaml:"systemRequirements,omitempty"`
}

// ParseFile reads and decodes a manifest file, resolving relative
// source/lockfile paths against the manifest's own directory.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f, filepath.Dir(path))
}

// Parse decodes a single YAML manifest document.
func Parse(r io.Reader, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.SourcePath != "" && !filepath.IsAbs(m.SourcePath) {
		m.SourcePath = filepath.Join(baseDir, m.SourcePath)
	}
	if m.LockfilePath != "" && !filepath.IsAbs(m.LockfilePath) {
		m.LockfilePath = filepath.Join(baseDir, m.LockfilePath)
	}
	return &m, m.Validate()
}

// Validate checks the manifest's required fields and that source/lockfile
// paths exist on disk.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("pluginspec: name is required")
	}
	if m.Version == "" {
		return errors.New("pluginspec: version is required")
	}
	if m.SourcePath == "" {
		return errors.New("pluginspec: source path is required")
	}
	if _, err := os.Stat(m.SourcePath); err != nil {
		return fmt.Errorf("pluginspec: source path %s: %w", m.SourcePath, err)
	}
	if m.LockfilePath != "" {
		if _, err := os.Stat(m.LockfilePath); err != nil {
			return fmt.Errorf("pluginspec: lockfile path %s: %w", m.LockfilePath, err)
		}
	}
	return nil
}

// ToPlugin computes source_hash/env_hash from disk and builds the
// persisted domain.Plugin row. It does not verify the signature — call
// Verify separately with the publisher's public key.
func (m *Manifest) ToPlugin() (*domain.Plugin, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	sourceHash, err := identity.HashFile(m.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("hash source: %w", err)
	}

	envHash := ""
	if m.LockfilePath != "" {
		envHash, err = identity.HashFile(m.LockfilePath)
		if err != nil {
			return nil, fmt.Errorf("hash lockfile: %w", err)
		}
	}

	return &domain.Plugin{
		Name:       m.Name,
		Version:    m.Version,
		SourceHash: sourceHash,
		EnvHash:    envHash,
		Signature:  m.Signature,
	}, nil
}

// Verify checks that plugin.Signature is a valid ed25519 signature by
// pubKey over the plugin's source_hash. A plugin with no signature is
// treated as unsigned and Verify returns an error — callers that allow
// unsigned plugins must check plugin.Signature == "" themselves before calling.
func Verify(plugin *domain.Plugin, pubKey ed25519.PublicKey) error {
	if plugin.Signature == "" {
		return errors.New("pluginspec: plugin carries no signature")
	}
	sig, err := hex.DecodeString(plugin.Signature)
	if err != nil {
		return fmt.Errorf("pluginspec: decode signature: %w", err)
	}
	if !ed25519.Verify(pubKey, []byte(plugin.SourceHash), sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign produces a hex-encoded ed25519 signature over sourceHash, for use
// by the publishing side (not exercised at runtime by the core).
func Sign(priv ed25519.PrivateKey, sourceHash string) string {
	sig := ed25519.Sign(priv, []byte(sourceHash))
	return hex.EncodeToString(sig)
}
