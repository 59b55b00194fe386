package apistore

import (
	"context"
	"fmt"

	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/storage"
)

// PublishPlugin inserts a new immutable plugin artifact row. Publishing an
// existing name+version is rejected — plugins are never mutated in place,
// only superseded by a new version.
func (s *Store) PublishPlugin(ctx context.Context, p domain.Plugin) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO plugins (name, version, source_hash, env_hash, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, p.Version, p.SourceHash, p.EnvHash, nullableString(p.Signature), timeToStr(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("apistore: publish plugin %s@%s: %w", p.Name, p.Version, err)
	}
	return nil
}

// GetPlugin returns one exact name+version plugin row.
func (s *Store) GetPlugin(ctx context.Context, name, version string) (*domain.Plugin, error) {
	row := s.db.QueryRow(ctx, `
		SELECT name, version, source_hash, env_hash, signature, created_at
		FROM plugins WHERE name = ? AND version = ?`, name, version)
	return scanPlugin(row, name, version)
}

// GetLatestPlugin returns the most recently published row for name (highest
// rowid), used when a job is submitted without a pinned version.
func (s *Store) GetLatestPlugin(ctx context.Context, name string) (*domain.Plugin, error) {
	row := s.db.QueryRow(ctx, `
		SELECT name, version, source_hash, env_hash, signature, created_at
		FROM plugins WHERE name = ? ORDER BY rowid DESC LIMIT 1`, name)
	return scanPlugin(row, name, "latest")
}

func scanPlugin(row interface{ Scan(dest ...any) error }, name, version string) (*domain.Plugin, error) {
	var (
		p          domain.Plugin
		signature  *string
		createdAt  string
	)
	if err := row.Scan(&p.Name, &p.Version, &p.SourceHash, &p.EnvHash, &signature, &createdAt); err != nil {
		return nil, fmt.Errorf("%w: plugin %s@%s", storage.ErrNotFound, name, version)
	}
	if signature != nil {
		p.Signature = *signature
	}
	p.CreatedAt = strToTime(createdAt)
	return &p, nil
}
