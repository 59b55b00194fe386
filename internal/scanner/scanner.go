// Package scanner walks a source directory with bounded memory, feeding
// fixed-size batches of discovered files through a small-capacity channel
// to a single persistence task. Every committed batch upserts scan_files
// rows and applies incremental folder-count deltas in the same
// transaction, so a partial scan always leaves the database consistent at
// a batch boundary.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sl224/casparianflow/internal/db"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/storage"
)

const (
	defaultBatchSize  = 500
	defaultChannelCap = 10
)

// Config bounds the scanner's memory and batching behavior. Memory usage
// is O(BatchSize * ChannelCap), independent of the number of files under
// the root.
type Config struct {
	BatchSize  int
	ChannelCap int
}

// Progress is the per-batch progress snapshot delivered to the caller's
// callback, typically forwarded as a Progress event for UI consumers.
type Progress struct {
	FilesSeen        int64
	BatchesCommitted int64
}

// ProgressFunc receives a Progress snapshot after each committed batch.
type ProgressFunc func(Progress)

// Summary is the final outcome of one Scan call.
type Summary struct {
	FilesSeen        int64
	NewFiles         int64
	BatchesCommitted int64
	Completed        bool
}

// Scanner persists directory walks into the scan_files/scan_folders tables.
type Scanner struct {
	db         *storage.Store
	retryCap   time.Duration
	cfg        Config
	onProgress ProgressFunc
}

func New(s *storage.Store, retryCap time.Duration, cfg Config, onProgress ProgressFunc) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ChannelCap <= 0 {
		cfg.ChannelCap = defaultChannelCap
	}
	return &Scanner{db: s, retryCap: retryCap, cfg: cfg, onProgress: onProgress}
}

// fileEntry is one discovered file or directory, rel_path normalized to
// forward slashes.
type fileEntry struct {
	relPath string
	size    int64
	mtime   time.Time
	isDir   bool
	errMsg  string
}

// Scan walks root and persists what it finds under sourceID. Cancellation
// is cooperative: on ctx cancellation the walk stops at the next entry and
// already-committed batches remain; scan_ok is set on the scanned rows
// only when the walk ran to completion.
func (s *Scanner) Scan(ctx context.Context, sourceID, root string) (*Summary, error) {
	generation := time.Now().UnixNano()
	batches := make(chan []fileEntry, s.cfg.ChannelCap)
	summary := &Summary{}

	g, gctx := errgroup.WithContext(ctx)

	// Walker: produces batches. Blocks on the channel send when the
	// persistence task falls behind, bounding memory.
	g.Go(func() error {
		defer close(batches)
		batch := make([]fileEntry, 0, s.cfg.BatchSize)

		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			rel, relErr := filepath.Rel(root, p)
			if relErr != nil || rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			entry := fileEntry{relPath: rel}
			switch {
			case walkErr != nil:
				entry.errMsg = walkErr.Error()
			case d.Type()&fs.ModeSymlink != 0:
				// Symlinks are recorded but never followed.
				entry.errMsg = "symlink skipped"
			case d.IsDir():
				entry.isDir = true
			default:
				info, statErr := d.Info()
				if statErr != nil {
					entry.errMsg = statErr.Error()
				} else {
					entry.size = info.Size()
					entry.mtime = info.ModTime()
				}
			}

			batch = append(batch, entry)
			if len(batch) >= s.cfg.BatchSize {
				select {
				case batches <- batch:
				case <-gctx.Done():
					return gctx.Err()
				}
				batch = make([]fileEntry, 0, s.cfg.BatchSize)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	// Persistence task: the only writer of scan_folders.
	g.Go(func() error {
		for batch := range batches {
			newFiles, files, err := s.persistBatch(gctx, sourceID, generation, batch)
			if err != nil {
				return err
			}
			summary.FilesSeen += files
			summary.NewFiles += newFiles
			summary.BatchesCommitted++
			if s.onProgress != nil {
				s.onProgress(Progress{FilesSeen: summary.FilesSeen, BatchesCommitted: summary.BatchesCommitted})
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Op().Info("scan stopped before completion",
			"source_id", sourceID, "files_seen", summary.FilesSeen, "error", err)
		return summary, err
	}

	// Full walk: mark everything this scan touched as cleanly scanned.
	_, err := s.db.Exec(ctx,
		"UPDATE scan_files SET scan_ok = 1 WHERE source_id = ? AND scan_generation = ?",
		sourceID, generation)
	if err != nil {
		return summary, fmt.Errorf("scanner: mark scan_ok: %w", err)
	}
	summary.Completed = true
	return summary, nil
}

// persistBatch commits one batch atomically: upsert the file rows (a
// conflicting row has its error and sentinel_job_id cleared) and apply the
// folder-count deltas for rows that are new to this source.
func (s *Scanner) persistBatch(ctx context.Context, sourceID string, generation int64, batch []fileEntry) (newFiles, files int64, err error) {
	err = s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		newFiles, files = 0, 0

		var filePaths []string
		for _, e := range batch {
			if !e.isDir {
				filePaths = append(filePaths, e.relPath)
			}
		}
		existing, err := existingPaths(ctx, tx, sourceID, filePaths)
		if err != nil {
			return err
		}

		rows := make([][]any, 0, len(batch))
		deltas := make(map[folderKey]int64)
		for _, e := range batch {
			if e.isDir {
				// Folder rows exist even while empty; delta 0 just
				// materializes the row.
				prefix, name := splitFolder(e.relPath)
				deltas[folderKey{prefix, name, true}] += 0
				continue
			}

			files++
			rows = append(rows, []any{
				sourceID, e.relPath, e.size, timeToStr(e.mtime), nullable(e.errMsg), 0, generation,
			})

			if !existing[e.relPath] {
				newFiles++
				for _, anc := range ancestors(e.relPath) {
					deltas[folderKey{anc.prefix, anc.name, true}]++
				}
			}
		}

		if len(rows) > 0 {
			_, err := storage.BulkUpsert(ctx, tx, "scan_files",
				[]string{"source_id", "rel_path", "size", "mtime", "error", "scan_ok", "scan_generation"},
				rows,
				`ON CONFLICT (source_id, rel_path) DO UPDATE SET
					size = excluded.size, mtime = excluded.mtime,
					error = excluded.error, sentinel_job_id = NULL,
					scan_ok = 0, scan_generation = excluded.scan_generation`)
			if err != nil {
				return err
			}
		}

		return applyFolderDeltas(ctx, tx, sourceID, deltas)
	})
	return newFiles, files, err
}

type folderKey struct {
	prefix   string
	name     string
	isFolder bool
}

// ancestors returns every (prefix, name) folder pair containing relPath.
// "a/b/c.txt" yields ("", "a") and ("a", "b").
func ancestors(relPath string) []folderKey {
	var out []folderKey
	dir := path.Dir(relPath)
	if dir == "." {
		return out
	}
	parts := strings.Split(dir, "/")
	prefix := ""
	for _, name := range parts {
		out = append(out, folderKey{prefix: prefix, name: name, isFolder: true})
		if prefix == "" {
			prefix = name
		} else {
			prefix = prefix + "/" + name
		}
	}
	return out
}

func splitFolder(relPath string) (prefix, name string) {
	dir, name := path.Split(relPath)
	return strings.TrimSuffix(dir, "/"), name
}

// applyFolderDeltas upserts aggregated per-batch counts in one statement
// batch: ON CONFLICT adds the delta to the stored count, so the net of all
// committed batches converges to the true per-folder file count.
func applyFolderDeltas(ctx context.Context, tx db.Tx, sourceID string, deltas map[folderKey]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(deltas))
	for k, delta := range deltas {
		isFolder := 0
		if k.isFolder {
			isFolder = 1
		}
		rows = append(rows, []any{sourceID, k.prefix, k.name, delta, isFolder})
	}
	_, err := storage.BulkUpsert(ctx, tx, "scan_folders",
		[]string{"source_id", "prefix", "name", "file_count", "is_folder"},
		rows,
		`ON CONFLICT (source_id, prefix, name) DO UPDATE SET
			file_count = file_count + excluded.file_count`)
	return err
}

// existingPaths reports which of relPaths already have a scan_files row,
// chunked to respect bind-parameter limits.
func existingPaths(ctx context.Context, tx db.Tx, sourceID string, relPaths []string) (map[string]bool, error) {
	out := make(map[string]bool, len(relPaths))
	const chunk = 400
	for start := 0; start < len(relPaths); start += chunk {
		end := start + chunk
		if end > len(relPaths) {
			end = len(relPaths)
		}
		part := relPaths[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]any, 0, len(part)+1)
		args = append(args, sourceID)
		for _, p := range part {
			args = append(args, p)
		}

		rows, err := tx.Query(ctx,
			"SELECT rel_path FROM scan_files WHERE source_id = ? AND rel_path IN ("+placeholders+")", args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			out[p] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeToStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
