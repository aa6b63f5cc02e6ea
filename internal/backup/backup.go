// Package backup creates and restores point-in-time copies of the
// SQLite database. VACUUM INTO produces a consistent snapshot even
// under WAL mode, so the server can keep running during a backup.
// Postgres deployments should use pg_dump instead.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Manager backs up one database file into a directory of timestamped
// snapshots, keeping the newest Keep copies.
type Manager struct {
	// DBPath is the live SQLite database file.
	DBPath string
	// Dir receives the snapshot files.
	Dir string
	// Keep is how many snapshots survive pruning. Zero keeps everything.
	Keep int
}

// Run takes one snapshot, verifies it, and prunes old ones. It returns
// the path of the new snapshot.
func (m *Manager) Run(ctx context.Context) (string, error) {
	if err := os.MkdirAll(m.Dir, 0o700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("momo-%s.db", time.Now().UTC().Format("20060102-150405"))
	dest := filepath.Join(m.Dir, name)

	if err := snapshot(ctx, m.DBPath, dest); err != nil {
		os.Remove(dest)
		return "", err
	}
	if err := Verify(ctx, dest); err != nil {
		os.Remove(dest)
		return "", err
	}
	if err := m.prune(); err != nil {
		return dest, err
	}
	return dest, nil
}

func snapshot(ctx context.Context, source, dest string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", source))
	if err != nil {
		return fmt.Errorf("open source database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping source database: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

// Verify runs SQLite's integrity check against a snapshot.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Restore copies a verified snapshot over targetPath. The server must
// not be running against the target.
func Restore(ctx context.Context, snapshotPath, targetPath string) error {
	if err := Verify(ctx, snapshotPath); err != nil {
		return fmt.Errorf("refusing restore: %w", err)
	}

	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy snapshot: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync target: %w", err)
	}
	return Verify(ctx, targetPath)
}

// List returns snapshot paths in the backup directory, newest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "momo-") || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, entry.Name()))
	}
	// names embed UTC timestamps, so lexical order is chronological
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

func (m *Manager) prune() error {
	if m.Keep <= 0 {
		return nil
	}
	paths, err := m.List()
	if err != nil {
		return err
	}
	var lastErr error
	for _, path := range paths[min(m.Keep, len(paths)):] {
		if err := os.Remove(path); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("prune snapshots: %w", lastErr)
	}
	return nil
}
