// Package sqlite implements the embedded storage backend: a single-file
// SQLite database shared by one machine's worker(s), CLI, and dashboard
// readers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config selects the on-disk location of the embedded store.
type Config struct {
	// Path is a local filesystem path to the database file. ":memory:" is
	// accepted for tests.
	Path string
}

// buildDSN resolves the on-disk path into the DSN both drivers accept;
// see open_cgo.go / open_nocgo.go for which driver actually opens it.
func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("sqlite store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)", nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

func configureConnection(ctx context.Context, db *sql.DB, dsn string) error {
	// A single writer connection avoids SQLITE_BUSY under the worker's
	// own concurrent claim/heartbeat/complete traffic; WAL lets readers
	// (CLI `job list`, dashboards) proceed without blocking on the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}
