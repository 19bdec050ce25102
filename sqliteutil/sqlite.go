// Package sqliteutil opens the calibration database. File-backed databases are
// preflighted first (WAL checkpoint + quick_check) and quarantined when the
// check fails, so a damaged file never wedges an operator session.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

const (
	defaultBusyTimeout      = 5 * time.Second
	defaultPreflightTimeout = 2 * time.Second
)

// Options tunes Open. Zero values select defaults.
type Options struct {
	BusyTimeout      time.Duration
	PreflightTimeout time.Duration
	SkipPreflight    bool
	Logf             func(string, ...any)
}

// PreflightResult reports the outcome of a SQLite preflight check.
type PreflightResult struct {
	Healthy         bool
	Quarantined     bool
	QuarantinePath  string
	Elapsed         time.Duration
	CheckpointError error
	CheckError      error
}

// Open returns a single-connection handle with WAL and busy_timeout applied.
// The parameter store and the run catalogue share one handle; all access is
// serialised through it.
func Open(path string, opts Options) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqliteutil: database path is empty")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	memory := path == MemoryPath
	if !memory && !opts.SkipPreflight {
		res, err := Preflight(path, opts.PreflightTimeout, opts.Logf)
		if err != nil {
			return nil, err
		}
		if res.Quarantined {
			logf(opts.Logf, "SQLite: %s quarantined to %s, starting with an empty database", path, res.QuarantinePath)
		}
	}
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqliteutil: ensure dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqliteutil: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	pragmas := []string{
		fmt.Sprintf("pragma busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
		"pragma foreign_keys=ON",
	}
	if !memory {
		pragmas = append(pragmas, "pragma journal_mode=WAL", "pragma synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqliteutil: %s: %w", p, err)
		}
	}
	return db, nil
}

// Preflight runs a bounded WAL checkpoint + quick_check on an existing file.
// On failure the database (and sidecars) is renamed to a timestamped
// quarantine path. A missing file is healthy.
func Preflight(path string, timeout time.Duration, logFn func(string, ...any)) (PreflightResult, error) {
	if timeout <= 0 {
		timeout = defaultPreflightTimeout
	}
	res := PreflightResult{}
	if strings.TrimSpace(path) == "" {
		return res, errors.New("sqliteutil: preflight: empty path")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		res.Healthy = true
		return res, nil
	}
	start := time.Now().UTC()
	existing := collectExisting(path)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("sqliteutil: preflight open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		res.CheckError = err
	} else {
		res.CheckpointError = runCheckpoint(ctx, db)
		res.CheckError = quickCheck(ctx, db)
	}
	res.Elapsed = time.Since(start)
	if res.CheckpointError == nil && res.CheckError == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("sqliteutil: preflight of %s timed out after %s", path, timeout)
	}

	_ = db.Close()
	quarantinePath, err := quarantine(path, existing, logFn)
	if err != nil {
		return res, fmt.Errorf("sqliteutil: quarantine %s: %w (checkpoint=%v, quick_check=%v)", path, err, res.CheckpointError, res.CheckError)
	}
	res.Quarantined = true
	res.QuarantinePath = quarantinePath
	return res, nil
}

func runCheckpoint(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	return err
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

type fileState struct {
	path string
	have bool
}

func collectExisting(path string) []fileState {
	targets := []string{path, path + "-wal", path + "-shm", path + "-journal"}
	out := make([]fileState, 0, len(targets))
	for _, t := range targets {
		_, err := os.Stat(t)
		out = append(out, fileState{path: t, have: err == nil})
	}
	return out
}

func quarantine(path string, existing []fileState, logFn func(string, ...any)) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	for _, state := range existing {
		if !state.have {
			continue
		}
		if _, err := os.Stat(state.path); err != nil {
			if os.IsNotExist(err) {
				// checkpoint may have removed a sidecar
				logf(logFn, "SQLite: expected %s but it was missing during quarantine", state.path)
				continue
			}
			return "", err
		}
		if err := os.Rename(state.path, state.path+".bad-"+ts); err != nil {
			return "", err
		}
	}
	return path + ".bad-" + ts, nil
}

func logf(fn func(string, ...any), format string, args ...any) {
	if fn == nil {
		fn = log.Printf
	}
	fn(format, args...)
}
