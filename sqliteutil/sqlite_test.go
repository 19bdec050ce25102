package sqliteutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPreflightMissingFileIsHealthy(t *testing.T) {
	res, err := Preflight(filepath.Join(t.TempDir(), "absent.db"), time.Second, nil)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if !res.Healthy || res.Quarantined {
		t.Fatalf("expected healthy result, got %+v", res)
	}
}

func TestPreflightHealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec("create table t (id integer)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	res, err := Preflight(path, time.Second, func(string, ...any) {})
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	if !res.Healthy || res.Quarantined {
		t.Fatalf("expected healthy preflight, got %+v", res)
	}
}

func TestPreflightQuarantinesCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	if err := os.WriteFile(path, []byte("not a sqlite database"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	res, err := Preflight(path, time.Second, func(string, ...any) {})
	if err != nil {
		t.Fatalf("preflight expected quarantine, got error: %v", err)
	}
	if res.Healthy || !res.Quarantined {
		t.Fatalf("expected quarantine, got %+v", res)
	}
	if !strings.Contains(res.QuarantinePath, ".bad-") {
		t.Fatalf("quarantine path not suffixed as expected: %s", res.QuarantinePath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original db to be renamed, stat err=%v", err)
	}
}

func TestOpenAppliesSingleConnection(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "sub", "calib.db"), Options{Logf: func(string, ...any) {}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var mode string
	if err := db.QueryRow("pragma journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("expected WAL journal, got %q", mode)
	}
	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected 1 max open connection, got %d", got)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  ", Options{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
