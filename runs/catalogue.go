// Package runs is the Run Catalogue: the authoritative list of acquired runs
// and their start times. Calibration sets may only start and end on runs
// listed here, and run adjacency is defined by time, not by run number.
package runs

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("runs: run not found")

// Run describes one acquired data file.
type Run struct {
	Number       int
	Path         string
	FileName     string
	Time         time.Time
	Description  string
	RunNote      string
	SizeBytes    int64
	Target       string
	TargetPol    string
	TargetPolDeg float64
	BeamPol      string
	BeamPolDeg   float64
}

// Catalogue reads and writes the runs table.
type Catalogue struct {
	db *sql.DB
}

// New ensures the runs table exists on db.
func New(db *sql.DB) (*Catalogue, error) {
	if db == nil {
		return nil, errors.New("runs: database handle is nil")
	}
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run INTEGER PRIMARY KEY,
    path TEXT NOT NULL DEFAULT '',
    filename TEXT NOT NULL DEFAULT '',
    time INTEGER NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    run_note TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    target TEXT NOT NULL DEFAULT '',
    target_pol TEXT NOT NULL DEFAULT '',
    target_pol_deg REAL NOT NULL DEFAULT 0,
    beam_pol TEXT NOT NULL DEFAULT '',
    beam_pol_deg REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_time ON runs(time, run);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("runs: create schema: %w", err)
	}
	return &Catalogue{db: db}, nil
}

// Add inserts a run. Re-adding an existing run number is an error.
func (c *Catalogue) Add(r Run) error {
	if r.Number < 0 {
		return fmt.Errorf("runs: invalid run number %d", r.Number)
	}
	_, err := c.db.Exec(`INSERT INTO runs (
    run, path, filename, time, description, run_note, size_bytes,
    target, target_pol, target_pol_deg, beam_pol, beam_pol_deg
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Number, r.Path, r.FileName, r.Time.UTC().Unix(), r.Description, r.RunNote, r.SizeBytes,
		r.Target, r.TargetPol, r.TargetPolDeg, r.BeamPol, r.BeamPolDeg)
	if err != nil {
		return fmt.Errorf("runs: add %d: %w", r.Number, err)
	}
	return nil
}

// Exists reports whether run is catalogued.
func (c *Catalogue) Exists(run int) (bool, error) {
	var one int
	err := c.db.QueryRow("SELECT 1 FROM runs WHERE run = ?", run).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("runs: exists %d: %w", run, err)
	}
	return true, nil
}

// Get returns a single run.
func (c *Catalogue) Get(run int) (Run, error) {
	rows, err := c.db.Query(selectRuns+" WHERE run = ?", run)
	if err != nil {
		return Run{}, fmt.Errorf("runs: get %d: %w", run, err)
	}
	list, err := scanRuns(rows)
	if err != nil {
		return Run{}, fmt.Errorf("runs: get %d: %w", run, err)
	}
	if len(list) == 0 {
		return Run{}, fmt.Errorf("%w: %d", ErrNotFound, run)
	}
	return list[0], nil
}

// NextRunAfter returns the first run, in time order, that follows run and
// whose number lies in (run, upper]. ok is false when no such run exists.
// Run numbers are not assumed to be contiguous, so run+1 is never guessed.
func (c *Catalogue) NextRunAfter(run, upper int) (int, bool, error) {
	var ts int64
	err := c.db.QueryRow("SELECT time FROM runs WHERE run = ?", run).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("%w: %d", ErrNotFound, run)
	}
	if err != nil {
		return 0, false, fmt.Errorf("runs: next after %d: %w", run, err)
	}
	var next int
	err = c.db.QueryRow(`SELECT run FROM runs
WHERE (time > ? OR (time = ? AND run > ?)) AND run > ? AND run <= ?
ORDER BY time, run LIMIT 1`, ts, ts, run, run, upper).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("runs: next after %d: %w", run, err)
	}
	return next, true, nil
}

// CountBetween returns how many runs are numbered strictly between lo and hi.
func (c *Catalogue) CountBetween(lo, hi int) (int, error) {
	if hi-lo < 2 {
		return 0, nil
	}
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM runs WHERE run > ? AND run < ?", lo, hi).Scan(&n); err != nil {
		return 0, fmt.Errorf("runs: count %d-%d: %w", lo, hi, err)
	}
	return n, nil
}

// Range lists runs with first <= number <= last in time order. A zero last
// means no upper bound.
func (c *Catalogue) Range(first, last int) ([]Run, error) {
	query := selectRuns + " WHERE run >= ?"
	args := []any{first}
	if last > 0 {
		query += " AND run <= ?"
		args = append(args, last)
	}
	rows, err := c.db.Query(query+" ORDER BY time, run", args...)
	if err != nil {
		return nil, fmt.Errorf("runs: range %d-%d: %w", first, last, err)
	}
	list, err := scanRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("runs: range %d-%d: %w", first, last, err)
	}
	return list, nil
}

// Bounds returns the lowest and highest catalogued run numbers.
func (c *Catalogue) Bounds() (int, int, error) {
	var lo, hi sql.NullInt64
	if err := c.db.QueryRow("SELECT MIN(run), MAX(run) FROM runs").Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("runs: bounds: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, fmt.Errorf("%w: catalogue is empty", ErrNotFound)
	}
	return int(lo.Int64), int(hi.Int64), nil
}

// SetNote replaces the free-form run note.
func (c *Catalogue) SetNote(run int, note string) error {
	res, err := c.db.Exec("UPDATE runs SET run_note = ? WHERE run = ?", strings.TrimSpace(note), run)
	if err != nil {
		return fmt.Errorf("runs: set note %d: %w", run, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, run)
	}
	return nil
}

const selectRuns = `SELECT run, path, filename, time, description, run_note, size_bytes,
    target, target_pol, target_pol_deg, beam_pol, beam_pol_deg FROM runs`

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var ts int64
		if err := rows.Scan(&r.Number, &r.Path, &r.FileName, &ts, &r.Description, &r.RunNote, &r.SizeBytes,
			&r.Target, &r.TargetPol, &r.TargetPolDeg, &r.BeamPol, &r.BeamPolDeg); err != nil {
			return nil, err
		}
		r.Time = time.Unix(ts, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
