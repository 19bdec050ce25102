// Package paramstore persists calibration sets in SQLite, one table per data
// type. Parameter vectors are stored as little-endian IEEE-754 blobs so a
// read returns exactly the bits that were written.
package paramstore

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"calibkit/datatype"
)

var (
	ErrNotFound      = errors.New("paramstore: set not found")
	errInvalidType   = errors.New("paramstore: invalid data type")
	errCorruptVector = errors.New("paramstore: parameter blob length is not a multiple of 8")
	errNilDB         = errors.New("paramstore: database handle is nil")
)

// Record is one stored calibration set.
type Record struct {
	CalibrationID string
	Description   string
	FirstRun      int
	LastRun       int
	ChangedAt     time.Time
	Parameters    []float64
}

// Store owns the calibration tables on a shared database handle.
type Store struct {
	db *sql.DB
}

// New creates the per-type tables when missing.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errNilDB
	}
	var b strings.Builder
	for _, dt := range datatype.All() {
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %[1]s (
    calibration_id TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    first_run INTEGER NOT NULL,
    last_run INTEGER NOT NULL,
    changed_at INTEGER NOT NULL,
    parameters BLOB NOT NULL,
    PRIMARY KEY (calibration_id, first_run)
);`, dt.Table())
	}
	if _, err := db.Exec(b.String()); err != nil {
		return nil, fmt.Errorf("paramstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Sets lists the sets of one calibration ordered by first run.
func (s *Store) Sets(calibrationID string, dt datatype.Type) ([]Record, error) {
	if !dt.Valid() {
		return nil, errInvalidType
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT calibration_id, description, first_run, last_run, changed_at, parameters
FROM %s WHERE calibration_id = ? ORDER BY first_run`, dt.Table()), calibrationID)
	if err != nil {
		return nil, fmt.Errorf("paramstore: list %s/%s: %w", calibrationID, dt, err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var changed int64
		var blob []byte
		if err := rows.Scan(&rec.CalibrationID, &rec.Description, &rec.FirstRun, &rec.LastRun, &changed, &blob); err != nil {
			return nil, fmt.Errorf("paramstore: scan %s/%s: %w", calibrationID, dt, err)
		}
		rec.ChangedAt = time.Unix(changed, 0).UTC()
		if rec.Parameters, err = DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("paramstore: %s/%s first_run %d: %w", calibrationID, dt, rec.FirstRun, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("paramstore: list %s/%s: %w", calibrationID, dt, err)
	}
	return out, nil
}

// CalibrationIDs lists the distinct identifiers that have sets for dt.
func (s *Store) CalibrationIDs(dt datatype.Type) ([]string, error) {
	if !dt.Valid() {
		return nil, errInvalidType
	}
	rows, err := s.db.Query(fmt.Sprintf("SELECT DISTINCT calibration_id FROM %s ORDER BY calibration_id", dt.Table()))
	if err != nil {
		return nil, fmt.Errorf("paramstore: ids %s: %w", dt, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Insert stores a new set.
func (s *Store) Insert(dt datatype.Type, rec Record) error {
	if !dt.Valid() {
		return errInvalidType
	}
	return insert(s.db, dt, rec)
}

// Delete removes the set starting at firstRun.
func (s *Store) Delete(calibrationID string, dt datatype.Type, firstRun int) error {
	if !dt.Valid() {
		return errInvalidType
	}
	res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE calibration_id = ? AND first_run = ?", dt.Table()), calibrationID, firstRun)
	return affectedOne(res, err, "delete", calibrationID, dt, firstRun)
}

// UpdateParameters overwrites the vector of one set.
func (s *Store) UpdateParameters(calibrationID string, dt datatype.Type, firstRun int, params []float64, changedAt time.Time) error {
	if !dt.Valid() {
		return errInvalidType
	}
	res, err := s.db.Exec(fmt.Sprintf("UPDATE %s SET parameters = ?, changed_at = ? WHERE calibration_id = ? AND first_run = ?", dt.Table()),
		EncodeVector(params), changedAt.UTC().Unix(), calibrationID, firstRun)
	return affectedOne(res, err, "update parameters", calibrationID, dt, firstRun)
}

// UpdateDescription overwrites the description of one set.
func (s *Store) UpdateDescription(calibrationID string, dt datatype.Type, firstRun int, description string, changedAt time.Time) error {
	if !dt.Valid() {
		return errInvalidType
	}
	res, err := s.db.Exec(fmt.Sprintf("UPDATE %s SET description = ?, changed_at = ? WHERE calibration_id = ? AND first_run = ?", dt.Table()),
		description, changedAt.UTC().Unix(), calibrationID, firstRun)
	return affectedOne(res, err, "update description", calibrationID, dt, firstRun)
}

// Split shortens the set at firstRun to end at boundary and inserts tail in
// the same transaction, so a failure leaves the original set untouched.
func (s *Store) Split(calibrationID string, dt datatype.Type, firstRun, boundary int, tail Record) error {
	if !dt.Valid() {
		return errInvalidType
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("paramstore: split begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(fmt.Sprintf("UPDATE %s SET last_run = ?, changed_at = ? WHERE calibration_id = ? AND first_run = ?", dt.Table()),
		boundary, tail.ChangedAt.UTC().Unix(), calibrationID, firstRun)
	if err := affectedOne(res, err, "split", calibrationID, dt, firstRun); err != nil {
		return err
	}
	if err := insert(tx, dt, tail); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("paramstore: split commit: %w", err)
	}
	return nil
}

// RemoveCalibration deletes every set of calibrationID across all types and
// returns the number of rows removed.
func (s *Store) RemoveCalibration(calibrationID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("paramstore: remove begin: %w", err)
	}
	defer tx.Rollback()
	var total int64
	for _, dt := range datatype.All() {
		res, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE calibration_id = ?", dt.Table()), calibrationID)
		if err != nil {
			return 0, fmt.Errorf("paramstore: remove %s/%s: %w", calibrationID, dt, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("paramstore: remove commit: %w", err)
	}
	return total, nil
}

// RenameCalibration relabels every set of from as to across all types.
func (s *Store) RenameCalibration(from, to string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("paramstore: rename begin: %w", err)
	}
	defer tx.Rollback()
	var total int64
	for _, dt := range datatype.All() {
		res, err := tx.Exec(fmt.Sprintf("UPDATE %s SET calibration_id = ? WHERE calibration_id = ?", dt.Table()), to, from)
		if err != nil {
			return 0, fmt.Errorf("paramstore: rename %s/%s: %w", from, dt, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("paramstore: rename commit: %w", err)
	}
	return total, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insert(db execer, dt datatype.Type, rec Record) error {
	_, err := db.Exec(fmt.Sprintf(`INSERT INTO %s (calibration_id, description, first_run, last_run, changed_at, parameters)
VALUES (?,?,?,?,?,?)`, dt.Table()),
		rec.CalibrationID, rec.Description, rec.FirstRun, rec.LastRun, rec.ChangedAt.UTC().Unix(), EncodeVector(rec.Parameters))
	if err != nil {
		return fmt.Errorf("paramstore: insert %s/%s first_run %d: %w", rec.CalibrationID, dt, rec.FirstRun, err)
	}
	return nil
}

func affectedOne(res sql.Result, err error, op, calibrationID string, dt datatype.Type, firstRun int) error {
	if err != nil {
		return fmt.Errorf("paramstore: %s %s/%s first_run %d: %w", op, calibrationID, dt, firstRun, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("paramstore: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s first_run %d", ErrNotFound, calibrationID, dt, firstRun)
	}
	return nil
}

// EncodeVector packs params as little-endian float64 bits.
func EncodeVector(params []float64) []byte {
	buf := make([]byte, 8*len(params))
	for i, v := range params {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(raw []byte) ([]float64, error) {
	if len(raw)%8 != 0 {
		return nil, errCorruptVector
	}
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return out, nil
}
