package histogram

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"calibkit/datatype"
)

const (
	histPrefix            = "h|"
	defaultCacheSizeBytes = int64(32 << 20)
)

var (
	ErrNotFound      = errors.New("histogram: not found")
	errStoreClosed   = errors.New("histogram: store is closed")
	errInvalidKey    = errors.New("histogram: invalid key")
	errInvalidTarget = errors.New("histogram: invalid data type")
)

// Options controls Pebble tuning for the histogram store.
type Options struct {
	CacheSizeBytes int64
	ReadOnly       bool
}

// Store keeps one histogram per (data type, run) in Pebble. Keys sort by
// data type and then by run number so a type's runs can be range-scanned.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the store directory at path.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("histogram: store path is empty")
	}
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("histogram: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("histogram: stat path: %w", err)
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("histogram: ensure directory: %w", err)
		}
	}
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	pebbleOpts := &pebble.Options{
		Cache:    pebble.NewCache(opts.CacheSizeBytes),
		ReadOnly: opts.ReadOnly,
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("histogram: open: %w", err)
	}
	return &Store{db: db, cache: pebbleOpts.Cache}, nil
}

// Close flushes and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
	}
	if err != nil {
		return fmt.Errorf("histogram: close: %w", err)
	}
	return nil
}

// Put stores h as the histogram of run for dt, replacing any previous one.
func (s *Store) Put(dt datatype.Type, run int, h *Histogram) error {
	if !dt.Valid() {
		return errInvalidTarget
	}
	raw, err := Encode(h)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if err := s.db.Set(runKey(dt, run), raw, pebble.Sync); err != nil {
		return fmt.Errorf("histogram: put %s/%d: %w", dt, run, err)
	}
	return nil
}

// Get loads the histogram of run for dt.
func (s *Store) Get(dt datatype.Type, run int) (*Histogram, error) {
	if !dt.Valid() {
		return nil, errInvalidTarget
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	val, closer, err := s.db.Get(runKey(dt, run))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, dt, run)
	}
	if err != nil {
		return nil, fmt.Errorf("histogram: get %s/%d: %w", dt, run, err)
	}
	defer closer.Close()
	return Decode(val)
}

// Delete removes the histogram of run for dt. Missing keys are not an error.
func (s *Store) Delete(dt datatype.Type, run int) error {
	if !dt.Valid() {
		return errInvalidTarget
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if err := s.db.Delete(runKey(dt, run), pebble.Sync); err != nil {
		return fmt.Errorf("histogram: delete %s/%d: %w", dt, run, err)
	}
	return nil
}

// Runs lists the run numbers with a stored histogram for dt inside
// [first, last], ascending.
func (s *Store) Runs(dt datatype.Type, first, last int) ([]int, error) {
	var out []int
	err := s.scan(dt, first, last, func(run int, _ []byte) error {
		out = append(out, run)
		return nil
	})
	return out, err
}

// Sum adds every stored histogram of dt with a run in [first, last] into
// acc, allocating acc from the first match when it is nil. It returns the
// accumulator and the number of runs summed.
func (s *Store) Sum(dt datatype.Type, first, last int, acc *Histogram) (*Histogram, int, error) {
	n := 0
	err := s.scan(dt, first, last, func(run int, raw []byte) error {
		h, err := Decode(raw)
		if err != nil {
			return fmt.Errorf("histogram: run %d: %w", run, err)
		}
		if acc == nil {
			acc = h
		} else if err := acc.Add(h); err != nil {
			return fmt.Errorf("histogram: run %d: %w", run, err)
		}
		n++
		return nil
	})
	return acc, n, err
}

func (s *Store) scan(dt datatype.Type, first, last int, fn func(run int, raw []byte) error) error {
	if !dt.Valid() {
		return errInvalidTarget
	}
	if first < 0 || last < first {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: runKey(dt, first),
		UpperBound: runKey(dt, last+1),
	})
	if err != nil {
		return fmt.Errorf("histogram: iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		run, err := parseRunKey(dt, iter.Key())
		if err != nil {
			return err
		}
		if err := fn(run, iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("histogram: scan %s: %w", dt, err)
	}
	return nil
}

// Checkpoint writes a consistent copy of the store to dest.
func (s *Store) Checkpoint(dest string) error {
	if strings.TrimSpace(dest) == "" {
		return errors.New("histogram: checkpoint destination is empty")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if err := s.db.Checkpoint(dest, pebble.WithFlushedWAL()); err != nil {
		return fmt.Errorf("histogram: checkpoint %s: %w", dest, err)
	}
	return nil
}

func typePrefix(dt datatype.Type) []byte {
	return []byte(histPrefix + dt.String() + "|")
}

func runKey(dt datatype.Type, run int) []byte {
	prefix := typePrefix(dt)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(run))
	return key
}

func parseRunKey(dt datatype.Type, key []byte) (int, error) {
	prefix := typePrefix(dt)
	if len(key) != len(prefix)+8 || string(key[:len(prefix)]) != string(prefix) {
		return 0, fmt.Errorf("%w: %q", errInvalidKey, key)
	}
	return int(binary.BigEndian.Uint64(key[len(prefix):])), nil
}
