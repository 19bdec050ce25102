package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"calibkit/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "2006-01-02"
	logFilePrefix      = "calibkit-"
	maxLogBufferBytes  = 16 * 1024
	defaultRetention   = 14
)

type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

// writerSink forwards lines to a terminal or the console log pane.
type writerSink struct {
	w             io.Writer
	withTimestamp bool
}

func (s *writerSink) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	if s.withTimestamp {
		line = now.UTC().Format(logTimestampLayout) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *writerSink) Close() error { return nil }

// dayFileSink appends to one file per UTC day and prunes files older than
// the retention window whenever it opens a new one.
type dayFileSink struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	day           string
	path          string
	file          *os.File
	lastErrorAt   time.Time
	onRotate      rotateHook
}

// rotateHook runs on its own goroutine after the sink has switched files.
type rotateHook func(prevDay time.Time, prevPath, newPath string)

func newDayFileSink(dir string, retentionDays int) (*dayFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = defaultRetention
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}
	if err := pruneLogs(dir, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: prune failed for %s: %v\n", dir, err)
	}
	return &dayFileSink{dir: dir, retentionDays: retentionDays}, nil
}

func (s *dayFileSink) SetRotateHook(hook rotateHook) {
	s.mu.Lock()
	s.onRotate = hook
	s.mu.Unlock()
}

func (s *dayFileSink) WriteLine(line string, now time.Time) {
	now = now.UTC()
	day := now.Format(logFileDateLayout)

	s.mu.Lock()
	var (
		hook     rotateHook
		prevDay  time.Time
		prevPath string
	)
	if s.file == nil || s.day != day {
		if s.day != "" && s.day != day {
			prevDay, _ = time.ParseInLocation(logFileDateLayout, s.day, time.UTC)
			prevPath = s.path
			hook = s.onRotate
		}
		if !s.openLocked(day, now) {
			s.mu.Unlock()
			return
		}
	}
	if _, err := s.file.WriteString(now.Format(logTimestampLayout) + " " + line + "\n"); err != nil {
		s.reportLocked(now, fmt.Errorf("write failed: %w", err))
	}
	newPath := s.path
	s.mu.Unlock()

	if hook != nil && !prevDay.IsZero() {
		go hook(prevDay, prevPath, newPath)
	}
}

func (s *dayFileSink) openLocked(day string, now time.Time) bool {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.reportLocked(now, fmt.Errorf("failed to create log directory %q: %w", s.dir, err))
		return false
	}
	path := filepath.Join(s.dir, logFileName(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportLocked(now, fmt.Errorf("open failed for %s: %w", path, err))
		return false
	}
	s.file = file
	s.day = day
	s.path = path
	if err := pruneLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportLocked(now, fmt.Errorf("prune failed: %w", err))
	}
	return true
}

// reportLocked writes sink failures to stderr at most once a minute.
func (s *dayFileSink) reportLocked(now time.Time, err error) {
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

func (s *dayFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.day = ""
	s.path = ""
	return err
}

// logMux is the log.SetOutput target. It splits writes into lines and hands
// each complete line to the console and file sinks.
type logMux struct {
	mu      sync.Mutex
	buf     []byte
	console lineSink
	file    *dayFileSink
}

func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logMux, error) {
	mux := &logMux{console: &writerSink{w: console, withTimestamp: true}}
	if !cfg.Enabled {
		return mux, nil
	}
	sink, err := newDayFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return mux, err
	}
	mux.file = sink
	return mux, nil
}

// SetConsole swaps the console sink, e.g. to the dashboard log pane.
func (m *logMux) SetConsole(w io.Writer, withTimestamp bool) {
	var sink lineSink
	if w != nil {
		sink = &writerSink{w: w, withTimestamp: withTimestamp}
	}
	m.mu.Lock()
	m.console = sink
	m.mu.Unlock()
}

// OnRotate installs a hook on the file sink. No-op without file logging.
func (m *logMux) OnRotate(hook rotateHook) {
	m.mu.Lock()
	file := m.file
	m.mu.Unlock()
	if file != nil {
		file.SetRotateHook(hook)
	}
}

func (m *logMux) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.buf = append(m.buf, p...)
	data := m.buf
	var lines []string
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(data[:idx], "\r")))
		data = data[idx+1:]
	}
	if len(data) > maxLogBufferBytes {
		if partial := string(bytes.TrimRight(data, "\r")); partial != "" {
			lines = append(lines, partial)
		}
		data = data[:0]
	}
	m.buf = data
	console := m.console
	file := m.file
	m.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

func (m *logMux) Close() error {
	m.mu.Lock()
	file := m.file
	m.mu.Unlock()
	if file == nil {
		return nil
	}
	return file.Close()
}

func logFileName(now time.Time) string {
	return logFilePrefix + now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	if filepath.Ext(name) != ".log" || !strings.HasPrefix(name, logFilePrefix) {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), ".log")
	parsed, err := time.ParseInLocation(logFileDateLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// pruneLogs removes log files dated before the retention window. The window
// includes today, so retentionDays=1 keeps only today's file.
func pruneLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := parseLogFileDate(entry.Name())
		if !ok {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
