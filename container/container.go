// Package container moves calibration sets and the runs they cover between
// databases. A container is a versioned document written either as JSON or as
// a binary property list; its payload carries an xxh3 checksum so a truncated
// or hand-edited file is rejected before anything is imported.
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
	"howett.net/plist"

	"calibkit/datatype"
	"calibkit/paramstore"
	"calibkit/registry"
	"calibkit/runs"
)

const (
	Format  = "calibkit-container"
	Version = 2
)

// Encoding selects the on-disk representation.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingPlist
)

var (
	ErrFormat    = errors.New("container: unrecognised format")
	ErrVersion   = errors.New("container: unsupported version")
	ErrChecksum  = errors.New("container: checksum mismatch")
	ErrSelection = errors.New("container: export needs a calibration id or a run range")
)

// Floats must survive a text round trip bit for bit, which the fastest
// jsoniter configuration does not guarantee.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RunRecord is the portable form of runs.Run. Times are unix seconds.
type RunRecord struct {
	Number       int     `json:"run" plist:"run"`
	Path         string  `json:"path,omitempty" plist:"path,omitempty"`
	FileName     string  `json:"file_name,omitempty" plist:"file_name,omitempty"`
	Time         int64   `json:"time" plist:"time"`
	Description  string  `json:"description,omitempty" plist:"description,omitempty"`
	RunNote      string  `json:"run_note,omitempty" plist:"run_note,omitempty"`
	SizeBytes    int64   `json:"size_bytes,omitempty" plist:"size_bytes,omitempty"`
	Target       string  `json:"target,omitempty" plist:"target,omitempty"`
	TargetPol    string  `json:"target_pol,omitempty" plist:"target_pol,omitempty"`
	TargetPolDeg float64 `json:"target_pol_deg,omitempty" plist:"target_pol_deg,omitempty"`
	BeamPol      string  `json:"beam_pol,omitempty" plist:"beam_pol,omitempty"`
	BeamPolDeg   float64 `json:"beam_pol_deg,omitempty" plist:"beam_pol_deg,omitempty"`
}

// SetRecord is the portable form of registry.Set.
type SetRecord struct {
	CalibrationID string `json:"calibration_id" plist:"calibration_id"`
	DataType      string `json:"data_type" plist:"data_type"`
	Description   string `json:"description,omitempty" plist:"description,omitempty"`
	FirstRun      int    `json:"first_run" plist:"first_run"`
	LastRun       int    `json:"last_run" plist:"last_run"`
	ChangedAt     int64  `json:"changed_at" plist:"changed_at"`
	Parameters    Vector `json:"parameters" plist:"parameters"`
}

// Container is the exported document.
type Container struct {
	Format   string      `json:"format" plist:"format"`
	Version  int         `json:"version" plist:"version"`
	ID       string      `json:"id" plist:"id"`
	Created  int64       `json:"created" plist:"created"`
	Checksum string      `json:"checksum" plist:"checksum"`
	Runs     []RunRecord `json:"runs" plist:"runs"`
	Sets     []SetRecord `json:"sets" plist:"sets"`
}

// SetSource lists the sets to export.
type SetSource interface {
	ListSets(calibrationID string, dt datatype.Type) ([]registry.Set, error)
	CalibrationIDs(dt datatype.Type) ([]string, error)
}

// Selection picks what Export collects. An empty CalibrationID means every
// calibration; Ranged keeps only sets overlapping [FirstRun, LastRun]. At
// least one of the two must narrow the export.
type Selection struct {
	CalibrationID string
	Types         []datatype.Type
	Ranged        bool
	FirstRun      int
	LastRun       int
}

func (s Selection) match(set registry.Set) bool {
	return !s.Ranged || (set.FirstRun <= s.LastRun && set.LastRun >= s.FirstRun)
}

// RunSource lists the runs the exported sets cover.
type RunSource interface {
	Range(first, last int) ([]runs.Run, error)
}

// New builds a container from runs and sets and stamps id, time and checksum.
func New(runList []RunRecord, sets []SetRecord, now time.Time) (*Container, error) {
	c := &Container{
		Format:  Format,
		Version: Version,
		ID:      uuid.NewString(),
		Created: now.UTC().Unix(),
		Runs:    runList,
		Sets:    sets,
	}
	c.Checksum = c.checksum()
	return c, nil
}

// Export collects the selected sets for the given data types (all types when
// empty) together with every run inside their ranges. Sets overlapping a run
// range are exported whole.
func Export(sets SetSource, runSrc RunSource, sel Selection, now time.Time) (*Container, error) {
	if sel.CalibrationID == "" && !sel.Ranged {
		return nil, ErrSelection
	}
	if sel.Ranged && sel.FirstRun > sel.LastRun {
		return nil, fmt.Errorf("container: run range %d-%d is reversed", sel.FirstRun, sel.LastRun)
	}
	types := sel.Types
	if len(types) == 0 {
		types = datatype.All()
	}
	var records []SetRecord
	first, last := 0, -1
	for _, dt := range types {
		ids := []string{sel.CalibrationID}
		if sel.CalibrationID == "" {
			var err error
			if ids, err = sets.CalibrationIDs(dt); err != nil {
				return nil, fmt.Errorf("container: list %s calibrations: %w", dt, err)
			}
		}
		for _, id := range ids {
			list, err := sets.ListSets(id, dt)
			if err != nil {
				return nil, fmt.Errorf("container: list %s/%s sets: %w", id, dt, err)
			}
			for _, s := range list {
				if !sel.match(s) {
					continue
				}
				records = append(records, setRecord(s))
				if last < first || s.FirstRun < first {
					first = s.FirstRun
				}
				if s.LastRun > last {
					last = s.LastRun
				}
			}
		}
	}
	var runRecords []RunRecord
	if len(records) > 0 {
		list, err := runSrc.Range(first, last)
		if err != nil {
			return nil, fmt.Errorf("container: list runs %d-%d: %w", first, last, err)
		}
		runRecords = make([]RunRecord, 0, len(list))
		for _, r := range list {
			runRecords = append(runRecords, runRecord(r))
		}
	}
	return New(runRecords, records, now)
}

// Verify checks the header fields and the payload checksum.
func (c *Container) Verify() error {
	if c.Format != Format {
		return fmt.Errorf("%w: %q", ErrFormat, c.Format)
	}
	if c.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, c.Version)
	}
	if sum := c.checksum(); sum != c.Checksum {
		return fmt.Errorf("%w: have %s, computed %s", ErrChecksum, c.Checksum, sum)
	}
	return nil
}

// checksum hashes a fixed binary layout of the payload. Parameters enter as
// their raw float bits, so NaN and the infinities hash like any other value.
func (c *Container) checksum() string {
	d := digest{h: xxh3.New()}
	d.int(int64(len(c.Runs)))
	for _, r := range c.Runs {
		d.int(int64(r.Number))
		d.str(r.Path)
		d.str(r.FileName)
		d.int(r.Time)
		d.str(r.Description)
		d.str(r.RunNote)
		d.int(r.SizeBytes)
		d.str(r.Target)
		d.str(r.TargetPol)
		d.float(r.TargetPolDeg)
		d.str(r.BeamPol)
		d.float(r.BeamPolDeg)
	}
	d.int(int64(len(c.Sets)))
	for _, s := range c.Sets {
		d.str(s.CalibrationID)
		d.str(s.DataType)
		d.str(s.Description)
		d.int(int64(s.FirstRun))
		d.int(int64(s.LastRun))
		d.int(s.ChangedAt)
		d.int(int64(len(s.Parameters)))
		_, _ = d.h.Write(paramstore.EncodeVector(s.Parameters))
	}
	return fmt.Sprintf("%016x", d.h.Sum64())
}

type digest struct {
	h   *xxh3.Hasher
	buf [8]byte
}

func (d *digest) int(v int64) {
	binary.LittleEndian.PutUint64(d.buf[:], uint64(v))
	_, _ = d.h.Write(d.buf[:])
}

func (d *digest) float(v float64) {
	d.int(int64(math.Float64bits(v)))
}

func (d *digest) str(s string) {
	d.int(int64(len(s)))
	_, _ = io.WriteString(d.h, s)
}

// EncodingForPath picks plist for ".plist" files and JSON otherwise.
func EncodingForPath(path string) Encoding {
	if strings.EqualFold(filepath.Ext(path), ".plist") {
		return EncodingPlist
	}
	return EncodingJSON
}

// Marshal encodes the container.
func Marshal(c *Container, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingPlist:
		data, err := plist.Marshal(c, plist.BinaryFormat)
		if err != nil {
			return nil, fmt.Errorf("container: encode plist: %w", err)
		}
		return data, nil
	default:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("container: encode json: %w", err)
		}
		return data, nil
	}
}

// Unmarshal decodes either encoding, detected from the leading bytes, and
// verifies the result.
func Unmarshal(data []byte) (*Container, error) {
	var c Container
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("bplist")), bytes.HasPrefix(trimmed, []byte("<?xml")), bytes.HasPrefix(trimmed, []byte("<plist")):
		if _, err := plist.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: plist: %v", ErrFormat, err)
		}
	case bytes.HasPrefix(trimmed, []byte("{")):
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrFormat, err)
		}
	default:
		return nil, ErrFormat
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

// WriteFile writes the container in the encoding implied by path.
func WriteFile(path string, c *Container) error {
	data, err := Marshal(c, EncodingForPath(path))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("container: create %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("container: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("container: rename %s: %w", tmp, err)
	}
	return nil
}

// ReadFile loads and verifies a container.
func ReadFile(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("container: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

func setRecord(s registry.Set) SetRecord {
	params := make(Vector, len(s.Parameters))
	copy(params, s.Parameters)
	return SetRecord{
		CalibrationID: s.CalibrationID,
		DataType:      s.DataType.String(),
		Description:   s.Description,
		FirstRun:      s.FirstRun,
		LastRun:       s.LastRun,
		ChangedAt:     s.ChangedAt.UTC().Unix(),
		Parameters:    params,
	}
}

func runRecord(r runs.Run) RunRecord {
	var ts int64
	if !r.Time.IsZero() {
		ts = r.Time.UTC().Unix()
	}
	return RunRecord{
		Number:       r.Number,
		Path:         r.Path,
		FileName:     r.FileName,
		Time:         ts,
		Description:  r.Description,
		RunNote:      r.RunNote,
		SizeBytes:    r.SizeBytes,
		Target:       r.Target,
		TargetPol:    r.TargetPol,
		TargetPolDeg: r.TargetPolDeg,
		BeamPol:      r.BeamPol,
		BeamPolDeg:   r.BeamPolDeg,
	}
}

func (r RunRecord) run() runs.Run {
	var ts time.Time
	if r.Time != 0 {
		ts = time.Unix(r.Time, 0).UTC()
	}
	return runs.Run{
		Number:       r.Number,
		Path:         r.Path,
		FileName:     r.FileName,
		Time:         ts,
		Description:  r.Description,
		RunNote:      r.RunNote,
		SizeBytes:    r.SizeBytes,
		Target:       r.Target,
		TargetPol:    r.TargetPol,
		TargetPolDeg: r.TargetPolDeg,
		BeamPol:      r.BeamPol,
		BeamPolDeg:   r.BeamPolDeg,
	}
}

// sortedRuns orders runs by number so imports add them deterministically.
func sortedRuns(list []RunRecord) []RunRecord {
	out := make([]RunRecord, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
