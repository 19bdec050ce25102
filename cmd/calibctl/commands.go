package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"calibkit/container"
	"calibkit/datatype"
	"calibkit/histogram"
	"calibkit/notify"
	"calibkit/runs"
	"calibkit/strutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// allCalibrations stands in for the calibration id when exporting by run
// range alone.
const allCalibrations = "all"

// paramFile is the YAML document read by add and init. Either Parameters
// lists every value or Fill repeats one value for every element.
type paramFile struct {
	Description string    `yaml:"description"`
	Fill        *float64  `yaml:"fill"`
	Parameters  []float64 `yaml:"parameters"`
}

// histFile is the JSON document read by hist-put: one row of counts per
// element over a shared axis.
type histFile struct {
	Bins   int         `json:"bins"`
	Min    float64     `json:"min"`
	Max    float64     `json:"max"`
	Counts [][]float64 `json:"counts"`
}

func cmdTypes(_ *env, _ []string, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tLENGTH\tTABLE\tDESCRIPTION")
	for _, dt := range datatype.All() {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", dt, dt.Length(), dt.Table(), dt.Description())
	}
	return w.Flush()
}

func cmdRuns(e *env, args []string, out io.Writer) error {
	first, last := 0, 0
	var err error
	if len(args) > 0 {
		if first, err = parseRun(args[0]); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		if last, err = parseRun(args[1]); err != nil {
			return err
		}
	}
	list, err := e.runs.Range(first, last)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTIME\tSIZE\tTARGET\tDESCRIPTION")
	for _, r := range list {
		size := "-"
		if r.SizeBytes > 0 {
			size = humanize.Bytes(uint64(r.SizeBytes))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.Number, r.Time.UTC().Format(time.RFC3339), size, r.Target, r.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s runs\n", humanize.Comma(int64(len(list))))
	return nil
}

func cmdRunAdd(e *env, args []string, out io.Writer) error {
	number, err := parseRun(args[0])
	if err != nil {
		return err
	}
	at, err := time.Parse(time.RFC3339, args[1])
	if err != nil {
		return fmt.Errorf("run time %q: %w", args[1], err)
	}
	r := runs.Run{Number: number, Time: at, Description: strings.Join(args[2:], " ")}
	if err := e.runs.Add(r); err != nil {
		return err
	}
	fmt.Fprintf(out, "Added run %d\n", number)
	return nil
}

func cmdSets(e *env, args []string, out io.Writer) error {
	dt, err := datatype.Parse(args[1])
	if err != nil {
		return err
	}
	sets, err := e.registry.ListSets(args[0], dt)
	if err != nil {
		return err
	}
	now := e.now()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tFIRST\tLAST\tCHANGED\tDESCRIPTION")
	for i, s := range sets {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", i, s.FirstRun, s.LastRun, humanize.RelTime(s.ChangedAt, now, "ago", "from now"), s.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d sets for %s/%s\n", len(sets), args[0], dt)
	return nil
}

func cmdAdd(e *env, args []string, out io.Writer) error {
	dt, err := datatype.Parse(args[1])
	if err != nil {
		return err
	}
	first, err := parseRun(args[2])
	if err != nil {
		return err
	}
	last, err := parseRun(args[3])
	if err != nil {
		return err
	}
	desc, params, err := loadParams(args[4], dt.Length())
	if err != nil {
		return err
	}
	if len(args) > 5 {
		desc = strings.Join(args[5:], " ")
	}
	if err := e.registry.AddSet(args[0], dt, desc, first, last, params); err != nil {
		return err
	}
	fmt.Fprintf(out, "Added %s/%s set %d-%d\n", args[0], dt, first, last)
	return nil
}

func cmdInit(e *env, args []string, out io.Writer) error {
	dt, err := datatype.Parse(args[1])
	if err != nil {
		return err
	}
	desc, params, err := loadParams(args[2], dt.Length())
	if err != nil {
		return err
	}
	if len(args) > 3 {
		desc = strings.Join(args[3:], " ")
	}
	if err := e.registry.InitCoverage(args[0], dt, desc, params); err != nil {
		return err
	}
	first, last, err := e.registry.SetRange(args[0], dt, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Initialised %s/%s over runs %d-%d\n", args[0], dt, first, last)
	return nil
}

func cmdRemove(e *env, args []string, out io.Writer) error {
	dt, err := datatype.Parse(args[1])
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("set index %q: %w", args[2], err)
	}
	if err := e.registry.RemoveSet(args[0], dt, index); err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %s/%s set %d\n", args[0], dt, index)
	return nil
}

func cmdDrop(e *env, args []string, out io.Writer) error {
	n, err := e.registry.RemoveCalibration(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %d sets of %s\n", n, args[0])
	return nil
}

func cmdSplit(e *env, args []string, out io.Writer) error {
	dt, err := datatype.Parse(args[1])
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("set index %q: %w", args[2], err)
	}
	boundary, err := parseRun(args[3])
	if err != nil {
		return err
	}
	if err := e.registry.SplitSet(args[0], dt, index, boundary); err != nil {
		return err
	}
	head, err := e.registry.GetSet(args[0], dt, index)
	if err != nil {
		return err
	}
	tail, err := e.registry.GetSet(args[0], dt, index+1)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Split %s/%s into %d-%d and %d-%d\n", args[0], dt, head.FirstRun, head.LastRun, tail.FirstRun, tail.LastRun)
	return nil
}

func cmdRename(e *env, args []string, out io.Writer) error {
	from, to := strutil.CalibrationID(args[0]), strutil.CalibrationID(args[1])
	n, err := e.registry.RenameCalibration(from, to)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Renamed %d sets from %s to %s\n", n, from, to)
	return nil
}

func cmdExport(e *env, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	runRange := fs.String("runs", "", "only sets overlapping first-last")
	if err := fs.Parse(args); err != nil {
		return err
	}
	args = fs.Args()
	if len(args) < 2 {
		return fmt.Errorf("export needs a calibration id (or %q) and a file", allCalibrations)
	}
	sel := container.Selection{CalibrationID: args[0]}
	if strings.EqualFold(sel.CalibrationID, allCalibrations) {
		sel.CalibrationID = ""
	}
	if *runRange != "" {
		first, last, err := parseRunRange(*runRange)
		if err != nil {
			return err
		}
		sel.Ranged, sel.FirstRun, sel.LastRun = true, first, last
	}
	for _, name := range args[2:] {
		dt, err := datatype.Parse(name)
		if err != nil {
			return err
		}
		sel.Types = append(sel.Types, dt)
	}
	c, err := container.Export(e.registry, e.runs, sel, e.now())
	if err != nil {
		return err
	}
	if len(c.Sets) == 0 {
		return fmt.Errorf("no sets of %s match the export", args[0])
	}
	if err := container.WriteFile(args[1], c); err != nil {
		return err
	}
	fmt.Fprintf(out, "Exported %d sets and %d runs to %s (container %s)\n", len(c.Sets), len(c.Runs), args[1], c.ID)
	return nil
}

func cmdImport(e *env, args []string, out io.Writer) error {
	c, err := container.ReadFile(args[0])
	if err != nil {
		return err
	}
	report, err := container.Import(c, e.runs, e.registry, e.tracker)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Imported container %s: %d runs added, %d sets accepted, %d rejected\n",
		report.ContainerID, report.RunsAdded, report.Accepted, len(report.Rejected))
	for _, r := range report.Rejected {
		fmt.Fprintf(out, "  rejected #%d %s/%s %d-%d: %s\n", r.Index, r.CalibrationID, r.DataType, r.FirstRun, r.LastRun, r.Reason)
	}
	if p := e.notifier(); p != nil {
		if err := p.PublishImport(notify.ImportEventFromReport(args[0], report, e.now())); err != nil {
			log.Printf("Notify: publish import event: %v", err)
		}
	}
	return nil
}

func cmdHistPut(e *env, args []string, out io.Writer) error {
	dt, err := datatype.Parse(args[0])
	if err != nil {
		return err
	}
	run, err := parseRun(args[1])
	if err != nil {
		return err
	}
	h, err := loadHistogram(args[2], dt)
	if err != nil {
		return err
	}
	store, err := e.histograms()
	if err != nil {
		return err
	}
	if err := store.Put(dt, run, h); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored %s histogram for run %d (%s entries)\n", dt, run, humanize.Commaf(h.Total()))
	return nil
}

func parseRun(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid run number %q", s)
	}
	return n, nil
}

// parseRunRange reads "first-last".
func parseRunRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid run range %q, want first-last", s)
	}
	first, err := parseRun(lo)
	if err != nil {
		return 0, 0, err
	}
	last, err := parseRun(hi)
	if err != nil {
		return 0, 0, err
	}
	if first > last {
		return 0, 0, fmt.Errorf("invalid run range %q, first after last", s)
	}
	return first, last, nil
}

func loadParams(path string, length int) (string, []float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	var pf paramFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", path, err)
	}
	switch {
	case pf.Fill != nil && len(pf.Parameters) > 0:
		return "", nil, fmt.Errorf("%s: set either fill or parameters, not both", path)
	case pf.Fill != nil:
		params := make([]float64, length)
		for i := range params {
			params[i] = *pf.Fill
		}
		return pf.Description, params, nil
	case len(pf.Parameters) != length:
		return "", nil, fmt.Errorf("%s: %d parameters, expected %d", path, len(pf.Parameters), length)
	}
	return pf.Description, pf.Parameters, nil
}

func loadHistogram(path string, dt datatype.Type) (*histogram.Histogram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hf histFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(hf.Counts) != dt.Length() {
		return nil, fmt.Errorf("%s: %d element rows, %s needs %d", path, len(hf.Counts), dt, dt.Length())
	}
	h, err := histogram.New(dt.String(), dt.Length(), hf.Bins, hf.Min, hf.Max)
	if err != nil {
		return nil, err
	}
	for elem, counts := range hf.Counts {
		if len(counts) != hf.Bins {
			return nil, fmt.Errorf("%s: element %d has %d bins, expected %d", path, elem, len(counts), hf.Bins)
		}
		copy(h.Row(elem), counts)
	}
	if h.Total() <= 0 {
		return nil, errors.New(path + ": histogram is empty")
	}
	return h, nil
}
