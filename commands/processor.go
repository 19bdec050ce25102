// Package commands implements the operator command language shared by the
// control server and the terminal console. Each command maps onto one
// controller operation and returns the text to show the operator.
package commands

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"calibkit/calib"
	"calibkit/datatype"
	"calibkit/registry"
	"calibkit/stats"
	"calibkit/strutil"
)

const (
	defaultHistory = 10
	maxHistory     = 100
)

// Controller is the slice of *calib.Controller the processor drives.
type Controller interface {
	DataType() datatype.Type
	Start(calibrationID string, activeSets []int) error
	ProcessElement(n int) error
	Next() error
	Previous() error
	Ignore() error
	ReFit() error
	SetMarker(x float64) error
	SetConvergence(f float64) error
	ProcessAll(delay time.Duration) error
	StopProcessing()
	WriteValues() error
	PrintValues(w io.Writer) error
	PrintValuesChanged(w io.Writer) error
	History(n int) []calib.ElementResult
	Status() calib.Status
}

// SetLister lists registry sets for the SETS command.
type SetLister interface {
	ListSets(calibrationID string, dt datatype.Type) ([]registry.Set, error)
}

var _ Controller = (*calib.Controller)(nil)

// Processor parses operator commands.
type Processor struct {
	ctrl  Controller
	sets  SetLister
	stats *stats.Tracker
}

// NewProcessor binds a processor to the controller. sets and tracker may be
// nil, which disables SETS and STATS.
func NewProcessor(ctrl Controller, sets SetLister, tracker *stats.Tracker) *Processor {
	return &Processor{ctrl: ctrl, sets: sets, stats: tracker}
}

// ProcessCommand parses a single command and returns the response text. A
// response of "BYE" signals the caller to close the session.
func (p *Processor) ProcessCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return ""
	}
	parts := strings.Fields(cmd)
	command := strutil.NormalizeUpper(parts[0])
	args := parts[1:]

	switch command {
	case "HELP", "H", "?":
		return p.handleHelp()
	case "STATUS", "ST":
		return p.handleStatus()
	case "NEXT", "N":
		return p.step(p.ctrl.Next)
	case "PREV", "PREVIOUS", "P":
		return p.step(p.ctrl.Previous)
	case "IGNORE", "I":
		return p.step(p.ctrl.Ignore)
	case "REFIT", "R":
		return p.step(p.ctrl.ReFit)
	case "GOTO", "G":
		n, ok := intArg(args)
		if !ok {
			return "Usage: GOTO <element>\n"
		}
		return p.step(func() error { return p.ctrl.ProcessElement(n) })
	case "MARKER", "M":
		x, ok := floatArg(args)
		if !ok {
			return "Usage: MARKER <position>\n"
		}
		if err := p.ctrl.SetMarker(x); err != nil {
			return errorLine(err)
		}
		return fmt.Sprintf("Marker set to %g. REFIT to fit around it.\n", x)
	case "CONV", "CONVERGENCE":
		f, ok := floatArg(args)
		if !ok {
			return "Usage: CONV <factor>\n"
		}
		if err := p.ctrl.SetConvergence(f); err != nil {
			return errorLine(err)
		}
		return fmt.Sprintf("Convergence factor set to %g.\n", f)
	case "ALL", "A":
		return p.handleAll(args)
	case "STOP":
		p.ctrl.StopProcessing()
		return "Auto-advance stopped.\n"
	case "WRITE", "W":
		return p.handleWrite()
	case "PRINT":
		return p.print(p.ctrl.PrintValues)
	case "CHANGED":
		return p.print(p.ctrl.PrintValuesChanged)
	case "HISTORY", "HIST":
		return p.handleHistory(args)
	case "START":
		return p.handleStart(args)
	case "SETS":
		return p.handleSets(args)
	case "STATS":
		return p.handleStats()
	case "BYE", "QUIT", "EXIT":
		return "BYE"
	default:
		return fmt.Sprintf("Unknown command: %s\nType HELP for available commands.\n", command)
	}
}

func (p *Processor) handleHelp() string {
	return fmt.Sprintf(`Available commands (%s):
HELP                 - Show this help
START <id> <sets>    - Start a session over comma-separated set indices (first set is the baseline)
STATUS               - Show the session state
NEXT | N             - Finish the current element and fit the next one
PREV | P             - Finish the current element and fit the previous one
IGNORE | I           - Keep the current element's old value and move on
GOTO <n>             - Jump to element n (n = element count finishes the pass)
MARKER <x>           - Place the re-fit seed marker
REFIT | R            - Re-fit the current element within ±%.0f%% of the marker
CONV <f>             - Set the convergence factor (0 keeps old values)
ALL [ms]             - Process every element; with a delay, advance once per tick
STOP                 - Stop auto-advance
WRITE                - Write the new values to every active set
PRINT                - List old and new values
CHANGED              - List values that changed
HISTORY [n]          - Show the last n element results (default %d)
SETS [id]            - List the registry sets of the session data type
STATS                - Show counters
BYE                  - Disconnect
`, p.ctrl.DataType(), calib.ReFitTolerance*100, defaultHistory)
}

func (p *Processor) step(fn func() error) string {
	if err := fn(); err != nil {
		return errorLine(err)
	}
	return p.elementLine()
}

func (p *Processor) elementLine() string {
	st := p.ctrl.Status()
	if !st.Started {
		return "No session started.\n"
	}
	if st.Element >= st.Elements {
		return fmt.Sprintf("All %d elements processed, %d changed. WRITE to store.\n", st.Elements, st.Changed)
	}
	fit := st.LastFit
	if !fit.Usable {
		return fmt.Sprintf("Element %d/%d: fit unusable (%s)\n", st.Element, st.Elements, fit.Reason)
	}
	return fmt.Sprintf("Element %d/%d: position %.4g sigma %.3g counts %s\n",
		st.Element, st.Elements, fit.Position, fit.Sigma, humanize.Comma(int64(fit.Integral)))
}

func (p *Processor) handleStatus() string {
	st := p.ctrl.Status()
	if !st.Started {
		return fmt.Sprintf("No session started for %s. Use START <id> <sets>.\n", st.DataType)
	}
	auto := "off"
	if st.TimerActive {
		auto = "on"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", st.SessionID)
	fmt.Fprintf(&b, "Calibration %s %s sets %s (strategy %s)\n", st.CalibrationID, st.DataType, joinInts(st.Sets), st.Strategy)
	fmt.Fprintf(&b, "Element %d of %d, %d changed, %d ignored\n", st.Element, st.Elements, st.Changed, len(st.Ignored))
	fmt.Fprintf(&b, "Convergence %g, auto-advance %s\n", st.Convergence, auto)
	if st.HasMarker {
		fmt.Fprintf(&b, "Marker %g\n", st.Marker)
	}
	return b.String()
}

func (p *Processor) handleAll(args []string) string {
	delay := time.Duration(0)
	if len(args) > 0 {
		ms, err := strconv.Atoi(args[0])
		if err != nil || ms < 0 {
			return "Usage: ALL [delay ms]\n"
		}
		delay = time.Duration(ms) * time.Millisecond
	}
	if err := p.ctrl.ProcessAll(delay); err != nil {
		return errorLine(err)
	}
	if delay > 0 {
		return fmt.Sprintf("Auto-advance every %s. STOP to halt.\n", delay)
	}
	return p.elementLine()
}

func (p *Processor) handleWrite() string {
	if err := p.ctrl.WriteValues(); err != nil {
		log.Printf("Commands: write failed: %v", err)
		return errorLine(err) + "Values are kept; WRITE again to retry.\n"
	}
	st := p.ctrl.Status()
	return fmt.Sprintf("Wrote %d values (%d changed) to sets %s.\n", st.Elements, st.Changed, joinInts(st.Sets))
}

func (p *Processor) print(fn func(io.Writer) error) string {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return errorLine(err)
	}
	return buf.String()
}

func (p *Processor) handleHistory(args []string) string {
	count := defaultHistory
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > maxHistory {
			return fmt.Sprintf("Invalid count. Use 1-%d.\n", maxHistory)
		}
		count = n
	}
	results := p.ctrl.History(count)
	if len(results) == 0 {
		return "No results yet.\n"
	}
	var b strings.Builder
	// oldest first so the most recent result is last
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		status := "updated"
		if r.Unchanged {
			status = "unchanged: " + r.Reason
		}
		fmt.Fprintf(&b, "%4d  %12.6g -> %12.6g  %s\n", r.Element, r.Old, r.New, status)
	}
	return b.String()
}

func (p *Processor) handleStart(args []string) string {
	if len(args) < 2 {
		return "Usage: START <calibration id> <set>[,<set>...]\n"
	}
	id := strutil.CalibrationID(args[0])
	sets, err := ParseSets(strings.Join(args[1:], ","))
	if err != nil {
		return errorLine(err)
	}
	if err := p.ctrl.Start(id, sets); err != nil {
		return errorLine(err)
	}
	return p.handleStatus() + p.elementLine()
}

func (p *Processor) handleSets(args []string) string {
	if p.sets == nil {
		return "Set listing is not available.\n"
	}
	st := p.ctrl.Status()
	id := st.CalibrationID
	if len(args) > 0 {
		id = strutil.CalibrationID(args[0])
	}
	if id == "" {
		return "Usage: SETS <calibration id>\n"
	}
	sets, err := p.sets.ListSets(id, p.ctrl.DataType())
	if err != nil {
		return errorLine(err)
	}
	if len(sets) == 0 {
		return fmt.Sprintf("No %s sets for %s.\n", p.ctrl.DataType(), id)
	}
	var b strings.Builder
	for i, s := range sets {
		fmt.Fprintf(&b, "%3d  runs %d-%d  %-24s changed %s\n", i, s.FirstRun, s.LastRun, s.Description, humanize.Time(s.ChangedAt))
	}
	return b.String()
}

func (p *Processor) handleStats() string {
	if p.stats == nil {
		return "Statistics are not available.\n"
	}
	lines := p.stats.SnapshotLines()
	lines = append(lines, fmt.Sprintf("Uptime: %s", p.stats.GetUptime().Truncate(time.Second)))
	return strings.Join(lines, "\n") + "\n"
}

func errorLine(err error) string {
	switch {
	case errors.Is(err, calib.ErrNotStarted):
		return "No session started. Use START <id> <sets>.\n"
	case errors.Is(err, calib.ErrFinished):
		return "All elements processed; GOTO an element to revisit it.\n"
	}
	return fmt.Sprintf("Error: %v\n", err)
}

func intArg(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(args[0])
	return n, err == nil
}

func floatArg(args []string) (float64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(args[0], 64)
	return f, err == nil
}

// ParseSets parses a comma and/or space separated list of set indices.
func ParseSets(value string) ([]int, error) {
	tokens := strutil.SplitList(value)
	if len(tokens) == 0 {
		return nil, errors.New("commands: empty set list")
	}
	out := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("commands: invalid set index %q", tok)
		}
		out = append(out, n)
	}
	return out, nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
