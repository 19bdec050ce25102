package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"calibkit/calib"
	"calibkit/stats"
)

const (
	paneMaxLines   = 200
	resultMaxLines = 12
)

// commandRunner executes one operator command and returns its response.
type commandRunner interface {
	ProcessCommand(cmd string) string
}

// statusSource feeds the status pane.
type statusSource interface {
	Status() calib.Status
	History(n int) []calib.ElementResult
}

// dashboard is the full-screen operator console: a status pane, the recent
// element results, the last command response, the system log and a command
// line. Function keys send the common navigation commands.
type dashboard struct {
	app         *tview.Application
	statusView  *tview.TextView
	resultView  *tview.TextView
	replyView   *tview.TextView
	systemView  *tview.TextView
	input       *tview.InputField
	runner      commandRunner
	systemMu    sync.Mutex
	systemLines []string
	closed      atomic.Bool
	ready       chan struct{}
	quit        chan struct{}
	quitOnce    sync.Once
}

// keyCommands maps function keys to commands.
var keyCommands = map[tcell.Key]string{
	tcell.KeyF2: "NEXT",
	tcell.KeyF3: "PREV",
	tcell.KeyF4: "REFIT",
	tcell.KeyF5: "IGNORE",
	tcell.KeyF6: "ALL",
	tcell.KeyF7: "STOP",
	tcell.KeyF8: "WRITE",
}

const keyLegend = "F2 next  F3 prev  F4 refit  F5 ignore  F6 all  F7 stop  F8 write  Ctrl-C quit"

func commandForKey(key tcell.Key) (string, bool) {
	cmd, ok := keyCommands[key]
	return cmd, ok
}

func newDashboard(runner commandRunner) *dashboard {
	makePane := func(title string) *tview.TextView {
		tv := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
		tv.SetBorder(true).SetTitle(title).SetTitleAlign(tview.AlignLeft)
		return tv
	}
	status := makePane("Session")
	status.SetTextColor(tcell.ColorYellow)
	results := makePane("Elements")
	reply := makePane("Response")
	system := makePane("System")
	input := tview.NewInputField().SetLabel("calib> ").SetFieldWidth(0)
	legend := tview.NewTextView().SetText(keyLegend)

	top := tview.NewFlex().
		AddItem(status, 0, 1, false).
		AddItem(results, 0, 2, false)
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(top, 9, 0, false).
		AddItem(reply, 0, 2, false).
		AddItem(system, 0, 1, false).
		AddItem(input, 1, 0, true).
		AddItem(legend, 1, 0, false)

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	d := &dashboard{
		app:        app,
		statusView: status,
		resultView: results,
		replyView:  reply,
		systemView: system,
		input:      input,
		runner:     runner,
		ready:      make(chan struct{}),
		quit:       make(chan struct{}),
	}

	var once sync.Once
	app.SetBeforeDrawFunc(func(tcell.Screen) bool {
		once.Do(func() { close(d.ready) })
		return false
	})
	app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if cmd, ok := commandForKey(ev.Key()); ok {
			go d.run(cmd)
			return nil
		}
		if ev.Key() == tcell.KeyCtrlC {
			d.requestQuit()
			return nil
		}
		return ev
	})
	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := strings.TrimSpace(input.GetText())
		input.SetText("")
		if line != "" {
			go d.run(line)
		}
	})

	go func() {
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "console error: %v\n", err)
		}
		d.requestQuit()
	}()
	return d
}

func (d *dashboard) run(cmd string) {
	resp := d.runner.ProcessCommand(cmd)
	if resp == "BYE" {
		d.requestQuit()
		return
	}
	d.setText(d.replyView, "> "+cmd+"\n"+resp)
}

func (d *dashboard) requestQuit() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// Quit is closed when the operator leaves the console.
func (d *dashboard) Quit() <-chan struct{} {
	return d.quit
}

func (d *dashboard) WaitReady() {
	<-d.ready
}

func (d *dashboard) Stop() {
	if d == nil || d.closed.Swap(true) {
		return
	}
	d.app.Stop()
}

// Refresh redraws the status and result panes every interval until done.
func (d *dashboard) Refresh(src statusSource, tracker *stats.Tracker, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.setText(d.statusView, strings.Join(statusLines(src.Status(), tracker, time.Now()), "\n"))
		d.setText(d.resultView, strings.Join(resultLines(src.History(resultMaxLines)), "\n"))
		select {
		case <-done:
			return
		case <-d.quit:
			return
		case <-ticker.C:
		}
	}
}

func (d *dashboard) setText(view *tview.TextView, text string) {
	if d.closed.Load() {
		return
	}
	d.app.QueueUpdateDraw(func() {
		view.SetText(text)
	})
}

// SystemWriter returns the io.Writer the log mux uses for the system pane.
func (d *dashboard) SystemWriter() *paneWriter {
	return &paneWriter{d: d}
}

type paneWriter struct {
	d *dashboard
}

func (w *paneWriter) Write(p []byte) (int, error) {
	d := w.d
	d.systemMu.Lock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		d.systemLines = append(d.systemLines, line)
	}
	if len(d.systemLines) > paneMaxLines {
		d.systemLines = d.systemLines[len(d.systemLines)-paneMaxLines:]
	}
	text := strings.Join(d.systemLines, "\n")
	d.systemMu.Unlock()

	if !d.closed.Load() {
		d.app.QueueUpdateDraw(func() {
			d.systemView.SetText(text)
			d.systemView.ScrollToEnd()
		})
	}
	return len(p), nil
}

func statusLines(st calib.Status, tracker *stats.Tracker, now time.Time) []string {
	if !st.Started {
		return []string{fmt.Sprintf("%s: no session", st.DataType), "START <id> <sets> to begin"}
	}
	auto := "off"
	if st.TimerActive {
		auto = "on"
	}
	element := fmt.Sprintf("Element %d / %d", st.Element, st.Elements)
	if st.Element >= st.Elements {
		element = fmt.Sprintf("Done (%d elements)", st.Elements)
	}
	lines := []string{
		fmt.Sprintf("%s  %s  sets %s", st.CalibrationID, st.DataType, joinSets(st.Sets)),
		element,
		fmt.Sprintf("Changed %s  Ignored %d", humanize.Comma(int64(st.Changed)), len(st.Ignored)),
		fmt.Sprintf("Convergence %g  Auto %s", st.Convergence, auto),
	}
	if st.HasMarker {
		lines = append(lines, fmt.Sprintf("Marker %g", st.Marker))
	}
	if tracker != nil {
		ok, failed := tracker.Writes()
		lines = append(lines, fmt.Sprintf("Writes %d ok %d failed  up %s", ok, failed,
			strings.TrimSuffix(humanize.RelTime(now.Add(-tracker.GetUptime()), now, "", ""), " ")))
	}
	return lines
}

func resultLines(results []calib.ElementResult) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		switch {
		case r.Ignored:
			lines = append(lines, fmt.Sprintf("%4d  ignored  %.6g", r.Element, r.Old))
		case r.Unchanged:
			lines = append(lines, fmt.Sprintf("%4d  kept     %.6g  (%s)", r.Element, r.Old, r.Reason))
		default:
			lines = append(lines, fmt.Sprintf("%4d  %.6g -> %.6g  x%.4f", r.Element, r.Old, r.New, r.Ratio))
		}
	}
	return lines
}

func joinSets(sets []int) string {
	parts := make([]string, len(sets))
	for i, s := range sets {
		parts[i] = fmt.Sprint(s)
	}
	return strings.Join(parts, ",")
}
