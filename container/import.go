package container

import (
	"fmt"
	"log"

	"calibkit/datatype"
	"calibkit/runs"
	"calibkit/stats"
)

// RunTarget receives runs missing from the destination catalogue.
type RunTarget interface {
	Exists(run int) (bool, error)
	Add(r runs.Run) error
}

// SetTarget receives imported sets. AddSet enforces the same validation as an
// interactive add, so overlapping sets are rejected individually.
type SetTarget interface {
	AddSet(calibrationID string, dt datatype.Type, description string, firstRun, lastRun int, params []float64) error
}

// Rejection describes one set the destination refused.
type Rejection struct {
	Index         int
	CalibrationID string
	DataType      string
	FirstRun      int
	LastRun       int
	Reason        string
}

// Report summarises an import.
type Report struct {
	ContainerID string
	RunsAdded   int
	Accepted    int
	Rejected    []Rejection
}

// Import copies runs and sets into the destination. Runs already present are
// left alone. Every set commits on its own; a rejected set is recorded in the
// report and the import continues. Only catalogue failures abort.
func Import(c *Container, runTarget RunTarget, sets SetTarget, tracker *stats.Tracker) (Report, error) {
	report := Report{ContainerID: c.ID}
	if err := c.Verify(); err != nil {
		return report, err
	}

	for _, rec := range sortedRuns(c.Runs) {
		ok, err := runTarget.Exists(rec.Number)
		if err != nil {
			return report, fmt.Errorf("container: check run %d: %w", rec.Number, err)
		}
		if ok {
			continue
		}
		if err := runTarget.Add(rec.run()); err != nil {
			return report, fmt.Errorf("container: add run %d: %w", rec.Number, err)
		}
		report.RunsAdded++
	}

	for i, rec := range c.Sets {
		reject := func(reason string) {
			report.Rejected = append(report.Rejected, Rejection{
				Index:         i,
				CalibrationID: rec.CalibrationID,
				DataType:      rec.DataType,
				FirstRun:      rec.FirstRun,
				LastRun:       rec.LastRun,
				Reason:        reason,
			})
		}
		dt, err := datatype.Parse(rec.DataType)
		if err != nil {
			reject(err.Error())
			continue
		}
		if err := sets.AddSet(rec.CalibrationID, dt, rec.Description, rec.FirstRun, rec.LastRun, rec.Parameters); err != nil {
			reject(err.Error())
			continue
		}
		report.Accepted++
	}

	if tracker != nil {
		tracker.RecordImport(report.Accepted, len(report.Rejected))
	}
	log.Printf("Container: imported %s: runs added=%d sets accepted=%d rejected=%d",
		c.ID, report.RunsAdded, report.Accepted, len(report.Rejected))
	return report, nil
}
