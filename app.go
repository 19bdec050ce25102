package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"calibkit/calib"
	"calibkit/commands"
	"calibkit/config"
	"calibkit/container"
	"calibkit/datatype"
	"calibkit/fit"
	"calibkit/histogram"
	"calibkit/notify"
	"calibkit/paramstore"
	"calibkit/registry"
	"calibkit/runs"
	"calibkit/sqliteutil"
	"calibkit/stats"
	"calibkit/telnet"
)

// app owns every long-lived component of the daemon.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	runs      *runs.Catalogue
	registry  *registry.Registry
	hists     *histogram.Store
	tracker   *stats.Tracker
	ctrl      *calib.Controller
	processor *commands.Processor
	publisher *notify.MQTTPublisher
	server    *telnet.Server
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, tracker: stats.NewTracker()}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	dt, perr := datatype.Parse(cfg.Calibration.DataType)
	if perr != nil {
		return nil, fmt.Errorf("calibration.data_type: %w", perr)
	}

	var err error
	a.db, err = sqliteutil.Open(cfg.Database.Path, sqliteutil.Options{
		BusyTimeout:      time.Duration(cfg.Database.BusyTimeoutMS) * time.Millisecond,
		PreflightTimeout: time.Duration(cfg.Database.PreflightTimeoutMS) * time.Millisecond,
		SkipPreflight:    cfg.Database.SkipPreflight,
		Logf:             log.Printf,
	})
	if err != nil {
		return nil, err
	}
	if a.runs, err = runs.New(a.db); err != nil {
		return nil, err
	}
	store, err := paramstore.New(a.db)
	if err != nil {
		return nil, err
	}
	a.registry = registry.New(store, a.runs)

	a.hists, err = histogram.Open(cfg.Histograms.Path, histogram.Options{
		CacheSizeBytes: int64(cfg.Histograms.CacheSizeMB) << 20,
	})
	if err != nil {
		return nil, err
	}

	catalogue, err := fit.NewCatalogue(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	strategy, elements, err := catalogue.Strategy(dt)
	if err != nil {
		return nil, err
	}

	publishers := publisherChain{&exportPublisher{dir: cfg.Calibration.ExportDir, sets: a.registry, runs: a.runs}}
	if cfg.Notify.Enabled {
		a.publisher = notify.NewMQTTPublisher(cfg.Notify)
		if err := a.publisher.Connect(); err != nil {
			log.Printf("Notify: %v", err)
		}
		publishers = append(publishers, a.publisher)
	}

	a.ctrl, err = calib.New(calib.Options{
		DataType:    dt,
		Elements:    elements,
		Strategy:    strategy,
		Parameters:  a.registry,
		Histograms:  histogram.NewSource(a.hists, a.registry),
		Publisher:   publishers,
		Stats:       a.tracker,
		HistorySize: cfg.Calibration.HistorySize,
	})
	if err != nil {
		return nil, err
	}
	a.processor = commands.NewProcessor(a.ctrl, a.registry, a.tracker)
	ready = true

	if cfg.Control.Enabled {
		a.server = telnet.NewServer(telnet.ServerOptions{
			Port:           cfg.Control.Port,
			Transport:      cfg.Control.Transport,
			MaxConnections: cfg.Control.MaxConnections,
			WelcomeMessage: cfg.Control.WelcomeMessage,
			Prompt:         cfg.Control.Prompt,
			IdleTimeout:    time.Duration(cfg.Control.IdleTimeoutSec) * time.Second,
		}, a.processor)
		if err := a.server.Start(); err != nil {
			a.server = nil
			ready = false
			return nil, err
		}
	}
	return a, nil
}

// startConfiguredSession opens the session named in the configuration and
// applies its convergence and auto-advance settings.
func (a *app) startConfiguredSession() error {
	cc := a.cfg.Calibration
	if err := a.ctrl.Start(cc.CalibrationID, cc.Sets); err != nil {
		return err
	}
	if err := a.ctrl.SetConvergence(cc.Convergence); err != nil {
		return err
	}
	if cc.AutoDelayMS > 0 {
		return a.ctrl.ProcessAll(time.Duration(cc.AutoDelayMS) * time.Millisecond)
	}
	return nil
}

// checkpointHistograms snapshots the histogram store once per log day.
func (a *app) checkpointHistograms(day time.Time) {
	dir := strings.TrimSpace(a.cfg.Histograms.CheckpointDir)
	if dir == "" || a.hists == nil {
		return
	}
	dest := filepath.Join(dir, day.UTC().Format(logFileDateLayout))
	if err := a.hists.Checkpoint(dest); err != nil {
		log.Printf("Histogram: checkpoint to %s failed: %v", dest, err)
		return
	}
	log.Printf("Histogram: checkpoint written to %s", dest)
}

func (a *app) Close() {
	if a.server != nil {
		a.server.Stop()
	}
	if a.ctrl != nil {
		a.ctrl.StopProcessing()
		a.ctrl.WaitProcessing()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.hists != nil {
		if err := a.hists.Close(); err != nil {
			log.Printf("Histogram: close failed: %v", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("Database: close failed: %v", err)
		}
	}
}

// publisherChain hands a write event to every publisher and joins failures.
type publisherChain []calib.Publisher

func (c publisherChain) PublishWrite(ev calib.WriteEvent) error {
	var errs []error
	for _, p := range c {
		if err := p.PublishWrite(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// exportPublisher writes a container of the freshly written calibration next
// to the database so every write leaves a portable copy behind.
type exportPublisher struct {
	dir  string
	sets container.SetSource
	runs container.RunSource
}

func (e *exportPublisher) PublishWrite(ev calib.WriteEvent) error {
	if strings.TrimSpace(e.dir) == "" {
		return nil
	}
	dt, err := datatype.Parse(ev.DataType)
	if err != nil {
		return err
	}
	c, err := container.Export(e.sets, e.runs, container.Selection{
		CalibrationID: ev.CalibrationID,
		Types:         []datatype.Type{dt},
	}, ev.WrittenAt)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%s.json", ev.CalibrationID, dt, ev.WrittenAt.UTC().Format("20060102T150405"))
	path := filepath.Join(e.dir, name)
	if err := container.WriteFile(path, c); err != nil {
		return err
	}
	log.Printf("Export: wrote %d sets to %s", len(c.Sets), path)
	return nil
}
