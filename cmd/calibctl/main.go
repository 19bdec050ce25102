// Command calibctl administers the run catalogue and calibration sets
// outside of an interactive session.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"calibkit/config"
	"calibkit/histogram"
	"calibkit/notify"
	"calibkit/paramstore"
	"calibkit/registry"
	"calibkit/runs"
	"calibkit/sqliteutil"
	"calibkit/stats"
	"calibkit/strutil"
)

const usage = `usage: calibctl [-config dir] <command> [args]

commands:
  types                                     list calibration data types
  runs [first] [last]                       list catalogued runs
  run-add <run> <time> [description]        catalogue a run (time is RFC 3339)
  sets <id> <type>                          list the sets of a calibration
  add <id> <type> <first> <last> <params.yaml>
                                            add a set with parameters from a file
  init <id> <type> <params.yaml>            create one set spanning every run
  remove <id> <type> <index>                remove one set
  drop <id>                                 remove a calibration for every type
  split <id> <type> <index> <boundary>      split a set after boundary
  rename <from> <to>                        rename a calibration
  export [-runs first-last] <id|all> <file> [type...]
                                            write a container (.json or .plist)
  import <file>                             load a container
  hist-put <type> <run> <hist.json>         store a run histogram
`

// env holds the stores a command may touch. The histogram store is opened
// on demand because it takes an exclusive lock on its directory.
type env struct {
	cfg       *config.Config
	db        *sql.DB
	runs      *runs.Catalogue
	registry  *registry.Registry
	tracker   *stats.Tracker
	hists     *histogram.Store
	publisher *notify.MQTTPublisher
	now       func() time.Time
}

func main() {
	configDir := flag.String("config", "", "configuration directory (default $"+config.EnvPath+" or "+config.DefaultDir+")")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(config.ResolveDir(*configDir))
	if err != nil {
		log.Fatalf("calibctl: %v", err)
	}
	e, err := openEnv(cfg)
	if err != nil {
		log.Fatalf("calibctl: %v", err)
	}
	err = run(e, flag.Args(), os.Stdout)
	e.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "calibctl: %v\n", err)
		os.Exit(1)
	}
}

func openEnv(cfg *config.Config) (*env, error) {
	db, err := sqliteutil.Open(cfg.Database.Path, sqliteutil.Options{
		BusyTimeout:      time.Duration(cfg.Database.BusyTimeoutMS) * time.Millisecond,
		PreflightTimeout: time.Duration(cfg.Database.PreflightTimeoutMS) * time.Millisecond,
		SkipPreflight:    cfg.Database.SkipPreflight,
		Logf:             log.Printf,
	})
	if err != nil {
		return nil, err
	}
	e, err := newEnv(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func newEnv(cfg *config.Config, db *sql.DB) (*env, error) {
	cat, err := runs.New(db)
	if err != nil {
		return nil, err
	}
	store, err := paramstore.New(db)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:      cfg,
		db:       db,
		runs:     cat,
		registry: registry.New(store, cat),
		tracker:  stats.NewTracker(),
		now:      time.Now,
	}, nil
}

func (e *env) histograms() (*histogram.Store, error) {
	if e.hists != nil {
		return e.hists, nil
	}
	h, err := histogram.Open(e.cfg.Histograms.Path, histogram.Options{
		CacheSizeBytes: int64(e.cfg.Histograms.CacheSizeMB) << 20,
	})
	if err != nil {
		return nil, err
	}
	e.hists = h
	return h, nil
}

// notifier returns the MQTT publisher when notification is configured.
func (e *env) notifier() *notify.MQTTPublisher {
	if e.publisher != nil || !e.cfg.Notify.Enabled {
		return e.publisher
	}
	e.publisher = notify.NewMQTTPublisher(e.cfg.Notify)
	if err := e.publisher.Connect(); err != nil {
		log.Printf("Notify: %v", err)
	}
	return e.publisher
}

func (e *env) Close() {
	if e.publisher != nil {
		e.publisher.Close()
	}
	if e.hists != nil {
		if err := e.hists.Close(); err != nil {
			log.Printf("Histogram: close failed: %v", err)
		}
	}
	if e.db != nil {
		e.db.Close()
	}
}

type handler struct {
	minArgs int
	maxArgs int // negative means unbounded
	fn      func(e *env, args []string, out io.Writer) error
}

var handlers = map[string]handler{
	"types":    {0, 0, cmdTypes},
	"runs":     {0, 2, cmdRuns},
	"run-add":  {2, -1, cmdRunAdd},
	"sets":     {2, 2, cmdSets},
	"add":      {5, -1, cmdAdd},
	"init":     {3, -1, cmdInit},
	"remove":   {3, 3, cmdRemove},
	"drop":     {1, 1, cmdDrop},
	"split":    {4, 4, cmdSplit},
	"rename":   {2, 2, cmdRename},
	"export":   {2, -1, cmdExport},
	"import":   {1, 1, cmdImport},
	"hist-put": {3, 3, cmdHistPut},
}

func run(e *env, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given\n%s", usage)
	}
	name := strutil.NormalizeLower(args[0])
	h, ok := handlers[name]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
	rest := args[1:]
	if len(rest) < h.minArgs || (h.maxArgs >= 0 && len(rest) > h.maxArgs) {
		return fmt.Errorf("wrong number of arguments for %s\n%s", name, usage)
	}
	return h.fn(e, rest, out)
}
