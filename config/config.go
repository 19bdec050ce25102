// Package config loads the calibkit runtime configuration from a directory
// of YAML files. Files are merged in lexical order, so later files override
// individual keys of earlier ones without repeating whole sections.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"calibkit/datatype"
)

// EnvPath names the environment variable that overrides the config directory.
const EnvPath = "CALIBKIT_CONFIG_PATH"

// DefaultDir is used when neither a flag nor EnvPath names a directory.
const DefaultDir = "data/config"

const (
	TransportNative = "native"
	TransportZiutek = "ziutek"

	KindPeak = "peak"
	KindMean = "mean"
)

// Config represents the complete calibkit configuration
type Config struct {
	Database    DatabaseConfig            `yaml:"database"`
	Histograms  HistogramConfig           `yaml:"histograms"`
	Calibration CalibrationConfig         `yaml:"calibration"`
	Strategies  map[string]StrategyConfig `yaml:"strategies"`
	Control     ControlConfig             `yaml:"control"`
	Console     ConsoleConfig             `yaml:"console"`
	Notify      NotifyConfig              `yaml:"notify"`
	Logging     LoggingConfig             `yaml:"logging"`

	// LoadedFrom is the directory the configuration was read from.
	LoadedFrom string `yaml:"-"`
}

// DatabaseConfig locates the SQLite run catalogue and parameter tables.
type DatabaseConfig struct {
	Path               string `yaml:"path"`
	BusyTimeoutMS      int    `yaml:"busy_timeout_ms"`
	PreflightTimeoutMS int    `yaml:"preflight_timeout_ms"`
	SkipPreflight      bool   `yaml:"skip_preflight"`
}

// HistogramConfig locates the Pebble histogram store.
type HistogramConfig struct {
	Path          string `yaml:"path"`
	CacheSizeMB   int    `yaml:"cache_size_mb"`
	CheckpointDir string `yaml:"checkpoint_dir"`
}

// CalibrationConfig sets session defaults.
type CalibrationConfig struct {
	CalibrationID string  `yaml:"calibration_id"`
	DataType      string  `yaml:"data_type"`
	Sets          []int   `yaml:"sets"`
	Convergence   float64 `yaml:"convergence"`
	AutoDelayMS   int     `yaml:"auto_delay_ms"`
	HistorySize   int     `yaml:"history_size"`
	AutoStart     bool    `yaml:"auto_start"`
	ExportDir     string  `yaml:"export_dir"`
}

// StrategyConfig parameterises the peak-ratio strategy of one data type.
type StrategyConfig struct {
	Kind          string  `yaml:"kind"`
	Target        float64 `yaml:"target"`
	MinCounts     float64 `yaml:"min_counts"`
	WindowMin     float64 `yaml:"window_min"`
	WindowMax     float64 `yaml:"window_max"`
	Invert        bool    `yaml:"invert"`
	AllowNegative bool    `yaml:"allow_negative"`
	Elements      int     `yaml:"elements"`
}

// ControlConfig contains remote operator control server settings
type ControlConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Port           int    `yaml:"port"`
	Transport      string `yaml:"transport"`
	MaxConnections int    `yaml:"max_connections"`
	WelcomeMessage string `yaml:"welcome_message"`
	Prompt         string `yaml:"prompt"`
	IdleTimeoutSec int    `yaml:"idle_timeout_seconds"`
}

// ConsoleConfig controls the interactive terminal console.
type ConsoleConfig struct {
	Enabled   bool `yaml:"enabled"`
	RefreshMS int  `yaml:"refresh_ms"`
}

// NotifyConfig contains MQTT event publication settings
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// LoggingConfig controls the daily log file sink.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and merges every *.yaml / *.yml file in dir.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config: %s is not a directory", dir)
	}
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("config: no YAML files in %s", dir)
	}

	merged := map[string]any{}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		mergeMaps(merged, doc)
	}

	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode merged config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode merged config: %w", err)
	}
	cfg.applyDefaults(merged)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = dir
	return &cfg, nil
}

// ResolveDir picks the configuration directory: an explicit path wins, then
// EnvPath, then DefaultDir.
func ResolveDir(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultDir
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: list %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// mergeMaps folds src into dst. Nested maps merge key by key; any other
// value, including lists, replaces what dst held.
func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				mergeMaps(dv, sv)
				continue
			}
			copied := map[string]any{}
			mergeMaps(copied, sv)
			dst[k] = copied
			continue
		}
		dst[k] = v
	}
}

func hasKey(raw map[string]any, path ...string) bool {
	cur := raw
	for i, p := range path {
		v, ok := cur[p]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

func (c *Config) applyDefaults(raw map[string]any) {
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = "data/calib.db"
	}
	if c.Database.BusyTimeoutMS <= 0 {
		c.Database.BusyTimeoutMS = 5000
	}
	if c.Database.PreflightTimeoutMS <= 0 {
		c.Database.PreflightTimeoutMS = 30000
	}
	if strings.TrimSpace(c.Histograms.Path) == "" {
		c.Histograms.Path = "data/histograms"
	}
	if c.Histograms.CacheSizeMB <= 0 {
		c.Histograms.CacheSizeMB = 32
	}
	if !hasKey(raw, "calibration", "convergence") {
		c.Calibration.Convergence = 1.0
	}
	if c.Calibration.HistorySize <= 0 {
		c.Calibration.HistorySize = 256
	}
	if strings.TrimSpace(c.Calibration.ExportDir) == "" {
		c.Calibration.ExportDir = "data/export"
	}
	if c.Control.Port == 0 {
		c.Control.Port = 7373
	}
	if strings.TrimSpace(c.Control.Transport) == "" {
		c.Control.Transport = TransportNative
	}
	c.Control.Transport = strings.ToLower(strings.TrimSpace(c.Control.Transport))
	if c.Control.MaxConnections <= 0 {
		c.Control.MaxConnections = 4
	}
	if c.Control.Prompt == "" {
		c.Control.Prompt = "calib> "
	}
	if c.Control.WelcomeMessage == "" {
		c.Control.WelcomeMessage = "calibkit operator control. Type HELP for commands."
	}
	if c.Console.RefreshMS <= 0 {
		c.Console.RefreshMS = 500
	}
	if c.Notify.Port == 0 {
		c.Notify.Port = 1883
	}
	if strings.TrimSpace(c.Notify.Topic) == "" {
		c.Notify.Topic = "calibkit/events"
	}
	if strings.TrimSpace(c.Notify.ClientID) == "" {
		c.Notify.ClientID = "calibkit"
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = "data/logs"
	}
	if !hasKey(raw, "logging", "retention_days") {
		c.Logging.RetentionDays = 14
	}
	for name, sc := range c.Strategies {
		if strings.TrimSpace(sc.Kind) == "" {
			sc.Kind = KindPeak
		}
		sc.Kind = strings.ToLower(strings.TrimSpace(sc.Kind))
		c.Strategies[name] = sc
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Control.Port < 1 || c.Control.Port > 65535 {
		errs = append(errs, fmt.Errorf("control.port %d out of range", c.Control.Port))
	}
	switch c.Control.Transport {
	case TransportNative, TransportZiutek:
	default:
		errs = append(errs, fmt.Errorf("control.transport %q must be %q or %q", c.Control.Transport, TransportNative, TransportZiutek))
	}
	if c.Control.IdleTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("control.idle_timeout_seconds must not be negative"))
	}
	if c.Notify.QoS < 0 || c.Notify.QoS > 2 {
		errs = append(errs, fmt.Errorf("notify.qos %d must be 0, 1 or 2", c.Notify.QoS))
	}
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.Broker) == "" {
		errs = append(errs, errors.New("notify.broker is required when notify is enabled"))
	}
	if c.Logging.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("logging.retention_days must not be negative"))
	}
	if f := c.Calibration.Convergence; f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		errs = append(errs, fmt.Errorf("calibration.convergence %v must be finite and non-negative", f))
	}
	if c.Calibration.AutoDelayMS < 0 {
		errs = append(errs, fmt.Errorf("calibration.auto_delay_ms must not be negative"))
	}
	if name := strings.TrimSpace(c.Calibration.DataType); name != "" {
		if _, err := datatype.Parse(name); err != nil {
			errs = append(errs, fmt.Errorf("calibration.data_type: %w", err))
		}
	}
	names := make([]string, 0, len(c.Strategies))
	for name := range c.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := validateStrategy(name, c.Strategies[name]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func validateStrategy(name string, sc StrategyConfig) error {
	dt, err := datatype.Parse(name)
	if err != nil {
		return fmt.Errorf("strategies.%s: %w", name, err)
	}
	switch sc.Kind {
	case KindPeak, KindMean:
	default:
		return fmt.Errorf("strategies.%s.kind %q must be %q or %q", name, sc.Kind, KindPeak, KindMean)
	}
	if sc.Target == 0 || math.IsNaN(sc.Target) || math.IsInf(sc.Target, 0) {
		return fmt.Errorf("strategies.%s.target must be finite and non-zero", name)
	}
	if sc.MinCounts < 0 {
		return fmt.Errorf("strategies.%s.min_counts must not be negative", name)
	}
	if sc.WindowMin != 0 || sc.WindowMax != 0 {
		if !(sc.WindowMax > sc.WindowMin) {
			return fmt.Errorf("strategies.%s window [%g,%g] is empty", name, sc.WindowMin, sc.WindowMax)
		}
	}
	if sc.Elements < 0 || sc.Elements > dt.Length() {
		return fmt.Errorf("strategies.%s.elements %d outside 0..%d", name, sc.Elements, dt.Length())
	}
	return nil
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("Config: %s\n", c.LoadedFrom)
	fmt.Printf("Database: %s (busy timeout %dms)\n", c.Database.Path, c.Database.BusyTimeoutMS)
	fmt.Printf("Histograms: %s (cache %dMB)\n", c.Histograms.Path, c.Histograms.CacheSizeMB)
	if c.Calibration.CalibrationID != "" {
		fmt.Printf("Calibration: %s %s sets %v (convergence %.3g)\n", c.Calibration.CalibrationID, c.Calibration.DataType, c.Calibration.Sets, c.Calibration.Convergence)
	}
	if len(c.Strategies) > 0 {
		names := make([]string, 0, len(c.Strategies))
		for name := range c.Strategies {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("Strategies: %s\n", strings.Join(names, ", "))
	}
	if c.Control.Enabled {
		fmt.Printf("Control: port %d (transport=%s, max connections=%d)\n", c.Control.Port, c.Control.Transport, c.Control.MaxConnections)
	}
	if c.Notify.Enabled {
		fmt.Printf("Notify: %s:%d (topic: %s)\n", c.Notify.Broker, c.Notify.Port, c.Notify.Topic)
	}
}
