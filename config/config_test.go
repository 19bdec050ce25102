package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", `database:
  path: "/tmp/calib.db"
calibration:
  calibration_id: "B1"
  sets: [0, 1]
control:
  enabled: true
  port: 9000
`)
	writeConfig(t, dir, "strategies.yaml", `calibration:
  data_type: "CB_T0"
control:
  transport: "ZIUTEK"
strategies:
  CB_T0:
    target: 0
    kind: mean
  CB_E1:
    target: 135
    min_counts: 50
    window_min: 80
    window_max: 200
`)
	writeConfig(t, dir, "zz_override.yml", `strategies:
  CB_T0:
    target: 2.5
`)
	writeConfig(t, dir, "notes.txt", "not yaml: [")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := filepath.Clean(cfg.LoadedFrom); got != filepath.Clean(dir) {
		t.Fatalf("expected LoadedFrom=%s, got %s", dir, got)
	}
	if cfg.Database.Path != "/tmp/calib.db" || cfg.Calibration.CalibrationID != "B1" || cfg.Calibration.DataType != "CB_T0" {
		t.Fatalf("sections did not merge: %+v %+v", cfg.Database, cfg.Calibration)
	}
	if len(cfg.Calibration.Sets) != 2 || cfg.Calibration.Sets[1] != 1 {
		t.Fatalf("unexpected sets %v", cfg.Calibration.Sets)
	}
	if cfg.Control.Port != 9000 || cfg.Control.Transport != TransportZiutek {
		t.Fatalf("unexpected control %+v", cfg.Control)
	}
	cb := cfg.Strategies["CB_T0"]
	if cb.Target != 2.5 || cb.Kind != KindMean {
		t.Fatalf("later file must override single keys, got %+v", cb)
	}
	if e := cfg.Strategies["CB_E1"]; e.Kind != KindPeak || e.MinCounts != 50 {
		t.Fatalf("unexpected CB_E1 strategy %+v", e)
	}
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", "logging:\n  enabled: true\n")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Calibration.Convergence != 1.0 {
		t.Fatalf("expected default convergence 1.0, got %v", cfg.Calibration.Convergence)
	}
	if cfg.Logging.RetentionDays != 14 {
		t.Fatalf("expected default retention 14, got %d", cfg.Logging.RetentionDays)
	}
	if cfg.Control.Transport != TransportNative || cfg.Control.Port != 7373 {
		t.Fatalf("unexpected control defaults %+v", cfg.Control)
	}
	if cfg.Notify.Topic != "calibkit/events" || cfg.Notify.Port != 1883 {
		t.Fatalf("unexpected notify defaults %+v", cfg.Notify)
	}
}

func TestExplicitZeroesSurviveDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", "calibration:\n  convergence: 0\nlogging:\n  retention_days: 0\n")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Calibration.Convergence != 0 || cfg.Logging.RetentionDays != 0 {
		t.Fatalf("explicit zeroes were overwritten: %v %d", cfg.Calibration.Convergence, cfg.Logging.RetentionDays)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"transport":      "control:\n  transport: \"ssh\"\n",
		"qos":            "notify:\n  qos: 3\n",
		"broker":         "notify:\n  enabled: true\n",
		"convergence":    "calibration:\n  convergence: -0.5\n",
		"data type":      "calibration:\n  data_type: \"CB_TO\"\n",
		"strategy name":  "strategies:\n  CB_TZERO:\n    target: 1\n",
		"strategy kind":  "strategies:\n  CB_T0:\n    target: 1\n    kind: gauss3\n",
		"target":         "strategies:\n  CB_T0:\n    kind: peak\n",
		"window":         "strategies:\n  CB_T0:\n    target: 1\n    window_min: 5\n    window_max: 5\n",
		"elements":       "strategies:\n  PID_PHI:\n    target: 1\n    elements: 25\n",
		"retention":      "logging:\n  retention_days: -1\n",
		"malformed yaml": "control: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, "app.yaml", body)
			if _, err := Load(dir); err == nil {
				t.Fatalf("expected Load() to fail")
			}
		})
	}
}

func TestUnknownDataTypeSuggestsName(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", "calibration:\n  data_type: \"CB_TO\"\n")
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "CB_T0") {
		t.Fatalf("expected a suggestion for CB_T0, got %v", err)
	}
}

func TestLoadRejectsSingleFilePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	writeConfig(t, dir, "runtime.yaml", "control:\n  port: 9300\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load() to reject non-directory config path")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected Load() to reject an empty directory")
	}
}

func TestResolveDir(t *testing.T) {
	t.Setenv(EnvPath, "/etc/calibkit")
	if got := ResolveDir(" ./cfg "); got != "./cfg" {
		t.Fatalf("explicit path must win, got %q", got)
	}
	if got := ResolveDir(""); got != "/etc/calibkit" {
		t.Fatalf("expected env path, got %q", got)
	}
	t.Setenv(EnvPath, "")
	if got := ResolveDir(""); got != DefaultDir {
		t.Fatalf("expected default dir, got %q", got)
	}
}
