package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func watcherLogger() *log.Logger {
	return log.New(os.Stdout, "[watcher-test] ", log.LstdFlags)
}

func writeWatcherTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func baseTestConfig() *Config {
	return &Config{
		ActiveBroker: "kotakneo",
		TradingMode:  ModePaper,
		Capital:      500000,
		Risk: RiskConfig{
			MaxRiskPerTradePct:      1.0,
			MaxOpenPositions:        5,
			MaxDailyLossPct:         3.0,
			MaxCapitalDeploymentPct: 80.0,
		},
		Sizing: SizingConfig{
			MaxPortfolioSize:       5,
			DefaultCapitalPerTrade: 100000,
			DailyReentryCap:        1,
		},
		Paths: PathsConfig{
			AIOutputDir: "./ai_outputs",
		},
	}
}

func TestConfigWatcher_DetectsChange(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	initial := baseTestConfig()
	writeWatcherTestConfig(t, cfgPath, initial)

	watcher := NewConfigWatcher(cfgPath, initial, watcherLogger())

	changed := make(chan bool, 1)
	watcher.OnChange(func(old, new *Config) {
		changed <- true
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	// Wait a moment then modify the file.
	time.Sleep(100 * time.Millisecond)
	updated := baseTestConfig()
	updated.Sizing.MaxPortfolioSize = 3 // change sizing param
	writeWatcherTestConfig(t, cfgPath, updated)

	// Manually trigger check instead of waiting for poll interval.
	watcher.checkForChanges()

	select {
	case <-changed:
		// Success — change was detected.
		current := watcher.Current()
		if current.Sizing.MaxPortfolioSize != 3 {
			t.Errorf("expected MaxPortfolioSize=3, got %d", current.Sizing.MaxPortfolioSize)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for config change notification")
	}
}

func TestConfigWatcher_IgnoresInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	initial := baseTestConfig()
	writeWatcherTestConfig(t, cfgPath, initial)

	watcher := NewConfigWatcher(cfgPath, initial, watcherLogger())

	changed := make(chan bool, 1)
	watcher.OnChange(func(old, new *Config) {
		changed <- true
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	// Write invalid JSON.
	time.Sleep(100 * time.Millisecond)
	os.WriteFile(cfgPath, []byte("not valid json"), 0644)
	watcher.checkForChanges()

	select {
	case <-changed:
		t.Error("should NOT fire callback for invalid JSON")
	case <-time.After(100 * time.Millisecond):
		// Good — invalid config was ignored.
	}

	// Config should still be the original.
	current := watcher.Current()
	if current.Sizing.MaxPortfolioSize != 5 {
		t.Errorf("expected original MaxPortfolioSize=5, got %d", current.Sizing.MaxPortfolioSize)
	}
}

func TestConfigWatcher_IgnoresNonReloadableChanges(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	initial := baseTestConfig()
	writeWatcherTestConfig(t, cfgPath, initial)

	watcher := NewConfigWatcher(cfgPath, initial, watcherLogger())

	changed := make(chan bool, 1)
	watcher.OnChange(func(old, new *Config) {
		changed <- true
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	// Change only a structural field, not sizing/pacing.
	time.Sleep(100 * time.Millisecond)
	updated := baseTestConfig()
	updated.Capital = 1000000
	writeWatcherTestConfig(t, cfgPath, updated)
	watcher.checkForChanges()

	select {
	case <-changed:
		t.Error("should NOT fire callback for non-reloadable changes")
	case <-time.After(100 * time.Millisecond):
		// Good.
	}
}

func TestConfigWatcher_IgnoresValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	initial := baseTestConfig()
	writeWatcherTestConfig(t, cfgPath, initial)

	watcher := NewConfigWatcher(cfgPath, initial, watcherLogger())

	changed := make(chan bool, 1)
	watcher.OnChange(func(old, new *Config) {
		changed <- true
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	// Write config that fails validation (max_open_positions = 0).
	time.Sleep(100 * time.Millisecond)
	updated := baseTestConfig()
	updated.Risk.MaxOpenPositions = 0 // invalid
	writeWatcherTestConfig(t, cfgPath, updated)
	watcher.checkForChanges()

	select {
	case <-changed:
		t.Error("should NOT fire callback for invalid config")
	case <-time.After(100 * time.Millisecond):
		// Good.
	}
}

func TestSizingOrPacingChanged(t *testing.T) {
	base := baseTestConfig()

	// Same config.
	if sizingOrPacingChanged(base, base) {
		t.Error("identical configs should not be flagged as changed")
	}

	// Change one sizing field.
	modified := baseTestConfig()
	modified.Sizing.MaxPortfolioSize = 3
	if !sizingOrPacingChanged(base, modified) {
		t.Error("should detect MaxPortfolioSize change")
	}

	// Change a pacing field.
	modified2 := baseTestConfig()
	modified2.Pacing.MaxWorkers = 20
	if !sizingOrPacingChanged(base, modified2) {
		t.Error("should detect MaxWorkers change")
	}

	// Non-reloadable field change should not register here (caller filters
	// via this function alone, so it must stay scoped to Sizing/Pacing).
	modified3 := baseTestConfig()
	modified3.Capital = 999999
	if sizingOrPacingChanged(base, modified3) {
		t.Error("capital change should not be reported as sizing/pacing change")
	}
}

func TestConfigWatcher_StopIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")
	writeWatcherTestConfig(t, cfgPath, baseTestConfig())

	watcher := NewConfigWatcher(cfgPath, baseTestConfig(), watcherLogger())
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Should not panic when called multiple times.
	watcher.Stop()
	watcher.Stop()
	watcher.Stop()
}
