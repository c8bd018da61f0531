package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Expected listen_addr :8080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Events.Backend != "local" {
		t.Errorf("Expected local events backend, got %s", cfg.Events.Backend)
	}
	if cfg.History.MaxEntries != 1000 {
		t.Errorf("Expected history cap 1000, got %d", cfg.History.MaxEntries)
	}
	if cfg.Maintenance.Interval != 5*time.Second {
		t.Errorf("Expected maintenance interval 5s, got %v", cfg.Maintenance.Interval)
	}
	if cfg.Maintenance.TickTimeout != cfg.Maintenance.Interval {
		t.Errorf("Expected tick timeout to default to the interval, got %v", cfg.Maintenance.TickTimeout)
	}
	if cfg.Server.PingInterval >= cfg.Server.ReadTimeout {
		t.Errorf("Expected ping interval below read timeout, got %v >= %v", cfg.Server.PingInterval, cfg.Server.ReadTimeout)
	}
	if !cfg.Diagnostics.AllowForceGC {
		t.Error("Expected force_gc enabled by default")
	}
}

func TestParse_Overrides(t *testing.T) {
	data := `
server:
  listen_addr: ":9000"
session:
  working_buffer_size: 4096
  min_update_interval: 50ms
  update_interval: 1s
history:
  max_entries: 10
diagnostics:
  allow_force_gc: false
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("Expected :9000, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Session.WorkingBufferSize != 4096 {
		t.Errorf("Expected 4096, got %d", cfg.Session.WorkingBufferSize)
	}
	if cfg.Session.MinUpdateInterval != 50*time.Millisecond {
		t.Errorf("Expected 50ms, got %v", cfg.Session.MinUpdateInterval)
	}
	if cfg.History.MaxEntries != 10 {
		t.Errorf("Expected 10, got %d", cfg.History.MaxEntries)
	}
	if cfg.Diagnostics.AllowForceGC {
		t.Error("Expected explicit allow_force_gc false to be kept")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad yaml", "server: [", "failed to parse"},
		{"unknown backend", "events:\n  backend: kafka\n", "events.backend"},
		{"ping not below read", "server:\n  read_timeout: 1s\n  ping_interval: 2s\n", "ping_interval"},
		{"update below min", "session:\n  min_update_interval: 1s\n  update_interval: 500ms\n", "update_interval"},
		{"negative history", "history:\n  max_entries: -1\n", "history.max_entries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestHotReloadManager_UpdateConfig(t *testing.T) {
	var applied atomic.Int32
	h := NewHotReloadManager(Default(), func(*Config) error {
		applied.Add(1)
		return nil
	})

	bad := Default()
	bad.History.MaxEntries = 0
	if err := h.UpdateConfig(bad); err == nil {
		t.Error("Expected invalid config to be rejected")
	}
	if applied.Load() != 0 {
		t.Error("Expected reload func not to run for an invalid config")
	}

	next := Default()
	next.Security.MaxConnections = 5
	if err := h.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if h.GetConfig() != next || applied.Load() != 1 {
		t.Error("Expected new config to be applied")
	}

	h = NewHotReloadManager(Default(), func(*Config) error { return errors.New("refused") })
	if err := h.UpdateConfig(Default()); err == nil {
		t.Error("Expected reload func error to propagate")
	}
}

func TestHotReloadManager_WatchConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("history:\n  max_entries: 10\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	reloaded := make(chan *Config, 1)
	h := NewHotReloadManager(initial, func(c *Config) error {
		reloaded <- c
		return nil
	})

	// Drive modification times explicitly so the test does not depend on
	// filesystem timestamp resolution
	var version atomic.Int64
	base := time.Now()
	h.stat = func(string) (time.Time, error) {
		return base.Add(time.Duration(version.Load()) * time.Second), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.WatchConfigFile(ctx, path, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte("history:\n  max_entries: 20\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	version.Store(1)

	select {
	case c := <-reloaded:
		if c.History.MaxEntries != 20 {
			t.Errorf("Expected reloaded max_entries 20, got %d", c.History.MaxEntries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestHotReloadManager_ReloadIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("history:\n  max_entries: 10\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	h := NewHotReloadManager(initial, nil)
	mt := time.Now()
	h.stat = func(string) (time.Time, error) { return mt, nil }
	h.modTime = mt

	if changed, err := h.reloadIfChanged(path); changed || err != nil {
		t.Errorf("Expected no reload for an unchanged file, got changed=%v err=%v", changed, err)
	}

	// An invalid file keeps the current configuration
	if err := os.WriteFile(path, []byte("history:\n  max_entries: -5\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	mt = mt.Add(time.Second)
	if _, err := h.reloadIfChanged(path); err == nil {
		t.Error("Expected invalid file to be rejected")
	}
	if h.GetConfig() != initial {
		t.Error("Expected current configuration kept")
	}

	// Going back in time still counts as a change
	if err := os.WriteFile(path, []byte("history:\n  max_entries: 30\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	mt = mt.Add(-time.Hour)
	changed, err := h.reloadIfChanged(path)
	if !changed || err != nil {
		t.Fatalf("Expected reload, got changed=%v err=%v", changed, err)
	}
	if got := h.GetConfig().History.MaxEntries; got != 30 {
		t.Errorf("Expected max_entries 30, got %d", got)
	}
}
