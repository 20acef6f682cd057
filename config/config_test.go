package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ossim.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
# sample config
page_size    = 4
page_number  = 16
memory_clock = 30
sched_clock  = 10
cpu_clock    = 60
quantum      = 2
swap_dir     = /tmp/swap
output_dir   = /tmp/out
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Config{
		PageSize: 4, PageNumber: 16, MemoryClock: 30, SchedClock: 10,
		CPUClock: 60, Quantum: 2, SwapDir: "/tmp/swap", OutputDir: "/tmp/out",
	}
	if cfg != want {
		t.Fatalf("expected %+v, got %+v", want, cfg)
	}
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	path := writeConfig(t, "quantum = 8\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if cfg.Quantum != 8 {
		t.Fatalf("expected quantum overridden to 8, got %d", cfg.Quantum)
	}
	if cfg.PageSize != def.PageSize || cfg.SwapDir != def.SwapDir {
		t.Fatalf("expected other settings to keep their defaults, got %+v", cfg)
	}
}

func TestLoadIgnoresCommentsAndBlankLines(t *testing.T) {
	path := writeConfig(t, "\n  # just a comment\n\npage_size = 2 # inline note\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PageSize != 2 {
		t.Fatalf("expected page_size 2, got %d", cfg.PageSize)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "bogus = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown setting")
	}
}

func TestLoadRejectsNonPositiveNumber(t *testing.T) {
	path := writeConfig(t, "quantum = 0\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for non-positive quantum")
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	path := writeConfig(t, "not a setting\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for line missing '='")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.conf")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
