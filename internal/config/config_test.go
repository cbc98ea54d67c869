package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"disnav/internal/disasm"
	"disnav/internal/trace"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disnav.json")
	if err := os.WriteFile(path, []byte(`{"mode": 32, "syntax": "gnu", "pageBudget": 4096}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DISNAV_MAX_PAGES", "4")
	t.Setenv("DISNAV_LONG_DATA", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.Mode = 32
	want.Syntax = "gnu"
	want.PageBudget = 4096
	want.MaxCachedPages = 4
	want.LongDataLabels = true
	if cfg != want {
		t.Errorf("Load() = %+v, want %+v", cfg, want)
	}

	d := cfg.Disasm()
	if d.Mode != 32 || d.Syntax != disasm.SyntaxGNU || !d.LongDataLabels {
		t.Errorf("Disasm() = %+v", d)
	}
	if got := cfg.Trace(); got != (trace.Options{PageBudget: 4096, MaxCachedPages: 4}) {
		t.Errorf("Trace() = %+v", got)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disnav.json")
	if err := os.WriteFile(path, []byte(`{"mode": 32}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DISNAV_MODE", "64")
	t.Setenv("DISNAV_PAGE_BUDGET", "0x100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != 64 || cfg.PageBudget != 0x100 {
		t.Errorf("Load() = %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"mode":`), 0o644); err != nil {
		t.Fatal(err)
	}
	invalid := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(invalid, []byte(`{"mode": 16}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		env     map[string]string
		invalid bool
	}{
		{name: "missing file", path: filepath.Join(dir, "nope.json")},
		{name: "malformed json", path: bad},
		{name: "bad mode", path: invalid, invalid: true},
		{name: "bad env int", env: map[string]string{"DISNAV_MODE": "sixty-four"}, invalid: true},
		{name: "bad env bool", env: map[string]string{"DISNAV_LONG_DATA": "maybe"}, invalid: true},
		{name: "bad syntax", env: map[string]string{"DISNAV_SYNTAX": "att"}, invalid: true},
		{name: "zero pages", env: map[string]string{"DISNAV_MAX_PAGES": "0"}, invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrInvalidConfig); got != tt.invalid {
				t.Errorf("errors.Is(%v, ErrInvalidConfig) = %v, want %v", err, got, tt.invalid)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"instruction length", func(c *Config) { c.MaxInstructionLength = 0 }},
		{"scan limit high", func(c *Config) { c.BackScanLimit = 129 }},
		{"scan limit low", func(c *Config) { c.BackScanLimit = 0 }},
		{"page budget", func(c *Config) { c.PageBudget = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
