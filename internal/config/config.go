// Package config loads the settings shared by the disassembly engine and the
// trace reader. A Config is a plain value: it is built once, validated and
// then passed into the components that need it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"disnav/internal/disasm"
	"disnav/internal/trace"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents configuration for disnav.
type Config struct {
	Mode                 int    `json:"mode" jsonschema:"title=Mode,description=Decoder operand size in bits,enum=32,enum=64,default=64"`
	Syntax               string `json:"syntax" jsonschema:"title=Syntax,description=Instruction text dialect,enum=intel,enum=gnu,default=intel"`
	LongDataLabels       bool   `json:"longDataLabels,omitempty" jsonschema:"title=Long Data Labels,description=Print dword instead of dd for data overrides"`
	MaxInstructionLength int    `json:"maxInstructionLength,omitempty" jsonschema:"title=Max Instruction Length,description=Bytes per unit assumed by backward scans,minimum=1,default=16"`
	BackScanLimit        int    `json:"backScanLimit,omitempty" jsonschema:"title=Back Scan Limit,description=Unit boundaries remembered by backward scans,minimum=1,maximum=128,default=128"`
	PageBudget           int64  `json:"pageBudget,omitempty" jsonschema:"title=Page Budget,description=Bytes of trace file per page,minimum=1,default=1048576"`
	MaxCachedPages       int    `json:"maxCachedPages,omitempty" jsonschema:"title=Max Cached Pages,description=Trace pages kept in memory,minimum=1,default=32"`
	Debug                bool   `json:"debug,omitempty" jsonschema:"title=Debug,description=Enable debug logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mode:                 64,
		Syntax:               string(disasm.SyntaxIntel),
		MaxInstructionLength: disasm.DefaultMaxInstructionLength,
		BackScanLimit:        128,
		PageBudget:           trace.DefaultPageBudget,
		MaxCachedPages:       trace.DefaultMaxCachedPages,
	}
}

// Load reads the JSON file at path over the defaults and applies DISNAV_*
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		name string
		set  func(int64)
	}{
		{"DISNAV_MODE", func(v int64) { c.Mode = int(v) }},
		{"DISNAV_PAGE_BUDGET", func(v int64) { c.PageBudget = v }},
		{"DISNAV_MAX_PAGES", func(v int64) { c.MaxCachedPages = int(v) }},
	}
	for _, e := range ints {
		s, ok := lookup(e.name)
		if !ok || s == "" {
			continue
		}
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, e.name, s, err)
		}
		e.set(v)
	}
	if s, ok := lookup("DISNAV_SYNTAX"); ok && s != "" {
		c.Syntax = s
	}
	if s, ok := lookup("DISNAV_LONG_DATA"); ok && s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%w: DISNAV_LONG_DATA=%q: %w", ErrInvalidConfig, s, err)
		}
		c.LongDataLabels = v
	}
	return nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.Mode != 32 && c.Mode != 64:
		return fmt.Errorf("%w: mode %d, want 32 or 64", ErrInvalidConfig, c.Mode)
	case c.Syntax != string(disasm.SyntaxIntel) && c.Syntax != string(disasm.SyntaxGNU):
		return fmt.Errorf("%w: syntax %q, want intel or gnu", ErrInvalidConfig, c.Syntax)
	case c.MaxInstructionLength < 1:
		return fmt.Errorf("%w: maxInstructionLength %d", ErrInvalidConfig, c.MaxInstructionLength)
	case c.BackScanLimit < 1 || c.BackScanLimit > 128:
		return fmt.Errorf("%w: backScanLimit %d, want 1..128", ErrInvalidConfig, c.BackScanLimit)
	case c.PageBudget < 1:
		return fmt.Errorf("%w: pageBudget %d", ErrInvalidConfig, c.PageBudget)
	case c.MaxCachedPages < 1:
		return fmt.Errorf("%w: maxCachedPages %d", ErrInvalidConfig, c.MaxCachedPages)
	}
	return nil
}

// Disasm returns the engine settings.
func (c Config) Disasm() disasm.Config {
	return disasm.Config{
		Mode:                 c.Mode,
		Syntax:               disasm.Syntax(c.Syntax),
		LongDataLabels:       c.LongDataLabels,
		MaxInstructionLength: c.MaxInstructionLength,
		BackScanLimit:        c.BackScanLimit,
	}
}

// Trace returns the trace reader settings.
func (c Config) Trace() trace.Options {
	return trace.Options{PageBudget: c.PageBudget, MaxCachedPages: c.MaxCachedPages}
}
