package cmd

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"disnav/internal/annotate"
	"disnav/internal/config"
	"disnav/internal/disasm"
	"disnav/internal/elfx"
	"disnav/internal/symbols"
)

// source is the memory a command decodes: an ELF image or a raw dump.
type source struct {
	path  string
	image *elfx.Image // nil for raw dumps
	data  []byte      // raw dump contents
	base  uint64      // address of data[0]
	syms  *symbols.Symbolizer
}

func openSource(path string, raw bool, base uint64) (*source, error) {
	if !raw {
		im, err := elfx.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open image (use --raw for memory dumps): %w", err)
		}
		slog.Debug("Opened image", "file", path, "mode", im.Mode(), "symbols", len(im.Syms)+len(im.Dynsyms))
		return &source{path: path, image: im, syms: symbols.FromImage(im, nil)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		slog.Debug("Detected gzip compression", "file", path)
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress dump: %w", err)
		}
	}
	return &source{path: path, data: data, base: base}, nil
}

func (s *source) Close() error {
	if s.image != nil {
		return s.image.Close()
	}
	return nil
}

// mode is the decoder mode implied by the input, or 0 when the input does
// not say.
func (s *source) mode() int {
	if s.image != nil {
		return s.image.Mode()
	}
	return 0
}

// region returns the contiguous bytes holding va and the address of their
// first byte.
func (s *source) region(va uint64) ([]byte, uint64, error) {
	if s.image != nil {
		data, base, ok := s.image.CodeAt(va)
		if !ok {
			return nil, 0, fmt.Errorf("address %#x is not mapped in %s", va, s.path)
		}
		return data, base, nil
	}
	if va < s.base || va-s.base >= uint64(len(s.data)) {
		return nil, 0, fmt.Errorf("address %#x is outside the dump [%#x, %#x)", va, s.base, s.base+uint64(len(s.data)))
	}
	return s.data, s.base, nil
}

// location selects where a command starts.
type location struct {
	path        string
	raw         bool
	base        string
	va          string
	offset      string
	symbol      string
	annotations string
}

func addLocationFlags(c *cobra.Command) {
	c.Flags().Bool("raw", false, "Treat the file as a raw memory dump instead of an ELF image")
	c.Flags().String("base", "0", "Address of the first byte of a raw dump")
	c.Flags().String("va", "", "Start address (default: entry point or dump base)")
	c.Flags().String("offset", "", "Start at this many bytes into the dump or .text")
	c.Flags().String("symbol", "", "Start at a named function")
	c.Flags().StringP("annotations", "a", "", "JSON file of data overrides and folds")
}

func locationFromFlags(c *cobra.Command, path string) location {
	flags := c.Flags()
	loc := location{path: path}
	loc.raw, _ = flags.GetBool("raw")
	loc.base, _ = flags.GetString("base")
	loc.va, _ = flags.GetString("va")
	loc.offset, _ = flags.GetString("offset")
	loc.symbol, _ = flags.GetString("symbol")
	loc.annotations, _ = flags.GetString("annotations")
	return loc
}

// session is an opened source, its engine and the resolved start address.
type session struct {
	src   *source
	eng   *disasm.Engine
	start uint64
	cfg   config.Config
}

func openSession(cfg config.Config, loc location) (*session, error) {
	base, err := annotate.ParseAddress(loc.base)
	if err != nil {
		return nil, fmt.Errorf("invalid --base: %w", err)
	}
	src, err := openSource(loc.path, loc.raw, base)
	if err != nil {
		return nil, err
	}
	set, err := annotate.Load(loc.annotations)
	if err != nil {
		src.Close()
		return nil, err
	}
	if m := src.mode(); m != 0 {
		cfg.Mode = m
	}
	start, err := resolveStart(src, loc)
	if err != nil {
		src.Close()
		return nil, err
	}
	return &session{src: src, eng: newEngine(cfg, set, src.syms), start: start, cfg: cfg}, nil
}

func (s *session) Close() error { return s.src.Close() }

func newEngine(cfg config.Config, set *annotate.Set, syms *symbols.Symbolizer) *disasm.Engine {
	var opts []disasm.Option
	if set != nil {
		opts = append(opts, disasm.WithOverrides(set.Overrides), disasm.WithFolds(set.Folds))
	}
	if syms != nil && syms.Len() > 0 {
		opts = append(opts, disasm.WithSymbols(syms.Lookup))
	}
	return disasm.NewEngine(cfg.Disasm(), opts...)
}

func resolveStart(src *source, loc location) (uint64, error) {
	switch {
	case loc.va != "":
		va, err := annotate.ParseAddress(loc.va)
		if err != nil {
			return 0, fmt.Errorf("invalid --va: %w", err)
		}
		return va, nil
	case loc.symbol != "":
		if src.image == nil {
			return 0, fmt.Errorf("--symbol needs an ELF image")
		}
		va, ok := src.image.FindFunctionByName(loc.symbol)
		if !ok {
			return 0, fmt.Errorf("symbol %q not found", loc.symbol)
		}
		return va, nil
	case loc.offset != "":
		off, err := annotate.ParseAddress(loc.offset)
		if err != nil {
			return 0, fmt.Errorf("invalid --offset: %w", err)
		}
		if src.image != nil {
			return src.image.Text.VA + off, nil
		}
		return src.base + off, nil
	case src.image != nil:
		return src.image.File.Entry, nil
	}
	return src.base, nil
}
