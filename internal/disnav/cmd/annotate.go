package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"disnav/internal/annotate"
	"disnav/internal/disasm"
)

type annotateOptions struct {
	overrides []string // addr:kind[:width]
	folds     []string // begin:end
	remove    []string // addr
	expand    []string // addr inside a fold
	collapse  []string // addr inside a fold
}

func parseOverride(s string) (uint64, disasm.DataOverride, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, disasm.DataOverride{}, fmt.Errorf("override %q: want addr:kind[:width]", s)
	}
	addr, err := annotate.ParseAddress(parts[0])
	if err != nil {
		return 0, disasm.DataOverride{}, fmt.Errorf("override %q: %w", s, err)
	}
	kind, err := disasm.ParseDataKind(parts[1])
	if err != nil {
		return 0, disasm.DataOverride{}, fmt.Errorf("override %q: %w", s, err)
	}
	ov := disasm.DataOverride{Type: kind}
	if len(parts) == 3 {
		if ov.Width, err = strconv.Atoi(parts[2]); err != nil {
			return 0, disasm.DataOverride{}, fmt.Errorf("override %q: bad width: %w", s, err)
		}
	}
	return addr, ov, nil
}

func parseFold(s string) (uint64, uint64, error) {
	b, e, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("fold %q: want begin:end", s)
	}
	begin, err := annotate.ParseAddress(b)
	if err != nil {
		return 0, 0, fmt.Errorf("fold %q: %w", s, err)
	}
	end, err := annotate.ParseAddress(e)
	if err != nil {
		return 0, 0, fmt.Errorf("fold %q: %w", s, err)
	}
	return begin, end, nil
}

// runAnnotate edits the annotation file at path, creating it if needed, and
// prints the result.
func runAnnotate(w io.Writer, path string, opts annotateOptions) error {
	set, err := annotate.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		set, err = annotate.NewSet(), nil
	}
	if err != nil {
		return err
	}

	for _, s := range opts.remove {
		addr, err := annotate.ParseAddress(s)
		if err != nil {
			return fmt.Errorf("remove %q: %w", s, err)
		}
		if !set.Overrides.Remove(addr) && !set.Folds.Remove(addr) {
			return fmt.Errorf("no annotation at %#x", addr)
		}
	}
	for _, s := range opts.overrides {
		addr, ov, err := parseOverride(s)
		if err != nil {
			return err
		}
		if err := set.Overrides.Set(addr, ov); err != nil {
			return err
		}
	}
	for _, s := range opts.folds {
		begin, end, err := parseFold(s)
		if err != nil {
			return err
		}
		if err := set.Folds.Add(begin, end); err != nil {
			return err
		}
	}

	for _, group := range []struct {
		addrs  []string
		folded bool
	}{{opts.expand, false}, {opts.collapse, true}} {
		for _, s := range group.addrs {
			addr, err := annotate.ParseAddress(s)
			if err != nil {
				return fmt.Errorf("fold state %q: %w", s, err)
			}
			if !set.Folds.SetFolded(addr, group.folded) {
				return fmt.Errorf("no fold contains %#x", addr)
			}
		}
	}

	if err := set.Save(path); err != nil {
		return err
	}
	set.Overrides.Each(func(addr uint64, ov disasm.DataOverride) {
		fmt.Fprintf(w, "%#x  %-8s %d bytes\n", addr, ov.Type, ov.Extent())
	})
	for _, r := range set.Folds.Regions() {
		state := "folded"
		if !r.Folded {
			state = "expanded"
		}
		fmt.Fprintf(w, "%#x-%#x  %s\n", r.Begin, r.End, state)
	}
	return nil
}

var annotateCmd = &cobra.Command{
	Use:   "annotate <annotations.json>",
	Short: "Add or remove data overrides and folds",
	Example: `
# Mark a dword and a 16-byte string, fold a padding run
disnav annotate notes.json --override 0x401000:dword --override 0x401010:ascii:16 --fold 0x401020:0x40103f

# Drop the annotation starting at an address
disnav annotate notes.json --remove 0x401000
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts annotateOptions
		opts.overrides, _ = cmd.Flags().GetStringArray("override")
		opts.folds, _ = cmd.Flags().GetStringArray("fold")
		opts.remove, _ = cmd.Flags().GetStringArray("remove")
		opts.expand, _ = cmd.Flags().GetStringArray("expand")
		opts.collapse, _ = cmd.Flags().GetStringArray("collapse")
		return runAnnotate(cmd.OutOrStdout(), args[0], opts)
	},
}

func init() {
	annotateCmd.Flags().StringArray("override", nil, "Data override as addr:kind[:width]")
	annotateCmd.Flags().StringArray("fold", nil, "Folded region as begin:end (inclusive)")
	annotateCmd.Flags().StringArray("remove", nil, "Remove the override or fold starting at addr")
	annotateCmd.Flags().StringArray("expand", nil, "Expand the fold containing addr")
	annotateCmd.Flags().StringArray("collapse", nil, "Fold the region containing addr again")
	rootCmd.AddCommand(annotateCmd)
}
