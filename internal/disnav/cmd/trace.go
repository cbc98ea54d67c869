package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"disnav/internal/annotate"
	"disnav/internal/config"
	"disnav/internal/disasm"
	"disnav/internal/disnav/styles"
	"disnav/internal/trace"
)

// openTrace opens a trace and waits for its index.
func openTrace(ctx context.Context, cfg config.Config, path string) (*trace.Reader, error) {
	r, err := trace.Open(ctx, path, cfg.Trace())
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := r.Wait(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to index trace: %w", err)
	}
	slog.Debug("Trace ready", "file", path, "elapsed", time.Since(start))
	return r, nil
}

// traceEngine decodes in the trace's own mode with optional annotations.
func traceEngine(cfg config.Config, r *trace.Reader, annotations string) (*disasm.Engine, error) {
	set, err := annotate.Load(annotations)
	if err != nil {
		return nil, err
	}
	cfg.Mode = r.Header().Mode()
	return newEngine(cfg, set, nil), nil
}

// traceReport is the markdown summary of a trace file.
func traceReport(path string, r *trace.Reader) (string, error) {
	steps, err := r.Len()
	if err != nil {
		return "", err
	}
	pages, err := r.PageCount()
	if err != nil {
		return "", err
	}
	h := r.Header()
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", path)
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Architecture | `%s` |\n", h.Arch)
	fmt.Fprintf(&b, "| Version | %d |\n", h.Version)
	fmt.Fprintf(&b, "| Pointer size | %d |\n", h.PointerSize)
	fmt.Fprintf(&b, "| Registers | %d |\n", h.RegisterCount)
	fmt.Fprintf(&b, "| Steps | %d |\n", steps)
	fmt.Fprintf(&b, "| Pages | %d |\n", pages)
	if steps > 0 {
		first, err := r.Step(0)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\nExecution starts at `%#x` on thread %d.\n", first.Registers.IP(), first.ThreadID)
	}
	return b.String(), nil
}

func runTraceInfo(w io.Writer, r *trace.Reader, path string, paint styles.Painter) error {
	md, err := traceReport(path, r)
	if err != nil {
		return err
	}
	return writeReport(w, md, paint.Color)
}

// runTraceStep prints every field of one step.
func runTraceStep(w io.Writer, r *trace.Reader, eng *disasm.Engine, index uint64, paint styles.Painter) error {
	step, err := r.Step(index)
	if err != nil {
		return err
	}
	h := r.Header()
	u, err := r.Instruction(index, eng)
	if err != nil {
		return err
	}
	l := listing{syntax: string(eng.Config().Syntax), mode: h.Mode(), regs: true, paint: paint}

	fmt.Fprintln(w, paint.Paint(styles.Title, fmt.Sprintf("step %d", index)))
	fmt.Fprintln(w, paint.KV("thread", fmt.Sprint(step.ThreadID)))
	fmt.Fprintln(w, l.line(step.Registers.IP(), u))

	names := h.RegisterNames()
	width := int(h.PointerSize) * 2
	for i, v := range step.Registers {
		fmt.Fprintf(w, "  %-7s %s\n", paint.Paint(styles.Label, names[i]), paint.Paint(styles.Value, fmt.Sprintf("%0*x", width, v)))
	}
	for i, a := range step.Accesses {
		state := ""
		if !a.Valid {
			state = " (invalid)"
		}
		style := styles.Read
		if a.Old != a.New {
			style = styles.Write
		}
		fmt.Fprintf(w, "  mem[%d] %s %s -> %s%s\n", i,
			paint.Paint(styles.Address, fmt.Sprintf("%#x", a.Address)),
			fmt.Sprintf("%#x", a.Old),
			paint.Paint(style, fmt.Sprintf("%#x", a.New)),
			paint.Paint(styles.Warn, state))
	}
	return nil
}

// runTraceList prints a listing of count steps starting at from.
func runTraceList(w io.Writer, r *trace.Reader, eng *disasm.Engine, from uint64, count int, paint styles.Painter) error {
	total, err := r.Len()
	if err != nil {
		return err
	}
	if from >= total && total > 0 {
		return fmt.Errorf("step %d of %d: %w", from, total, trace.ErrStepOutOfRange)
	}
	l := listing{syntax: string(eng.Config().Syntax), mode: r.Header().Mode(), paint: paint}
	end := min(total, from+uint64(max(count, 0)))
	for i := from; i < end; i++ {
		p, idx, err := r.StepPage(i)
		if err != nil {
			return err
		}
		u, err := r.Instruction(i, eng)
		if err != nil {
			return err
		}
		prefix := fmt.Sprintf("%8d %5d  ", i, p.ThreadID(idx))
		fmt.Fprintln(w, paint.Paint(styles.Label, prefix)+l.line(p.IP(idx), u))
	}
	return nil
}

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect recorded execution traces",
}

var traceInfoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Summarize a trace file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		r, err := openTrace(cmd.Context(), cfg, args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		return runTraceInfo(cmd.OutOrStdout(), r, args[0], painter(cmd))
	},
}

var traceStepCmd = &cobra.Command{
	Use:   "step <file> <index>",
	Short: "Show registers, memory accesses and the instruction of one step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := annotate.ParseAddress(args[1])
		if err != nil {
			return fmt.Errorf("invalid step index: %w", err)
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		r, err := openTrace(cmd.Context(), cfg, args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		annotations, _ := cmd.Flags().GetString("annotations")
		eng, err := traceEngine(cfg, r, annotations)
		if err != nil {
			return err
		}
		return runTraceStep(cmd.OutOrStdout(), r, eng, index, painter(cmd))
	},
}

var traceListCmd = &cobra.Command{
	Use:   "list <file>",
	Short: "Decode consecutive steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		r, err := openTrace(cmd.Context(), cfg, args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		annotations, _ := cmd.Flags().GetString("annotations")
		eng, err := traceEngine(cfg, r, annotations)
		if err != nil {
			return err
		}
		from, _ := cmd.Flags().GetUint64("from")
		count, _ := cmd.Flags().GetInt("count")
		return runTraceList(cmd.OutOrStdout(), r, eng, from, count, painter(cmd))
	},
}

func init() {
	for _, c := range []*cobra.Command{traceStepCmd, traceListCmd} {
		c.Flags().StringP("annotations", "a", "", "JSON file of data overrides and folds")
	}
	traceListCmd.Flags().Uint64("from", 0, "First step")
	traceListCmd.Flags().IntP("count", "n", 32, "Number of steps")

	traceCmd.AddCommand(traceInfoCmd, traceStepCmd, traceListCmd)
	rootCmd.AddCommand(traceCmd)
}
