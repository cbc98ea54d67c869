package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"disnav/internal/config"
	"disnav/internal/disnav/log"
	"disnav/internal/disnav/styles"
	"disnav/internal/ui/colorize"
)

var rootCmd = &cobra.Command{
	Use:   "disnav",
	Short: "Navigate raw x86 code and execution traces",
	Long: `Disnav decodes and walks instruction boundaries in raw memory dumps, ELF images
and recorded execution traces. Bytes can be reinterpreted as typed data and ranges
folded into a single unit through an annotation file.`,
	Example: `
# Decode 20 instructions at the entry point of a binary
disnav decode /bin/ls -n 20

# Find the instruction 5 units before an address in a raw dump
disnav back dump.bin --raw --base 0x400000 --va 0x401234 -n 5

# Show the steps of a trace around step 1000
disnav trace list run.dntr --from 995 -n 10
  `,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		log.Setup(debug || os.Getenv("DISNAV_DEBUG") != "")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a JSON configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().Int("mode", 0, "Decoder mode, 32 or 64")
	rootCmd.PersistentFlags().String("syntax", "", "Instruction syntax, intel or gnu")
	rootCmd.PersistentFlags().Bool("long-data", false, "Use long data labels (dword instead of dd)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colour output")
}

// loadConfig reads --config and the environment, then applies explicit flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetInt("mode")
	}
	if flags.Changed("syntax") {
		cfg.Syntax, _ = flags.GetString("syntax")
	}
	if flags.Changed("long-data") {
		cfg.LongDataLabels, _ = flags.GetBool("long-data")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if cfg.Debug {
		slog.Debug("Loaded configuration", "mode", cfg.Mode, "syntax", cfg.Syntax, "pageBudget", cfg.PageBudget)
	}
	return cfg, nil
}

// useColor reports whether w is a terminal and colour was not disabled.
func useColor(cmd *cobra.Command, w io.Writer) bool {
	if off, _ := cmd.Flags().GetBool("no-color"); off || !colorize.Enabled() {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}

func painter(cmd *cobra.Command) styles.Painter {
	return styles.Painter{Color: useColor(cmd, cmd.OutOrStdout())}
}

func Execute() {
	// Bypass fang's styled help and errors when output is being piped
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
