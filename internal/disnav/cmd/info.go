package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"disnav/internal/disnav/styles"
	"disnav/internal/elfx"
	"disnav/internal/symbols"
)

const reportWidth = 100

// imageReport is the markdown summary of an ELF image.
func imageReport(im *elfx.Image, syms *symbols.Symbolizer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", im.Path)
	fmt.Fprintf(&b, "x86 %d-bit, entry `%s`\n\n", im.Mode(), syms.Label(im.File.Entry))

	fmt.Fprintf(&b, "## Sections\n\n| Section | Address | Size |\n|---|---|---|\n")
	for _, s := range []elfx.Section{im.Text, im.PLT, im.PLTSec, im.Rodata, im.Data} {
		if s.Size == 0 {
			continue
		}
		fmt.Fprintf(&b, "| %s | `%#x` | %d |\n", s.Name, s.VA, s.Size)
	}

	fmt.Fprintf(&b, "\n## Symbols\n\n")
	fmt.Fprintf(&b, "- %d static, %d dynamic, %d named\n", len(im.Syms), len(im.Dynsyms), syms.Len())
	if len(im.PLTStubs) > 0 {
		fmt.Fprintf(&b, "- %d PLT stubs\n", len(im.PLTStubs))
		for _, stub := range im.PLTStubs {
			name, ok := im.PLTName(stub.Addr)
			if !ok {
				continue
			}
			line := fmt.Sprintf("  - `%#x` %s", stub.Addr, symbols.Demangle(name))
			if target, ok := im.ResolvePLTTarget(stub.Addr); ok {
				line += fmt.Sprintf(" -> `%s`", syms.Label(target))
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

var infoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Summarize an ELF image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := openSource(args[0], false, 0)
		if err != nil {
			return err
		}
		defer src.Close()
		return writeReport(cmd.OutOrStdout(), imageReport(src.image, src.syms), painter(cmd).Color)
	},
}

func writeReport(w io.Writer, md string, color bool) error {
	if color {
		if out, err := styles.RenderMarkdown(md, reportWidth); err == nil {
			md = out
		}
	}
	_, err := io.WriteString(w, md)
	return err
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
