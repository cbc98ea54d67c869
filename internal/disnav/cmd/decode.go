package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"disnav/internal/disasm"
	"disnav/internal/disnav/styles"
	"disnav/internal/symbols"
	"disnav/internal/ui/colorize"
)

// bytesWidth is the width of the hex column; longer encodings overflow it.
const bytesWidth = 24

// listing renders decoded units one per line.
type listing struct {
	syms   *symbols.Symbolizer
	syntax string
	mode   int
	regs   bool
	paint  styles.Painter
}

func (l listing) address(addr uint64) string {
	if l.mode == 64 {
		return fmt.Sprintf("%016x", addr)
	}
	return fmt.Sprintf("%08x", addr)
}

func unitBytes(u disasm.Unit) string {
	switch v := u.(type) {
	case disasm.Code:
		return v.FormatBytes()
	case disasm.Data:
		return strings.ToUpper(hex.EncodeToString(v.Bytes))
	}
	return ""
}

// comment describes what a line does beyond its text.
func (l listing) comment(addr uint64, u disasm.Unit) string {
	var parts []string
	switch v := u.(type) {
	case disasm.Code:
		if v.Branch != disasm.BranchNone {
			parts = append(parts, fmt.Sprintf("%s -> %s", v.Branch, l.syms.Label(v.BranchTarget)))
		}
		if l.regs && len(v.Registers) > 0 {
			regs := make([]string, 0, len(v.Registers))
			for _, r := range v.Registers {
				s := r.Name + ":" + r.Kind.String()
				if r.Implicit {
					s += "*"
				}
				regs = append(regs, s)
			}
			parts = append(parts, strings.Join(regs, " "))
		}
	case disasm.Folded:
		parts = append(parts, fmt.Sprintf("folded %#x-%#x", v.Begin, v.End))
	}
	if len(parts) == 0 {
		if name, base := l.syms.Lookup(addr); name != "" && base == addr {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "; ")
}

func (l listing) line(addr uint64, u disasm.Unit) string {
	text := disasm.Text(u)
	if f, ok := u.(disasm.Folded); ok {
		text = fmt.Sprintf("... %d bytes", f.Length)
	}
	if !l.paint.Color {
		return strings.TrimRight(plainLine(l.address(addr), unitBytes(u), text, l.comment(addr, u)), " ")
	}
	return colorize.Line(l.address(addr), unitBytes(u), bytesWidth, text, l.syntax, l.comment(addr, u))
}

func plainLine(addr, bytesCol, text, comment string) string {
	line := fmt.Sprintf("%s  %-*s  %s", addr, bytesWidth, bytesCol, text)
	if comment != "" {
		line += "  ; " + comment
	}
	return line
}

// unitJSON is the --json form of a decoded unit.
type unitJSON struct {
	Address   string   `json:"address"`
	Kind      string   `json:"kind"`
	Length    int      `json:"length"`
	Bytes     string   `json:"bytes,omitempty"`
	Text      string   `json:"text"`
	Branch    string   `json:"branch,omitempty"`
	Target    string   `json:"target,omitempty"`
	Registers []string `json:"registers,omitempty"`
}

func toJSON(addr uint64, u disasm.Unit) unitJSON {
	j := unitJSON{
		Address: fmt.Sprintf("%#x", addr),
		Kind:    u.Kind().String(),
		Length:  u.Len(),
		Bytes:   hex.EncodeToString(disasm.RawBytes(u)),
		Text:    disasm.Text(u),
	}
	if c, ok := u.(disasm.Code); ok {
		if c.Branch != disasm.BranchNone {
			j.Branch = c.Branch.String()
			j.Target = fmt.Sprintf("%#x", c.BranchTarget)
		}
		for _, r := range c.Registers {
			j.Registers = append(j.Registers, r.Name+":"+r.Kind.String())
		}
	}
	return j
}

type decodeOptions struct {
	count int
	regs  bool
	json  bool
}

// runDecode prints count units forward from the session start.
func runDecode(w io.Writer, s *session, paint styles.Painter, opts decodeOptions) error {
	data, base, err := s.src.region(s.start)
	if err != nil {
		return err
	}
	l := listing{syms: s.src.syms, syntax: s.cfg.Syntax, mode: s.cfg.Mode, regs: opts.regs, paint: paint}
	enc := json.NewEncoder(w)

	rva := s.start - base
	for i := 0; i < opts.count && rva < uint64(len(data)); i++ {
		u := s.eng.DecodeAt(data, base, rva, true)
		if u == nil {
			break
		}
		addr := base + rva
		if opts.json {
			if err := enc.Encode(toJSON(addr, u)); err != nil {
				return fmt.Errorf("failed to encode unit: %w", err)
			}
		} else {
			fmt.Fprintln(w, l.line(addr, u))
		}
		rva += uint64(u.Len())
	}
	return nil
}

type navDirection int

const (
	navForward navDirection = iota
	navBackward
)

// runNavigate prints the address n units away from the session start and
// the unit found there.
func runNavigate(w io.Writer, s *session, paint styles.Painter, dir navDirection, n int) error {
	data, base, err := s.src.region(s.start)
	if err != nil {
		return err
	}
	ip := s.start - base
	size := uint64(len(data))
	var rva uint64
	if dir == navForward {
		rva = s.eng.NavigateForward(data, base, size, ip, n)
	} else {
		rva = s.eng.NavigateBackward(data, base, size, ip, n)
	}

	l := listing{syms: s.src.syms, syntax: s.cfg.Syntax, mode: s.cfg.Mode, paint: paint}
	if rva >= size {
		fmt.Fprintf(w, "%s  (end of buffer)\n", paint.Paint(styles.Address, l.address(base+rva)))
		return nil
	}
	fmt.Fprintln(w, l.line(base+rva, s.eng.DecodeAt(data, base, rva, true)))
	return nil
}

var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decode units forward from an address",
	Example: `
# Decode main with register accesses
disnav decode ./a.out --symbol main --regs

# Decode a raw dump with annotations, as JSON lines
disnav decode dump.bin --raw --base 0x140001000 -a notes.json --json
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openSession(cfg, locationFromFlags(cmd, args[0]))
		if err != nil {
			return err
		}
		defer s.Close()

		var opts decodeOptions
		opts.count, _ = cmd.Flags().GetInt("count")
		opts.regs, _ = cmd.Flags().GetBool("regs")
		opts.json, _ = cmd.Flags().GetBool("json")
		return runDecode(cmd.OutOrStdout(), s, painter(cmd), opts)
	},
}

func navCommand(use, short string, dir navDirection) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <file>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cfg, locationFromFlags(cmd, args[0]))
			if err != nil {
				return err
			}
			defer s.Close()
			n, _ := cmd.Flags().GetInt("count")
			return runNavigate(cmd.OutOrStdout(), s, painter(cmd), dir, n)
		},
	}
	addLocationFlags(c)
	c.Flags().IntP("count", "n", 1, "Number of units to move")
	return c
}

func init() {
	addLocationFlags(decodeCmd)
	decodeCmd.Flags().IntP("count", "n", 16, "Number of units to decode")
	decodeCmd.Flags().BoolP("regs", "r", false, "Show register accesses")
	decodeCmd.Flags().BoolP("json", "j", false, "Output one JSON object per unit")

	rootCmd.AddCommand(
		decodeCmd,
		navCommand("next", "Print the unit n units after an address", navForward),
		navCommand("back", "Print the unit n units before an address", navBackward),
	)
}
