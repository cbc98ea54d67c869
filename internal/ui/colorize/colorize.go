// Package colorize highlights listing lines for terminal output.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// Enabled reports whether colour output is allowed by the environment.
func Enabled() bool {
	return os.Getenv("DISNAV_NO_COLOR") == "" && os.Getenv("NO_COLOR") == ""
}

// lexerFor picks an assembly lexer for the syntax dialect, with fallbacks.
func lexerFor(syntax string) chroma.Lexer {
	candidates := []string{"nasm", "gas"}
	if syntax == "gnu" {
		candidates = []string{"gas", "nasm"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Assembly highlights instruction text written in the given syntax
// ("intel" or "gnu"). On any failure the text is returned unchanged.
func Assembly(text, syntax string) string {
	if !Enabled() || text == "" {
		return text
	}
	lexer := lexerFor(syntax)
	if lexer == nil {
		return text
	}
	iterator, err := lexer.Tokenise(nil, text)
	if err != nil {
		return text
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return text
	}
	out := buf.String()
	// Lexers terminate the input with a newline; drop it even when a reset
	// sequence follows.
	if i := strings.LastIndexByte(out, '\n'); i >= 0 && StripANSI(out[i+1:]) == "" {
		out = out[:i] + out[i+1:]
	}
	return out
}

// Address dims an address column.
func Address(s string) string {
	if !Enabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;79;79;79m%s\033[0m", s)
}

// Comment colours a trailing "; ..." annotation.
func Comment(s string) string {
	if !Enabled() || s == "" {
		return s
	}
	return fmt.Sprintf("\033[38;2;235;194;237m%s\033[0m", s)
}

// Line renders "address  bytes  text  ; comment" with each column coloured.
// bytesCol is padded to width visible characters.
func Line(addr, bytesCol string, width int, text, syntax, comment string) string {
	var b strings.Builder
	b.WriteString(Address(addr))
	b.WriteString("  ")
	b.WriteString(bytesCol)
	if pad := width - len(bytesCol); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	b.WriteString("  ")
	b.WriteString(Assembly(text, syntax))
	if comment != "" {
		b.WriteString("  ")
		b.WriteString(Comment("; " + comment))
	}
	return b.String()
}

// StripANSI removes SGR escape sequences.
func StripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
