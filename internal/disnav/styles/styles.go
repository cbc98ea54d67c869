// Package styles holds the colours and renderers of disnav's terminal output.
package styles

import (
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"
)

var (
	Title   = lipgloss.NewStyle().Foreground(charmtone.Malibu).Bold(true)
	Label   = lipgloss.NewStyle().Foreground(charmtone.Squid)
	Value   = lipgloss.NewStyle().Foreground(charmtone.Ash)
	Address = lipgloss.NewStyle().Foreground(charmtone.Squid)
	Write   = lipgloss.NewStyle().Foreground(charmtone.Coral)
	Read    = lipgloss.NewStyle().Foreground(charmtone.Malibu)
	Warn    = lipgloss.NewStyle().Foreground(charmtone.Mustard)
)

// Painter applies styles only when colour output is on.
type Painter struct {
	Color bool
}

// Paint renders s with style, or returns s unchanged when colour is off.
func (p Painter) Paint(style lipgloss.Style, s string) string {
	if !p.Color || s == "" {
		return s
	}
	return style.Render(s)
}

// KV renders "key: value" with the key dimmed.
func (p Painter) KV(key, value string) string {
	return p.Paint(Label, key+":") + " " + p.Paint(Value, value)
}
