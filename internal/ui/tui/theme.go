package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/bamsammich/diskbeam/internal/config"
)

// Catppuccin Mocha palette, overridable from the config file.
var (
	ColorGreen  = lipgloss.Color("#a6e3a1")
	ColorBlue   = lipgloss.Color("#89b4fa")
	ColorYellow = lipgloss.Color("#f9e2af")
	ColorRed    = lipgloss.Color("#f38ba8")
	ColorMuted  = lipgloss.Color("#5a6278")
	ColorBright = lipgloss.Color("#cdd6f4")
)

var (
	styleHeader       lipgloss.Style
	styleTitle        lipgloss.Style
	styleDone         lipgloss.Style
	stylePending      lipgloss.Style
	styleWarning      lipgloss.Style
	styleFailed       lipgloss.Style
	styleSparkline    lipgloss.Style
	styleProgress     lipgloss.Style
	styleStatus       lipgloss.Style
	styleKeybindKey   lipgloss.Style
	styleKeybindLabel lipgloss.Style
)

func init() {
	rebuildStyles()
}

func rebuildStyles() {
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(ColorBlue)
	styleDone = lipgloss.NewStyle().Foreground(ColorGreen)
	stylePending = lipgloss.NewStyle().Foreground(ColorMuted)
	styleWarning = lipgloss.NewStyle().Foreground(ColorYellow)
	styleFailed = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	styleSparkline = lipgloss.NewStyle().Foreground(ColorBlue)
	styleProgress = lipgloss.NewStyle().Foreground(ColorGreen)
	styleStatus = lipgloss.NewStyle().Foreground(ColorYellow).Italic(true)
	styleKeybindKey = lipgloss.NewStyle().Foreground(ColorBlue).Bold(true)
	styleKeybindLabel = lipgloss.NewStyle().Foreground(ColorMuted)
}

// ApplyTheme overrides colors from the config file and rebuilds all styles.
func ApplyTheme(tc config.ThemeConfig) {
	set := func(dst *lipgloss.Color, v *string) {
		if v != nil {
			*dst = lipgloss.Color(*v)
		}
	}
	set(&ColorGreen, tc.Green)
	set(&ColorBlue, tc.Blue)
	set(&ColorYellow, tc.Yellow)
	set(&ColorRed, tc.Red)
	set(&ColorMuted, tc.Muted)
	set(&ColorBright, tc.Bright)
	rebuildStyles()
}
