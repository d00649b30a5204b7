package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Palette colors. ApplyTerminalPalette swaps them for light terminals.
var (
	ColorNeonPink   = lipgloss.Color("#ff79c6")
	ColorNeonPurple = lipgloss.Color("#bd93f9")
	ColorNeonCyan   = lipgloss.Color("#8be9fd")
	ColorText       = lipgloss.Color("#f8f8f2")
	ColorGray       = lipgloss.Color("#6272a4")
	ColorLightGray  = lipgloss.Color("#a4a8c0")

	ColorStateQueued      = lipgloss.Color("#a4a8c0")
	ColorStateDownloading = lipgloss.Color("#50fa7b")
	ColorStatePaused      = lipgloss.Color("#ffb86c")
	ColorStateDone        = lipgloss.Color("#8be9fd")
	ColorStateError       = lipgloss.Color("#ff5555")
	ColorStateCancelled   = lipgloss.Color("#6272a4")
)

var (
	LogoStyle         lipgloss.Style
	ItemStyle         lipgloss.Style
	SelectedItemStyle lipgloss.Style
	StatsLabelStyle   lipgloss.Style
	StatsValueStyle   lipgloss.Style
	NotificationStyle lipgloss.Style
	TabStyle          lipgloss.Style
	ActiveTabStyle    lipgloss.Style
)

func init() {
	buildStyles()
}

func buildStyles() {
	LogoStyle = lipgloss.NewStyle().
		Foreground(ColorNeonPink).
		Bold(true)

	ItemStyle = lipgloss.NewStyle().
		Foreground(ColorText).
		PaddingLeft(2)

	SelectedItemStyle = lipgloss.NewStyle().
		Foreground(ColorNeonPink).
		Bold(true).
		PaddingLeft(1).
		Border(lipgloss.NormalBorder(), false, false, false, true).
		BorderForeground(ColorNeonPink)

	StatsLabelStyle = lipgloss.NewStyle().
		Foreground(ColorNeonCyan).
		Width(10)

	StatsValueStyle = lipgloss.NewStyle().
		Foreground(ColorText)

	NotificationStyle = lipgloss.NewStyle().
		Foreground(ColorNeonPurple).
		Bold(true)

	TabStyle = lipgloss.NewStyle().
		Foreground(ColorLightGray).
		Padding(0, 1)

	ActiveTabStyle = lipgloss.NewStyle().
		Foreground(ColorNeonPink).
		Bold(true).
		Underline(true).
		Padding(0, 1)
}

// ApplyTerminalPalette picks darker colors when out has a light background
func ApplyTerminalPalette(out *termenv.Output) {
	if out == nil || out.HasDarkBackground() {
		return
	}
	ColorNeonPink = lipgloss.Color("#c1397f")
	ColorNeonPurple = lipgloss.Color("#6c3fc9")
	ColorNeonCyan = lipgloss.Color("#1b8a9c")
	ColorText = lipgloss.Color("#282a36")
	ColorGray = lipgloss.Color("#8a8fa8")
	ColorLightGray = lipgloss.Color("#595d73")

	ColorStateQueued = lipgloss.Color("#595d73")
	ColorStateDownloading = lipgloss.Color("#248a3d")
	ColorStatePaused = lipgloss.Color("#b3590a")
	ColorStateDone = lipgloss.Color("#1b8a9c")
	ColorStateError = lipgloss.Color("#c62828")
	ColorStateCancelled = lipgloss.Color("#8a8fa8")
	buildStyles()
}
