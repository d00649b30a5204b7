package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var graphBlocks = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// renderMultiLineGraph draws data as bars filling from the right over a dashed grid.
// Values are scaled against maxVal; height is in text rows.
func renderMultiLineGraph(data []float64, width, height int, maxVal float64, color lipgloss.Color) string {
	if width < 1 || height < 1 {
		return ""
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	gridStyle := lipgloss.NewStyle().Foreground(ColorGray)
	barStyle := lipgloss.NewStyle().Foreground(color)

	if len(data) > width {
		data = data[len(data)-width:]
	}
	offset := width - len(data)

	// Sub-row resolution: eight block heights per text row
	levels := make([]int, width)
	for i, v := range data {
		if v < 0 {
			v = 0
		}
		pct := v / maxVal
		if pct > 1 {
			pct = 1
		}
		levels[offset+i] = int(pct * float64(height*8))
	}

	var s strings.Builder
	for row := 0; row < height; row++ {
		floor := (height - 1 - row) * 8
		for x := 0; x < width; x++ {
			fill := levels[x] - floor
			switch {
			case fill >= 8:
				s.WriteString(barStyle.Render(graphBlocks[8]))
			case fill > 0:
				s.WriteString(barStyle.Render(graphBlocks[fill]))
			case row%2 == 0:
				s.WriteString(gridStyle.Render("╌"))
			default:
				s.WriteByte(' ')
			}
		}
		if row < height-1 {
			s.WriteByte('\n')
		}
	}
	return s.String()
}

// graphScale rounds the peak of data up to a readable axis maximum
func graphScale(data []float64) float64 {
	peak := 1.0
	for _, v := range data {
		if v > peak {
			peak = v
		}
	}
	peak *= 1.1
	if peak >= 5 {
		return float64(int((peak+4.99)/5) * 5)
	}
	return float64(int(peak + 0.99))
}
