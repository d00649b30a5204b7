package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/utils"
)

func (m RootModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	switch m.state {
	case InputState:
		return m.viewInput()
	case FolderState:
		return m.viewFolder()
	case SettingsState:
		return m.viewSettings()
	}

	availableHeight := m.height - 2
	availableWidth := m.width - 4

	leftWidth := int(float64(availableWidth) * ListWidthRatio)
	rightWidth := availableWidth - leftWidth - 2

	listHeight := availableHeight - HeaderHeight
	if listHeight < 8 {
		listHeight = 8
	}
	graphHeight := availableHeight / 3
	if graphHeight < MinGraphHeight {
		graphHeight = MinGraphHeight
	}
	detailHeight := availableHeight - graphHeight
	if detailHeight < MinDetailHeight {
		detailHeight = MinDetailHeight
	}

	// Header with slot usage and destination
	active, queued, done := m.CalculateStats()
	folder := m.folder
	if folder == "" {
		folder = "private downloads"
	}
	header := lipgloss.NewStyle().Width(leftWidth).Padding(0, 2).Render(lipgloss.JoinVertical(lipgloss.Left,
		LogoStyle.Render("surgeq"),
		lipgloss.NewStyle().Foreground(ColorLightGray).Render(fmt.Sprintf(
			"slots %d/%d  queued %d  done %d  →  %s",
			active, m.maxConcurrency, queued, done, truncateString(folder, leftWidth-40))),
	))

	listBox := renderBtopBox("Downloads", m.renderList(leftWidth-4, listHeight-2), leftWidth, listHeight, ColorNeonPink, true)
	graphBox := renderBtopBox("Network Activity", m.renderGraph(rightWidth, graphHeight), rightWidth, graphHeight, ColorNeonCyan, false)

	var detailContent string
	if d := m.GetSelectedDownload(); d != nil {
		detailContent = renderFocusedDetails(d, rightWidth-4)
	} else {
		detailContent = lipgloss.Place(rightWidth-4, detailHeight-4, lipgloss.Center, lipgloss.Center,
			lipgloss.NewStyle().Foreground(ColorNeonCyan).Render("No Download Selected"))
	}
	detailBox := renderBtopBox("File Details", detailContent, rightWidth, detailHeight, ColorGray, true)

	leftColumn := lipgloss.JoinVertical(lipgloss.Left, header, listBox)
	rightColumn := lipgloss.JoinVertical(lipgloss.Left, graphBox, detailBox)
	body := lipgloss.JoinHorizontal(lipgloss.Top, leftColumn, "  ", rightColumn)

	var footer string
	if m.notification != "" {
		footer = lipgloss.Place(m.width, 1, lipgloss.Center, lipgloss.Center,
			NotificationStyle.Render(truncateString(m.notification, m.width-4)))
	} else {
		footer = lipgloss.NewStyle().Padding(0, 1).Render(m.help.View(DashboardKeys))
	}

	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

// renderList draws one two-line row per item, scrolled to keep the cursor visible
func (m RootModel) renderList(width, height int) string {
	if len(m.downloads) == 0 {
		return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center,
			lipgloss.NewStyle().Foreground(ColorNeonCyan).Render("No downloads. Press [a] to add one."))
	}

	perRow := 3
	visible := height / perRow
	if visible < 1 {
		visible = 1
	}
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}

	var rows []string
	for i := start; i < len(m.downloads) && i < start+visible; i++ {
		d := m.downloads[i]
		barWidth := width - 24
		if barWidth < 10 {
			barWidth = 10
		}
		d.progress.Width = barWidth

		title := fmt.Sprintf("%s  %s", stateBadge(d.State), truncateString(d.Filename, width-16))
		size := sizeLabel(d)
		line := lipgloss.JoinHorizontal(lipgloss.Left, d.progress.ViewAs(d.percent()), "  ", size)

		style := ItemStyle
		if i == m.cursor {
			style = SelectedItemStyle
		}
		rows = append(rows, style.Render(lipgloss.JoinVertical(lipgloss.Left, title, line)), "")
	}
	return strings.Join(rows, "\n")
}

func (m RootModel) renderGraph(width, height int) string {
	axisWidth := 6
	graphWidth := width - axisWidth - 5
	if graphWidth < 10 {
		graphWidth = 10
	}
	graphRows := height - 4
	if graphRows < 1 {
		graphRows = 1
	}

	maxSpeed := graphScale(m.SpeedHistory)
	graph := renderMultiLineGraph(m.SpeedHistory, graphWidth, graphRows, maxSpeed, ColorNeonPink)

	axisStyle := lipgloss.NewStyle().Width(axisWidth).Foreground(ColorGray).Align(lipgloss.Right)
	spaces := graphRows - 2
	if spaces < 0 {
		spaces = 0
	}
	axis := lipgloss.JoinVertical(lipgloss.Right,
		axisStyle.Render(fmt.Sprintf("%.0f", maxSpeed)),
		strings.Repeat("\n", spaces),
		axisStyle.Render("0"),
	)

	current := 0.0
	if len(m.SpeedHistory) > 0 {
		current = m.SpeedHistory[len(m.SpeedHistory)-1]
	}
	title := lipgloss.NewStyle().
		Width(width - 4).
		Align(lipgloss.Right).
		Foreground(ColorNeonPink).
		Bold(true).
		Render(fmt.Sprintf("Current: %.2f MB/s", current))

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		"",
		lipgloss.JoinHorizontal(lipgloss.Top, axis, lipgloss.NewStyle().MarginLeft(1).Render(graph)),
	)
}

func (m RootModel) viewInput() string {
	labelStyle := lipgloss.NewStyle().Width(10).Foreground(ColorLightGray)
	content := lipgloss.JoinVertical(lipgloss.Left,
		"",
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("URL:"), m.inputs[urlField].View()),
		"",
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Filename:"), m.inputs[filenameField].View()),
		"",
		"",
		m.help.View(InputKeys),
	)
	box := renderBtopBox("Add Download", lipgloss.NewStyle().Padding(0, 2).Render(content), 80, 10, ColorNeonPink, false)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m RootModel) viewFolder() string {
	labelStyle := lipgloss.NewStyle().Width(10).Foreground(ColorLightGray)
	content := lipgloss.JoinVertical(lipgloss.Left,
		"",
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Folder:"), m.folderInput.View()),
		"",
		lipgloss.NewStyle().Foreground(ColorGray).Render("A directory path or a tree:// location."),
		"",
		m.help.View(FolderKeys),
	)
	box := renderBtopBox("Download Folder", lipgloss.NewStyle().Padding(0, 2).Render(content), 80, 9, ColorNeonPink, false)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

// renderFocusedDetails renders the detail pane for d
func renderFocusedDetails(d *DownloadModel, w int) string {
	contentWidth := w - 6
	divider := lipgloss.NewStyle().Foreground(ColorGray).Render(strings.Repeat("─", maxInt(contentWidth, 1)))

	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Left, StatsLabelStyle.Render(label), StatsValueStyle.Render(value))
	}

	progressWidth := w - 12
	if progressWidth < 20 {
		progressWidth = 20
	}
	bar := d.progress
	bar.Width = progressWidth

	speed := "-"
	if d.State == types.StateDownloading && d.Speed > 0 {
		speed = humanize.IBytes(uint64(d.Speed)) + "/s"
	}

	lines := []string{
		"",
		row("Filename:", truncateString(d.Filename, contentWidth-12)),
		row("Status:", stateBadge(d.State)),
		row("Size:", sizeLabel(d)),
		divider,
		"",
		lipgloss.NewStyle().MarginLeft(1).Render(bar.ViewAs(d.percent())),
		"",
		row("Speed:", speed),
		divider,
		row("URL:", truncateString(d.URL, contentWidth-12)),
	}
	if d.LocalPath != "" {
		lines = append(lines, row("Saved to:", truncateString(d.LocalPath, contentWidth-12)))
	}
	if d.Err != "" {
		lines = append(lines, lipgloss.NewStyle().Foreground(ColorStateError).Render(truncateString(d.Err, contentWidth)))
	}

	return lipgloss.NewStyle().Padding(0, 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func stateBadge(s types.State) string {
	style := lipgloss.NewStyle()
	switch s {
	case types.StateDownloading:
		return style.Foreground(ColorStateDownloading).Render("⬇ Downloading")
	case types.StatePaused:
		return style.Foreground(ColorStatePaused).Render("⏸ Paused")
	case types.StateCompleted:
		return style.Foreground(ColorStateDone).Render("✔ Completed")
	case types.StateFailed:
		return style.Foreground(ColorStateError).Render("✖ Failed")
	case types.StateCancelled:
		return style.Foreground(ColorStateCancelled).Render("⊘ Cancelled")
	default:
		return style.Foreground(ColorStateQueued).Render("○ Queued")
	}
}

func sizeLabel(d *DownloadModel) string {
	if d.Total <= 0 {
		return utils.ConvertBytesToHumanReadable(d.Downloaded) + " / ?"
	}
	return fmt.Sprintf("%s / %s", utils.ConvertBytesToHumanReadable(d.Downloaded), utils.ConvertBytesToHumanReadable(d.Total))
}

// calcTotalSpeed sums the speed of running items in MB/s
func (m RootModel) calcTotalSpeed() float64 {
	total := 0.0
	for _, d := range m.downloads {
		if d.State == types.StateDownloading {
			total += d.Speed
		}
	}
	return total / Megabyte
}

// CalculateStats counts running, waiting and completed items
func (m RootModel) CalculateStats() (active, queued, done int) {
	for _, d := range m.downloads {
		switch d.State {
		case types.StateDownloading:
			active++
		case types.StateQueued:
			queued++
		case types.StateCompleted:
			done++
		}
	}
	return
}

func truncateString(s string, i int) string {
	if i < 1 {
		i = 1
	}
	runes := []rune(s)
	if len(runes) > i {
		return string(runes[:i]) + "..."
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// renderBtopBox creates a btop-style box with title embedded in the top border
// titleRight: if true, title appears on the right side; if false, title appears on the left
// Example (left):  ╭─ TITLE ─────────────────────────────────╮
// Example (right): ╭─────────────────────────────────── TITLE ─╮
func renderBtopBox(title string, content string, width, height int, borderColor lipgloss.Color, titleRight bool) string {
	border := lipgloss.NewStyle().Foreground(borderColor)
	titleStyle := lipgloss.NewStyle().Foreground(ColorNeonCyan).Bold(true)

	innerWidth := maxInt(width-2, 1)
	titleText := fmt.Sprintf(" %s ", title)
	rest := maxInt(innerWidth-lipgloss.Width(titleText)-1, 0)

	var top string
	if titleRight {
		top = border.Render("╭"+strings.Repeat("─", rest)) + titleStyle.Render(titleText) + border.Render("─╮")
	} else {
		top = border.Render("╭─") + titleStyle.Render(titleText) + border.Render(strings.Repeat("─", rest)+"╮")
	}
	bottom := border.Render("╰" + strings.Repeat("─", innerWidth) + "╯")

	lines := strings.Split(content, "\n")
	out := make([]string, 0, height)
	out = append(out, top)
	for i := 0; i < height-2; i++ {
		line := ""
		if i < len(lines) {
			line = lines[i]
		}
		if w := lipgloss.Width(line); w < innerWidth {
			line += strings.Repeat(" ", innerWidth-w)
		} else if w > innerWidth {
			line = truncateVisible(line, innerWidth)
		}
		out = append(out, border.Render("│")+line+border.Render("│"))
	}
	out = append(out, bottom)
	return strings.Join(out, "\n")
}

// truncateVisible cuts s to width cells, ignoring styling
func truncateVisible(s string, width int) string {
	return lipgloss.NewStyle().MaxWidth(width).Render(s)
}
