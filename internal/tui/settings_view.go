package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/surgeq/internal/config"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// viewSettings renders the active settings, one block per category.
// Values are edited in settings.json; queue limits and the folder have their own keys.
func (m RootModel) viewSettings() string {
	width := 78
	if m.width < width+4 {
		width = m.width - 4
	}

	metadata := config.GetSettingsMetadata()
	labelStyle := lipgloss.NewStyle().Width(28).Foreground(ColorLightGray)
	valueStyle := lipgloss.NewStyle().Foreground(ColorNeonCyan).Bold(true)
	headStyle := lipgloss.NewStyle().Foreground(ColorNeonPink).Bold(true)

	var lines []string
	for _, cat := range config.CategoryOrder() {
		lines = append(lines, headStyle.Render(cat))
		values := m.getSettingsValues(cat)
		for _, meta := range metadata[cat] {
			lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Left,
				labelStyle.Render("  "+meta.Label),
				valueStyle.Render(formatSettingValue(values[meta.Key], meta.Type)),
			))
		}
		lines = append(lines, "")
	}
	lines = append(lines,
		lipgloss.NewStyle().Foreground(ColorGray).Render("Edit "+config.GetSettingsPath()),
		lipgloss.NewStyle().Foreground(ColorGray).Render("[Esc] Back"),
	)

	content := lipgloss.NewStyle().Padding(0, 2).Render(strings.Join(lines, "\n"))
	box := renderBtopBox("Settings", content, width, len(lines)+2, ColorNeonPink, false)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

// getSettingsValues returns a map of setting key -> value for a category
func (m RootModel) getSettingsValues(category string) map[string]interface{} {
	s := m.Settings
	values := make(map[string]interface{})

	switch category {
	case "General":
		values["default_download_dir"] = s.General.DefaultDownloadDir
		values["auto_resume"] = s.General.AutoResume
		values["log_retention_count"] = s.General.LogRetentionCount
	case "Network":
		values["max_concurrent_downloads"] = s.Connections.MaxConcurrentDownloads
		values["user_agent"] = s.Connections.UserAgent
		values["proxy_url"] = s.Connections.ProxyURL
		values["skip_tls_verification"] = s.Connections.SkipTLSVerification
	case "Transfers":
		values["progress_interval"] = s.Transfers.ProgressInterval
		values["persist_interval"] = s.Transfers.PersistInterval
		values["stall_timeout"] = s.Transfers.StallTimeout
		values["worker_buffer_size"] = s.Transfers.WorkerBufferSize
		values["verify_on_disk"] = s.Transfers.VerifyOnDisk
	}

	return values
}

// formatSettingValue formats a setting value for display
func formatSettingValue(value interface{}, typ string) string {
	switch typ {
	case "bool":
		if b, ok := value.(bool); ok && b {
			return "On"
		}
		return "Off"
	case "duration":
		d, _ := value.(time.Duration)
		if d == 0 {
			return "off"
		}
		return d.String()
	case "int":
		// Buffer sizes are stored in bytes
		if n, ok := value.(int); ok && n >= 1024 {
			return utils.ConvertBytesToHumanReadable(int64(n))
		}
		return fmt.Sprint(value)
	default:
		if s := fmt.Sprint(value); s != "" {
			return s
		}
		return "(default)"
	}
}
