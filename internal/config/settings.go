package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/surge-downloader/surgeq/internal/engine/types"
)

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General     GeneralSettings    `json:"general"`
	Connections ConnectionSettings `json:"connections"`
	Transfers   TransferSettings   `json:"transfers"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DefaultDownloadDir string `json:"default_download_dir"` // Empty means the private downloads dir
	AutoResume         bool   `json:"auto_resume"`
	LogRetentionCount  int    `json:"log_retention_count"`
}

// ConnectionSettings contains network connection parameters.
type ConnectionSettings struct {
	MaxConcurrentDownloads int    `json:"max_concurrent_downloads"`
	UserAgent              string `json:"user_agent"`
	ProxyURL               string `json:"proxy_url"`
	SkipTLSVerification    bool   `json:"skip_tls_verification"`
}

// TransferSettings contains per-transfer tuning.
type TransferSettings struct {
	ProgressInterval time.Duration `json:"progress_interval"`
	PersistInterval  time.Duration `json:"persist_interval"`
	StallTimeout     time.Duration `json:"stall_timeout"`
	WorkerBufferSize int           `json:"worker_buffer_size"`
	VerifyOnDisk     bool          `json:"verify_on_disk"`
}

// SettingMeta provides metadata for a single setting (for UI rendering).
type SettingMeta struct {
	Key         string // JSON key name
	Label       string // Human-readable label
	Description string // Help text
	Type        string // "string", "int", "bool", "duration"
}

// GetSettingsMetadata returns metadata for all settings organized by category.
func GetSettingsMetadata() map[string][]SettingMeta {
	return map[string][]SettingMeta{
		"General": {
			{Key: "default_download_dir", Label: "Default Download Dir", Description: "Destination root for new downloads until a folder is selected. Leave empty to use the private downloads directory.", Type: "string"},
			{Key: "auto_resume", Label: "Auto Resume", Description: "Automatically resume paused downloads on startup.", Type: "bool"},
			{Key: "log_retention_count", Label: "Log Retention Count", Description: "Number of recent log files to keep.", Type: "int"},
		},
		"Network": {
			{Key: "max_concurrent_downloads", Label: "Max Concurrent Downloads", Description: "Initial number of downloads running at once (1-5) when none is saved yet.", Type: "int"},
			{Key: "user_agent", Label: "User Agent", Description: "Custom User-Agent string for HTTP requests. Leave empty for default.", Type: "string"},
			{Key: "proxy_url", Label: "Proxy URL", Description: "HTTP/HTTPS or socks5:// proxy URL. Leave empty to use system default.", Type: "string"},
			{Key: "skip_tls_verification", Label: "Skip TLS Verification", Description: "Accept invalid certificates. Unsafe.", Type: "bool"},
		},
		"Transfers": {
			{Key: "progress_interval", Label: "Progress Interval", Description: "Minimum time between progress updates (e.g., 200ms).", Type: "duration"},
			{Key: "persist_interval", Label: "Persist Interval", Description: "Minimum time between progress saves (e.g., 1s).", Type: "duration"},
			{Key: "stall_timeout", Label: "Stall Timeout", Description: "Fail a transfer that receives no data for this long. 0 disables.", Type: "duration"},
			{Key: "worker_buffer_size", Label: "Worker Buffer Size", Description: "I/O buffer size per transfer in KB (e.g., 512).", Type: "int"},
			{Key: "verify_on_disk", Label: "Verify On Disk", Description: "Check the final file size before marking a download completed.", Type: "bool"},
		},
	}
}

// CategoryOrder returns the order of categories for UI tabs.
func CategoryOrder() []string {
	return []string{"General", "Network", "Transfers"}
}

const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		General: GeneralSettings{
			DefaultDownloadDir: "",
			AutoResume:         false,
			LogRetentionCount:  5,
		},
		Connections: ConnectionSettings{
			MaxConcurrentDownloads: types.DefaultMaxConcurrency,
			UserAgent:              "", // Empty means use default UA
		},
		Transfers: TransferSettings{
			ProgressInterval: types.DefaultProgressInterval,
			PersistInterval:  types.DefaultPersistInterval,
			StallTimeout:     0,
			WorkerBufferSize: 512 * KB,
			VerifyOnDisk:     true,
		},
	}
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetSurgeDir(), "settings.json")
}

// LoadSettings loads settings from disk. Returns defaults if file doesn't exist.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom loads settings from path, starting from defaults so missing
// fields keep their default values.
func LoadSettingsFrom(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(s *Settings) error {
	return SaveSettingsTo(GetSettingsPath(), s)
}

// SaveSettingsTo writes s to path via a temp file and rename.
func SaveSettingsTo(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// InitialConcurrency returns the configured starting concurrency clamped to the UI range
func (s *Settings) InitialConcurrency() int {
	n := s.Connections.MaxConcurrentDownloads
	if n < types.MinConcurrency {
		return types.DefaultMaxConcurrency
	}
	if n > types.MaxUIConcurrency {
		return types.MaxUIConcurrency
	}
	return n
}

// ToRuntimeConfig creates a transfer RuntimeConfig from user Settings
func (s *Settings) ToRuntimeConfig() *types.RuntimeConfig {
	return &types.RuntimeConfig{
		UserAgent:           s.Connections.UserAgent,
		ProxyURL:            s.Connections.ProxyURL,
		SkipTLSVerification: s.Connections.SkipTLSVerification,
		WorkerBufferSize:    s.Transfers.WorkerBufferSize,
		ProgressInterval:    s.Transfers.ProgressInterval,
		PersistInterval:     s.Transfers.PersistInterval,
		StallTimeout:        s.Transfers.StallTimeout,
		VerifyOnDisk:        s.Transfers.VerifyOnDisk,
	}
}
