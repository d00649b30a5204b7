package config

import (
	"os"
	"path/filepath"
)

const appDirName = "surgeq"

// GetSurgeDir returns the per-user configuration directory.
// XDG_CONFIG_HOME is honoured on every platform so tests can redirect it.
func GetSurgeDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appDirName)
}

// GetStateDir returns the directory holding the queue database and lock file
func GetStateDir() string {
	return filepath.Join(GetSurgeDir(), "state")
}

// GetLogsDir returns the directory for debug logs
func GetLogsDir() string {
	return filepath.Join(GetSurgeDir(), "logs")
}

// GetPrivateDownloadsDir returns the application-private downloads directory used
// when the user has not granted a destination folder
func GetPrivateDownloadsDir() string {
	return filepath.Join(GetSurgeDir(), "downloads")
}

// GetScratchDir returns the staging directory for transfers into granted trees
func GetScratchDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName, "scratch")
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(GetSurgeDir(), "scratch")
	}
	return filepath.Join(base, appDirName, "scratch")
}

// EnsureDirs creates the state, logs and private download directories
func EnsureDirs() error {
	for _, dir := range []string{GetStateDir(), GetLogsDir(), GetPrivateDownloadsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
