package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/surge-downloader/surgeq/internal/config"
	"github.com/surge-downloader/surgeq/internal/download"
	"github.com/surge-downloader/surgeq/internal/engine/state"
	"github.com/surge-downloader/surgeq/internal/engine/transfer"
	"github.com/surge-downloader/surgeq/internal/storage"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// initializeGlobalState creates the app directories, configures logging and
// returns the loaded settings, falling back to defaults on a bad file
func initializeGlobalState() *config.Settings {
	if err := config.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	utils.ConfigureDebug(config.GetLogsDir())

	settings, err := config.LoadSettings()
	if err != nil {
		utils.Debug("Failed to load settings, using defaults: %v", err)
		settings = config.DefaultSettings()
	}
	utils.CleanupLogs(settings.General.LogRetentionCount)
	return settings
}

// dbPath returns the queue database location
func dbPath() string {
	return filepath.Join(config.GetStateDir(), "surgeq.db")
}

// openStore opens the persisted queue state
func openStore() (*state.Store, error) {
	kv, err := state.OpenSQLite(dbPath())
	if err != nil {
		return nil, err
	}
	return state.NewStore(kv, uuid.NewString), nil
}

// openQueue wires a queue to the on-disk store. The caller owns Shutdown,
// and nothing is promoted until Start.
func openQueue(ctx context.Context, settings *config.Settings, rootOverride string) (*download.Queue, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}

	runtime := settings.ToRuntimeConfig()
	resolver := storage.NewResolver(storage.Options{
		PrivateDir:   config.GetPrivateDownloadsDir(),
		ScratchDir:   config.GetScratchDir(),
		VerifyOnDisk: runtime.VerifyOnDisk,
	})

	if rootOverride == "" && settings.General.DefaultDownloadDir != "" {
		// The configured default applies only until a folder is selected
		if folder, err := store.LoadFolder(ctx); err == nil && folder == "" {
			rootOverride = settings.General.DefaultDownloadDir
		}
	}
	if rootOverride != "" && !storage.IsTreeURI(rootOverride) {
		if abs, err := filepath.Abs(rootOverride); err == nil {
			rootOverride = abs
		}
	}

	q, err := download.New(ctx, download.Options{
		Store:              store,
		Resolver:           resolver,
		Factory:            transfer.NewFactory(nil, runtime),
		Runtime:            runtime,
		DefaultConcurrency: settings.InitialConcurrency(),
		RootOverride:       rootOverride,
		NewID:              uuid.NewString,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return q, nil
}

// readURLsFromFile reads URLs from a file, one per line.
// Blank lines and lines starting with # are skipped.
func readURLsFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var urls []string
	scanner := bufio.NewScanner(file)

	// Allow long URLs (default is 64KB per line)
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, maxCapacity), maxCapacity)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return urls, nil
}

// resolveIDFromCandidates expands a unique id prefix to the full id.
// An unmatched prefix is returned as-is so the queue reports not found.
func resolveIDFromCandidates(partialID string, candidates []string) (string, error) {
	var matches []string
	seen := make(map[string]bool)

	for _, id := range candidates {
		if id == partialID {
			return id, nil
		}
		if strings.HasPrefix(id, partialID) && !seen[id] {
			matches = append(matches, id)
			seen[id] = true
		}
	}

	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("ambiguous ID prefix '%s' matches %d downloads", partialID, len(matches))
	}
	return partialID, nil
}

// shortID trims an id to the prefix shown in listings
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
