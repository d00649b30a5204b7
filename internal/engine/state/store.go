// Package state persists the download list, queue config and folder handle.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// Storage keys, unchanged since schema v1
const (
	KeyDownloads  = "downloads"
	KeyMaxThreads = "maxDownloadThreads"
	KeyFolderURI  = "downloadFolderUri"
)

// SchemaVersion is the current shape of the downloads entry
const SchemaVersion = 2

type envelope struct {
	Version int                  `json:"version"`
	Items   []types.DownloadItem `json:"items"`
}

// Store is the persistence adapter over a KV
type Store struct {
	kv    KV
	newID func() string
}

// NewStore wraps kv. newID assigns ids to legacy records that lack one.
func NewStore(kv KV, newID func() string) *Store {
	return &Store{kv: kv, newID: newID}
}

// Close closes the underlying KV
func (s *Store) Close() error {
	return s.kv.Close()
}

// LoadItems reads and normalizes the persisted download list.
// A missing entry yields an empty list.
func (s *Store) LoadItems(ctx context.Context) ([]types.DownloadItem, error) {
	raw, err := s.kv.Get(ctx, KeyDownloads)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	items, err := decodeItems([]byte(raw), s.newID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", KeyDownloads, err)
	}
	return items, nil
}

// SaveItems writes the whole list in the current schema
func (s *Store) SaveItems(ctx context.Context, items []types.DownloadItem) error {
	if items == nil {
		items = []types.DownloadItem{}
	}
	data, err := json.Marshal(envelope{Version: SchemaVersion, Items: items})
	if err != nil {
		return fmt.Errorf("failed to marshal downloads: %w", err)
	}
	return s.kv.Set(ctx, KeyDownloads, string(data))
}

// LoadConfig returns the persisted queue config and whether one existed
func (s *Store) LoadConfig(ctx context.Context) (types.QueueConfig, bool, error) {
	raw, err := s.kv.Get(ctx, KeyMaxThreads)
	if errors.Is(err, ErrKeyNotFound) {
		return types.QueueConfig{}, false, nil
	}
	if err != nil {
		return types.QueueConfig{}, false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < types.MinConcurrency {
		utils.Debug("State: ignoring invalid %s %q", KeyMaxThreads, raw)
		return types.QueueConfig{}, false, nil
	}
	return types.QueueConfig{MaxConcurrency: n}, true, nil
}

// SaveConfig writes maxConcurrency as a decimal string
func (s *Store) SaveConfig(ctx context.Context, cfg types.QueueConfig) error {
	return s.kv.Set(ctx, KeyMaxThreads, strconv.Itoa(cfg.MaxConcurrency))
}

// LoadFolder returns the persisted destination root, empty when none was chosen
func (s *Store) LoadFolder(ctx context.Context) (string, error) {
	raw, err := s.kv.Get(ctx, KeyFolderURI)
	if errors.Is(err, ErrKeyNotFound) {
		return "", nil
	}
	return raw, err
}

// SaveFolder persists root; an empty root clears the choice
func (s *Store) SaveFolder(ctx context.Context, root string) error {
	if root == "" {
		return s.kv.Delete(ctx, KeyFolderURI)
	}
	return s.kv.Set(ctx, KeyFolderURI, root)
}

func decodeItems(data []byte, newID func() string) ([]types.DownloadItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var items []types.DownloadItem
	if data[0] == '[' {
		legacy, err := decodeLegacy(data)
		if err != nil {
			return nil, err
		}
		items = legacy
	} else {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		if env.Version > SchemaVersion {
			return nil, fmt.Errorf("unsupported schema version %d", env.Version)
		}
		items = env.Items
	}

	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if it.ID == "" || seen[it.ID] {
			it.ID = newID()
		}
		seen[it.ID] = true
		normalize(&it)
		out = append(out, it)
	}
	return out, nil
}

// normalize fills defaults and repairs fields that would break invariants
func normalize(it *types.DownloadItem) {
	if !it.State.Valid() {
		it.LastError = fmt.Sprintf("unrecognised saved state %q", it.State)
		it.State = types.StateFailed
	}
	if it.DisplayFilename == "" {
		it.DisplayFilename = utils.FilenameFromURL(it.SourceURL)
	}
	if it.DisplayFilename == "" {
		it.DisplayFilename = types.DefaultFilename
	}
	if it.TotalBytes < 0 {
		it.TotalBytes = 0
	}
	if it.DownloadedBytes < 0 {
		it.DownloadedBytes = 0
	}
	if it.TotalBytes > 0 && it.DownloadedBytes > it.TotalBytes {
		it.DownloadedBytes = it.TotalBytes
	}
	if it.State != types.StatePaused && it.State != types.StateQueued {
		it.ResumeToken = nil
	}
	if !it.State.IsTerminal() {
		it.FinishedAt = nil
	}
	if it.State != types.StateFailed {
		it.LastError = ""
	}
}
