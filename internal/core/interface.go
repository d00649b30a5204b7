package core

import (
	"context"

	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/storage"
)

// DownloadService is the whole surface the presentation layer depends on.
// The local queue implements it; views hold only read subscriptions.
type DownloadService interface {
	// List returns snapshots of all items in enqueue order
	List() []types.DownloadItem

	// Get returns a snapshot of one item
	Get(id string) (types.DownloadItem, error)

	// Config returns the current queue configuration
	Config() types.QueueConfig

	// Folder returns the destination root for new items, empty for the private directory
	Folder() string

	// Enqueue creates a Queued item and returns its id without blocking on the transfer.
	// An empty filename is derived from the URL.
	Enqueue(url, filename string) (string, error)

	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error

	// Remove deletes a terminal item and its file
	Remove(id string) error

	// Retry enqueues a fresh item with the URL and name of a Failed or Cancelled one
	Retry(id string) (string, error)

	SetMaxConcurrency(n int) error

	// SelectFolder runs the permission and folder-pick flow and persists the result.
	// ErrSelectionCancelled leaves the current folder unchanged.
	SelectFolder(ctx context.Context, picker storage.FolderPicker) (string, error)

	// ClearFolder reverts new items to the private downloads directory
	ClearFolder() error

	// Subscribe returns a channel of events from engine/events and a func to stop receiving.
	// Slow subscribers miss events rather than stall the queue.
	Subscribe() (<-chan interface{}, func())

	// Shutdown pauses running transfers, persists, and closes subscriptions
	Shutdown() error
}
