package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/surge-downloader/surgeq/internal/engine/types"
)

// DownloadQueuedMsg is sent when an item enters Queued, from enqueue or a deferred resume
type DownloadQueuedMsg struct {
	DownloadID string
	Filename   string
	URL        string
}

// DownloadStartedMsg is sent when an item is promoted to Downloading
type DownloadStartedMsg struct {
	DownloadID string
	URL        string
	Filename   string
	Total      int64
}

// ProgressMsg represents a progress update from a transfer
type ProgressMsg struct {
	DownloadID string
	Downloaded int64
	Total      int64
	Speed      float64 // bytes per second
}

// DownloadPausedMsg is sent when an item enters Paused
type DownloadPausedMsg struct {
	DownloadID string
	Filename   string
	Downloaded int64
	Resumable  bool
}

// DownloadResumedMsg is sent when a paused item goes back to Downloading.
// Restarted is true when no usable token existed and the byte count was reset to zero.
type DownloadResumedMsg struct {
	DownloadID string
	Filename   string
	FromOffset int64
	Restarted  bool
}

// DownloadCompleteMsg signals that the download finished successfully
type DownloadCompleteMsg struct {
	DownloadID string
	Filename   string
	LocalPath  string
	Elapsed    time.Duration
	Total      int64
}

// DownloadErrorMsg signals that an item moved to Failed
type DownloadErrorMsg struct {
	DownloadID string
	Filename   string
	Err        error
}

func (m DownloadErrorMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		DownloadID string `json:"DownloadID"`
		Filename   string `json:"Filename,omitempty"`
		Err        string `json:"Err,omitempty"`
	}

	out := encoded{
		DownloadID: m.DownloadID,
		Filename:   m.Filename,
	}
	if m.Err != nil {
		out.Err = m.Err.Error()
	}

	return json.Marshal(out)
}

func (m *DownloadErrorMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		DownloadID string          `json:"DownloadID"`
		Filename   string          `json:"Filename"`
		Err        json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.DownloadID = aux.DownloadID
	m.Filename = aux.Filename
	m.Err = nil

	if len(aux.Err) == 0 {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Err, &errStr); err == nil {
		if errStr != "" {
			m.Err = errors.New(errStr)
		}
		return nil
	}

	// Accept non-string payloads (e.g. {}).
	raw := string(aux.Err)
	if raw != "" && raw != "null" {
		m.Err = errors.New(raw)
	}
	return nil
}

// DownloadCancelledMsg is sent when an item enters Cancelled
type DownloadCancelledMsg struct {
	DownloadID string
	Filename   string
}

// DownloadRemovedMsg is sent when a terminal item is removed from the list
type DownloadRemovedMsg struct {
	DownloadID string
	Filename   string
}

// ConfigChangedMsg is sent when the queue configuration changes
type ConfigChangedMsg struct {
	Config types.QueueConfig
}

// FolderChangedMsg is sent when the destination root changes
type FolderChangedMsg struct {
	RootURI string
}
