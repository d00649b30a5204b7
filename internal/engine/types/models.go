package types

import (
	"time"
)

// State is the lifecycle state of a DownloadItem
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// String returns the string representation of State
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible except removal
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// HoldsHandle reports whether an item in this state owns a TransferHandle
func (s State) HoldsHandle() bool {
	return s == StateDownloading || s == StatePaused
}

// Valid reports whether s is one of the known states
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateDownloading, StatePaused, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ResumeToken is the serializable data needed to continue a paused transfer
// from a byte offset instead of from zero.
type ResumeToken struct {
	URL          string `json:"url"`
	Path         string `json:"path"`   // File holding the bytes written so far
	Offset       int64  `json:"offset"` // Last confirmed byte offset
	TotalSize    int64  `json:"total_size"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Validator returns the value to send in If-Range, preferring a strong ETag
func (t *ResumeToken) Validator() string {
	if t == nil {
		return ""
	}
	if t.ETag != "" && !isWeakETag(t.ETag) {
		return t.ETag
	}
	return t.LastModified
}

func isWeakETag(tag string) bool {
	return len(tag) > 2 && tag[0] == 'W' && tag[1] == '/'
}

// DownloadItem is one requested transfer
type DownloadItem struct {
	ID              string       `json:"id"`
	SourceURL       string       `json:"source_url"`
	DisplayFilename string       `json:"display_filename"`
	TotalBytes      int64        `json:"total_bytes"`
	DownloadedBytes int64        `json:"downloaded_bytes"`
	State           State        `json:"state"`
	ResumeToken     *ResumeToken `json:"resume_token,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	LocalPath       string       `json:"local_path,omitempty"`   // Final location (path or tree URI)
	PartialPath     string       `json:"partial_path,omitempty"` // Where bytes land while in flight
	RootURI         string       `json:"root_uri,omitempty"`     // Destination root chosen at enqueue, empty for private dir
	LastError       string       `json:"last_error,omitempty"`
}

// ProgressPercent is DownloadedBytes / TotalBytes * 100, or 0 when the total is unknown
func (d *DownloadItem) ProgressPercent() float64 {
	if d.TotalBytes <= 0 {
		return 0
	}
	p := float64(d.DownloadedBytes) / float64(d.TotalBytes) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Clone returns a deep copy safe to hand to subscribers
func (d *DownloadItem) Clone() DownloadItem {
	c := *d
	if d.ResumeToken != nil {
		tok := *d.ResumeToken
		c.ResumeToken = &tok
	}
	if d.FinishedAt != nil {
		t := *d.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// QueueConfig holds process-wide queue settings
type QueueConfig struct {
	MaxConcurrency int `json:"max_concurrency"`
}

// DownloadStatus is the flattened view of an item for listings
type DownloadStatus struct {
	ID         string  `json:"id"`
	URL        string  `json:"url"`
	Filename   string  `json:"filename"`
	DestPath   string  `json:"dest_path,omitempty"`
	TotalSize  int64   `json:"total_size"`
	Downloaded int64   `json:"downloaded"`
	Progress   float64 `json:"progress"` // Percentage 0-100
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	AddedAt    int64   `json:"added_at"` // Unix timestamp when added
}

// Status flattens an item into a DownloadStatus
func (d *DownloadItem) Status() DownloadStatus {
	return DownloadStatus{
		ID:         d.ID,
		URL:        d.SourceURL,
		Filename:   d.DisplayFilename,
		DestPath:   d.LocalPath,
		TotalSize:  d.TotalBytes,
		Downloaded: d.DownloadedBytes,
		Progress:   d.ProgressPercent(),
		Status:     d.State.String(),
		Error:      d.LastError,
		AddedAt:    d.CreatedAt.Unix(),
	}
}
