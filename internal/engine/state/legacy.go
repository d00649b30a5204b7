package state

import (
	"encoding/json"
	"time"

	"github.com/surge-downloader/surgeq/internal/engine/types"
)

// legacyItem is the schema v1 record shape: a bare array,
// camelCase fields, epoch-millisecond times and no queued status
type legacyItem struct {
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	Filename       string   `json:"filename"`
	FileSize       float64  `json:"fileSize"`
	DownloadedSize float64  `json:"downloadedSize"`
	Progress       float64  `json:"progress"`
	Status         string   `json:"status"`
	StartTime      float64  `json:"startTime"`
	EndTime        *float64 `json:"endTime"`
	Error          string   `json:"error"`
	LocalPath      string   `json:"localPath"`
}

func decodeLegacy(data []byte) ([]types.DownloadItem, error) {
	var records []legacyItem
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	items := make([]types.DownloadItem, 0, len(records))
	for _, rec := range records {
		it := types.DownloadItem{
			ID:              rec.ID,
			SourceURL:       rec.URL,
			DisplayFilename: rec.Filename,
			TotalBytes:      int64(rec.FileSize),
			DownloadedBytes: int64(rec.DownloadedSize),
			State:           legacyState(rec.Status),
			LocalPath:       rec.LocalPath,
			LastError:       rec.Error,
		}
		if rec.StartTime > 0 {
			it.CreatedAt = time.UnixMilli(int64(rec.StartTime))
		}
		if rec.EndTime != nil && *rec.EndTime > 0 {
			end := time.UnixMilli(int64(*rec.EndTime))
			it.FinishedAt = &end
		}
		// Old records sometimes kept only the fraction
		if it.DownloadedBytes == 0 && it.TotalBytes > 0 && rec.Progress > 0 {
			frac := rec.Progress
			if frac > 1 {
				frac /= 100
			}
			if frac > 1 {
				frac = 1
			}
			it.DownloadedBytes = int64(frac * float64(it.TotalBytes))
		}
		if it.State == types.StateCompleted && it.TotalBytes > 0 {
			it.DownloadedBytes = it.TotalBytes
		}
		items = append(items, it)
	}
	return items, nil
}

func legacyState(status string) types.State {
	switch status {
	case "downloading":
		return types.StateDownloading
	case "paused":
		return types.StatePaused
	case "completed":
		return types.StateCompleted
	case "failed":
		return types.StateFailed
	case "cancelled", "canceled":
		return types.StateCancelled
	case "queued", "pending":
		return types.StateQueued
	}
	return types.State(status)
}
