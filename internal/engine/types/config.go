package types

import (
	"time"
)

// Size constants
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// IncompleteSuffix is appended to files while downloading
	IncompleteSuffix = ".surge"

	// ScratchPrefix names staging files in the private cache directory
	ScratchPrefix = "dl-cache-"

	// MaxFilenameLength is the longest display filename kept after sanitizing
	MaxFilenameLength = 255

	// DefaultFilename is used when neither the caller nor the URL provides a name
	DefaultFilename = "download.bin"
)

// Queue limits
const (
	DefaultMaxConcurrency = 3
	MinConcurrency        = 1
	MaxUIConcurrency      = 5 // Highest value the UI and CLI offer
)

// Buffer and cadence defaults
const (
	WorkerBuffer = 512 * KB

	DefaultProgressInterval = 200 * time.Millisecond // Floor between progress callbacks
	DefaultPersistInterval  = 1 * time.Second        // Floor between progress-only saves

	EventChannelBuffer = 100
)

// HTTP Client Tuning
const (
	DefaultMaxIdleConns          = 100
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 15 * time.Second
	DialTimeout                  = 10 * time.Second
	KeepAliveDuration            = 30 * time.Second
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// RuntimeConfig holds dynamic settings that can override transfer defaults
type RuntimeConfig struct {
	UserAgent           string
	ProxyURL            string
	SkipTLSVerification bool

	WorkerBufferSize int
	ProgressInterval time.Duration
	PersistInterval  time.Duration
	StallTimeout     time.Duration // Zero disables the stall watchdog
	VerifyOnDisk     bool
}

// GetUserAgent returns the configured user agent or the default
func (r *RuntimeConfig) GetUserAgent() string {
	if r == nil || r.UserAgent == "" {
		return defaultUserAgent
	}
	return r.UserAgent
}

// GetWorkerBufferSize returns configured value or default
func (r *RuntimeConfig) GetWorkerBufferSize() int {
	if r == nil || r.WorkerBufferSize <= 0 {
		return WorkerBuffer
	}
	return r.WorkerBufferSize
}

// GetProgressInterval returns configured value or default
func (r *RuntimeConfig) GetProgressInterval() time.Duration {
	if r == nil || r.ProgressInterval <= 0 {
		return DefaultProgressInterval
	}
	return r.ProgressInterval
}

// GetPersistInterval returns configured value or default
func (r *RuntimeConfig) GetPersistInterval() time.Duration {
	if r == nil || r.PersistInterval <= 0 {
		return DefaultPersistInterval
	}
	return r.PersistInterval
}

// GetStallTimeout returns the stall window, zero when disabled
func (r *RuntimeConfig) GetStallTimeout() time.Duration {
	if r == nil || r.StallTimeout < 0 {
		return 0
	}
	return r.StallTimeout
}

// ShouldVerifyOnDisk reports whether completion requires a stat of the final file
func (r *RuntimeConfig) ShouldVerifyOnDisk() bool {
	return r == nil || r.VerifyOnDisk
}
