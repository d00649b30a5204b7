package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/surge-downloader/surgeq/internal/config"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// errHostRunning is returned when another surgeq process owns the queue
var errHostRunning = errors.New("surgeq is already running; stop it or use its dashboard")

var instanceLock *flock.Flock

// lockPath returns the lock file guarding the state directory
func lockPath() string {
	return filepath.Join(config.GetStateDir(), "surgeq.lock")
}

// AcquireLock tries to take the single-instance lock without blocking.
// It reports false when another process already holds it.
func AcquireLock() (bool, error) {
	if err := os.MkdirAll(config.GetStateDir(), 0o755); err != nil {
		return false, fmt.Errorf("failed to create state dir: %w", err)
	}

	fl := flock.New(lockPath())
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return false, nil
	}
	instanceLock = fl
	utils.Debug("Lock acquired: %s", fl.Path())
	return true, nil
}

// ReleaseLock drops the lock taken by AcquireLock
func ReleaseLock() {
	if instanceLock == nil {
		return
	}
	if err := instanceLock.Unlock(); err != nil {
		utils.Debug("Failed to release lock: %v", err)
	}
	instanceLock = nil
}

// withLock runs fn while holding the instance lock, failing fast if a host owns it
func withLock(fn func() error) error {
	ok, err := AcquireLock()
	if err != nil {
		return err
	}
	if !ok {
		return errHostRunning
	}
	defer ReleaseLock()
	return fn()
}
