package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the queue, resolver and transfer layers.
// Callers test for them with errors.Is.
var (
	ErrPermissionDenied   = errors.New("storage permission denied")
	ErrSelectionCancelled = errors.New("folder selection cancelled")
	ErrWriteFailed        = errors.New("write failed")
	ErrTransferFailed     = errors.New("transfer failed")
	ErrResumeUnsupported  = errors.New("resume not supported by server")
	ErrNotFound           = errors.New("download not found")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrInvalidConcurrency = errors.New("max concurrency must be at least 1")
	ErrTransferFinished   = errors.New("transfer already finished")
)

// kindError attaches an error kind to a cause
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return e.cause
}

// WriteError marks err as a local filesystem failure
func WriteError(err error) error {
	if err == nil || errors.Is(err, ErrWriteFailed) {
		return err
	}
	return &kindError{kind: ErrWriteFailed, cause: err}
}

// TransferError marks err as a network or remote-server failure
func TransferError(err error) error {
	if err == nil || errors.Is(err, ErrTransferFailed) {
		return err
	}
	return &kindError{kind: ErrTransferFailed, cause: err}
}

// StateError is returned when an operation is requested from an incompatible state
type StateError struct {
	ID        string
	State     State
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s download %s in state %s", e.Operation, e.ID, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}
