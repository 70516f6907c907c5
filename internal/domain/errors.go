package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the remote credential is invalid or cannot be refreshed.
	ErrAuth = errors.New("authentication failed")
	// ErrConnection is a transient network failure.
	ErrConnection = errors.New("connection failed")
	// ErrNotFound marks an expected absence (object or folder does not exist yet).
	ErrNotFound = errors.New("not found")
	// ErrTransfer means an upload or download failed after retries.
	ErrTransfer = errors.New("transfer failed")
	// ErrVerificationMismatch is a content hash disagreement.
	ErrVerificationMismatch = errors.New("content verification mismatch")
	// ErrLockContention means another sync run holds the lock.
	ErrLockContention = errors.New("sync already in progress")
)

// TransferError is a terminal transfer failure for a single object.
type TransferError struct {
	Op       string
	Path     string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.Path, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}
