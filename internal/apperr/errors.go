// Package apperr defines the error kinds shared by the file lifecycle services.
//
// Every error returned by a public operation wraps exactly one kind, so callers
// branch with errors.Is(err, apperr.ErrNotFound) and friends.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
	ErrAccessDenied  = errors.New("access denied")
	ErrTransientIO   = errors.New("transient i/o error")
)

// Domain errors. Each wraps its kind.
var (
	ErrSizeExceeded   = fmt.Errorf("file size exceeded: %w", ErrValidation)
	ErrTypeNotAllowed = fmt.Errorf("file type not allowed: %w", ErrValidation)
	ErrInvalidInput   = fmt.Errorf("invalid input: %w", ErrValidation)

	ErrBlobNotFound    = fmt.Errorf("blob: %w", ErrNotFound)
	ErrVersionNotFound = fmt.Errorf("version: %w", ErrNotFound)
	ErrShareNotFound   = fmt.Errorf("share: %w", ErrNotFound)
	ErrBackupNotFound  = fmt.Errorf("backup: %w", ErrNotFound)

	ErrBackupInProgress   = fmt.Errorf("backup already in progress: %w", ErrStateConflict)
	ErrBackupIncomplete   = fmt.Errorf("cannot restore from incomplete backup: %w", ErrStateConflict)
	ErrShareRevoked       = fmt.Errorf("share link has been revoked: %w", ErrAccessDenied)
	ErrShareExpired       = fmt.Errorf("share link has expired: %w", ErrAccessDenied)
	ErrInvalidPassword    = fmt.Errorf("invalid password: %w", ErrAccessDenied)
	ErrLimitExceeded      = fmt.Errorf("download limit exceeded: %w", ErrAccessDenied)
	ErrPermissionDenied   = fmt.Errorf("permission denied: %w", ErrAccessDenied)
	ErrContentUnavailable = fmt.Errorf("content unavailable: %w", ErrTransientIO)
)

// Retryable reports whether the operation may succeed if repeated unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrStateConflict) || errors.Is(err, ErrTransientIO)
}

// IO wraps a storage or network failure as transient. Errors that already carry
// a kind are returned unchanged, so a not-found from a backend stays not-found.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	if hasKind(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}

// Kind returns the kind sentinel wrapped by err, or nil.
// Context cancellation and deadline errors count as transient.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTransientIO
	}
	return nil
}

var kinds = []error{ErrValidation, ErrNotFound, ErrStateConflict, ErrAccessDenied, ErrTransientIO}

func hasKind(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
