package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorsCarryKind(t *testing.T) {
	tests := []struct {
		err  error
		kind error
	}{
		{ErrSizeExceeded, ErrValidation},
		{ErrTypeNotAllowed, ErrValidation},
		{ErrVersionNotFound, ErrNotFound},
		{ErrBackupNotFound, ErrNotFound},
		{ErrBackupInProgress, ErrStateConflict},
		{ErrBackupIncomplete, ErrStateConflict},
		{ErrShareExpired, ErrAccessDenied},
		{ErrLimitExceeded, ErrAccessDenied},
		{ErrContentUnavailable, ErrTransientIO},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("op: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.kind)
			assert.Equal(t, tt.kind, Kind(wrapped))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrBackupInProgress))
	assert.True(t, Retryable(IO("upload", errors.New("connection reset"))))
	assert.False(t, Retryable(ErrSizeExceeded))
	assert.False(t, Retryable(ErrShareRevoked))
	assert.False(t, Retryable(nil))
}

func TestIO(t *testing.T) {
	assert.NoError(t, IO("noop", nil))

	err := IO("get", errors.New("disk on fire"))
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.Contains(t, err.Error(), "disk on fire")

	// Existing kinds are preserved.
	err = IO("get", ErrBlobNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTransientIO)
}

func TestKindContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, ErrTransientIO, Kind(ctx.Err()))
	assert.Nil(t, Kind(errors.New("plain")))
}

func TestIOWrapsDeadline(t *testing.T) {
	err := IO("upload", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
