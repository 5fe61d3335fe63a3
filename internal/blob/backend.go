package blob

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
)

// Object is backend-level metadata.
type Object struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Backend persists raw objects. Get, Head and Delete report a missing key
// with an error matching apperr.ErrBlobNotFound.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
	Head(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
	// List returns objects under prefix ordered by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	// URL returns the dereferenceable URL for key.
	URL(key string) string
}

// Presigner is implemented by backends that can mint time-limited direct URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

func notFound(key string) error {
	return fmt.Errorf("%s: %w", key, apperr.ErrBlobNotFound)
}

// validateKey rejects keys that could escape a backend's namespace.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty: %w", apperr.ErrInvalidInput)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("null bytes not allowed: %w", apperr.ErrInvalidInput)
	}
	if filepath.IsAbs(key) || strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return fmt.Errorf("absolute keys not allowed: %w", apperr.ErrInvalidInput)
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(key, sep) {
			if part == ".." || part == "." {
				return fmt.Errorf("path traversal not allowed: %w", apperr.ErrInvalidInput)
			}
		}
	}
	return nil
}
