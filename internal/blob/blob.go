// Package blob stores opaque file payloads partitioned by category and owner.
// Every other lifecycle component references blobs by the URL Upload returns.
package blob

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
)

// Category partitions blobs and selects the upload policy.
type Category string

// Categories.
const (
	CategoryProfile  Category = "profile"
	CategoryKYC      Category = "kyc"
	CategoryPayment  Category = "payment"
	CategoryBackup   Category = "backup"
	CategoryVersions Category = "versions"
	CategoryRestored Category = "restored"
	CategoryUploads  Category = "uploads"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryProfile, CategoryKYC, CategoryPayment, CategoryBackup,
	CategoryVersions, CategoryRestored, CategoryUploads,
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q: %w", s, apperr.ErrInvalidInput)
}

// Policy limits uploads for one category.
// Zero MaxSize means unbounded; an empty AllowedTypes accepts any type.
type Policy struct {
	MaxSize      int64
	AllowedTypes []string
}

// Allows reports whether contentType is in the allow-list.
func (p Policy) Allows(contentType string) bool {
	if len(p.AllowedTypes) == 0 {
		return true
	}
	ct := normalizeType(contentType)
	for _, t := range p.AllowedTypes {
		if strings.EqualFold(t, ct) {
			return true
		}
	}
	return false
}

// DefaultPolicies returns the built-in category limits.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryProfile: {
			MaxSize:      5 << 20,
			AllowedTypes: []string{"image/jpeg", "image/jpg", "image/png", "image/webp"},
		},
		CategoryKYC: {
			MaxSize:      10 << 20,
			AllowedTypes: []string{"image/jpeg", "image/jpg", "image/png", "application/pdf"},
		},
		CategoryPayment: {
			MaxSize:      10 << 20,
			AllowedTypes: []string{"image/jpeg", "image/jpg", "image/png"},
		},
	}
}

// normalizeType strips parameters such as "; charset=utf-8".
func normalizeType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// File is an upload payload.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// NewFile wraps in-memory content.
func NewFile(name, contentType string, data []byte) File {
	return File{Name: name, ContentType: contentType, Size: int64(len(data)), Body: bytes.NewReader(data)}
}

// Blob describes a stored payload.
type Blob struct {
	URL         string    `json:"url"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	Category    Category  `json:"category"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UploadOptions are optional Upload parameters.
type UploadOptions struct {
	// Identifier replaces the file name in the storage key.
	Identifier string
	// Progress receives upload percentages 0-100, non-decreasing.
	Progress func(percent int)
}

// objectKey builds "category/owner/<unixnano>-<name>".
func objectKey(category Category, owner, name string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%d-%s", category, sanitize(owner), now.UnixNano(), sanitize(name))
}

// parseKey splits a storage key into its parts.
func parseKey(key string) (category Category, owner, name string, created time.Time, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return "", "", "", time.Time{}, false
	}
	stamp, rest, found := strings.Cut(parts[2], "-")
	if !found {
		return "", "", "", time.Time{}, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", "", "", time.Time{}, false
	}
	return Category(parts[0]), parts[1], rest, time.Unix(0, nanos).UTC(), true
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == '?' || r == '#' || r == '%':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		case r == ' ':
			return '_'
		}
		return r
	}, s)
}
