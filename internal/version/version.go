// Package version keeps a bounded, append-only version chain per logical file.
package version

import (
	"fmt"
	"strings"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
)

// ChangeType says why a version was recorded.
type ChangeType string

// Change types.
const (
	ChangeUpload ChangeType = "upload"
	ChangeUpdate ChangeType = "update"
)

// ParseChangeType validates a change type. Empty means update.
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(s) {
	case "":
		return ChangeUpdate, nil
	case ChangeUpload, ChangeUpdate:
		return ChangeType(s), nil
	}
	return "", fmt.Errorf("unknown change type %q: %w", s, apperr.ErrInvalidInput)
}

// Version is one snapshot of a file.
type Version struct {
	ID         string     `json:"id"`
	FileID     string     `json:"fileId"`
	Number     int        `json:"version"`
	FileName   string     `json:"fileName"`
	FileSize   int64      `json:"fileSize"`
	FileType   string     `json:"fileType"`
	ChangeType ChangeType `json:"changeType"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	Checksum   string     `json:"checksum"`
	Comment    string     `json:"comment,omitempty"`
	Tags       []string   `json:"tags"`
	Compressed bool       `json:"compressed"`
	StoredSize int64      `json:"storedSize"`
	BlobURL    string     `json:"blobUrl"`
}

// chain is the persisted record under "versions/<fileId>".
// NextVersion only grows, so numbers are never reused.
type chain struct {
	FileID      string    `json:"fileId"`
	NextVersion int       `json:"nextVersion"`
	Versions    []Version `json:"versions"`
}

func (c *chain) find(versionID string) (int, bool) {
	for i, v := range c.Versions {
		if v.ID == versionID {
			return i, true
		}
	}
	return -1, false
}

// Differences between two versions.
type Differences struct {
	NameChanged    bool          `json:"nameChanged"`
	SizeChanged    bool          `json:"sizeChanged"`
	SizeDifference int64         `json:"sizeDifference"`
	ContentChanged bool          `json:"contentChanged"`
	TimeDifference time.Duration `json:"timeDifference"`
}

// Comparison is the result of CompareVersions.
type Comparison struct {
	Version1    Version     `json:"version1"`
	Version2    Version     `json:"version2"`
	Differences Differences `json:"differences"`
}

// TimelineEntry is a display projection of a version.
type TimelineEntry struct {
	ID         string     `json:"id"`
	Version    int        `json:"version"`
	Timestamp  time.Time  `json:"timestamp"`
	ChangeType ChangeType `json:"changeType"`
	CreatedBy  string     `json:"createdBy"`
	FileSize   int64      `json:"fileSize"`
	Comment    string     `json:"comment,omitempty"`
	Tags       []string   `json:"tags"`
}

// Stats aggregates a file's chain.
type Stats struct {
	TotalVersions int                `json:"totalVersions"`
	TotalSize     int64              `json:"totalSize"`
	StoredSize    int64              `json:"storedSize"`
	AverageSize   int64              `json:"averageSize"`
	OldestVersion *time.Time         `json:"oldestVersion,omitempty"`
	NewestVersion *time.Time         `json:"newestVersion,omitempty"`
	ChangeTypes   map[ChangeType]int `json:"changeTypes"`
}

// Export is the portable history document. ImportHistory accepts it.
type Export struct {
	FileID      string          `json:"fileId"`
	ExportedAt  time.Time       `json:"exportedAt"`
	NextVersion int             `json:"nextVersion"`
	Versions    []Version       `json:"versions"`
	Timeline    []TimelineEntry `json:"timeline"`
	Statistics  Stats           `json:"statistics"`
}

// Action is an entry of the global version action log.
type Action struct {
	Action    string    `json:"action"`
	FileID    string    `json:"fileId"`
	VersionID string    `json:"versionId"`
	Version   int       `json:"version"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// Restored is the payload of the versionRestored event.
type Restored struct {
	FileID      string `json:"fileId"`
	VersionID   string `json:"versionId"`
	Version     int    `json:"version"`
	RestoredURL string `json:"restoredUrl"`
}

// compressible reports whether a MIME type is textual.
func compressible(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return strings.HasPrefix(mime, "text/") || mime == "application/json" || mime == "application/xml"
}
