// Package backup snapshots an owner's files and local application state into
// compressed archives, restores them, and runs scheduled backups with
// per-type retention.
package backup

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/forlifetrading/filevault/internal/blob"
)

// Type is the cadence that produced a backup.
type Type string

// Backup types.
const (
	TypeManual      Type = "manual"
	TypeDaily       Type = "daily"
	TypeWeekly      Type = "weekly"
	TypeMonthly     Type = "monthly"
	TypeIncremental Type = "incremental"
)

// ParseType validates a backup type. Empty means manual.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case "":
		return TypeManual, nil
	case TypeManual, TypeDaily, TypeWeekly, TypeMonthly, TypeIncremental:
		return t, nil
	}
	return "", fmt.Errorf("unknown backup type %q: %w", s, apperr.ErrInvalidInput)
}

// Status is the lifecycle state of a backup. in_progress moves to completed
// or failed exactly once.
type Status string

// Statuses.
const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is one entry of the backup history.
type Record struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Description string     `json:"description"`
	Owner       string     `json:"userId"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FileCount   int        `json:"fileCount"`
	Size        int64      `json:"size"`
	Checksum    string     `json:"checksum,omitempty"`
	URL         string     `json:"url,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Schedule enables one scheduled cadence and bounds its retained backups.
// Zero Retention keeps every completed backup of the type.
type Schedule struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	Retention int  `json:"retention" yaml:"retention"`
}

// DefaultSchedules returns daily 7, weekly 4 and monthly 12, all enabled.
func DefaultSchedules() map[Type]Schedule {
	return map[Type]Schedule{
		TypeDaily:   {Enabled: true, Retention: 7},
		TypeWeekly:  {Enabled: true, Retention: 4},
		TypeMonthly: {Enabled: true, Retention: 12},
	}
}

// RestoreResult reports what a restore achieved. Partial is set when any
// archived file could not be re-uploaded.
type RestoreResult struct {
	BackupID          string   `json:"backupId"`
	StateKeysRestored []string `json:"stateKeysRestored"`
	FilesRestored     int      `json:"filesRestored"`
	FilesFailed       int      `json:"filesFailed"`
	RestoredURLs      []string `json:"restoredUrls"`
	Partial           bool     `json:"partial"`
}

// RestoreLog is persisted under "restoreLogs" after each restore.
type RestoreLog struct {
	BackupID      string    `json:"backupId"`
	RestoredBy    string    `json:"restoredBy"`
	RestoredAt    time.Time `json:"restoredAt"`
	FilesRestored int       `json:"filesRestored"`
	FilesFailed   int       `json:"filesFailed"`
	Partial       bool      `json:"partial"`
}

// Stats summarizes the backup history.
type Stats struct {
	TotalBackups     int                `json:"totalBackups"`
	CompletedBackups int                `json:"completedBackups"`
	FailedBackups    int                `json:"failedBackups"`
	TotalSize        int64              `json:"totalSize"`
	LastBackup       *Record            `json:"lastBackup,omitempty"`
	NextScheduled    map[Type]time.Time `json:"nextScheduled"`
}

// archive is the JSON document stored, zstd-compressed, for each backup.
type archive struct {
	ID        string                     `json:"id"`
	Type      Type                       `json:"type"`
	Owner     string                     `json:"userId"`
	Timestamp time.Time                  `json:"timestamp"`
	Files     []archivedFile             `json:"files"`
	UserData  map[string]json.RawMessage `json:"userData"`
}

type archivedFile struct {
	blob.Blob
	Data []byte `json:"data"`
}
