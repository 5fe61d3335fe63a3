// Package kv provides the durable string-keyed JSON store that holds all
// lifecycle metadata: backup history, share grants, version chains, access logs
// and the local application state captured by backups.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Well-known keys.
const (
	BackupHistoryKey   = "backupHistory"
	VersionHistoryKey  = "versionHistory"
	FileSharesKey      = "fileShares"
	DirectSharesKey    = "directShares"
	ShareAccessLogsKey = "shareAccessLogs"
	RestoreLogsKey     = "restoreLogs"
	SupportTicketsKey  = "supportTickets"
	CDNSettingsKey     = "cdnSettings"

	// VersionChainPrefix prefixes per-file version chains: "versions/<fileId>".
	VersionChainPrefix = "versions/"
)

// Local application state keys captured verbatim by backups.
const (
	UserProfileKey   = "userProfile"
	DashboardDataKey = "dashboardData"
	SettingsKey      = "settings"
)

// DefaultStateKeys lists the state snapshotted into every backup archive.
var DefaultStateKeys = []string{UserProfileKey, DashboardDataKey, FileSharesKey, SettingsKey}

// Store is a durable key-value store with JSON values.
// Missing keys are not errors: Get reports found=false and leaves target untouched.
type Store interface {
	GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error)
	PutRaw(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Get loads key into target.
func Get(ctx context.Context, s Store, key string, target interface{}) (bool, error) {
	raw, found, err := s.GetRaw(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Put stores v as JSON under key.
func Put(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.PutRaw(ctx, key, data)
}
