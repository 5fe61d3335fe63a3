// Package proto defines the JSON request and response bodies of the filevault
// HTTP API. The server and the CLI client share these types.
package proto

import (
	"time"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Kind is the error taxonomy name: validation, not_found, state_conflict,
	// access_denied or transient_io.
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// UploadResponse is returned after a blob upload.
type UploadResponse struct {
	URL string `json:"url"`
}

// DeleteBlobRequest removes a blob by URL.
type DeleteBlobRequest struct {
	URL   string `json:"url"`
	Owner string `json:"owner"`
}

// RestoreVersionRequest restores one version of a file.
type RestoreVersionRequest struct {
	VersionID string `json:"versionId"`
	Actor     string `json:"actor"`
}

// RestoreVersionResponse carries the URL of the restored copy.
type RestoreVersionResponse struct {
	RestoredURL string `json:"restoredUrl"`
}

// UpdateMetadataRequest edits a version's comment and tags.
// A nil comment leaves it unchanged; nil tags leave them unchanged.
type UpdateMetadataRequest struct {
	Comment *string  `json:"comment,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// CountResponse reports how many records an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// DeletedResponse reports whether a record existed.
type DeletedResponse struct {
	Deleted bool `json:"deleted"`
}

// CreateShareRequest creates a link grant.
type CreateShareRequest struct {
	FileID       string     `json:"fileId"`
	FileURL      string     `json:"fileUrl,omitempty"`
	FileName     string     `json:"fileName,omitempty"`
	Creator      string     `json:"creator"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Password     string     `json:"password,omitempty"`
	Permissions  []string   `json:"permissions,omitempty"`
	MaxDownloads int        `json:"maxDownloads,omitempty"`
}

// ShareUsersRequest creates a direct grant for a list of users.
type ShareUsersRequest struct {
	FileID      string   `json:"fileId"`
	Creator     string   `json:"creator"`
	UserIDs     []string `json:"userIds"`
	Permissions []string `json:"permissions,omitempty"`
}

// ShareAdminRequest shares a file with support staff.
type ShareAdminRequest struct {
	FileID  string `json:"fileId"`
	Creator string `json:"creator"`
	Message string `json:"message"`
}

// ValidateShareRequest checks a share without recording access.
type ValidateShareRequest struct {
	Password string `json:"password,omitempty"`
}

// TrackShareRequest records a view or download.
type TrackShareRequest struct {
	Action    string `json:"action"`
	Requester string `json:"requester"`
}

// UpdatePermissionsRequest replaces a grant's permissions.
type UpdatePermissionsRequest struct {
	Permissions []string `json:"permissions"`
	Actor       string   `json:"actor"`
}

// ShareTokenRequest exchanges a share password for a download token.
type ShareTokenRequest struct {
	Password string `json:"password,omitempty"`
}

// ShareTokenResponse carries a short-lived download token.
type ShareTokenResponse struct {
	Token       string    `json:"token"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// CreateBackupRequest starts a backup.
type CreateBackupRequest struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// RestoreBackupRequest restores a backup.
type RestoreBackupRequest struct {
	Actor string `json:"actor"`
}

// OptimizeRequest asks for an optimized URL or a srcset.
type OptimizeRequest struct {
	URL     string `json:"url"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Quality int    `json:"quality,omitempty"`
	Format  string `json:"format,omitempty"`
	Cache   string `json:"cache,omitempty"`
	Widths  []int  `json:"widths,omitempty"`
	WebP    *bool  `json:"webp,omitempty"`
}

// OptimizeResponse carries a rewritten URL and, when widths were given, a srcset.
type OptimizeResponse struct {
	URL    string `json:"url"`
	SrcSet string `json:"srcset,omitempty"`
}

// PurgeRequest drops cached URLs. An empty list purges everything.
type PurgeRequest struct {
	URLs []string `json:"urls"`
}

// CDNPathResponse is the result of CDNPath.
type CDNPathResponse struct {
	Path string `json:"path"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status        string `json:"status"`
	BackupRunning bool   `json:"backupRunning"`
	Subscribers   int    `json:"subscribers"`
}
