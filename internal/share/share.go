// Package share issues and validates bounded access grants to files:
// password-protected, expiring, download-limited links and direct grants to
// named users.
package share

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
)

// Permission is a capability carried by a grant.
type Permission string

// Permissions.
const (
	PermView     Permission = "view"
	PermDownload Permission = "download"
	PermEdit     Permission = "edit"
	PermAdmin    Permission = "admin"
)

// ParsePermissions validates and deduplicates a permission list.
// An empty list yields the default {view}.
func ParsePermissions(in []string) ([]Permission, error) {
	if len(in) == 0 {
		return []Permission{PermView}, nil
	}
	seen := make(map[Permission]bool, len(in))
	out := make([]Permission, 0, len(in))
	for _, s := range in {
		p := Permission(s)
		switch p {
		case PermView, PermDownload, PermEdit, PermAdmin:
		default:
			return nil, fmt.Errorf("unknown permission %q: %w", s, apperr.ErrInvalidInput)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Kind distinguishes link grants from direct grants.
type Kind string

// Kinds.
const (
	KindLink   Kind = "link"
	KindDirect Kind = "direct"
)

// Grant is a capability record for one file.
type Grant struct {
	ID                string       `json:"id"`
	Kind              Kind         `json:"kind"`
	FileID            string       `json:"fileId"`
	FileURL           string       `json:"fileUrl,omitempty"`
	FileName          string       `json:"fileName,omitempty"`
	Permissions       []Permission `json:"permissions"`
	PasswordHash      string       `json:"passwordHash,omitempty"`
	PasswordProtected bool         `json:"passwordProtected"`
	ExpiresAt         *time.Time   `json:"expiresAt,omitempty"`
	MaxDownloads      int          `json:"maxDownloads,omitempty"`
	DownloadCount     int          `json:"downloadCount"`
	Active            bool         `json:"active"`
	CreatedBy         string       `json:"createdBy"`
	CreatedAt         time.Time    `json:"createdAt"`
	RevokedAt         *time.Time   `json:"revokedAt,omitempty"`
	SharedWith        []string     `json:"sharedWith,omitempty"`
	Message           string       `json:"message,omitempty"`
}

// Has reports whether the grant carries p. Admin implies everything.
func (g Grant) Has(p Permission) bool {
	for _, have := range g.Permissions {
		if have == p || have == PermAdmin {
			return true
		}
	}
	return false
}

// Expired reports whether the grant is past its expiry at now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Redacted returns a copy without the password hash.
func (g Grant) Redacted() Grant {
	g.PasswordHash = ""
	return g
}

// Link is returned by CreateShareLink.
type Link struct {
	ShareID     string       `json:"shareId"`
	ShareURL    string       `json:"shareUrl"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Permissions []Permission `json:"permissions"`
}

// LinkOptions configure a new link. Zero values select defaults:
// expiry in 7 days, {view}, no password, unlimited downloads.
type LinkOptions struct {
	ExpiresAt    *time.Time
	Password     string
	Permissions  []Permission
	MaxDownloads int
	FileURL      string
	FileName     string
}

// Denial reasons reported by ValidateAccess.
const (
	ReasonNotFound        = "not_found"
	ReasonRevoked         = "revoked"
	ReasonExpired         = "expired"
	ReasonInvalidPassword = "invalid_password"
	ReasonLimitExceeded   = "limit_exceeded"
	ReasonNoPermission    = "permission_denied"
)

// Access is the outcome of ValidateAccess.
type Access struct {
	Valid       bool         `json:"valid"`
	Permissions []Permission `json:"permissions,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Err maps a denial to its error, or nil when valid.
func (a Access) Err() error {
	if a.Valid {
		return nil
	}
	return reasonErr(a.Reason)
}

func reasonErr(reason string) error {
	switch reason {
	case ReasonNotFound:
		return apperr.ErrShareNotFound
	case ReasonRevoked:
		return apperr.ErrShareRevoked
	case ReasonExpired:
		return apperr.ErrShareExpired
	case ReasonInvalidPassword:
		return apperr.ErrInvalidPassword
	case ReasonLimitExceeded:
		return apperr.ErrLimitExceeded
	}
	return apperr.ErrPermissionDenied
}

// Action is what a requester did with a share.
type Action string

// Actions.
const (
	ActionView     Action = "view"
	ActionDownload Action = "download"
)

// AccessLog is one recorded access.
type AccessLog struct {
	ShareID   string    `json:"shareId"`
	FileID    string    `json:"fileId"`
	Action    Action    `json:"action"`
	Requester string    `json:"requester"`
	Timestamp time.Time `json:"timestamp"`
}

// Analytics aggregates a share's access log.
type Analytics struct {
	ShareID          string     `json:"shareId"`
	TotalViews       int        `json:"totalViews"`
	TotalDownloads   int        `json:"totalDownloads"`
	UniqueRequesters int        `json:"uniqueRequesters"`
	LastAccessed     *time.Time `json:"lastAccessed,omitempty"`
	DownloadCount    int        `json:"downloadCount"`
	MaxDownloads     int        `json:"maxDownloads,omitempty"`
	Active           bool       `json:"active"`
}

// SupportTicket is opened by ShareWithAdmin.
type SupportTicket struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	FileID    string    `json:"fileId"`
	ShareID   string    `json:"shareId"`
	Message   string    `json:"message"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	Status    string    `json:"status"`
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ShareIDLength is the length of generated share ids.
const ShareIDLength = 32

var alphabetSize = big.NewInt(int64(len(idAlphabet)))

// newShareID returns a crypto-random id over [A-Za-z0-9].
func newShareID() (string, error) {
	b := make([]byte, ShareIDLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate share id: %w", err)
		}
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b), nil
}
