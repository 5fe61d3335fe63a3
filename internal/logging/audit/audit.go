// Package audit records security-relevant file lifecycle events: share
// access, share grant changes, backups, restores and version operations.
package audit

import (
	"github.com/rs/zerolog"
)

// Results.
const (
	Allowed = "allowed"
	Denied  = "denied"
	Success = "success"
	Failure = "failure"
)

// Logger provides structured audit logging.
// A nil *Logger discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("log_type", "audit").Logger()}
}

func levelFor(result string) zerolog.Level {
	if result == Denied || result == Failure {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// LogShareAccess logs a validation or use of a share link.
// action: "validate", "view" or "download"
// requester: fingerprint of the caller (remote address or user id)
// result: Allowed or Denied
// reason: denial reason (empty when allowed)
func (l *Logger) LogShareAccess(shareID, fileID, action, requester, result, reason string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "share_access").
		Str("share_id", shareID).
		Str("action", action).
		Str("requester", requester).
		Str("result", result)

	if fileID != "" {
		event = event.Str("file_id", fileID)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Share access")
}

// LogShareChange logs creation, revocation or permission changes of a grant.
// actorID: the user making the change
// action: e.g. "create_link", "share_with_users", "revoke", "update_permissions", "cleanup"
func (l *Logger) LogShareChange(actorID, action, shareID, fileID, details string) {
	if l == nil {
		return
	}
	event := l.logger.Info().
		Str("event_type", "share_change").
		Str("actor_id", actorID).
		Str("action", action).
		Str("share_id", shareID)

	if fileID != "" {
		event = event.Str("file_id", fileID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Share grant changed")
}

// LogBackup logs a backup lifecycle event.
// action: "create", "restore", "delete" or "retention"
// result: Success or Failure
func (l *Logger) LogBackup(actorID, action, backupID, backupType, result, details string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "backup").
		Str("actor_id", actorID).
		Str("action", action).
		Str("backup_id", backupID).
		Str("result", result)

	if backupType != "" {
		event = event.Str("backup_type", backupType)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Backup event")
}

// LogVersionOp logs a version restore, deletion or import.
func (l *Logger) LogVersionOp(actorID, operation, fileID, versionID, result, details string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "version_operation").
		Str("actor_id", actorID).
		Str("operation", operation).
		Str("file_id", fileID).
		Str("result", result)

	if versionID != "" {
		event = event.Str("version_id", versionID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Version operation")
}
