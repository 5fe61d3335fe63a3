package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogShareAccess(t *testing.T) {
	tests := []struct {
		name      string
		result    string
		reason    string
		wantLevel string
	}{
		{"allowed download", Allowed, "", "info"},
		{"expired link", Denied, "expired", "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(zerolog.New(&buf))

			l.LogShareAccess("abc123", "file-1", "download", "203.0.113.9", tt.result, tt.reason)

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "share_access", entry["event_type"])
			assert.Equal(t, "audit", entry["log_type"])
			assert.Equal(t, "abc123", entry["share_id"])
			assert.Equal(t, "file-1", entry["file_id"])
			assert.Equal(t, tt.result, entry["result"])
			if tt.reason == "" {
				assert.NotContains(t, entry, "reason")
			} else {
				assert.Equal(t, tt.reason, entry["reason"])
			}
		})
	}
}

func TestLogShareChange(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.LogShareChange("u1", "revoke", "abc123", "", "")

	entry := decode(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "revoke", entry["action"])
	assert.NotContains(t, entry, "file_id")
	assert.NotContains(t, entry, "details")
}

func TestLogBackup(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.LogBackup("scheduler", "create", "b-1", "daily", Failure, "upload archive: timeout")

	entry := decode(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "backup", entry["event_type"])
	assert.Equal(t, "daily", entry["backup_type"])
	assert.Equal(t, "upload archive: timeout", entry["details"])
}

func TestLogVersionOp(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.LogVersionOp("u1", "restore", "f1", "v-9", Success, "")

	entry := decode(t, &buf)
	assert.Equal(t, "version_operation", entry["event_type"])
	assert.Equal(t, "v-9", entry["version_id"])
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.LogShareAccess("s", "f", "view", "r", Allowed, "")
		l.LogShareChange("a", "create_link", "s", "f", "")
		l.LogBackup("a", "create", "b", "manual", Success, "")
		l.LogVersionOp("a", "delete", "f", "v", Success, "")
	})
}
