package share

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeRestored(t *testing.T) {
	snap := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	revoked := snap.Add(time.Hour)

	archived, err := json.Marshal(map[string]Grant{
		"kept":    {ID: "kept", Active: true, DownloadCount: 1, Permissions: []Permission{PermView}},
		"revoked": {ID: "revoked", Active: true, DownloadCount: 4},
		"gone":    {ID: "gone", Active: true},
	})
	require.NoError(t, err)
	current, err := json.Marshal(map[string]Grant{
		"kept":    {ID: "kept", Active: true, DownloadCount: 3, Permissions: []Permission{PermView, PermDownload}},
		"revoked": {ID: "revoked", Active: false, RevokedAt: &revoked, DownloadCount: 2},
		"newer":   {ID: "newer", Active: true},
	})
	require.NoError(t, err)

	out, err := MergeRestored(current, archived)
	require.NoError(t, err)
	var merged map[string]Grant
	require.NoError(t, json.Unmarshal(out, &merged))

	require.Len(t, merged, 3)
	assert.True(t, merged["kept"].Active)
	assert.Equal(t, 3, merged["kept"].DownloadCount, "counts never go back")
	assert.Equal(t, []Permission{PermView}, merged["kept"].Permissions, "archived permissions win")

	assert.False(t, merged["revoked"].Active, "revocation stays in force")
	require.NotNil(t, merged["revoked"].RevokedAt)
	assert.True(t, revoked.Equal(*merged["revoked"].RevokedAt))
	assert.Equal(t, 4, merged["revoked"].DownloadCount)

	assert.True(t, merged["gone"].Active, "grants removed since the snapshot come back")
	assert.NotContains(t, merged, "newer")
}

func TestMergeRestored_BadInput(t *testing.T) {
	_, err := MergeRestored(json.RawMessage(`[1]`), json.RawMessage(`{}`))
	assert.Error(t, err)
}
