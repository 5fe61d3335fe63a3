package share

import (
	"testing"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePermissions(t *testing.T) {
	p, err := ParsePermissions(nil)
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermView}, p)

	p, err = ParsePermissions([]string{"download", "view", "download"})
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermDownload, PermView}, p)

	_, err = ParsePermissions([]string{"delete"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGrantHas_AdminImpliesAll(t *testing.T) {
	g := Grant{Permissions: []Permission{PermAdmin}}
	for _, p := range []Permission{PermView, PermDownload, PermEdit} {
		assert.True(t, g.Has(p), p)
	}
	assert.False(t, Grant{Permissions: []Permission{PermView}}.Has(PermDownload))
}

func TestGrantExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, Grant{}.Expired(now))

	exp := now
	g := Grant{ExpiresAt: &exp}
	assert.True(t, g.Expired(now))
	assert.False(t, g.Expired(now.Add(-time.Nanosecond)))
}

func TestAccessErr(t *testing.T) {
	cases := map[string]error{
		ReasonNotFound:        apperr.ErrShareNotFound,
		ReasonRevoked:         apperr.ErrShareRevoked,
		ReasonExpired:         apperr.ErrShareExpired,
		ReasonInvalidPassword: apperr.ErrInvalidPassword,
		ReasonLimitExceeded:   apperr.ErrLimitExceeded,
		ReasonNoPermission:    apperr.ErrPermissionDenied,
	}
	for reason, want := range cases {
		assert.ErrorIs(t, Access{Reason: reason}.Err(), want, reason)
	}
	assert.NoError(t, Access{Valid: true}.Err())
}

func TestNewShareID(t *testing.T) {
	id, err := newShareID()
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Za-z0-9]{32}$`, id)
}
