package internal

import (
	"errors"
	"testing"

	"github.com/lychee-technology/couchodm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityMapRegisterAndLookup(t *testing.T) {
	m := NewIdentityMap()
	ben := &CmsUser{ID: "a1", Name: "Ben"}

	require.NoError(t, m.Register("CmsUser", "a1", ben))
	got, ok := m.Lookup("CmsUser", "a1")
	require.True(t, ok)
	assert.Same(t, ben, got)

	// same instance again is fine
	require.NoError(t, m.Register("CmsUser", "a1", ben))
	assert.Equal(t, 1, m.Len())
}

func TestIdentityMapRejectsSecondInstance(t *testing.T) {
	m := NewIdentityMap()
	require.NoError(t, m.Register("CmsUser", "a1", &CmsUser{ID: "a1"}))

	err := m.Register("CmsUser", "a1", &CmsUser{ID: "a1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, couchodm.ErrDuplicateIdentity))

	// the same id under another type is a different identity
	require.NoError(t, m.Register("CmsGroup", "a1", &CmsGroup{ID: "a1"}))
}

func TestIdentityMapLookupMissAndForget(t *testing.T) {
	m := NewIdentityMap()
	_, ok := m.Lookup("CmsUser", "missing")
	assert.False(t, ok)

	require.NoError(t, m.Register("CmsUser", "a1", &CmsUser{ID: "a1"}))
	m.Forget("CmsUser", "a1")
	m.Forget("CmsUser", "a1")
	_, ok = m.Lookup("CmsUser", "a1")
	assert.False(t, ok)

	require.NoError(t, m.Register("CmsUser", "a2", &CmsUser{ID: "a2"}))
	m.Clear()
	assert.Zero(t, m.Len())
}
