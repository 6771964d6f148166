// ABOUTME: Tests for SQLite persistence of device tokens and node names
// ABOUTME: Uses in-memory databases, one per test

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/pairing"
	"github.com/2389/loom-gateway/internal/protocol"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceTokens_SaveAndList(t *testing.T) {
	s := newStore(t)

	tok := &pairing.DeviceToken{
		Token:      "tok-1",
		DeviceID:   "device-1",
		Scopes:     []string{protocol.ScopeRead, protocol.ScopeWrite},
		IssuedAtMs: 1700000000000,
	}
	require.NoError(t, s.SaveDeviceToken(tok))

	toks, err := s.ListDeviceTokens()
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "tok-1", toks[0].Token)
	assert.Equal(t, []string{protocol.ScopeRead, protocol.ScopeWrite}, toks[0].Scopes)
	assert.False(t, toks[0].Revoked)
}

func TestDeviceTokens_UpsertReplacesByDevice(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.SaveDeviceToken(&pairing.DeviceToken{
		Token: "old", DeviceID: "device-1", IssuedAtMs: 1,
	}))
	require.NoError(t, s.SaveDeviceToken(&pairing.DeviceToken{
		Token: "new", DeviceID: "device-1", IssuedAtMs: 2, Revoked: true,
	}))

	toks, err := s.ListDeviceTokens()
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "new", toks[0].Token)
	assert.True(t, toks[0].Revoked)
	assert.Empty(t, toks[0].Scopes)
}

func TestDeviceTokens_PairingLoadsFromStore(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveDeviceToken(&pairing.DeviceToken{
		Token: "tok-live", DeviceID: "device-1", IssuedAtMs: 1,
	}))

	ps, err := pairing.New(s, 0)
	require.NoError(t, err)

	got, ok := ps.VerifyToken("tok-live")
	require.True(t, ok)
	assert.Equal(t, "device-1", got.DeviceID)
}

func TestNodeNames_SaveAndGet(t *testing.T) {
	s := newStore(t)

	_, err := s.GetNodeName("node-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveNodeName("node-1", "Kitchen iPad"))
	name, err := s.GetNodeName("node-1")
	require.NoError(t, err)
	assert.Equal(t, "Kitchen iPad", name)

	require.NoError(t, s.SaveNodeName("node-1", "Hall iPad"))
	name, err = s.GetNodeName("node-1")
	require.NoError(t, err)
	assert.Equal(t, "Hall iPad", name)
}
