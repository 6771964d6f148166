// ABOUTME: Tests for the pairing request lifecycle and device tokens
// ABOUTME: Covers approve, reject, expiry, rotation, and revocation

package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/protocol"
)

func newState(t *testing.T) *State {
	t.Helper()
	s, err := New(nil, 0)
	require.NoError(t, err)
	return s
}

func TestNew_ConfiguredTTL(t *testing.T) {
	s, err := New(nil, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, s.TTL())

	req := s.RequestPair("device-1", "", "ios", "")
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), req.ExpiresAt, 25*time.Millisecond)

	time.Sleep(75 * time.Millisecond)
	_, err = s.Approve(req.ID)
	assert.ErrorIs(t, err, ErrPairRequestExpired)
}

func TestNew_ZeroTTLUsesDefault(t *testing.T) {
	s, err := New(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, s.TTL())
}

func TestRequestPair_Pending(t *testing.T) {
	s := newState(t)

	req := s.RequestPair("device-1", "Phone", "ios", "")
	assert.Equal(t, StatusPending, req.Status)
	assert.NotEmpty(t, req.ID)
	assert.NotEmpty(t, req.Nonce)

	pending := s.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "device-1", pending[0].DeviceID)
}

func TestApprove_IssuesToken(t *testing.T) {
	s := newState(t)
	req := s.RequestPair("device-1", "Phone", "ios", "")

	tok, err := s.Approve(req.ID)
	require.NoError(t, err)
	assert.Equal(t, "device-1", tok.DeviceID)
	assert.NotEmpty(t, tok.Token)
	assert.ElementsMatch(t,
		[]string{protocol.ScopeRead, protocol.ScopeWrite, protocol.ScopeApprovals},
		tok.Scopes)
	assert.False(t, tok.Revoked)

	// Request left the pending set.
	assert.Empty(t, s.ListPending())

	// Token verifies.
	got, ok := s.VerifyToken(tok.Token)
	require.True(t, ok)
	assert.Equal(t, "device-1", got.DeviceID)
}

func TestApprove_Twice(t *testing.T) {
	s := newState(t)
	req := s.RequestPair("device-1", "", "android", "")

	_, err := s.Approve(req.ID)
	require.NoError(t, err)

	_, err = s.Approve(req.ID)
	var notPending *NotPendingError
	require.ErrorAs(t, err, &notPending)
	assert.Equal(t, StatusApproved, notPending.Status)
}

func TestApprove_UnknownRequest(t *testing.T) {
	s := newState(t)
	_, err := s.Approve("nope")
	assert.ErrorIs(t, err, ErrPairRequestNotFound)
}

func TestApprove_Expired(t *testing.T) {
	s := newState(t)
	s.ttl = -time.Second // already expired on creation
	req := s.RequestPair("device-1", "", "ios", "")

	_, err := s.Approve(req.ID)
	assert.ErrorIs(t, err, ErrPairRequestExpired)
}

func TestReject(t *testing.T) {
	s := newState(t)
	req := s.RequestPair("device-1", "", "ios", "")

	require.NoError(t, s.Reject(req.ID))
	assert.Empty(t, s.ListPending())

	// Rejected request cannot be approved afterwards.
	_, err := s.Approve(req.ID)
	var notPending *NotPendingError
	require.ErrorAs(t, err, &notPending)
	assert.Equal(t, StatusRejected, notPending.Status)
}

func TestRotateToken(t *testing.T) {
	s := newState(t)
	req := s.RequestPair("device-1", "", "ios", "")
	old, err := s.Approve(req.ID)
	require.NoError(t, err)

	fresh, err := s.RotateToken("device-1")
	require.NoError(t, err)
	assert.NotEqual(t, old.Token, fresh.Token)
	assert.Equal(t, old.Scopes, fresh.Scopes)

	_, ok := s.VerifyToken(old.Token)
	assert.False(t, ok, "rotated-out token must not verify")
	_, ok = s.VerifyToken(fresh.Token)
	assert.True(t, ok)
}

func TestRevokeToken(t *testing.T) {
	s := newState(t)
	req := s.RequestPair("device-1", "", "ios", "")
	tok, err := s.Approve(req.ID)
	require.NoError(t, err)

	require.NoError(t, s.RevokeToken("device-1"))
	_, ok := s.VerifyToken(tok.Token)
	assert.False(t, ok)
	assert.Empty(t, s.ListDevices())

	assert.ErrorIs(t, s.RevokeToken("ghost"), ErrDeviceNotFound)
}

func TestEvictExpired(t *testing.T) {
	s := newState(t)
	s.ttl = -time.Second
	s.RequestPair("device-1", "", "ios", "")
	s.ttl = DefaultTTL
	live := s.RequestPair("device-2", "", "android", "")

	s.EvictExpired()

	pending := s.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, live.ID, pending[0].ID)
}
