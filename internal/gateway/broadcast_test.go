// ABOUTME: Tests for the broadcaster: sequencing, scope guards, drop/evict policy
// ABOUTME: Covers concurrent sequence allocation and slow-consumer behavior

package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/approval"
	"github.com/2389/loom-gateway/internal/node"
	"github.com/2389/loom-gateway/internal/pairing"
	"github.com/2389/loom-gateway/internal/protocol"
)

// fakeClient buffers frames like a real connection's outbound channel.
type fakeClient struct {
	id     string
	scopes []string
	buf    chan []byte

	mu         sync.Mutex
	kicked     bool
	kickReason string
}

func newFakeClient(id string, scopes []string, buffer int) *fakeClient {
	return &fakeClient{id: id, scopes: scopes, buf: make(chan []byte, buffer)}
}

func (c *fakeClient) ConnID() string   { return c.id }
func (c *fakeClient) Scopes() []string { return c.scopes }

func (c *fakeClient) TrySend(frame []byte) bool {
	select {
	case c.buf <- frame:
		return true
	default:
		return false
	}
}

func (c *fakeClient) Kick(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = true
	c.kickReason = reason
}

func (c *fakeClient) wasKicked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked
}

// drain decodes every buffered frame.
func (c *fakeClient) drain(t *testing.T) []protocol.EventFrame {
	t.Helper()
	var out []protocol.EventFrame
	for {
		select {
		case data := <-c.buf:
			var f protocol.EventFrame
			require.NoError(t, json.Unmarshal(data, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func newTestState(t *testing.T) *State {
	t.Helper()
	pair, err := pairing.New(nil, 0)
	require.NoError(t, err)
	return NewState(node.NewRegistry(nil), pair, approval.NewManager(time.Second, nil), nil)
}

func TestBroadcast_SeqStrictlyIncreasing(t *testing.T) {
	s := newTestState(t)
	c := newFakeClient("c1", nil, 128)
	s.AddClient(c)

	for range 10 {
		s.Broadcast("chat", map[string]string{"text": "hi"}, BroadcastOpts{})
	}

	frames := c.drain(t)
	require.Len(t, frames, 10)
	for i, f := range frames {
		require.NotNil(t, f.Seq)
		assert.Equal(t, uint64(i+1), *f.Seq)
	}
}

func TestBroadcast_ConcurrentSeqAllocationIsUnique(t *testing.T) {
	s := newTestState(t)

	const callers = 20
	const perCaller = 50

	var wg sync.WaitGroup
	for range callers {
		wg.Go(func() {
			for range perCaller {
				s.Broadcast("chat", nil, BroadcastOpts{})
			}
		})
	}
	wg.Wait()

	// Every call allocates a seq even with zero clients; the counter must
	// land exactly on the call count with no duplicates possible.
	assert.Equal(t, uint64(callers*perCaller), s.seq.Load())
}

func TestBroadcast_SeqAllocatedWithNoEligibleClients(t *testing.T) {
	s := newTestState(t)

	// No clients at all.
	s.Broadcast("chat", nil, BroadcastOpts{})

	// A client that fails the guard.
	c := newFakeClient("c1", []string{protocol.ScopeRead}, 8)
	s.AddClient(c)
	s.Broadcast("exec.approval.requested", nil, BroadcastOpts{})

	assert.Equal(t, uint64(2), s.seq.Load())
	assert.Empty(t, c.drain(t))
}

func TestBroadcast_ScopeGuardFiltering(t *testing.T) {
	s := newTestState(t)

	admin := newFakeClient("admin", []string{protocol.ScopeAdmin}, 8)
	approver := newFakeClient("approver", []string{protocol.ScopeApprovals}, 8)
	reader := newFakeClient("reader", []string{protocol.ScopeRead}, 8)
	s.AddClient(admin)
	s.AddClient(approver)
	s.AddClient(reader)

	s.Broadcast("exec.approval.requested", map[string]string{"command": "rm -rf /tmp/x"}, BroadcastOpts{})

	assert.Len(t, admin.drain(t), 1, "admin satisfies every guard")
	assert.Len(t, approver.drain(t), 1, "approvals scope intersects the guard")
	assert.Empty(t, reader.drain(t), "reader lacks the guard scope")
}

func TestBroadcast_UnguardedEventReachesEveryone(t *testing.T) {
	s := newTestState(t)

	clients := []*fakeClient{
		newFakeClient("a", []string{protocol.ScopeRead}, 8),
		newFakeClient("b", nil, 8),
		newFakeClient("c", []string{protocol.ScopePairing}, 8),
	}
	for _, c := range clients {
		s.AddClient(c)
	}

	s.Broadcast("chat", map[string]string{"text": "hello"}, BroadcastOpts{})

	for _, c := range clients {
		frames := c.drain(t)
		require.Len(t, frames, 1, "client %s", c.id)
		assert.Equal(t, "chat", frames[0].Event)
	}
}

func TestBroadcast_PairingGuards(t *testing.T) {
	s := newTestState(t)

	pairer := newFakeClient("pairer", []string{protocol.ScopePairing}, 16)
	reader := newFakeClient("reader", []string{protocol.ScopeRead}, 16)
	s.AddClient(pairer)
	s.AddClient(reader)

	for _, event := range []string{
		"device.pair.requested", "device.pair.resolved",
		"node.pair.requested", "node.pair.resolved",
	} {
		s.Broadcast(event, nil, BroadcastOpts{})
	}

	assert.Len(t, pairer.drain(t), 4)
	assert.Empty(t, reader.drain(t))
}

func TestBroadcast_StateVersionStamped(t *testing.T) {
	s := newTestState(t)
	c := newFakeClient("c1", nil, 8)
	s.AddClient(c)

	version := s.NextStateVersion()
	s.Broadcast("presence", nil, BroadcastOpts{StateVersion: &version})
	s.Broadcast("chat", nil, BroadcastOpts{})

	frames := c.drain(t)
	require.Len(t, frames, 2)
	require.NotNil(t, frames[0].StateVersion)
	assert.Equal(t, uint64(1), *frames[0].StateVersion)
	assert.Nil(t, frames[1].StateVersion, "state_version absent unless supplied")
}

func TestBroadcast_DropIfSlowNeverEvicts(t *testing.T) {
	s := newTestState(t)
	slow := newFakeClient("slow", nil, 10)
	s.AddClient(slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 1000 {
			s.BroadcastTick(1, 2, 3)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick broadcasts blocked on a slow client")
	}

	assert.False(t, slow.wasKicked())
	assert.Equal(t, 1, s.ClientCount())
	assert.LessOrEqual(t, len(slow.buf), 10)
}

func TestBroadcast_EvictsSlowClientWithoutDropPolicy(t *testing.T) {
	s := newTestState(t)

	slow := newFakeClient("slow", nil, 1)
	healthy := newFakeClient("healthy", nil, 64)
	s.AddClient(slow)
	s.AddClient(healthy)

	// The slow client's node registration must go away with it.
	s.Nodes().Register(&node.Session{NodeID: "n1", ConnID: "slow", Platform: "macos"})

	s.Broadcast("chat", nil, BroadcastOpts{}) // fills slow's buffer
	s.Broadcast("chat", nil, BroadcastOpts{}) // overflows → evict

	assert.True(t, slow.wasKicked())
	assert.Equal(t, "slow consumer", slow.kickReason)
	assert.Equal(t, 1, s.ClientCount())
	_, ok := s.Nodes().Get("n1")
	assert.False(t, ok, "evicted node should be unregistered")

	assert.Len(t, healthy.drain(t), 2, "healthy client unaffected by the eviction")
}

func TestBroadcast_UnserializablePayloadAborted(t *testing.T) {
	s := newTestState(t)
	c := newFakeClient("c1", nil, 8)
	s.AddClient(c)

	s.Broadcast("chat", make(chan int), BroadcastOpts{})

	assert.Empty(t, c.drain(t), "no partial delivery on marshal failure")
	assert.Equal(t, uint64(1), s.seq.Load(), "seq is allocated before serialization")
}

func TestBroadcastTick_PayloadShape(t *testing.T) {
	s := newTestState(t)
	c := newFakeClient("c1", nil, 8)
	s.AddClient(c)

	before := time.Now().UnixMilli()
	s.BroadcastTick(100, 200, 300)

	var frame struct {
		Type    string `json:"type"`
		Event   string `json:"event"`
		Seq     uint64 `json:"seq"`
		Payload struct {
			TS  int64 `json:"ts"`
			Mem struct {
				Process   uint64 `json:"process"`
				Available uint64 `json:"available"`
				Total     uint64 `json:"total"`
			} `json:"mem"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(<-c.buf, &frame))

	assert.Equal(t, "event", frame.Type)
	assert.Equal(t, "tick", frame.Event)
	assert.Equal(t, uint64(1), frame.Seq)
	assert.GreaterOrEqual(t, frame.Payload.TS, before)
	assert.Equal(t, uint64(100), frame.Payload.Mem.Process)
	assert.Equal(t, uint64(200), frame.Payload.Mem.Available)
	assert.Equal(t, uint64(300), frame.Payload.Mem.Total)
}

func TestBroadcast_PayloadOmittedWhenEmpty(t *testing.T) {
	s := newTestState(t)
	c := newFakeClient("c1", nil, 8)
	s.AddClient(c)

	s.Broadcast("shutdown", nil, BroadcastOpts{})

	data := <-c.buf
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	_, hasPayload := raw["payload"]
	assert.False(t, hasPayload, "payload must be omitted, not null")
	_, hasVersion := raw["state_version"]
	assert.False(t, hasVersion)
}

func TestBroadcast_ConcurrentWithClientChurn(t *testing.T) {
	s := newTestState(t)

	var wg sync.WaitGroup
	for i := range 10 {
		id := fmt.Sprintf("churn-%d", i)
		wg.Go(func() {
			for range 20 {
				s.AddClient(newFakeClient(id, nil, 4))
				s.Broadcast("chat", nil, BroadcastOpts{DropIfSlow: true})
				s.RemoveClient(id)
			}
		})
	}
	wg.Wait()
	// No deadlock, no panic; counter consistent with the call count.
	assert.Equal(t, uint64(200), s.seq.Load())
}

func TestRemoveClient_UnknownConnIsNoop(t *testing.T) {
	s := newTestState(t)
	assert.Nil(t, s.RemoveClient("never-registered"))
}

func TestKickAll_EmptiesClientsAndRegistry(t *testing.T) {
	s := newTestState(t)

	a := newFakeClient("c1", nil, 8)
	b := newFakeClient("c2", nil, 8)
	s.AddClient(a)
	s.AddClient(b)
	s.Nodes().Register(&node.Session{NodeID: "A", ConnID: "c1", Platform: "macos"})
	s.Nodes().Register(&node.Session{NodeID: "B", ConnID: "c2", Platform: "ios"})

	count := s.KickAll("test")

	assert.Equal(t, 2, count)
	assert.Equal(t, 0, s.ClientCount())
	assert.Equal(t, 0, s.Nodes().Count())
	assert.True(t, a.wasKicked())
	assert.True(t, b.wasKicked())
}

func TestScopesSatisfy(t *testing.T) {
	guard := []string{protocol.ScopeApprovals}

	assert.True(t, scopesSatisfy(nil, nil), "nil guard passes everyone")
	assert.True(t, scopesSatisfy([]string{protocol.ScopeAdmin}, guard))
	assert.True(t, scopesSatisfy([]string{protocol.ScopeRead, protocol.ScopeApprovals}, guard))
	assert.False(t, scopesSatisfy([]string{protocol.ScopeRead}, guard))
	assert.False(t, scopesSatisfy(nil, guard))
}

func TestRequiredScopes_TableIsSortedAndComplete(t *testing.T) {
	guarded := make([]string, 0, len(scopeGuards))
	for name := range scopeGuards {
		guarded = append(guarded, name)
	}
	sort.Strings(guarded)

	assert.Equal(t, []string{
		"device.pair.requested", "device.pair.resolved",
		"exec.approval.requested", "exec.approval.resolved",
		"node.pair.requested", "node.pair.resolved",
	}, guarded)
	assert.Nil(t, requiredScopes("tick"), "ticks are unrestricted")
	assert.Nil(t, requiredScopes("chat"))
}
