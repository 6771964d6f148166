// ABOUTME: Event fan-out: serialize once, guard by scope, push to every client
// ABOUTME: Slow clients are skipped or evicted depending on the drop policy

package gateway

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/2389/loom-gateway/internal/protocol"
)

// scopeGuards maps event names to the scopes sufficient to receive them.
// Events without an entry go to every connected client. Admin scope always
// satisfies a guard. The table is immutable after init, so lookups take no
// lock.
var scopeGuards = map[string][]string{
	"exec.approval.requested": {protocol.ScopeApprovals},
	"exec.approval.resolved":  {protocol.ScopeApprovals},
	"device.pair.requested":   {protocol.ScopePairing},
	"device.pair.resolved":    {protocol.ScopePairing},
	"node.pair.requested":     {protocol.ScopePairing},
	"node.pair.resolved":      {protocol.ScopePairing},
}

// requiredScopes returns the guard for an event name, or nil when the
// event is unrestricted.
func requiredScopes(event string) []string {
	return scopeGuards[event]
}

// scopesSatisfy reports whether held scopes pass a guard. A nil guard
// passes everyone; admin passes everything.
func scopesSatisfy(held, guard []string) bool {
	if guard == nil {
		return true
	}
	for _, s := range held {
		if s == protocol.ScopeAdmin || slices.Contains(guard, s) {
			return true
		}
	}
	return false
}

// BroadcastOpts tunes a single broadcast call.
type BroadcastOpts struct {
	// DropIfSlow skips a client whose outbound buffer is full instead of
	// evicting it. Use for disposable events like ticks.
	DropIfSlow bool

	// StateVersion stamps the frame with a domain snapshot version.
	StateVersion *uint64
}

// Broadcast delivers one event to every eligible connected client. The
// frame is serialized exactly once; a sequence number is allocated even
// when no client is eligible. A client whose buffer is full is either
// skipped (DropIfSlow) or evicted: removed from the client map, its node
// registration dropped, and its connection closed. Broadcast never blocks
// on a slow client.
func (s *State) Broadcast(event string, payload any, opts BroadcastOpts) {
	seq := s.NextSeq()

	frame := &protocol.EventFrame{
		Type:         protocol.TypeEvent,
		Event:        event,
		Payload:      payload,
		Seq:          &seq,
		StateVersion: opts.StateVersion,
	}

	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("dropping broadcast, payload not serializable",
			"event", event, "seq", seq, "error", err)
		return
	}

	guard := requiredScopes(event)

	for _, c := range s.snapshotClients() {
		if !scopesSatisfy(c.Scopes(), guard) {
			continue
		}
		if c.TrySend(data) {
			continue
		}
		if opts.DropIfSlow {
			s.logger.Debug("dropped event for slow client",
				"event", event, "seq", seq, "conn_id", c.ConnID())
			continue
		}
		s.logger.Warn("evicting client, outbound buffer full",
			"event", event, "seq", seq, "conn_id", c.ConnID())
		s.RemoveClient(c.ConnID())
		c.Kick("slow consumer")
	}
}

// TickMem is the memory portion of a tick payload, in bytes.
type TickMem struct {
	Process   uint64 `json:"process"`
	Available uint64 `json:"available"`
	Total     uint64 `json:"total"`
}

// tickPayload is the liveness signal pushed on every heartbeat.
type tickPayload struct {
	TS  int64   `json:"ts"`
	Mem TickMem `json:"mem"`
}

// BroadcastTick publishes a heartbeat carrying current memory usage.
// Ticks are disposable, so they always use the drop-if-slow policy.
func (s *State) BroadcastTick(processBytes, availBytes, totalBytes uint64) {
	s.Broadcast("tick", tickPayload{
		TS: time.Now().UnixMilli(),
		Mem: TickMem{
			Process:   processBytes,
			Available: availBytes,
			Total:     totalBytes,
		},
	}, BroadcastOpts{DropIfSlow: true})
}
