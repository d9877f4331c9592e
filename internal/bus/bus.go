package bus

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/oggyb/matchcore/internal/presence"
)

// Event names carried inside conversations.
const (
	EventMessage      = "message"
	EventTypingStart  = "typing-start"
	EventTypingStop   = "typing-stop"
	EventCallRequest  = "call-request"
	EventCallResponse = "call-response"
	EventCallEnded    = "call-ended"
	EventWebRTCOffer  = "webrtc-offer"
	EventWebRTCAnswer = "webrtc-answer"
	EventWebRTCICE    = "webrtc-ice"
	EventPresence     = "presence"
)

// Bus is the per-conversation publish/subscribe layer. A conversation id is a
// chat room id or a session id.
//
// Publish encodes once and enqueues onto each member's send channel while
// holding the read lock, so events published from one goroutine reach every
// subscriber in publish order.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[string]presence.Conn // convID -> connID -> conn
	joined map[string]map[string]struct{}      // connID -> convIDs
}

func New(log *slog.Logger) *Bus {
	return &Bus{
		log:    log.With("component", "bus"),
		rooms:  make(map[string]map[string]presence.Conn),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join adds c to convID. Joining twice is a no-op; the result reports a new membership.
func (b *Bus) Join(c presence.Conn, convID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.rooms[convID]
	if !ok {
		members = make(map[string]presence.Conn)
		b.rooms[convID] = members
	}
	if _, ok := members[c.ID()]; ok {
		return false
	}
	members[c.ID()] = c

	convs, ok := b.joined[c.ID()]
	if !ok {
		convs = make(map[string]struct{})
		b.joined[c.ID()] = convs
	}
	convs[convID] = struct{}{}
	return true
}

// Leave removes c from convID. Leaving a room one is not in is a no-op.
func (b *Bus) Leave(c presence.Conn, convID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaveLocked(c.ID(), convID)
}

// LeaveAll removes c from every conversation and returns the ones it was in.
func (b *Bus) LeaveAll(c presence.Conn) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var left []string
	for convID := range b.joined[c.ID()] {
		left = append(left, convID)
	}
	for _, convID := range left {
		b.leaveLocked(c.ID(), convID)
	}
	sort.Strings(left)
	return left
}

func (b *Bus) leaveLocked(connID, convID string) bool {
	members, ok := b.rooms[convID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(b.rooms, convID)
	}
	if convs, ok := b.joined[connID]; ok {
		delete(convs, convID)
		if len(convs) == 0 {
			delete(b.joined, connID)
		}
	}
	return true
}

// Publish delivers f to every connection joined to convID except from.
// from may be nil for server-originated events. Returns the number of
// connections that accepted the frame.
func (b *Bus) Publish(convID string, from presence.Conn, f presence.Frame) int {
	payload, err := presence.Encode(f)
	if err != nil {
		b.log.Error("bus publish marshal failed", "conv_id", convID, "event", f.Event, "err", err)
		return 0
	}

	var skip string
	if from != nil {
		skip = from.ID()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for id, c := range b.rooms[convID] {
		if id == skip {
			continue
		}
		if c.Send(payload) {
			delivered++
		} else {
			b.log.Warn("bus delivery dropped", "conv_id", convID, "conn_id", id, "event", f.Event)
		}
	}
	return delivered
}

// IsMember reports whether c is joined to convID.
func (b *Bus) IsMember(c presence.Conn, convID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.rooms[convID][c.ID()]
	return ok
}

// Members returns the distinct user ids currently joined to convID, sorted.
func (b *Bus) Members(convID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range b.rooms[convID] {
		seen[c.UserID()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
