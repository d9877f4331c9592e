package bus

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/matchcore/internal/presence"
)

type recConn struct {
	id, user string
	mu       sync.Mutex
	got      []presence.Frame
}

func (c *recConn) ID() string     { return c.id }
func (c *recConn) UserID() string { return c.user }
func (c *recConn) Close()         {}
func (c *recConn) Send(b []byte) bool {
	var f presence.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, f)
	return true
}

func (c *recConn) frames() []presence.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]presence.Frame(nil), c.got...)
}

func newBus() *Bus { return New(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func TestBus_JoinLeaveIdempotent(t *testing.T) {
	b := newBus()
	c := &recConn{id: "c1", user: "u1"}

	assert.True(t, b.Join(c, "room"))
	assert.False(t, b.Join(c, "room"))
	assert.True(t, b.IsMember(c, "room"))

	assert.True(t, b.Leave(c, "room"))
	assert.False(t, b.Leave(c, "room"))
	assert.False(t, b.IsMember(c, "room"))
}

func TestBus_PublishExcludesSender(t *testing.T) {
	b := newBus()
	sender := &recConn{id: "c1", user: "u1"}
	senderOtherTab := &recConn{id: "c2", user: "u1"}
	peer := &recConn{id: "c3", user: "u2"}
	outsider := &recConn{id: "c4", user: "u3"}
	for _, c := range []*recConn{sender, senderOtherTab, peer} {
		b.Join(c, "room")
	}
	b.Join(outsider, "elsewhere")

	n := b.Publish("room", sender, presence.Frame{Event: EventTypingStart, Data: map[string]string{"userId": "u1"}})
	assert.Equal(t, 2, n)
	assert.Empty(t, sender.frames())
	assert.Len(t, senderOtherTab.frames(), 1)
	assert.Len(t, peer.frames(), 1)
	assert.Empty(t, outsider.frames())

	// server-originated events reach everyone
	assert.Equal(t, 3, b.Publish("room", nil, presence.Frame{Event: EventCallEnded}))
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	b := newBus()
	pub := &recConn{id: "c1", user: "u1"}
	sub := &recConn{id: "c2", user: "u2"}
	b.Join(pub, "room")
	b.Join(sub, "room")

	for i := 0; i < 100; i++ {
		b.Publish("room", pub, presence.Frame{Event: EventMessage, Data: map[string]any{"seq": i}})
	}

	got := sub.frames()
	require.Len(t, got, 100)
	for i, f := range got {
		assert.Equal(t, fmt.Sprint(i), fmt.Sprint(f.Data.(map[string]any)["seq"]))
	}
}

func TestBus_LeaveAllAndMembers(t *testing.T) {
	b := newBus()
	c1 := &recConn{id: "c1", user: "u1"}
	c2 := &recConn{id: "c2", user: "u2"}
	b.Join(c1, "r1")
	b.Join(c1, "r2")
	b.Join(c2, "r2")

	assert.Equal(t, []string{"u1", "u2"}, b.Members("r2"))
	assert.Equal(t, []string{"r1", "r2"}, b.LeaveAll(c1))
	assert.Equal(t, []string{"u2"}, b.Members("r2"))
	assert.Empty(t, b.Members("r1"))
	assert.Empty(t, b.LeaveAll(c1))
}
