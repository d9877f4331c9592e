package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/matchcore/internal/auth"
	"github.com/oggyb/matchcore/internal/bus"
	"github.com/oggyb/matchcore/internal/chat"
	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/notify"
	"github.com/oggyb/matchcore/internal/presence"
	"github.com/oggyb/matchcore/internal/repository"
	"github.com/oggyb/matchcore/internal/session"
	"github.com/oggyb/matchcore/internal/testutil"
)

type env struct {
	url      string
	verifier *auth.Verifier
	store    *repository.Store
	orch     *session.Orchestrator
}

func setup(t *testing.T) *env {
	t.Helper()
	gdb := testutil.DB(t)
	rc, _ := testutil.Redis(t)
	log := testutil.Logger()
	testutil.SeedUsers(t, gdb,
		testutil.User{ID: "u1", Name: "Ali", Age: 27},
		testutil.User{ID: "u2", Name: "Sara", Age: 29},
	)
	store := repository.NewStore(gdb)
	reg := presence.NewRegistry(log, rc, 50*time.Millisecond, time.Second)
	t.Cleanup(reg.Close)
	b := bus.New(log)
	orch := session.New(log, store, notify.New(log, store.Notifications, reg), b, rc, session.Options{})
	t.Cleanup(orch.Close)
	v := auth.NewVerifier("test-secret", "")

	h := New(log, Deps{
		Verifier: v,
		Presence: reg,
		Rooms:    b,
		Sessions: orch,
		Chat:     chat.New(log, store, b, reg),
		Limiter:  rc,
	}, Options{PingInterval: time.Second, EventsPerMinute: 1000})
	reg.OnChange(h.PresenceChanged)

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &env{url: "ws" + strings.TrimPrefix(ts.URL, "http"), verifier: v, store: store, orch: orch}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T, userID string) *peer {
	t.Helper()
	token, err := e.verifier.Issue(userID, time.Minute)
	require.NoError(t, err)
	hdr := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(e.url, hdr)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(event string, data any, ref string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(map[string]any{"event": event, "data": data, "ref": ref}))
}

// next reads frames until one with the given event arrives.
func (p *peer) next(event string) frame {
	p.t.Helper()
	f, _ := p.until(event)
	return f
}

// until is next that also returns the events skipped on the way.
func (p *peer) until(event string) (frame, []string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var skipped []string
	for {
		var f frame
		require.NoError(p.t, p.conn.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f, skipped
		}
		skipped = append(skipped, f.Event)
	}
}

func field(t *testing.T, f frame, key string) any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m[key]
}

func TestRejectsMissingToken(t *testing.T) {
	e := setup(t)
	_, resp, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(e.url+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMessagesArriveInOrderWithoutEcho(t *testing.T) {
	e := setup(t)
	room, err := e.store.Chat.UpsertChatRoom(context.Background(), "u1", "u2")
	require.NoError(t, err)

	a, b := e.dial(t, "u1"), e.dial(t, "u2")
	a.send(EventJoinConversation, map[string]any{"roomId": room.ID}, "j1")
	a.next(EventAck)
	b.send(EventJoinConversation, map[string]any{"conversationId": room.ID}, "j2")
	b.next(EventAck)

	online := a.next(EventPresence)
	assert.Equal(t, "u2", field(t, online, "userId"))
	assert.Equal(t, true, field(t, online, "online"))

	for _, text := range []string{"A", "B"} {
		a.send(EventSendMessage, map[string]any{"roomId": room.ID, "content": text}, "m-"+text)
		ack := a.next(EventAck)
		assert.Equal(t, "m-"+text, field(t, ack, "ref"))
	}

	first, second := b.next(chat.EventMessage), b.next(chat.EventMessage)
	assert.Equal(t, "A", field(t, first, "content"))
	assert.Equal(t, "B", field(t, second, "content"))

	// anything queued for the sender before this typing frame would be an echo
	b.send(EventTypingStart, map[string]any{"roomId": room.ID}, "")
	got, skipped := a.until(EventTypingStart)
	assert.Equal(t, "u2", field(t, got, "userId"))
	assert.NotContains(t, skipped, chat.EventMessage)
}

func TestTypingRequiresMembership(t *testing.T) {
	e := setup(t)
	a := e.dial(t, "u1")
	a.send(EventTypingStart, map[string]any{"roomId": "nowhere"}, "t1")
	f := a.next(EventError)
	assert.Equal(t, "FORBIDDEN", field(t, f, "code"))
	assert.Equal(t, "t1", field(t, f, "ref"))

	a.send("bogus", map[string]any{}, "x")
	f = a.next(EventError)
	assert.Equal(t, "INVALID_ARGUMENT", field(t, f, "code"))
}

func TestCallFlowRelaysSignalingAndGoesLive(t *testing.T) {
	e := setup(t)
	caller, callee := e.dial(t, "u1"), e.dial(t, "u2")

	caller.send(EventCallRequest, map[string]any{"targetUserId": "u2", "callType": db.KindVoice}, "c1")
	ack := caller.next(EventAck)
	sessionID, _ := field(t, ack, "sessionId").(string)
	require.NotEmpty(t, sessionID)

	incoming := callee.next(notify.EventCallIncoming)
	assert.Equal(t, sessionID, field(t, incoming, "callId"))
	assert.Equal(t, "Ali", field(t, incoming, "callerName"))

	callee.send(EventCallResponse, map[string]any{"callId": sessionID, "response": "accept"}, "r1")
	callee.next(EventAck)
	resp := caller.next(notify.EventCallResponse)
	assert.Equal(t, sessionID, field(t, resp, "sessionId"))

	sdp := map[string]any{"type": "offer", "sdp": "v=0"}
	caller.send(EventWebRTCOffer, map[string]any{"targetUserId": "u2", "sessionId": sessionID, "payload": sdp}, "")
	offer := callee.next(EventWebRTCOffer)
	assert.Equal(t, "u1", field(t, offer, "fromUserId"))
	assert.Equal(t, sdp, field(t, offer, "payload"))

	callee.send(EventWebRTCAnswer, map[string]any{"targetUserId": "u1", "payload": map[string]any{"type": "answer"}}, "")
	caller.next(EventWebRTCAnswer)

	require.Eventually(t, func() bool {
		s, err := e.orch.Get(context.Background(), sessionID, "u1")
		return err == nil && s.State == db.SessionLive
	}, 2*time.Second, 20*time.Millisecond)

	caller.send(EventWebRTCICE, map[string]any{"targetUserId": "u3", "payload": map[string]any{}}, "i1")
	f := caller.next(EventError)
	assert.Equal(t, "FORBIDDEN", field(t, f, "code"))
}

func TestOfflinePresenceAfterGrace(t *testing.T) {
	e := setup(t)
	room, err := e.store.Chat.UpsertChatRoom(context.Background(), "u1", "u2")
	require.NoError(t, err)

	a, b := e.dial(t, "u1"), e.dial(t, "u2")
	a.send(EventJoinConversation, map[string]any{"roomId": room.ID}, "j1")
	a.next(EventAck)
	b.send(EventJoinConversation, map[string]any{"roomId": room.ID}, "j2")
	b.next(EventAck)

	require.NoError(t, b.conn.Close())
	f := a.next(EventPresence)
	for field(t, f, "online") == true {
		f = a.next(EventPresence)
	}
	assert.Equal(t, "u2", field(t, f, "userId"))
	assert.Equal(t, false, field(t, f, "online"))
}
