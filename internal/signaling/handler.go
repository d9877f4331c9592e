// Package signaling serves the full-duplex {event, data} channel over WebSocket.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oggyb/matchcore/internal/auth"
	"github.com/oggyb/matchcore/internal/chat"
	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	maxMessage = 64 << 10
	sendBuffer = 128
)

// TokenValidator turns a bearer token into a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID string, err error)
}

// Presence tracks open connections. Implemented by presence.Registry.
type Presence interface {
	Attach(c presence.Conn) bool
	Detach(c presence.Conn)
	Touch(userID string)
	FanoutToUser(userID string, f presence.Frame) int
}

// Rooms is the conversation bus. Implemented by bus.Bus.
type Rooms interface {
	Join(c presence.Conn, convID string) bool
	Leave(c presence.Conn, convID string) bool
	LeaveAll(c presence.Conn) []string
	Publish(convID string, from presence.Conn, f presence.Frame) int
	IsMember(c presence.Conn, convID string) bool
}

// Sessions is the part of the orchestrator driven from the channel.
type Sessions interface {
	Get(ctx context.Context, sessionID, userID string) (*db.Session, error)
	Active(ctx context.Context, userID string) ([]db.Session, error)
	StartDirectCall(ctx context.Context, callerID, calleeID, kind string) (*db.Session, error)
	CallResponse(ctx context.Context, sessionID, responderID, response string) (*db.Session, error)
	MarkLive(ctx context.Context, sessionID, userID string) (*db.Session, error)
}

type Chat interface {
	Room(ctx context.Context, userID string, t chat.Target) (*db.ChatRoom, error)
	Send(ctx context.Context, senderID string, in chat.SendInput) (*chat.Message, error)
}

type Heartbeater interface {
	Heartbeat(ctx context.Context, userID string) error
}

// RateLimiter caps inbound events per user. Implemented by cache.RedisCache.
type RateLimiter interface {
	AllowRequest(ctx context.Context, userID string, limit int, window time.Duration) (bool, error)
}

type Options struct {
	// PingInterval is how often the server pings; two missed pongs close the connection.
	PingInterval    time.Duration
	EventsPerMinute int
	AllowedOrigins  []string
	// OpTimeout bounds the store work done for one inbound event.
	OpTimeout time.Duration
}

type Deps struct {
	Verifier TokenValidator
	Presence Presence
	Rooms    Rooms
	Sessions Sessions
	Chat     Chat
	Queue    Heartbeater
	Limiter  RateLimiter
}

// Handler upgrades authenticated requests and dispatches their events.
type Handler struct {
	log  *slog.Logger
	deps Deps
	opts Options

	upgrader websocket.Upgrader

	mu sync.Mutex
	// recent remembers the rooms of a user's last closed connections so the
	// offline change, which fires after the grace period, reaches them.
	recent map[string][]string
}

func New(log *slog.Logger, deps Deps, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	h := &Handler{
		log:    log.With("component", "signaling"),
		deps:   deps,
		opts:   opts,
		recent: make(map[string][]string),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin)
}

func extractToken(r *http.Request) string {
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	userID, err := h.deps.Verifier.ValidateToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	c.log = h.log.With("conn_id", c.id, "user_id", userID)
	h.deps.Presence.Attach(c)
	defer h.disconnect(c)

	c.log.Info("ws connected", "remote_addr", r.RemoteAddr)

	pongWait := 2 * h.opts.PingInterval
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.deps.Presence.Touch(userID)
		return nil
	})

	go c.writePump(h.opts.PingInterval)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.log.Info("ws disconnected", "err", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(r.Context(), c, msg)
	}
}

func (h *Handler) disconnect(c *client) {
	rooms := h.deps.Rooms.LeaveAll(c)
	if len(rooms) > 0 {
		h.mu.Lock()
		h.recent[c.userID] = mergeRooms(h.recent[c.userID], rooms)
		h.mu.Unlock()
	}
	h.deps.Presence.Detach(c)
	c.Close()
}

// PresenceChanged publishes presence frames; register it with the registry's OnChange.
// Offline changes go to the rooms the user had joined before disconnecting.
func (h *Handler) PresenceChanged(userID string, online bool) {
	if online {
		return
	}
	h.mu.Lock()
	rooms := h.recent[userID]
	delete(h.recent, userID)
	h.mu.Unlock()

	f := presence.Frame{Event: EventPresence, Data: map[string]any{"userId": userID, "online": false}}
	for _, roomID := range rooms {
		h.deps.Rooms.Publish(roomID, nil, f)
	}
}

func (h *Handler) dispatch(parent context.Context, c *client, msg []byte) {
	var in inbound
	if err := json.Unmarshal(msg, &in); err != nil || in.Event == "" {
		h.replyError(c, "", fmt.Errorf("%w: malformed frame", svcErr.ErrInvalidArgument))
		return
	}

	ctx, cancel := context.WithTimeout(parent, h.opts.OpTimeout)
	defer cancel()

	if in.Event != EventHeartbeat && !h.allow(ctx, c) {
		h.replyError(c, in.Ref, svcErr.ErrRateLimited)
		return
	}

	var err error
	switch in.Event {
	case EventJoinConversation:
		err = h.joinConversation(ctx, c, in)
	case EventLeaveConversation:
		err = h.leaveConversation(c, in)
	case EventTypingStart, EventTypingStop:
		err = h.typing(c, in)
	case EventSendMessage:
		err = h.sendMessage(ctx, c, in)
	case EventCallRequest:
		err = h.callRequest(ctx, c, in)
	case EventCallResponse:
		err = h.callResponse(ctx, c, in)
	case EventWebRTCOffer, EventWebRTCAnswer, EventWebRTCICE:
		err = h.relay(ctx, c, in)
	case EventHeartbeat:
		err = h.heartbeat(ctx, c)
	default:
		err = fmt.Errorf("%w: unknown event %q", svcErr.ErrInvalidArgument, in.Event)
	}
	if err != nil {
		h.replyError(c, in.Ref, err)
	}
}

func (h *Handler) allow(ctx context.Context, c *client) bool {
	if h.deps.Limiter == nil || h.opts.EventsPerMinute <= 0 {
		return true
	}
	ok, err := h.deps.Limiter.AllowRequest(ctx, "signal:"+c.userID, h.opts.EventsPerMinute, time.Minute)
	if err != nil {
		c.log.Warn("signal rate limiter unavailable", "err", err)
		return true
	}
	return ok
}

func (h *Handler) joinConversation(ctx context.Context, c *client, in inbound) error {
	var d conversationData
	if err := decode(in.Data, &d); err != nil {
		return err
	}
	room, err := h.deps.Chat.Room(ctx, c.userID, chat.Target{RoomID: d.roomID(), SessionID: d.SessionID})
	if err != nil {
		return err
	}
	if h.deps.Rooms.Join(c, room.ID) {
		h.deps.Rooms.Publish(room.ID, c, presence.Frame{
			Event: EventPresence,
			Data:  map[string]any{"userId": c.userID, "online": true, "conversationId": room.ID},
		})
	}
	h.ack(c, in.Ref, map[string]any{"conversationId": room.ID})
	return nil
}

func (h *Handler) leaveConversation(c *client, in inbound) error {
	var d conversationData
	if err := decode(in.Data, &d); err != nil {
		return err
	}
	h.deps.Rooms.Leave(c, d.roomID())
	return nil
}

// typing is relayed only inside a room the connection has joined.
func (h *Handler) typing(c *client, in inbound) error {
	var d conversationData
	if err := decode(in.Data, &d); err != nil {
		return err
	}
	roomID := d.roomID()
	if !h.deps.Rooms.IsMember(c, roomID) {
		return fmt.Errorf("%w: join the conversation first", svcErr.ErrForbidden)
	}
	h.deps.Rooms.Publish(roomID, c, presence.Frame{
		Event: in.Event,
		Data:  map[string]any{"conversationId": roomID, "userId": c.userID},
	})
	return nil
}

func (h *Handler) sendMessage(ctx context.Context, c *client, in inbound) error {
	var d sendMessageData
	if err := decode(in.Data, &d); err != nil {
		return err
	}
	msg, err := h.deps.Chat.Send(ctx, c.userID, chat.SendInput{
		Target:   chat.Target{RoomID: d.roomID(), SessionID: d.SessionID},
		Type:     d.Type,
		Content:  d.Content,
		VoiceURL: d.VoiceURL,
		Duration: d.Duration,
		From:     c,
	})
	if err != nil {
		return err
	}
	h.ack(c, in.Ref, map[string]any{"message": msg})
	return nil
}

func (h *Handler) callRequest(ctx context.Context, c *client, in inbound) error {
	var d callRequestData
	if err := decode(in.Data, &d); err != nil {
		return err
	}
	if d.TargetUserID == "" {
		return fmt.Errorf("%w: targetUserId is required", svcErr.ErrInvalidArgument)
	}
	kind := d.CallType
	if kind == "" {
		kind = db.KindVideo
	}
	s, err := h.deps.Sessions.StartDirectCall(ctx, c.userID, d.TargetUserID, kind)
	if err != nil {
		return err
	}
	h.ack(c, in.Ref, map[string]any{"callId": s.ID, "sessionId": s.ID, "conversationId": s.RoomID})
	return nil
}

func (h *Handler) callResponse(ctx context.Context, c *client, in inbound) error {
	var d callResponseData
	if err := decode(in.Data, &d); err != nil {
		return err
	}
	if d.sessionID() == "" {
		return fmt.Errorf("%w: sessionId is required", svcErr.ErrInvalidArgument)
	}
	s, err := h.deps.Sessions.CallResponse(ctx, d.sessionID(), c.userID, d.Response)
	if err != nil {
		return err
	}
	h.ack(c, in.Ref, map[string]any{"sessionId": s.ID, "state": s.State})
	return nil
}

// relay forwards SDP/ICE to the peer of a session the sender takes part in.
// The payload is passed through untouched. The callee's answer marks the
// session LIVE.
func (h *Handler) relay(ctx context.Context, c *client, in inbound) error {
	var d relayData
	if err := decode(in.Data, &d); err != nil {
		return err
	}
	if d.TargetUserID == "" || d.TargetUserID == c.userID {
		return fmt.Errorf("%w: a valid targetUserId is required", svcErr.ErrInvalidArgument)
	}
	s, err := h.sessionWith(ctx, c.userID, d.TargetUserID, d.SessionID)
	if err != nil {
		return err
	}

	h.deps.Presence.FanoutToUser(d.TargetUserID, presence.Frame{
		Event: in.Event,
		Data: map[string]any{
			"fromUserId": c.userID,
			"sessionId":  s.ID,
			"payload":    d.Payload,
		},
	})

	if in.Event == EventWebRTCAnswer && s.State == db.SessionAccepted {
		if _, err := h.deps.Sessions.MarkLive(ctx, s.ID, c.userID); err != nil && !errors.Is(err, svcErr.ErrStale) {
			c.log.Warn("mark live failed", "session_id", s.ID, "err", err)
		}
	}
	return nil
}

func (h *Handler) sessionWith(ctx context.Context, userID, peerID, sessionID string) (*db.Session, error) {
	if sessionID != "" {
		s, err := h.deps.Sessions.Get(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
		if !s.Has(peerID) || s.IsTerminal() {
			return nil, fmt.Errorf("%w: no open session with that user", svcErr.ErrForbidden)
		}
		return s, nil
	}
	active, err := h.deps.Sessions.Active(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].Has(peerID) {
			return &active[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no active session with that user", svcErr.ErrForbidden)
}

func (h *Handler) heartbeat(ctx context.Context, c *client) error {
	h.deps.Presence.Touch(c.userID)
	if h.deps.Queue != nil {
		if err := h.deps.Queue.Heartbeat(ctx, c.userID); err != nil {
			c.log.Warn("queue heartbeat failed", "err", err)
		}
	}
	return nil
}

func (h *Handler) ack(c *client, ref string, data map[string]any) {
	if ref != "" {
		data["ref"] = ref
	}
	h.reply(c, presence.Frame{Event: EventAck, Data: data})
}

func (h *Handler) replyError(c *client, ref string, err error) {
	code := svcErr.Code(err)
	msg := err.Error()
	if code == svcErr.CodeInternal {
		c.log.Error("signal event failed", "err", err)
		msg = "internal error"
	}
	h.reply(c, presence.Frame{Event: EventError, Data: errorData{Code: code, Message: msg, Ref: ref}})
}

func (h *Handler) reply(c *client, f presence.Frame) {
	b, err := presence.Encode(f)
	if err != nil {
		c.log.Error("frame marshal failed", "event", f.Event, "err", err)
		return
	}
	c.Send(b)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data is required", svcErr.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed data", svcErr.ErrInvalidArgument)
	}
	return nil
}

func mergeRooms(a, b []string) []string {
	for _, r := range b {
		if !slices.Contains(a, r) {
			a = append(a, r)
		}
	}
	return a
}
