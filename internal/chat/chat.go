// Package chat persists and delivers conversation messages.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/presence"
	"github.com/oggyb/matchcore/internal/repository"
)

const (
	maxContentLen = 4000
	DefaultLimit  = 50
	MaxLimit      = 200
	EventMessage  = "message"
)

// Publisher fans frames out to a conversation. Implemented by bus.Bus.
type Publisher interface {
	Publish(convID string, from presence.Conn, f presence.Frame) int
	Members(convID string) []string
}

// Presence answers who is online and reaches them directly. Implemented by presence.Registry.
type Presence interface {
	IsOnline(userID string) bool
	FanoutToUser(userID string, f presence.Frame) int
}

// Message is the client view of a stored message.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	SenderID    string    `json:"senderId"`
	Type        string    `json:"type"`
	Content     *string   `json:"content,omitempty"`
	VoiceURL    *string   `json:"voiceUrl,omitempty"`
	Duration    *int      `json:"duration,omitempty"`
	SentAt      time.Time `json:"sentAt"`
	IsDelivered bool      `json:"isDelivered"`
	IsRead      bool      `json:"isRead"`
}

func View(m *db.Message) Message {
	return Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		Type:        m.Type,
		Content:     m.Content,
		VoiceURL:    m.VoiceURL,
		Duration:    m.Duration,
		SentAt:      m.SentAt,
		IsDelivered: m.IsDelivered,
		IsRead:      m.IsRead,
	}
}

// Target names a conversation by room id or by a session whose room is used.
type Target struct {
	RoomID    string
	SessionID string
}

// SendInput is one outgoing message.
type SendInput struct {
	Target
	Type     string
	Content  *string
	VoiceURL *string
	Duration *int
	// From is the sending connection, excluded from the fan-out. Nil for API sends.
	From presence.Conn
}

// Service stores messages and delivers them in server-receipt order per room.
type Service struct {
	log      *slog.Logger
	store    *repository.Store
	bus      Publisher
	presence Presence
	now      func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomClock
}

// roomClock serialises sends in one room and keeps sentAt non-decreasing.
// It lives only while a send holds it; refs is guarded by Service.mu.
type roomClock struct {
	mu     sync.Mutex
	refs   int
	last   time.Time
	loaded bool
}

// New creates the service. bus and presence may be nil.
func New(log *slog.Logger, store *repository.Store, bus Publisher, p Presence) *Service {
	return &Service{
		log:      log.With("component", "chat"),
		store:    store,
		bus:      bus,
		presence: p,
		now:      func() time.Time { return time.Now().UTC() },
		rooms:    make(map[string]*roomClock),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Room resolves t to a room userID belongs to.
func (s *Service) Room(ctx context.Context, userID string, t Target) (*db.ChatRoom, error) {
	roomID := t.RoomID
	if roomID == "" {
		if t.SessionID == "" {
			return nil, fmt.Errorf("%w: roomId or sessionId is required", svcErr.ErrInvalidArgument)
		}
		sess, err := s.store.Sessions.Get(ctx, t.SessionID)
		if err != nil {
			return nil, err
		}
		if !sess.Has(userID) {
			return nil, svcErr.ErrNotParticipant
		}
		roomID = sess.RoomID
	}
	room, err := s.store.Chat.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Has(userID) {
		return nil, svcErr.ErrNotParticipant
	}
	return room, nil
}

// Send validates, stores and fans out one message.
//
// Behavior:
//   - sentAt is max(now, previous sentAt in the room), so history never goes
//     backwards even if the wall clock does.
//   - Storing and publishing happen under the room lock, which keeps the
//     live order equal to the stored order.
//   - The message counts as delivered when the recipient is joined to the
//     room or online elsewhere; in the latter case it is pushed directly.
func (s *Service) Send(ctx context.Context, senderID string, in SendInput) (*Message, error) {
	if in.Type == "" {
		in.Type = db.MessageText
	}
	if err := validate(in); err != nil {
		return nil, err
	}
	room, err := s.Room(ctx, senderID, in.Target)
	if err != nil {
		return nil, err
	}
	recipient := room.Participant1ID
	if recipient == senderID {
		recipient = room.Participant2ID
	}

	rc := s.acquire(room.ID)
	defer s.release(room.ID, rc)
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.loaded {
		last, err := s.store.Chat.LastSentAt(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		rc.last, rc.loaded = last, true
	}
	sentAt := s.now()
	if sentAt.Before(rc.last) {
		sentAt = rc.last
	}

	m := &db.Message{
		RoomID:   room.ID,
		SenderID: senderID,
		Type:     in.Type,
		Content:  in.Content,
		VoiceURL: in.VoiceURL,
		Duration: in.Duration,
		SentAt:   sentAt,
	}
	if err := s.store.Chat.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	rc.last = sentAt

	joined := s.bus != nil && contains(s.bus.Members(room.ID), recipient)
	online := s.presence != nil && s.presence.IsOnline(recipient)
	if joined || online {
		if err := s.store.Chat.MarkDelivered(ctx, m.ID); err != nil {
			s.log.Warn("delivery flag not stored", "message_id", m.ID, "err", err)
		} else {
			m.IsDelivered = true
		}
	}

	view := View(m)
	frame := presence.Frame{Event: EventMessage, Data: view}
	if s.bus != nil {
		s.bus.Publish(room.ID, in.From, frame)
	}
	if !joined && online {
		s.presence.FanoutToUser(recipient, frame)
	}
	s.log.Debug("message sent", "room_id", room.ID, "message_id", m.ID, "delivered", m.IsDelivered)
	return &view, nil
}

// History returns a page of the conversation, oldest first. offset counts back from the newest message.
func (s *Service) History(ctx context.Context, userID string, t Target, limit, offset int) ([]Message, error) {
	room, err := s.Room(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Chat.GetMessagesByRoom(ctx, room.ID, ClampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(rows))
	for i := range rows {
		out[i] = View(&rows[i])
	}
	return out, nil
}

// MarkRead marks the other participant's messages as read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, userID string, t Target) (int64, error) {
	room, err := s.Room(ctx, userID, t)
	if err != nil {
		return 0, err
	}
	return s.store.Chat.MarkRead(ctx, room.ID, userID)
}

// Clear deletes the caller's messages, or the whole history with all. Either participant may clear all.
func (s *Service) Clear(ctx context.Context, userID string, t Target, all bool) (int64, error) {
	room, err := s.Room(ctx, userID, t)
	if err != nil {
		return 0, err
	}
	sender := userID
	if all {
		sender = ""
	}
	n, err := s.store.Chat.ClearMessages(ctx, room.ID, sender)
	if err != nil {
		return 0, err
	}
	s.log.Info("messages cleared", "room_id", room.ID, "user_id", userID, "all", all, "count", n)
	return n, nil
}

// ClampLimit applies the default and the upper bound for history pages.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func (s *Service) acquire(roomID string) *roomClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		rc = &roomClock{}
		s.rooms[roomID] = rc
	}
	rc.refs++
	return rc
}

func (s *Service) release(roomID string, rc *roomClock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc.refs--
	if rc.refs == 0 {
		delete(s.rooms, roomID)
	}
}

func validate(in SendInput) error {
	switch in.Type {
	case db.MessageText:
		if in.Content == nil || strings.TrimSpace(*in.Content) == "" {
			return fmt.Errorf("%w: text messages need content", svcErr.ErrInvalidArgument)
		}
		if len(*in.Content) > maxContentLen {
			return fmt.Errorf("%w: content exceeds %d bytes", svcErr.ErrInvalidArgument, maxContentLen)
		}
	case db.MessageVoice:
		if in.VoiceURL == nil || *in.VoiceURL == "" {
			return fmt.Errorf("%w: voice messages need voiceUrl", svcErr.ErrInvalidArgument)
		}
		if in.Duration == nil || *in.Duration <= 0 {
			return fmt.Errorf("%w: voice messages need a positive duration", svcErr.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", svcErr.ErrInvalidArgument, in.Type)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
