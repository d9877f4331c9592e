package matchcore

import (
	"time"

	"github.com/oggyb/matchcore/internal/chat"
	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/session"
)

// Empty is the request of operations without input.
type Empty struct{}

type OKResponse struct {
	OK bool `json:"ok"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type JoinQueueRequest struct {
	Preferences db.QueuePreferences `json:"preferences"`
}

type QueueStatusResponse struct {
	State             string `json:"state"`
	Position          *int   `json:"position,omitempty"`
	EstimatedWaitTime *int   `json:"estimatedWaitTime,omitempty"`
}

type MatchView struct {
	ID            string    `json:"id"`
	User1ID       string    `json:"user1Id"`
	User2ID       string    `json:"user2Id"`
	PartnerID     string    `json:"partnerId"`
	TotalScore    float64   `json:"totalScore"`
	Status        string    `json:"status"`
	User1Accepted bool      `json:"user1Accepted"`
	User2Accepted bool      `json:"user2Accepted"`
	CreatedAt     time.Time `json:"createdAt"`
}

type PendingMatchesResponse struct {
	Matches []MatchView `json:"matches"`
}

type MatchRequest struct {
	MatchID string `json:"matchId" validate:"required,max=36"`
}

type AcceptMatchResponse struct {
	MatchID    string       `json:"matchId"`
	Status     string       `json:"status"`
	Session    *SessionView `json:"session,omitempty"`
	ChatRoomID string       `json:"chatRoomId,omitempty"`
}

type SuggestionRequest struct {
	OtherUserID string `json:"otherUserId" validate:"required,max=64"`
}

type StartSessionRequest struct {
	OtherUserID string `json:"otherUserId" validate:"required,max=64"`
	Kind        string `json:"kind" validate:"omitempty,oneof=VIDEO VOICE"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=36"`
}

type EndSessionRequest struct {
	SessionID   string `json:"sessionId" validate:"required,max=36"`
	AutoRequeue bool   `json:"autoRequeue"`
}

type SessionView struct {
	ID         string     `json:"id"`
	MatchID    *string    `json:"matchId,omitempty"`
	User1ID    string     `json:"user1Id"`
	User2ID    string     `json:"user2Id"`
	CallerID   string     `json:"callerId"`
	Kind       string     `json:"kind"`
	State      string     `json:"state"`
	RoomID     string     `json:"roomId"`
	EndReason  *string    `json:"endReason,omitempty"`
	EndedBy    *string    `json:"endedBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

type SessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
}

// ConversationRef names a conversation by session or room; one of them is required.
type ConversationRef struct {
	SessionID string `json:"sessionId,omitempty" validate:"required_without=RoomID,max=36"`
	RoomID    string `json:"roomId,omitempty" validate:"required_without=SessionID,max=36"`
}

func (r ConversationRef) target() chat.Target {
	return chat.Target{RoomID: r.RoomID, SessionID: r.SessionID}
}

type SendMessageRequest struct {
	ConversationRef
	Type     string  `json:"type" validate:"omitempty,oneof=TEXT VOICE"`
	Content  *string `json:"content,omitempty" validate:"omitempty,max=4000"`
	VoiceURL *string `json:"voiceUrl,omitempty" validate:"omitempty,url,max=512"`
	Duration *int    `json:"duration,omitempty" validate:"omitempty,gt=0,lte=600"`
}

type MessagesRequest struct {
	ConversationRef
	Limit     int     `json:"limit" validate:"gte=0,lte=200"`
	Offset    int     `json:"offset" validate:"gte=0"`
	PageToken *string `json:"pageToken,omitempty"`
}

type MessagesResponse struct {
	Messages      []chat.Message `json:"messages"`
	NextPageToken *string        `json:"nextPageToken,omitempty"`
}

type ClearMessagesRequest struct {
	ConversationRef
	All bool `json:"all"`
}

type NotificationRequest struct {
	NotificationID string `json:"notificationId" validate:"required,max=36"`
}

type NotificationsRequest struct {
	Limit     int     `json:"limit" validate:"gte=0,lte=50"`
	Offset    int     `json:"offset" validate:"gte=0"`
	PageToken *string `json:"pageToken,omitempty"`
}

type NotificationView struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RefID     string         `json:"refId"`
	Data      map[string]any `json:"data"`
	IsRead    bool           `json:"isRead"`
	CreatedAt time.Time      `json:"createdAt"`
}

type NotificationsResponse struct {
	Notifications []NotificationView `json:"notifications"`
	UnreadCount   int64              `json:"unreadCount"`
	NextPageToken *string            `json:"nextPageToken,omitempty"`
}

type ReportUserRequest struct {
	ReportedUserID string  `json:"reportedUserId" validate:"required,max=64"`
	Reason         string  `json:"reason" validate:"required,oneof=SPAM INAPPROPRIATE HARASSMENT FAKE_PROFILE UNDERAGE OTHER"`
	Description    string  `json:"description" validate:"required,min=10,max=2000"`
	SessionID      *string `json:"sessionId,omitempty" validate:"omitempty,max=36"`
}

type ReportView struct {
	ID             string    `json:"id"`
	ReportedUserID string    `json:"reportedUserId"`
	Reason         string    `json:"reason"`
	Status         string    `json:"status"`
	SessionID      *string   `json:"sessionId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type UnmatchRequest struct {
	OtherUserID string `json:"otherUserId" validate:"required,max=64"`
	// KeepMessages skips clearing the room history.
	KeepMessages bool `json:"keepMessages"`
}

type RemoveConnectionRequest struct {
	ConnectionID string `json:"connectionId" validate:"required,max=36"`
	KeepMessages bool   `json:"keepMessages"`
}

type UnmatchResponse struct {
	OK                 bool  `json:"ok"`
	MatchesDeclined    int   `json:"matchesDeclined"`
	SessionsEnded      int   `json:"sessionsEnded"`
	MessagesCleared    int64 `json:"messagesCleared"`
	ConnectionsRemoved int64 `json:"connectionsRemoved"`
}

type ConnectionView struct {
	ID        string    `json:"id"`
	PartnerID string    `json:"partnerId"`
	MatchID   *string   `json:"matchId,omitempty"`
	RoomID    string    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`
}

type ConnectionsResponse struct {
	Connections []ConnectionView `json:"connections"`
}

func matchView(m *db.Match, userID string) MatchView {
	return MatchView{
		ID:            m.ID,
		User1ID:       m.User1ID,
		User2ID:       m.User2ID,
		PartnerID:     m.Other(userID),
		TotalScore:    m.TotalScore,
		Status:        m.Status,
		User1Accepted: m.User1Accepted,
		User2Accepted: m.User2Accepted,
		CreatedAt:     m.CreatedAt,
	}
}

func sessionView(s *db.Session) *SessionView {
	if s == nil {
		return nil
	}
	return &SessionView{
		ID:         s.ID,
		MatchID:    s.MatchID,
		User1ID:    s.User1ID,
		User2ID:    s.User2ID,
		CallerID:   s.CallerID,
		Kind:       s.Kind,
		State:      s.State,
		RoomID:     s.RoomID,
		EndReason:  s.EndReason,
		EndedBy:    s.EndedBy,
		CreatedAt:  s.CreatedAt,
		AcceptedAt: s.AcceptedAt,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
	}
}

func acceptView(res *session.AcceptResult) *AcceptMatchResponse {
	return &AcceptMatchResponse{
		MatchID:    res.Match.ID,
		Status:     res.Match.Status,
		Session:    sessionView(res.Session),
		ChatRoomID: res.RoomID,
	}
}
