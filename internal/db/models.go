package db

import "time"

// Gender values carried on user references and preferences.
const (
	GenderMan       = "MAN"
	GenderWoman     = "WOMAN"
	GenderNonbinary = "NONBINARY"
	GenderAny       = "ANY"
)

const (
	QueueWaiting = "WAITING"
	QueueMatched = "MATCHED"
	QueueLeft    = "LEFT"
)

const (
	MatchPending  = "PENDING"
	MatchAccepted = "ACCEPTED"
	MatchDeclined = "DECLINED"
	MatchExpired  = "EXPIRED"
)

const (
	SessionProposed = "PROPOSED"
	SessionAccepted = "ACCEPTED"
	SessionLive     = "LIVE"
	SessionEnded    = "ENDED"
	SessionSkipped  = "SKIPPED"
)

const (
	KindVideo = "VIDEO"
	KindVoice = "VOICE"
)

const (
	MessageText  = "TEXT"
	MessageVoice = "VOICE"
)

const (
	NotifyNewMatch     = "NEW_MATCH"
	NotifyCallRequest  = "CALL_REQUEST"
	NotifyCallAccepted = "CALL_ACCEPTED"
	NotifyCallDeclined = "CALL_DECLINED"
	NotifyCallEnded    = "CALL_ENDED"
)

const (
	ActivityMatchAccepted = "MATCH_ACCEPTED"
	ActivityMatchDeclined = "MATCH_DECLINED"
	ActivityCallStarted   = "CALL_STARTED"
	ActivityCallEnded     = "CALL_ENDED"
	ActivityUnmatch       = "UNMATCH"
)

// EndedByTimeout marks sessions closed by a timer rather than a participant.
const EndedByTimeout = "TIMEOUT"

// UserRef is the read-only view of a user owned by the profile service.
type UserRef struct {
	ID              string    `gorm:"primaryKey;size:64"`
	DisplayName     string    `gorm:"size:128;not null"`
	ProfilePicture  *string   `gorm:"size:512"`
	Gender          *string   `gorm:"size:16"`
	Age             *int      `gorm:""`
	Interests       []string  `gorm:"serializer:json;type:text"`
	IsPhotoVerified bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// AgeRange is inclusive on both ends.
type AgeRange struct {
	Min int `json:"min" validate:"gte=18,lte=100"`
	Max int `json:"max" validate:"gte=18,lte=100,gtefield=Min"`
}

// QueuePreferences is what a waiter asks of a partner.
type QueuePreferences struct {
	AgeRange         AgeRange `json:"ageRange"`
	GenderPreference string   `json:"genderPreference" validate:"oneof=MAN WOMAN NONBINARY ANY"`
	MaxDistanceKm    int      `json:"maxDistanceKm" validate:"gte=1,lte=100"`
	Interests        []string `json:"interests" validate:"max=50,dive,max=64"`
	Location         *string  `json:"location,omitempty" validate:"omitempty,max=128"`
}

// QueueEntry mirrors the in-memory waiting queue for recovery and inspection.
type QueueEntry struct {
	UserID      string           `gorm:"primaryKey;size:64"`
	Status      string           `gorm:"size:16;not null;index"`
	Preferences QueuePreferences `gorm:"serializer:json;type:text"`
	EnqueuedAt  time.Time        `gorm:"not null;index"`
	LastSeenAt  time.Time        `gorm:"not null"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime"`
}

// Match is a proposed pairing awaiting bilateral acceptance.
//
// PendingKey is "u1:u2" while the match is PENDING and NULL afterwards; its
// unique index keeps at most one pending match per unordered pair on every
// supported dialect (no partial indexes needed).
type Match struct {
	ID            string     `gorm:"primaryKey;size:36"`
	User1ID       string     `gorm:"size:64;not null;index:idx_match_pair,priority:1"`
	User2ID       string     `gorm:"size:64;not null;index:idx_match_pair,priority:2"`
	TotalScore    float64    `gorm:"not null"`
	Status        string     `gorm:"size:16;not null;index"`
	PendingKey    *string    `gorm:"size:160;uniqueIndex"`
	User1Accepted bool       `gorm:"not null;default:false"`
	User2Accepted bool       `gorm:"not null;default:false"`
	RespondedAt   *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime;index"`
}

// Session is one 1:1 voice/video call between two users.
type Session struct {
	ID         string     `gorm:"primaryKey;size:36"`
	MatchID    *string    `gorm:"size:36;index"`
	User1ID    string     `gorm:"size:64;not null;index"`
	User2ID    string     `gorm:"size:64;not null;index"`
	CallerID   string     `gorm:"size:64;not null"`
	Kind       string     `gorm:"size:8;not null"`
	RoomID     string     `gorm:"size:36;not null;index"`
	State      string     `gorm:"size:16;not null;index"`
	EndReason  *string    `gorm:"size:32"`
	AcceptedAt *time.Time `gorm:""`
	StartedAt  *time.Time `gorm:""`
	EndedAt    *time.Time `gorm:""`
	EndedBy    *string    `gorm:"size:64"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime"`
}

// ActiveSessionGuard holds one row per user with an ACCEPTED or LIVE session.
// The primary key is what enforces "one active session per user".
type ActiveSessionGuard struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	SessionID string    `gorm:"size:36;not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// ChatRoom is the durable conversation of a participant pair.
type ChatRoom struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Participant1ID string    `gorm:"size:64;not null;uniqueIndex:idx_room_pair,priority:1"`
	Participant2ID string    `gorm:"size:64;not null;uniqueIndex:idx_room_pair,priority:2"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	LastActivity   time.Time `gorm:"not null;index"`
}

// Message ids are UUIDv7 so (sent_at, id) is a stable total order.
type Message struct {
	ID          string    `gorm:"primaryKey;size:36"`
	RoomID      string    `gorm:"size:36;not null;index:idx_message_room_sent,priority:1"`
	SenderID    string    `gorm:"size:64;not null"`
	Type        string    `gorm:"size:8;not null"`
	Content     *string   `gorm:"type:text"`
	VoiceURL    *string   `gorm:"size:512"`
	Duration    *int      `gorm:""`
	SentAt      time.Time `gorm:"not null;index:idx_message_room_sent,priority:2"`
	IsDelivered bool      `gorm:"not null;default:false"`
	IsRead      bool      `gorm:"not null;default:false"`
}

// Notification is the durable copy of every pushed event.
// (RecipientID, Type, RefID) is unique, which de-duplicates NEW_MATCH per match
// and CALL_* per session.
type Notification struct {
	ID          string         `gorm:"primaryKey;size:36"`
	RecipientID string         `gorm:"size:64;not null;uniqueIndex:idx_notification_dedupe,priority:1;index:idx_notification_recipient_created,priority:1"`
	Type        string         `gorm:"size:16;not null;uniqueIndex:idx_notification_dedupe,priority:2"`
	RefID       string         `gorm:"size:36;not null;uniqueIndex:idx_notification_dedupe,priority:3"`
	Data        map[string]any `gorm:"serializer:json;type:text"`
	IsRead      bool           `gorm:"not null;default:false"`
	CreatedAt   time.Time      `gorm:"autoCreateTime;index:idx_notification_recipient_created,priority:2"`
}

// ActivityEvent is an append-only log of terminal transitions.
type ActivityEvent struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"size:64;not null;index"`
	Kind      string    `gorm:"size:32;not null"`
	PeerID    string    `gorm:"size:64"`
	RefID     string    `gorm:"size:36"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// Connection exists while two users are matched and not unmatched.
type Connection struct {
	ID        string    `gorm:"primaryKey;size:36"`
	User1ID   string    `gorm:"size:64;not null;uniqueIndex:idx_connection_pair,priority:1"`
	User2ID   string    `gorm:"size:64;not null;uniqueIndex:idx_connection_pair,priority:2"`
	MatchID   *string   `gorm:"size:36"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

const ReportOpen = "OPEN"

type Report struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ReporterID     string    `gorm:"size:64;not null;index"`
	ReportedUserID string    `gorm:"size:64;not null;index"`
	Reason         string    `gorm:"size:32;not null"`
	Description    string    `gorm:"type:text;not null"`
	SessionID      *string   `gorm:"size:36"`
	Status         string    `gorm:"size:16;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// AllModels lists every table the core migrates.
func AllModels() []any {
	return []any{
		&UserRef{}, &QueueEntry{}, &Match{}, &Session{}, &ActiveSessionGuard{},
		&ChatRoom{}, &Message{}, &Notification{}, &ActivityEvent{}, &Connection{}, &Report{},
	}
}

// CanonicalPair orders two user ids so that u1 < u2.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// PairKey is the "min:max" key used for pending-match uniqueness and pair locks.
func PairKey(a, b string) string {
	u1, u2 := CanonicalPair(a, b)
	return u1 + ":" + u2
}

// Other returns the participant that is not userID.
func (s *Session) Other(userID string) string {
	if s.User1ID == userID {
		return s.User2ID
	}
	return s.User1ID
}

// Has reports whether userID takes part in the session.
func (s *Session) Has(userID string) bool {
	return s.User1ID == userID || s.User2ID == userID
}

// IsActive reports ACCEPTED or LIVE.
func (s *Session) IsActive() bool {
	return s.State == SessionAccepted || s.State == SessionLive
}

// IsTerminal reports ENDED or SKIPPED.
func (s *Session) IsTerminal() bool {
	return s.State == SessionEnded || s.State == SessionSkipped
}

func (m *Match) Other(userID string) string {
	if m.User1ID == userID {
		return m.User2ID
	}
	return m.User1ID
}

func (m *Match) Has(userID string) bool {
	return m.User1ID == userID || m.User2ID == userID
}

func (r *ChatRoom) Has(userID string) bool {
	return r.Participant1ID == userID || r.Participant2ID == userID
}
