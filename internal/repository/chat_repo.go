package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
)

// roomNamespace scopes the name-based room ids.
var roomNamespace = uuid.MustParse("6f1c3d1e-5a0b-4a53-9a3e-2f6a1c0f9b7d")

// RoomIDFor is the deterministic chat room id of an unordered pair, so every
// node derives the same room without a lookup.
func RoomIDFor(a, b string) string {
	return uuid.NewSHA1(roomNamespace, []byte(db.PairKey(a, b))).String()
}

// ChatRepository provides data access for chat rooms and their messages.
type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(database *gorm.DB) *ChatRepository {
	return &ChatRepository{db: database}
}

// UpsertChatRoom returns the room of the pair, creating it on first use.
// Participant order is canonicalised and the call is idempotent.
func (r *ChatRepository) UpsertChatRoom(ctx context.Context, a, b string) (*db.ChatRoom, error) {
	if a == b {
		return nil, fmt.Errorf("%w: a room needs two different users", svcErr.ErrInvalidArgument)
	}
	u1, u2 := db.CanonicalPair(a, b)
	room := &db.ChatRoom{
		ID:             RoomIDFor(u1, u2),
		Participant1ID: u1,
		Participant2ID: u2,
		LastActivity:   time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(room).Error
	if err != nil {
		return nil, err
	}
	return r.GetRoom(ctx, room.ID)
}

// GetRoom returns the room or ErrNotFound.
func (r *ChatRepository) GetRoom(ctx context.Context, roomID string) (*db.ChatRoom, error) {
	var room db.ChatRoom
	err := r.db.WithContext(ctx).First(&room, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: room %s", svcErr.ErrNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// AppendMessage stores m and bumps the room's last activity.
func (r *ChatRepository) AppendMessage(ctx context.Context, m *db.Message) error {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		m.ID = id.String()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&db.ChatRoom{}).
			Where("id = ?", m.RoomID).
			Update("last_activity", m.SentAt).Error
	})
}

// GetMessagesByRoom returns a page of the room's history, oldest first.
//
// Behavior:
//   - offset counts back from the newest message, so offset 0 is the latest page.
//   - Within the page messages are ordered by (sent_at, id) ascending.
func (r *ChatRepository) GetMessagesByRoom(ctx context.Context, roomID string, limit, offset int) ([]db.Message, error) {
	var out []db.Message
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sent_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastSentAt returns the newest sent_at in the room (zero when empty).
func (r *ChatRepository) LastSentAt(ctx context.Context, roomID string) (time.Time, error) {
	var m db.Message
	err := r.db.WithContext(ctx).
		Select("sent_at").
		Where("room_id = ?", roomID).
		Order("sent_at DESC").
		Limit(1).
		Find(&m).Error
	return m.SentAt, err
}

// MarkRead marks every message in the room not sent by readerID as read.
func (r *ChatRepository) MarkRead(ctx context.Context, roomID, readerID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("room_id = ? AND sender_id <> ? AND is_read = ?", roomID, readerID, false).
		Updates(map[string]any{"is_read": true, "is_delivered": true})
	return res.RowsAffected, res.Error
}

// MarkDelivered flags the given messages as delivered.
func (r *ChatRepository) MarkDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("id IN ?", ids).
		Update("is_delivered", true).Error
}

// ClearMessages deletes the room's messages; with senderID set only that sender's.
func (r *ChatRepository) ClearMessages(ctx context.Context, roomID, senderID string) (int64, error) {
	q := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if senderID != "" {
		q = q.Where("sender_id = ?", senderID)
	}
	res := q.Delete(&db.Message{})
	return res.RowsAffected, res.Error
}
