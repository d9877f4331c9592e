package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
)

// NotificationRepository stores the durable copy of every pushed event.
type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(database *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: database}
}

// CreateNotification inserts n. A second notification with the same
// (recipient, type, ref) returns gorm.ErrDuplicatedKey and changes nothing.
func (r *NotificationRepository) CreateNotification(ctx context.Context, n *db.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Create(n).Error
}

// ListFor returns the user's notifications, newest first.
func (r *NotificationRepository) ListFor(ctx context.Context, userID string, limit, offset int) ([]db.Notification, error) {
	var out []db.Notification
	err := r.db.WithContext(ctx).
		Where("recipient_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, err
}

// UnreadCount returns how many unread notifications the user has.
func (r *NotificationRepository) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Count(&n).Error
	return n, err
}

// MarkNotificationRead flags one of the user's notifications as read.
func (r *NotificationRepository) MarkNotificationRead(ctx context.Context, id, userID string) error {
	res := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("id = ? AND recipient_id = ?", id, userID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).Model(&db.Notification{}).
			Where("id = ? AND recipient_id = ?", id, userID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: notification %s", svcErr.ErrNotFound, id)
		}
	}
	return nil
}

// DeleteAllFor removes every notification of the user and returns the count.
func (r *NotificationRepository) DeleteAllFor(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("recipient_id = ?", userID).Delete(&db.Notification{})
	return res.RowsAffected, res.Error
}

// MarkMatchActionTaken sets matchActionTaken on the NEW_MATCH notifications of a match.
func (r *NotificationRepository) MarkMatchActionTaken(ctx context.Context, matchID string) (int, error) {
	return r.MergeData(ctx, db.NotifyNewMatch, matchID, map[string]any{"matchActionTaken": true})
}

// MergeData patches the data of every notification with the given type and ref.
func (r *NotificationRepository) MergeData(ctx context.Context, typ, refID string, patch map[string]any) (int, error) {
	var rows []db.Notification
	err := r.db.WithContext(ctx).Where("type = ? AND ref_id = ?", typ, refID).Find(&rows).Error
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if rows[i].Data == nil {
			rows[i].Data = map[string]any{}
		}
		for k, v := range patch {
			rows[i].Data[k] = v
		}
		if err := r.db.WithContext(ctx).Model(&rows[i]).Select("data").Updates(&rows[i]).Error; err != nil {
			return i, err
		}
	}
	return len(rows), nil
}

// Get returns one notification of the user, or ErrNotFound.
func (r *NotificationRepository) Get(ctx context.Context, typ, refID, userID string) (*db.Notification, error) {
	var n db.Notification
	err := r.db.WithContext(ctx).
		Where("recipient_id = ? AND type = ? AND ref_id = ?", userID, typ, refID).
		First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s notification for %s", svcErr.ErrNotFound, typ, refID)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}
