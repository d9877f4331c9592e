package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/matchcore/internal/db"
)

// QueueRepository persists the waiting queue so a restarted node can restore it.
type QueueRepository struct {
	db *gorm.DB
}

func NewQueueRepository(database *gorm.DB) *QueueRepository {
	return &QueueRepository{db: database}
}

// Save upserts the user's entry, replacing any previous one.
func (r *QueueRepository) Save(ctx context.Context, e *db.QueueEntry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "preferences", "enqueued_at", "last_seen_at", "updated_at"}),
		}).
		Create(e).Error
}

// SetStatus updates the status of the given users' entries.
func (r *QueueRepository) SetStatus(ctx context.Context, status string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&db.QueueEntry{}).
		Where("user_id IN ?", userIDs).
		Update("status", status).Error
}

// Touch refreshes last_seen_at of a waiting entry.
func (r *QueueRepository) Touch(ctx context.Context, userID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&db.QueueEntry{}).
		Where("user_id = ?", userID).
		Update("last_seen_at", at).Error
}

// ListWaiting returns every WAITING entry in enqueue order.
func (r *QueueRepository) ListWaiting(ctx context.Context) ([]db.QueueEntry, error) {
	var out []db.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", db.QueueWaiting).
		Order("enqueued_at ASC").
		Find(&out).Error
	return out, err
}

// Get returns the user's entry; found is false when there is none.
func (r *QueueRepository) Get(ctx context.Context, userID string) (*db.QueueEntry, bool, error) {
	var e db.QueueEntry
	res := r.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&e)
	if res.Error != nil {
		return nil, false, res.Error
	}
	return &e, res.RowsAffected > 0, nil
}
