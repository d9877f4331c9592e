package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oggyb/matchcore/internal/db"
)

// ActivityRepository appends to the per-user activity log. Rows are never updated.
type ActivityRepository struct {
	db *gorm.DB
}

func NewActivityRepository(database *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: database}
}

// Append writes one event per entry in a single insert.
func (r *ActivityRepository) Append(ctx context.Context, events ...db.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}
	return r.db.WithContext(ctx).Create(&events).Error
}

// ListFor returns the user's most recent events, newest first.
func (r *ActivityRepository) ListFor(ctx context.Context, userID string, limit int) ([]db.ActivityEvent, error) {
	var out []db.ActivityEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
