package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
)

// UserRepository reads the user references mirrored from the profile service.
// The core never edits a profile; Upsert exists for the mirror feed and dev seeding.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(database *gorm.DB) *UserRepository {
	return &UserRepository{db: database}
}

// Get returns the user reference or ErrNotFound.
func (r *UserRepository) Get(ctx context.Context, id string) (*db.UserRef, error) {
	var u db.UserRef
	err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s", svcErr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetMany loads several users at once; missing ids are simply absent from the map.
func (r *UserRepository) GetMany(ctx context.Context, ids []string) (map[string]*db.UserRef, error) {
	out := make(map[string]*db.UserRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []db.UserRef
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for i := range users {
		out[users[i].ID] = &users[i]
	}
	return out, nil
}

// Upsert inserts or refreshes a user reference.
func (r *UserRepository) Upsert(ctx context.Context, u *db.UserRef) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "profile_picture", "gender", "age", "interests", "is_photo_verified", "updated_at",
			}),
		}).
		Create(u).Error
}
