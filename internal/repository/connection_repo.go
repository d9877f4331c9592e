package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
)

// ConnectionRepository tracks which pairs are currently matched.
type ConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(database *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: database}
}

// Ensure creates the pair's connection if it does not exist yet.
func (r *ConnectionRepository) Ensure(ctx context.Context, a, b string, matchID *string) error {
	u1, u2 := db.CanonicalPair(a, b)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&db.Connection{ID: uuid.NewString(), User1ID: u1, User2ID: u2, MatchID: matchID}).Error
}

// Get returns the connection or ErrNotFound.
func (r *ConnectionRepository) Get(ctx context.Context, id string) (*db.Connection, error) {
	var c db.Connection
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: connection %s", svcErr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListFor returns the user's connections, newest first.
func (r *ConnectionRepository) ListFor(ctx context.Context, userID string) ([]db.Connection, error) {
	var out []db.Connection
	err := r.db.WithContext(ctx).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// DeletePair removes the pair's connection and reports how many rows went away.
func (r *ConnectionRepository) DeletePair(ctx context.Context, a, b string) (int64, error) {
	u1, u2 := db.CanonicalPair(a, b)
	res := r.db.WithContext(ctx).
		Where("user1_id = ? AND user2_id = ?", u1, u2).
		Delete(&db.Connection{})
	return res.RowsAffected, res.Error
}
