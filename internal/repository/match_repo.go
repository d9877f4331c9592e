package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
)

// MatchRepository provides data access methods for the Match model.
// Status changes are compare-and-set on the current status.
type MatchRepository struct {
	db *gorm.DB
}

// NewMatchRepository creates a new repository bound to the given DB connection.
func NewMatchRepository(database *gorm.DB) *MatchRepository {
	return &MatchRepository{db: database}
}

// CreateMatch stores a match for the unordered pair (a, b).
//
// Behavior:
//   - The pair is canonicalised so that user1_id < user2_id.
//   - A PENDING match reserves pending_key "u1:u2"; a second PENDING match for
//     the same pair hits the unique index and fails with ErrDuplicatePending.
//   - Any other initial status (createMatchFromSuggestion uses ACCEPTED) stores no key.
func (r *MatchRepository) CreateMatch(ctx context.Context, a, b string, score float64, status string) (*db.Match, error) {
	if a == b {
		return nil, fmt.Errorf("%w: cannot match a user with themselves", svcErr.ErrInvalidArgument)
	}
	u1, u2 := db.CanonicalPair(a, b)
	m := &db.Match{
		ID:         uuid.NewString(),
		User1ID:    u1,
		User2ID:    u2,
		TotalScore: clamp01(score),
		Status:     status,
	}
	if status == db.MatchPending {
		key := db.PairKey(u1, u2)
		m.PendingKey = &key
	} else {
		now := time.Now().UTC()
		m.RespondedAt = &now
		m.User1Accepted, m.User2Accepted = true, true
	}

	err := r.db.WithContext(ctx).Create(m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, svcErr.ErrDuplicatePending
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the match or ErrNotFound.
func (r *MatchRepository) Get(ctx context.Context, id string) (*db.Match, error) {
	var m db.Match
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: match %s", svcErr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// TransitionMatch moves a match from one status to another.
//
// Behavior:
//   - Compare-and-set: the UPDATE only matches rows still in `from`.
//   - Leaving PENDING clears pending_key, freeing the pair for a future proposal.
//   - A lost race returns ErrStale; an unknown id returns ErrNotFound.
func (r *MatchRepository) TransitionMatch(ctx context.Context, id, from, to string) (*db.Match, error) {
	now := time.Now().UTC()
	updates := map[string]any{"status": to, "updated_at": now}
	if from == db.MatchPending && to != db.MatchPending {
		updates["pending_key"] = nil
		updates["responded_at"] = now
	}
	if to == db.MatchAccepted {
		updates["user1_accepted"] = true
		updates["user2_accepted"] = true
	}

	res := r.db.WithContext(ctx).
		Model(&db.Match{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: match %s is no longer %s", svcErr.ErrStale, id, from)
	}
	return r.Get(ctx, id)
}

// MarkAccepted records userID's acceptance on a PENDING match and returns the fresh row.
func (r *MatchRepository) MarkAccepted(ctx context.Context, m *db.Match, userID string) (*db.Match, error) {
	col := "user1_accepted"
	already := m.User1Accepted
	if m.User2ID == userID {
		col, already = "user2_accepted", m.User2Accepted
	}
	if already {
		return m, nil
	}

	res := r.db.WithContext(ctx).
		Model(&db.Match{}).
		Where("id = ? AND status = ?", m.ID, db.MatchPending).
		Updates(map[string]any{col: true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: match %s is no longer pending", svcErr.ErrStale, m.ID)
	}
	return r.Get(ctx, m.ID)
}

// ListPendingFor returns the PENDING matches the user takes part in, oldest first.
func (r *MatchRepository) ListPendingFor(ctx context.Context, userID string) ([]db.Match, error) {
	var out []db.Match
	err := r.db.WithContext(ctx).
		Where("(user1_id = ? OR user2_id = ?) AND status = ?", userID, userID, db.MatchPending).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ListForPair returns the pair's matches in the given statuses (all when none given).
func (r *MatchRepository) ListForPair(ctx context.Context, a, b string, statuses ...string) ([]db.Match, error) {
	u1, u2 := db.CanonicalPair(a, b)
	q := r.db.WithContext(ctx).Where("user1_id = ? AND user2_id = ?", u1, u2)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []db.Match
	err := q.Order("created_at ASC").Find(&out).Error
	return out, err
}

// DeclinedPairsSince returns the pair keys of matches declined at or after since
// that involve any of userIDs. The matcher uses it for the decline cooldown.
func (r *MatchRepository) DeclinedPairsSince(ctx context.Context, userIDs []string, since time.Time) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []db.Match
	err := r.db.WithContext(ctx).
		Select("user1_id", "user2_id").
		Where("status = ? AND updated_at >= ?", db.MatchDeclined, since).
		Where("(user1_id IN ? OR user2_id IN ?)", userIDs, userIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[db.PairKey(m.User1ID, m.User2ID)] = true
	}
	return out, nil
}

// AcceptedPairs returns the pair keys of ACCEPTED matches that involve any of
// userIDs. Matched pairs are not proposed again until the match is declined.
func (r *MatchRepository) AcceptedPairs(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []db.Match
	err := r.db.WithContext(ctx).
		Select("user1_id", "user2_id").
		Where("status = ?", db.MatchAccepted).
		Where("(user1_id IN ? OR user2_id IN ?)", userIDs, userIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[db.PairKey(m.User1ID, m.User2ID)] = true
	}
	return out, nil
}

// ListExpiredPending returns PENDING matches created before cutoff.
func (r *MatchRepository) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]db.Match, error) {
	var out []db.Match
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", db.MatchPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
