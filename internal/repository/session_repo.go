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

// SessionRepository stores call sessions and the active-session guards.
//
// A session in ACCEPTED or LIVE owns one active_session_guards row per
// participant. Guards are written in the same transaction as the state change,
// so the guard primary key is what enforces one active session per user.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(database *gorm.DB) *SessionRepository {
	return &SessionRepository{db: database}
}

// NewSession describes a session to be created.
type NewSession struct {
	MatchID  *string
	CallerID string
	CalleeID string
	Kind     string
	RoomID   string
	State    string
}

// CreateSession inserts a session.
//
// Behavior:
//   - Fails with ErrActiveSession when either participant already has a session
//     in ACCEPTED or LIVE.
//   - Sessions created directly in ACCEPTED or LIVE take the guards atomically.
func (r *SessionRepository) CreateSession(ctx context.Context, in NewSession) (*db.Session, error) {
	if in.CallerID == in.CalleeID {
		return nil, fmt.Errorf("%w: a session needs two different users", svcErr.ErrInvalidArgument)
	}
	u1, u2 := db.CanonicalPair(in.CallerID, in.CalleeID)
	now := time.Now().UTC()
	s := &db.Session{
		ID:       uuid.NewString(),
		MatchID:  in.MatchID,
		User1ID:  u1,
		User2ID:  u2,
		CallerID: in.CallerID,
		Kind:     in.Kind,
		RoomID:   in.RoomID,
		State:    in.State,
	}
	if s.IsActive() {
		s.AcceptedAt = &now
	}
	if s.State == db.SessionLive {
		s.StartedAt = &now
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.IsActive() {
			if err := insertGuards(tx, s); err != nil {
				return err
			}
		} else {
			busy, err := anyGuard(tx, u1, u2)
			if err != nil {
				return err
			}
			if busy {
				return svcErr.ErrActiveSession
			}
		}
		return tx.Create(s).Error
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the session or ErrNotFound.
func (r *SessionRepository) Get(ctx context.Context, id string) (*db.Session, error) {
	var s db.Session
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: session %s", svcErr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByMatch returns the session opened for a match, or ErrNotFound.
func (r *SessionRepository) GetByMatch(ctx context.Context, matchID string) (*db.Session, error) {
	var s db.Session
	err := r.db.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: session for match %s", svcErr.ErrNotFound, matchID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Transition is the compare-and-set primitive for the session state machine.
//
// Behavior:
//   - The UPDATE matches only rows still in `from`; a lost race returns ErrStale.
//   - Entering ACCEPTED/LIVE from a non-active state takes the guards; a
//     participant busy elsewhere rolls the whole change back with ErrActiveSession.
//   - Entering ENDED/SKIPPED releases the guards.
//   - extra holds additional columns (ended_at, ended_by, end_reason, ...).
func (r *SessionRepository) Transition(ctx context.Context, id, from, to string, extra map[string]any) (*db.Session, error) {
	var out db.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur db.Session
		if err := tx.First(&cur, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: session %s", svcErr.ErrNotFound, id)
			}
			return err
		}

		updates := map[string]any{"state": to, "updated_at": time.Now().UTC()}
		for k, v := range extra {
			updates[k] = v
		}
		res := tx.Model(&db.Session{}).Where("id = ? AND state = ?", id, from).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: session %s is %s, not %s", svcErr.ErrStale, id, cur.State, from)
		}

		next := cur
		next.State = to
		switch {
		case next.IsActive() && !isActiveState(from):
			if err := insertGuards(tx, &next); err != nil {
				return err
			}
		case next.IsTerminal():
			if err := tx.Where("session_id = ?", id).Delete(&db.ActiveSessionGuard{}).Error; err != nil {
				return err
			}
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActiveFor returns the user's sessions in ACCEPTED or LIVE.
func (r *SessionRepository) ListActiveFor(ctx context.Context, userID string) ([]db.Session, error) {
	var out []db.Session
	err := r.db.WithContext(ctx).
		Where("(user1_id = ? OR user2_id = ?) AND state IN ?", userID, userID,
			[]string{db.SessionAccepted, db.SessionLive}).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// ListOpenBetween returns the pair's sessions that are not terminal yet.
func (r *SessionRepository) ListOpenBetween(ctx context.Context, a, b string) ([]db.Session, error) {
	u1, u2 := db.CanonicalPair(a, b)
	var out []db.Session
	err := r.db.WithContext(ctx).
		Where("user1_id = ? AND user2_id = ? AND state IN ?", u1, u2,
			[]string{db.SessionProposed, db.SessionAccepted, db.SessionLive}).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// HasActive reports whether the user holds an active-session guard.
func (r *SessionRepository) HasActive(ctx context.Context, userID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.ActiveSessionGuard{}).Where("user_id = ?", userID).Count(&n).Error
	return n > 0, err
}

// ListRinging returns direct-call sessions still PROPOSED that were created before cutoff.
func (r *SessionRepository) ListRinging(ctx context.Context, cutoff time.Time, limit int) ([]db.Session, error) {
	var out []db.Session
	err := r.db.WithContext(ctx).
		Where("state = ? AND match_id IS NULL AND created_at < ?", db.SessionProposed, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListUnnegotiated returns ACCEPTED sessions that were accepted before cutoff.
func (r *SessionRepository) ListUnnegotiated(ctx context.Context, cutoff time.Time, limit int) ([]db.Session, error) {
	var out []db.Session
	err := r.db.WithContext(ctx).
		Where("state = ? AND accepted_at < ?", db.SessionAccepted, cutoff).
		Order("accepted_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SkippedPairsSince returns the pair keys of sessions skipped at or after since
// that involve any of userIDs.
func (r *SessionRepository) SkippedPairsSince(ctx context.Context, userIDs []string, since time.Time) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []db.Session
	err := r.db.WithContext(ctx).
		Select("user1_id", "user2_id").
		Where("state = ? AND ended_at >= ?", db.SessionSkipped, since).
		Where("(user1_id IN ? OR user2_id IN ?)", userIDs, userIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, s := range rows {
		out[db.PairKey(s.User1ID, s.User2ID)] = true
	}
	return out, nil
}

func insertGuards(tx *gorm.DB, s *db.Session) error {
	guards := []db.ActiveSessionGuard{
		{UserID: s.User1ID, SessionID: s.ID},
		{UserID: s.User2ID, SessionID: s.ID},
	}
	err := tx.Create(&guards).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return svcErr.ErrActiveSession
	}
	return err
}

func anyGuard(tx *gorm.DB, users ...string) (bool, error) {
	var n int64
	err := tx.Model(&db.ActiveSessionGuard{}).Where("user_id IN ?", users).Count(&n).Error
	return n > 0, err
}

func isActiveState(state string) bool {
	return state == db.SessionAccepted || state == db.SessionLive
}
