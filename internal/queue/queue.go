package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
)

// Store persists queue entries. Implemented by repository.QueueRepository.
type Store interface {
	Save(ctx context.Context, e *db.QueueEntry) error
	SetStatus(ctx context.Context, status string, userIDs ...string) error
	Touch(ctx context.Context, userID string, at time.Time) error
	ListWaiting(ctx context.Context) ([]db.QueueEntry, error)
}

// Users resolves the user reference for admission checks.
type Users interface {
	Get(ctx context.Context, id string) (*db.UserRef, error)
}

// WaitStats keeps the rolling window behind estimatedWaitSeconds. Implemented by cache.RedisCache.
type WaitStats interface {
	PushWaitSample(ctx context.Context, d time.Duration) error
	MeanWait(ctx context.Context) (time.Duration, bool, error)
}

// Entry is an in-memory queue entry.
type Entry struct {
	UserID      string
	Preferences db.QueuePreferences
	EnqueuedAt  time.Time
	LastSeenAt  time.Time
	Status      string
}

// Status is what getQueueStatus returns.
type Status struct {
	State                string `json:"state"`
	Position             int    `json:"position,omitempty"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds,omitempty"`
}

// Queue holds the users waiting for a partner. It is the only writer of queue
// state; the store is a write-through copy used for restore.
type Queue struct {
	log          *slog.Logger
	store        Store
	users        Users
	stats        WaitStats
	heartbeatTTL time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	// last-used preferences survive MATCHED/LEFT for re-queueing.
	lastPrefs map[string]db.QueuePreferences
	// optedOut is set by an explicit leave and cleared by the next enqueue.
	optedOut map[string]bool

	kick chan struct{}
}

// New creates a queue. stats may be nil.
func New(log *slog.Logger, store Store, users Users, stats WaitStats, heartbeatTTL time.Duration) *Queue {
	return &Queue{
		log:          log.With("component", "queue"),
		store:        store,
		users:        users,
		stats:        stats,
		heartbeatTTL: heartbeatTTL,
		now:          func() time.Time { return time.Now().UTC() },
		entries:      make(map[string]*Entry),
		lastPrefs:    make(map[string]db.QueuePreferences),
		optedOut:     make(map[string]bool),
		kick:         make(chan struct{}, 1),
	}
}

// SetClock replaces the time source. Used by tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Kicks fires (coalesced) whenever a user is enqueued.
func (q *Queue) Kicks() <-chan struct{} { return q.kick }

// Restore reloads WAITING entries from the store after a restart.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	rows, err := q.store.ListWaiting(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range rows {
		q.entries[r.UserID] = &Entry{
			UserID:      r.UserID,
			Preferences: r.Preferences,
			EnqueuedAt:  r.EnqueuedAt,
			LastSeenAt:  r.LastSeenAt,
			Status:      db.QueueWaiting,
		}
		q.lastPrefs[r.UserID] = r.Preferences
	}
	return len(rows), nil
}

// Enqueue puts the user in the queue with fresh enqueuedAt.
//
// Behavior:
//   - Users without photo verification are refused with ErrPhotoUnverified.
//   - Any previous entry for the user is replaced, so enqueueing twice leaves
//     exactly one WAITING entry.
//   - The matcher is kicked after the entry is stored.
func (q *Queue) Enqueue(ctx context.Context, userID string, prefs db.QueuePreferences) (Status, error) {
	u, err := q.users.Get(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	if !u.IsPhotoVerified {
		return Status{}, svcErr.ErrPhotoUnverified
	}

	now := q.now()
	e := &Entry{
		UserID:      userID,
		Preferences: prefs,
		EnqueuedAt:  now,
		LastSeenAt:  now,
		Status:      db.QueueWaiting,
	}
	if err := q.store.Save(ctx, toRow(e)); err != nil {
		return Status{}, err
	}

	q.mu.Lock()
	q.entries[userID] = e
	q.lastPrefs[userID] = prefs
	delete(q.optedOut, userID)
	q.mu.Unlock()

	q.log.Info("user enqueued", "user_id", userID)
	select {
	case q.kick <- struct{}{}:
	default:
	}
	return q.Status(ctx, userID)
}

// Leave takes the user out of the queue and marks them opted out of re-queueing.
// Leaving twice is the same as leaving once.
func (q *Queue) Leave(ctx context.Context, userID string) error {
	q.mu.Lock()
	q.optedOut[userID] = true
	_, ok := q.entries[userID]
	delete(q.entries, userID)
	q.mu.Unlock()

	if !ok {
		return nil
	}
	q.log.Info("user left queue", "user_id", userID)
	return q.store.SetStatus(ctx, db.QueueLeft, userID)
}

// Status reports the user's state, rank among WAITING entries (1-based) and the wait hint.
func (q *Queue) Status(ctx context.Context, userID string) (Status, error) {
	q.mu.Lock()
	e, ok := q.entries[userID]
	if !ok {
		q.mu.Unlock()
		return Status{State: db.QueueLeft}, nil
	}
	if e.Status != db.QueueWaiting {
		st := Status{State: e.Status}
		q.mu.Unlock()
		return st, nil
	}
	pos := 1
	for _, other := range q.entries {
		if other.Status == db.QueueWaiting && other.UserID != userID && ahead(other, e) {
			pos++
		}
	}
	q.mu.Unlock()

	st := Status{State: db.QueueWaiting, Position: pos}
	if q.stats != nil {
		mean, ok, err := q.stats.MeanWait(ctx)
		if err != nil {
			q.log.Warn("wait estimate unavailable", "err", err)
		} else if ok {
			st.EstimatedWaitSeconds = int((mean + time.Second - 1) / time.Second)
		}
	}
	return st, nil
}

// Heartbeat refreshes lastSeenAt of a WAITING entry.
func (q *Queue) Heartbeat(ctx context.Context, userID string) error {
	now := q.now()
	q.mu.Lock()
	e, ok := q.entries[userID]
	if ok && e.Status == db.QueueWaiting {
		e.LastSeenAt = now
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return q.store.Touch(ctx, userID, now)
}

// Waiting returns a snapshot of WAITING entries in enqueue order.
func (q *Queue) Waiting() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if e.Status == db.QueueWaiting {
			out = append(out, *e)
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return ahead(&out[i], &out[j]) })
	return out
}

// MarkMatched flips both users from WAITING to MATCHED and records their wait
// times. It fails with ErrStale if either is no longer waiting.
func (q *Queue) MarkMatched(ctx context.Context, a, b string) error {
	now := q.now()
	q.mu.Lock()
	ea, okA := q.entries[a]
	eb, okB := q.entries[b]
	if !okA || !okB || ea.Status != db.QueueWaiting || eb.Status != db.QueueWaiting {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s and %s are not both waiting", svcErr.ErrStale, a, b)
	}
	ea.Status, eb.Status = db.QueueMatched, db.QueueMatched
	waits := []time.Duration{now.Sub(ea.EnqueuedAt), now.Sub(eb.EnqueuedAt)}
	q.mu.Unlock()

	if q.stats != nil {
		for _, w := range waits {
			if err := q.stats.PushWaitSample(ctx, w); err != nil {
				q.log.Warn("wait sample dropped", "err", err)
			}
		}
	}
	return q.store.SetStatus(ctx, db.QueueMatched, a, b)
}

// Release puts a MATCHED user back to WAITING with the original rank. Used
// when a proposal could not be stored.
func (q *Queue) Release(ctx context.Context, userIDs ...string) error {
	var back []string
	q.mu.Lock()
	for _, id := range userIDs {
		if e, ok := q.entries[id]; ok && e.Status == db.QueueMatched {
			e.Status = db.QueueWaiting
			back = append(back, id)
		}
	}
	q.mu.Unlock()
	return q.store.SetStatus(ctx, db.QueueWaiting, back...)
}

// GC moves WAITING entries whose heartbeat is older than the TTL to LEFT.
func (q *Queue) GC(ctx context.Context) []string {
	cutoff := q.now().Add(-q.heartbeatTTL)
	var stale []string
	q.mu.Lock()
	for id, e := range q.entries {
		if e.Status == db.QueueWaiting && e.LastSeenAt.Before(cutoff) {
			stale = append(stale, id)
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)
	if err := q.store.SetStatus(ctx, db.QueueLeft, stale...); err != nil {
		q.log.Error("queue gc persist failed", "users", stale, "err", err)
	}
	q.log.Info("queue entries expired", "count", len(stale))
	return stale
}

// LastPreferences returns the preferences the user last enqueued with.
func (q *Queue) LastPreferences(userID string) (db.QueuePreferences, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.lastPrefs[userID]
	return p, ok
}

// OptedOut reports whether the user explicitly left since their last enqueue.
func (q *Queue) OptedOut(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.optedOut[userID]
}

// IsWaiting reports whether the user currently has a WAITING entry.
func (q *Queue) IsWaiting(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[userID]
	return ok && e.Status == db.QueueWaiting
}

func ahead(a, b *Entry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.UserID < b.UserID
}

func toRow(e *Entry) *db.QueueEntry {
	return &db.QueueEntry{
		UserID:      e.UserID,
		Status:      e.Status,
		Preferences: e.Preferences,
		EnqueuedAt:  e.EnqueuedAt,
		LastSeenAt:  e.LastSeenAt,
	}
}
