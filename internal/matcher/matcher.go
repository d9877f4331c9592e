package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/notify"
	"github.com/oggyb/matchcore/internal/queue"
)

// Users loads user references in bulk. Implemented by repository.UserRepository.
type Users interface {
	GetMany(ctx context.Context, ids []string) (map[string]*db.UserRef, error)
}

// Matches is the match store. Implemented by repository.MatchRepository.
type Matches interface {
	CreateMatch(ctx context.Context, a, b string, score float64, status string) (*db.Match, error)
	DeclinedPairsSince(ctx context.Context, userIDs []string, since time.Time) (map[string]bool, error)
	AcceptedPairs(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Skips reports recently skipped pairs. Implemented by repository.SessionRepository.
type Skips interface {
	SkippedPairsSince(ctx context.Context, userIDs []string, since time.Time) (map[string]bool, error)
}

// Locker serialises work on one unordered pair across nodes. Implemented by cache.RedisCache.
type Locker interface {
	WithPairLock(ctx context.Context, a, b string, fn func() error) error
}

// Notifier is the notification fan-out.
type Notifier interface {
	Notify(ctx context.Context, recipient, typ, refID string, data map[string]any) (notify.Result, error)
}

// Options tunes the matcher.
type Options struct {
	Tick            time.Duration
	DeclineCooldown time.Duration
	ProposalTTL     time.Duration
}

// Matcher pairs waiters from the queue and proposes matches.
type Matcher struct {
	log     *slog.Logger
	queue   *queue.Queue
	users   Users
	matches Matches
	skips   Skips
	locker  Locker
	notify  Notifier
	opts    Options
	now     func() time.Time

	mu sync.Mutex
	// pairs that already hold a PENDING match, skipped until the proposal would have expired
	pending map[string]time.Time
}

// New creates a matcher. skips and locker may be nil.
func New(log *slog.Logger, q *queue.Queue, users Users, matches Matches, skips Skips, locker Locker, n Notifier, opts Options) *Matcher {
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	if opts.DeclineCooldown <= 0 {
		opts.DeclineCooldown = 24 * time.Hour
	}
	if opts.ProposalTTL <= 0 {
		opts.ProposalTTL = 120 * time.Second
	}
	return &Matcher{
		log:     log.With("component", "matcher"),
		queue:   q,
		users:   users,
		matches: matches,
		skips:   skips,
		locker:  locker,
		notify:  n,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]time.Time),
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Matcher) SetClock(now func() time.Time) { m.now = now }

// Run ticks until ctx is cancelled. Enqueues trigger an extra tick.
func (m *Matcher) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.Tick)
	defer t.Stop()
	m.log.Info("matcher started", "tick", m.opts.Tick)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("matcher stopped")
			return nil
		case <-t.C:
			m.queue.GC(ctx)
		case <-m.queue.Kicks():
		}
		if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("matcher tick failed", "err", err)
		}
	}
}

// Tick runs one pairing round and returns the matches it proposed.
func (m *Matcher) Tick(ctx context.Context) ([]*db.Match, error) {
	waiting := m.queue.Waiting()
	if len(waiting) < 2 {
		return nil, nil
	}

	ids := make([]string, len(waiting))
	for i, e := range waiting {
		ids[i] = e.UserID
	}
	users, err := m.users.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	blocked, err := m.cooldown(ctx, ids)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(waiting))
	for _, e := range waiting {
		u, ok := users[e.UserID]
		if !ok {
			m.log.Warn("waiter without user reference", "user_id", e.UserID)
			continue
		}
		cands = append(cands, candidateFor(e, u))
	}

	var proposed []*db.Match
	for _, p := range PairGreedy(cands, func(a, b string) bool { return blocked[db.PairKey(a, b)] }) {
		match, err := m.propose(ctx, p, users)
		if err != nil {
			if ctx.Err() != nil {
				return proposed, ctx.Err()
			}
			m.log.Warn("proposal skipped", "user1", p.A.UserID, "user2", p.B.UserID, "err", err)
			continue
		}
		proposed = append(proposed, match)
	}
	return proposed, nil
}

// cooldown collects pairs that must not be proposed: recent declines and skips,
// pairs that are already matched and pairs holding a PENDING match.
func (m *Matcher) cooldown(ctx context.Context, ids []string) (map[string]bool, error) {
	since := m.now().Add(-m.opts.DeclineCooldown)
	blocked, err := m.matches.DeclinedPairsSince(ctx, ids, since)
	if err != nil {
		return nil, err
	}
	matched, err := m.matches.AcceptedPairs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for k := range matched {
		blocked[k] = true
	}
	if m.skips != nil {
		skipped, err := m.skips.SkippedPairsSince(ctx, ids, since)
		if err != nil {
			return nil, err
		}
		for k := range skipped {
			blocked[k] = true
		}
	}

	now := m.now()
	m.mu.Lock()
	for k, until := range m.pending {
		if now.After(until) {
			delete(m.pending, k)
			continue
		}
		blocked[k] = true
	}
	m.mu.Unlock()
	return blocked, nil
}

func (m *Matcher) propose(ctx context.Context, p Pair, users map[string]*db.UserRef) (*db.Match, error) {
	a, b := p.A.UserID, p.B.UserID
	var match *db.Match
	work := func() error {
		if err := m.queue.MarkMatched(ctx, a, b); err != nil {
			return err
		}
		created, err := m.matches.CreateMatch(ctx, a, b, p.Score, db.MatchPending)
		if err != nil {
			if rerr := m.queue.Release(ctx, a, b); rerr != nil {
				m.log.Error("release after failed proposal", "err", rerr)
			}
			if errors.Is(err, svcErr.ErrDuplicatePending) {
				m.mu.Lock()
				m.pending[db.PairKey(a, b)] = m.now().Add(m.opts.ProposalTTL)
				m.mu.Unlock()
			}
			return err
		}
		match = created
		return nil
	}

	var err error
	if m.locker != nil {
		err = m.locker.WithPairLock(ctx, a, b, work)
	} else {
		err = work()
	}
	if err != nil {
		return nil, err
	}

	m.log.Info("match proposed", "match_id", match.ID, "user1", match.User1ID, "user2", match.User2ID, "score", match.TotalScore)
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		data := NewMatchData(match, users[pair[1]], pair[1])
		if _, err := m.notify.Notify(ctx, pair[0], db.NotifyNewMatch, match.ID, data); err != nil {
			m.log.Warn("new match notification failed", "match_id", match.ID, "recipient", pair[0], "err", err)
		}
	}
	return match, nil
}

// NewMatchData builds the NEW_MATCH payload describing partner to its recipient.
func NewMatchData(match *db.Match, partner *db.UserRef, partnerID string) map[string]any {
	data := map[string]any{
		"matchId":          match.ID,
		"partnerId":        partnerID,
		"partnerName":      partnerID,
		"matchScore":       match.TotalScore,
		"matchActionTaken": false,
	}
	if partner != nil {
		data["partnerName"] = partner.DisplayName
		if partner.ProfilePicture != nil {
			data["partnerProfilePicture"] = *partner.ProfilePicture
		}
	}
	return data
}

func candidateFor(e queue.Entry, u *db.UserRef) Candidate {
	interests := make([]string, 0, len(u.Interests)+len(e.Preferences.Interests))
	interests = append(interests, u.Interests...)
	interests = append(interests, e.Preferences.Interests...)
	return Candidate{
		UserID:     e.UserID,
		Prefs:      e.Preferences,
		EnqueuedAt: e.EnqueuedAt,
		Age:        u.Age,
		Gender:     u.Gender,
		Interests:  interests,
	}
}
