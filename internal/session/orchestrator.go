// Package session owns the call-session state machine:
//
//	PROPOSED -> ACCEPTED -> LIVE -> ENDED | SKIPPED
//	PROPOSED -> ENDED (declined, ignored, timed out)
//
// Every transition is a compare-and-set in the store, taken under the pair
// lock, so a lost race surfaces as errors.ErrStale instead of a double write.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/notify"
	"github.com/oggyb/matchcore/internal/presence"
	"github.com/oggyb/matchcore/internal/repository"
)

// End reasons recorded on sessions.
const (
	ReasonEnded              = "ended"
	ReasonSkipped            = "skipped"
	ReasonDeclined           = "declined"
	ReasonIgnored            = "ignored"
	ReasonCancelled          = "cancelled"
	ReasonNoAnswer           = "no_answer"
	ReasonExpired            = "expired"
	ReasonNegotiationTimeout = "negotiation_timeout"
	ReasonUnmatched          = "unmatched"
	ReasonReported           = "reported"
)

// Notifier is the notification fan-out.
type Notifier interface {
	Notify(ctx context.Context, recipient, typ, refID string, data map[string]any) (notify.Result, error)
	Push(userID, event string, data any) int
}

// Publisher fans frames out to a conversation. Implemented by bus.Bus.
type Publisher interface {
	Publish(convID string, from presence.Conn, f presence.Frame) int
}

// Locker serialises work on one unordered pair. Implemented by cache.RedisCache.
type Locker interface {
	WithPairLock(ctx context.Context, a, b string, fn func() error) error
}

// TerminalFunc observes sessions reaching ENDED or SKIPPED.
type TerminalFunc func(ctx context.Context, s *db.Session, autoRequeue bool)

// Options holds the lifecycle timeouts.
type Options struct {
	ProposalTTL    time.Duration
	CallRing       time.Duration
	NegotiationTTL time.Duration
	SweepInterval  time.Duration
}

// Orchestrator drives sessions and the matches they come from.
type Orchestrator struct {
	log    *slog.Logger
	store  *repository.Store
	notify Notifier
	bus    Publisher
	locker Locker
	opts   Options
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	hooks  []TerminalFunc
}

// New creates an orchestrator. bus and locker may be nil.
func New(log *slog.Logger, store *repository.Store, n Notifier, bus Publisher, locker Locker, opts Options) *Orchestrator {
	if opts.ProposalTTL <= 0 {
		opts.ProposalTTL = 120 * time.Second
	}
	if opts.CallRing <= 0 {
		opts.CallRing = 7 * time.Second
	}
	if opts.NegotiationTTL <= 0 {
		opts.NegotiationTTL = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	return &Orchestrator{
		log:    log.With("component", "session"),
		store:  store,
		notify: n,
		bus:    bus,
		locker: locker,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		timers: make(map[string]*time.Timer),
	}
}

// SetClock replaces the time source used by the sweeper. Used by tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// OnTerminal registers fn for terminal transitions. Not safe after traffic starts.
func (o *Orchestrator) OnTerminal(fn TerminalFunc) { o.hooks = append(o.hooks, fn) }

// Get returns the session if userID takes part in it.
func (o *Orchestrator) Get(ctx context.Context, sessionID, userID string) (*db.Session, error) {
	s, err := o.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Has(userID) {
		return nil, svcErr.ErrNotParticipant
	}
	return s, nil
}

// Active returns the caller's sessions in ACCEPTED or LIVE.
func (o *Orchestrator) Active(ctx context.Context, userID string) ([]db.Session, error) {
	return o.store.Sessions.ListActiveFor(ctx, userID)
}

func (o *Orchestrator) withPair(ctx context.Context, a, b string, fn func() error) error {
	if o.locker == nil {
		return fn()
	}
	return o.locker.WithPairLock(ctx, a, b, fn)
}

// finish moves s to a terminal state and fans out the consequences.
//
// Behavior:
//   - The transition is a CAS from s.State; a terminal session is returned as is.
//   - withEnded controls the CALL_ENDED notification to both participants and
//     the call-ended frame in the conversation.
//   - Notification failures are logged and never undo the transition.
func (o *Orchestrator) finish(ctx context.Context, s *db.Session, to, by, reason string, withEnded, autoRequeue bool) (*db.Session, error) {
	if s.IsTerminal() {
		return s, nil
	}
	now := o.now()
	out, err := o.store.Sessions.Transition(ctx, s.ID, s.State, to, map[string]any{
		"ended_at":   now,
		"ended_by":   by,
		"end_reason": reason,
	})
	if err != nil {
		if errors.Is(err, svcErr.ErrStale) {
			if cur, gerr := o.store.Sessions.Get(ctx, s.ID); gerr == nil && cur.IsTerminal() {
				return cur, nil
			}
		}
		return nil, err
	}
	o.stopTimer(s.ID)
	o.log.Info("session closed", "session_id", s.ID, "state", to, "by", by, "reason", reason)

	if err := o.store.Activity.Append(ctx,
		db.ActivityEvent{UserID: out.User1ID, Kind: db.ActivityCallEnded, PeerID: out.User2ID, RefID: out.ID},
		db.ActivityEvent{UserID: out.User2ID, Kind: db.ActivityCallEnded, PeerID: out.User1ID, RefID: out.ID},
	); err != nil {
		o.log.Warn("activity append failed", "session_id", out.ID, "err", err)
	}

	if withEnded {
		data := endedData(out, reason)
		for _, uid := range []string{out.User1ID, out.User2ID} {
			if _, err := o.notify.Notify(ctx, uid, db.NotifyCallEnded, out.ID, data); err != nil {
				o.log.Warn("call ended notification failed", "session_id", out.ID, "recipient", uid, "err", err)
			}
		}
		o.publish(out.RoomID, "call-ended", data)
	}

	for _, fn := range o.hooks {
		fn(ctx, out, autoRequeue)
	}
	return out, nil
}

func endedData(s *db.Session, reason string) map[string]any {
	data := map[string]any{
		"sessionId":      s.ID,
		"callId":         s.ID,
		"conversationId": s.RoomID,
		"state":          s.State,
		"reason":         reason,
	}
	if s.EndedBy != nil {
		data["endedBy"] = *s.EndedBy
	}
	if s.StartedAt != nil && s.EndedAt != nil {
		data["durationSeconds"] = int(s.EndedAt.Sub(*s.StartedAt).Seconds())
	}
	return data
}

func (o *Orchestrator) publish(convID, event string, data any) {
	if o.bus == nil || convID == "" {
		return
	}
	o.bus.Publish(convID, nil, presence.Frame{Event: event, Data: data})
}

func (o *Orchestrator) armTimer(sessionID string, d time.Duration, fire func(ctx context.Context)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[sessionID]; ok {
		t.Stop()
	}
	o.timers[sessionID] = time.AfterFunc(d, func() {
		o.mu.Lock()
		delete(o.timers, sessionID)
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fire(ctx)
	})
}

func (o *Orchestrator) stopTimer(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[sessionID]; ok {
		t.Stop()
		delete(o.timers, sessionID)
	}
}

// Close stops every pending timer. The sweeper picks their work up after a restart.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
}

// Run sweeps timeouts until ctx is cancelled. Timers cover the live path; the
// sweeper catches whatever a restart or a lost timer left behind.
func (o *Orchestrator) Run(ctx context.Context) error {
	t := time.NewTicker(o.opts.SweepInterval)
	defer t.Stop()
	defer o.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
				o.log.Error("session sweep failed", "err", err)
			}
		}
	}
}

const sweepBatch = 100

// Sweep expires stale proposals, unanswered calls and stalled negotiations.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	now := o.now()
	var errs []error

	expired, err := o.store.Matches.ListExpiredPending(ctx, now.Add(-o.opts.ProposalTTL), sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list expired matches: %w", err))
	}
	for i := range expired {
		if err := o.expireMatch(ctx, &expired[i]); err != nil && !errors.Is(err, svcErr.ErrStale) {
			errs = append(errs, err)
		}
	}

	ringing, err := o.store.Sessions.ListRinging(ctx, now.Add(-o.opts.CallRing), sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list ringing sessions: %w", err))
	}
	for i := range ringing {
		o.ringTimeout(ctx, ringing[i].ID)
	}

	stalled, err := o.store.Sessions.ListUnnegotiated(ctx, now.Add(-o.opts.NegotiationTTL), sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unnegotiated sessions: %w", err))
	}
	for i := range stalled {
		o.negotiationTimeout(ctx, stalled[i].ID)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) expireMatch(ctx context.Context, m *db.Match) error {
	return o.withPair(ctx, m.User1ID, m.User2ID, func() error {
		if _, err := o.store.Matches.TransitionMatch(ctx, m.ID, db.MatchPending, db.MatchExpired); err != nil {
			return err
		}
		o.log.Info("match expired", "match_id", m.ID)
		if s, err := o.store.Sessions.GetByMatch(ctx, m.ID); err == nil && s.State == db.SessionProposed {
			if _, err := o.finish(ctx, s, db.SessionEnded, db.EndedByTimeout, ReasonExpired, false, false); err != nil {
				o.log.Warn("proposed session not closed", "session_id", s.ID, "err", err)
			}
		}
		if _, err := o.store.Notifications.MarkMatchActionTaken(ctx, m.ID); err != nil {
			o.log.Warn("match notification not updated", "match_id", m.ID, "err", err)
		}
		return nil
	})
}

func (o *Orchestrator) ringTimeout(ctx context.Context, sessionID string) {
	s, err := o.store.Sessions.Get(ctx, sessionID)
	if err != nil || s.State != db.SessionProposed {
		return
	}
	err = o.withPair(ctx, s.User1ID, s.User2ID, func() error {
		_, err := o.finish(ctx, s, db.SessionEnded, db.EndedByTimeout, ReasonNoAnswer, true, false)
		return err
	})
	if err != nil && !errors.Is(err, svcErr.ErrStale) {
		o.log.Warn("ring timeout failed", "session_id", sessionID, "err", err)
	}
}

func (o *Orchestrator) negotiationTimeout(ctx context.Context, sessionID string) {
	s, err := o.store.Sessions.Get(ctx, sessionID)
	if err != nil || s.State != db.SessionAccepted {
		return
	}
	err = o.withPair(ctx, s.User1ID, s.User2ID, func() error {
		_, err := o.finish(ctx, s, db.SessionEnded, db.EndedByTimeout, ReasonNegotiationTimeout, true, false)
		return err
	})
	if err != nil && !errors.Is(err, svcErr.ErrStale) {
		o.log.Warn("negotiation timeout failed", "session_id", sessionID, "err", err)
	}
}
