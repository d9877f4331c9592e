// Package requeue puts users back into the waiting queue after a skip or an
// end that asked for it.
package requeue

import (
	"context"
	"log/slog"

	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/queue"
)

// Queue is the part of the waiting queue the controller drives. Implemented by queue.Queue.
type Queue interface {
	Enqueue(ctx context.Context, userID string, prefs db.QueuePreferences) (queue.Status, error)
	LastPreferences(userID string) (db.QueuePreferences, bool)
	OptedOut(userID string) bool
	IsWaiting(userID string) bool
}

// Controller re-enqueues the participants of closed sessions.
type Controller struct {
	log   *slog.Logger
	queue Queue
}

func New(log *slog.Logger, q Queue) *Controller {
	return &Controller{log: log.With("component", "requeue"), queue: q}
}

// OnTerminal matches session.TerminalFunc. It requeues when the session was
// skipped, ended with reason skipped or the caller asked for it.
func (c *Controller) OnTerminal(ctx context.Context, s *db.Session, autoRequeue bool) {
	skipped := s.State == db.SessionSkipped || (s.EndReason != nil && *s.EndReason == "skipped")
	if !skipped && !autoRequeue {
		return
	}
	c.Requeue(ctx, s.User1ID, s.User2ID)
}

// Requeue enqueues each user with their last-used preferences and a fresh
// enqueuedAt. Users who left the queue explicitly, are already waiting or
// never queued are skipped. It returns the users that went back in.
func (c *Controller) Requeue(ctx context.Context, userIDs ...string) []string {
	var back []string
	for _, uid := range userIDs {
		if c.queue.OptedOut(uid) || c.queue.IsWaiting(uid) {
			continue
		}
		prefs, ok := c.queue.LastPreferences(uid)
		if !ok {
			continue
		}
		if _, err := c.queue.Enqueue(ctx, uid, prefs); err != nil {
			c.log.Warn("requeue failed", "user_id", uid, "err", err)
			continue
		}
		back = append(back, uid)
	}
	if len(back) > 0 {
		c.log.Info("users requeued", "users", back)
	}
	return back
}
