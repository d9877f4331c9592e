package notify

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"gorm.io/gorm"

	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/presence"
)

// Push events on the signaling channel.
const (
	EventMatchFound    = "match:found"
	EventMatchAccepted = "match:accepted"
	EventCallIncoming  = "call:incoming"
	EventCallResponse  = "call:response"
	EventCallEnded     = "call:ended"
)

// Store is the durable side. Implemented by repository.NotificationRepository.
type Store interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
}

// Pusher delivers frames to a user's live connections. Implemented by presence.Registry.
type Pusher interface {
	FanoutToUser(userID string, f presence.Frame) int
}

// Notifier writes notifications through to the store and then pushes them to
// online recipients. Push failures never surface; the pull API reconciles.
type Notifier struct {
	log     *slog.Logger
	store   Store
	push    Pusher
	retries int
	base    time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(log *slog.Logger, store Store, push Pusher) *Notifier {
	return &Notifier{
		log:     log.With("component", "notify"),
		store:   store,
		push:    push,
		retries: 3,
		base:    50 * time.Millisecond,
		sleep:   sleepCtx,
	}
}

// Result reports what happened to one notification.
type Result struct {
	Stored    bool
	Duplicate bool
	Delivered int
}

// Notify stores a notification for recipient and pushes it.
//
// Behavior:
//   - Store errors are retried up to three times with jittered backoff.
//   - A duplicate (recipient, type, ref) means the event was already produced:
//     nothing is pushed and no error is returned.
//   - The push only happens after the row is committed.
func (n *Notifier) Notify(ctx context.Context, recipient, typ, refID string, data map[string]any) (Result, error) {
	row := &db.Notification{
		RecipientID: recipient,
		Type:        typ,
		RefID:       refID,
		Data:        data,
	}

	var err error
	for attempt := 0; ; attempt++ {
		row.ID = ""
		err = n.store.CreateNotification(ctx, row)
		if err == nil || errors.Is(err, gorm.ErrDuplicatedKey) || attempt >= n.retries {
			break
		}
		n.log.Warn("notification write failed, retrying",
			"type", typ, "recipient", recipient, "attempt", attempt+1, "err", err)
		if serr := n.sleep(ctx, n.backoff(attempt)); serr != nil {
			return Result{}, serr
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		n.log.Debug("notification already produced", "type", typ, "recipient", recipient, "ref", refID)
		return Result{Duplicate: true}, nil
	}
	if err != nil {
		n.log.Error("notification dropped", "type", typ, "recipient", recipient, "ref", refID, "err", err)
		return Result{}, err
	}

	res := Result{Stored: true}
	if ev := EventFor(typ); ev != "" {
		res.Delivered = n.Push(recipient, ev, pushPayload(row))
	}
	return res, nil
}

// Push sends a frame without storing anything. Returns the connections reached.
func (n *Notifier) Push(userID, event string, data any) int {
	if n.push == nil {
		return 0
	}
	return n.push.FanoutToUser(userID, presence.Frame{Event: event, Data: data})
}

// EventFor maps a notification type to its push event.
func EventFor(typ string) string {
	switch typ {
	case db.NotifyNewMatch:
		return EventMatchFound
	case db.NotifyCallRequest:
		return EventCallIncoming
	case db.NotifyCallAccepted, db.NotifyCallDeclined:
		return EventCallResponse
	case db.NotifyCallEnded:
		return EventCallEnded
	}
	return ""
}

func pushPayload(n *db.Notification) map[string]any {
	out := make(map[string]any, len(n.Data)+2)
	for k, v := range n.Data {
		out[k] = v
	}
	out["notificationId"] = n.ID
	out["type"] = n.Type
	return out
}

func (n *Notifier) backoff(attempt int) time.Duration {
	d := n.base << attempt
	return d + time.Duration(rand.Int64N(int64(n.base)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
