package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/repository"
)

// Call responses accepted by CallResponse.
const (
	ResponseAccept  = "accept"
	ResponseDecline = "decline"
	ResponseIgnore  = "ignore"
)

// StartDirectCall rings calleeID from inside their chat room.
//
// Behavior:
//   - The session is created PROPOSED; either side holding an active session
//     fails the call with ErrActiveSession.
//   - A call already ringing from the same caller is returned instead of a new one.
//   - The callee gets CALL_REQUEST and the room gets call-request.
//   - Unanswered after the ring timeout, the session ends with endedBy=TIMEOUT.
func (o *Orchestrator) StartDirectCall(ctx context.Context, callerID, calleeID, kind string) (*db.Session, error) {
	if kind != db.KindVideo && kind != db.KindVoice {
		return nil, fmt.Errorf("%w: kind must be VIDEO or VOICE", svcErr.ErrInvalidArgument)
	}
	if callerID == calleeID {
		return nil, fmt.Errorf("%w: cannot call yourself", svcErr.ErrInvalidArgument)
	}
	if _, err := o.store.Users.Get(ctx, calleeID); err != nil {
		return nil, err
	}

	var (
		s     *db.Session
		fresh bool
	)
	err := o.withPair(ctx, callerID, calleeID, func() error {
		open, err := o.store.Sessions.ListOpenBetween(ctx, callerID, calleeID)
		if err != nil {
			return err
		}
		for i := range open {
			if open[i].State == db.SessionProposed && open[i].MatchID == nil && open[i].CallerID == callerID {
				s = &open[i]
				return nil
			}
		}
		room, err := o.store.Chat.UpsertChatRoom(ctx, callerID, calleeID)
		if err != nil {
			return err
		}
		s, err = o.store.Sessions.CreateSession(ctx, repository.NewSession{
			CallerID: callerID,
			CalleeID: calleeID,
			Kind:     kind,
			RoomID:   room.ID,
			State:    db.SessionProposed,
		})
		fresh = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if !fresh {
		return s, nil
	}

	o.log.Info("call ringing", "session_id", s.ID, "caller", callerID, "callee", calleeID, "kind", kind)
	o.armTimer(s.ID, o.opts.CallRing, func(ctx context.Context) { o.ringTimeout(ctx, s.ID) })

	data := map[string]any{
		"callId":         s.ID,
		"sessionId":      s.ID,
		"conversationId": s.RoomID,
		"callerId":       callerID,
		"callType":       kind,
		"callerName":     callerID,
	}
	if caller, err := o.store.Users.Get(ctx, callerID); err == nil {
		data["callerName"] = caller.DisplayName
		if caller.ProfilePicture != nil {
			data["callerProfile"] = *caller.ProfilePicture
		}
	}
	if _, err := o.notify.Notify(ctx, calleeID, db.NotifyCallRequest, s.ID, data); err != nil {
		o.log.Warn("call request notification failed", "session_id", s.ID, "err", err)
	}
	o.publish(s.RoomID, "call-request", data)
	return s, nil
}

// CallResponse applies the callee's answer to a ringing session. Sessions that
// came from a match delegate to AcceptMatch/DeclineMatch.
func (o *Orchestrator) CallResponse(ctx context.Context, sessionID, responderID, response string) (*db.Session, error) {
	s, err := o.Get(ctx, sessionID, responderID)
	if err != nil {
		return nil, err
	}
	switch response {
	case ResponseAccept, ResponseDecline, ResponseIgnore:
	default:
		return nil, fmt.Errorf("%w: response must be accept, decline or ignore", svcErr.ErrInvalidArgument)
	}

	if s.MatchID != nil {
		if response == ResponseAccept {
			res, err := o.AcceptMatch(ctx, *s.MatchID, responderID)
			if err != nil {
				return nil, err
			}
			return res.Session, nil
		}
		if err := o.DeclineMatch(ctx, *s.MatchID, responderID); err != nil {
			return nil, err
		}
		return o.store.Sessions.Get(ctx, sessionID)
	}

	if s.CallerID == responderID {
		return nil, fmt.Errorf("%w: the caller cannot answer their own call", svcErr.ErrForbidden)
	}
	if response == ResponseAccept && s.IsActive() {
		return s, nil
	}

	var out *db.Session
	err = o.withPair(ctx, s.User1ID, s.User2ID, func() error {
		if response == ResponseAccept {
			out, err = o.store.Sessions.Transition(ctx, s.ID, db.SessionProposed, db.SessionAccepted,
				map[string]any{"accepted_at": o.now()})
			return err
		}
		reason := ReasonDeclined
		if response == ResponseIgnore {
			reason = ReasonIgnored
		}
		out, err = o.finish(ctx, s, db.SessionEnded, responderID, reason, false, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"callId":         out.ID,
		"sessionId":      out.ID,
		"conversationId": out.RoomID,
		"responderId":    responderID,
		"response":       response,
	}
	typ := db.NotifyCallDeclined
	if response == ResponseAccept {
		typ = db.NotifyCallAccepted
		o.stopTimer(out.ID)
		o.armTimer(out.ID, o.opts.NegotiationTTL, func(ctx context.Context) { o.negotiationTimeout(ctx, out.ID) })
	}
	o.log.Info("call answered", "session_id", out.ID, "response", response)
	if _, err := o.notify.Notify(ctx, out.CallerID, typ, out.ID, data); err != nil {
		o.log.Warn("call response notification failed", "session_id", out.ID, "err", err)
	}
	o.publish(out.RoomID, "call-response", data)
	return out, nil
}

// MarkLive records that media negotiation finished (the callee answered the offer).
// A session that is already LIVE is returned unchanged.
func (o *Orchestrator) MarkLive(ctx context.Context, sessionID, userID string) (*db.Session, error) {
	s, err := o.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if s.State == db.SessionLive {
		return s, nil
	}
	var out *db.Session
	err = o.withPair(ctx, s.User1ID, s.User2ID, func() error {
		out, err = o.store.Sessions.Transition(ctx, s.ID, db.SessionAccepted, db.SessionLive,
			map[string]any{"started_at": o.now()})
		return err
	})
	if err != nil {
		if errors.Is(err, svcErr.ErrStale) {
			// the other side's answer may have won the race
			if cur, gerr := o.store.Sessions.Get(ctx, sessionID); gerr == nil && cur.State == db.SessionLive {
				return cur, nil
			}
		}
		return nil, err
	}
	o.stopTimer(out.ID)
	o.log.Info("session live", "session_id", out.ID)
	if err := o.store.Activity.Append(ctx,
		db.ActivityEvent{UserID: out.User1ID, Kind: db.ActivityCallStarted, PeerID: out.User2ID, RefID: out.ID},
		db.ActivityEvent{UserID: out.User2ID, Kind: db.ActivityCallStarted, PeerID: out.User1ID, RefID: out.ID},
	); err != nil {
		o.log.Warn("activity append failed", "session_id", out.ID, "err", err)
	}
	return out, nil
}

// EndSession ends the session on behalf of userID. Ending a terminal session
// is a no-op that returns it unchanged. A proposed session that came from a
// match declines that match.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID, userID string, autoRequeue bool) (*db.Session, error) {
	s, err := o.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if s.IsTerminal() {
		return s, nil
	}
	if s.State == db.SessionProposed && s.MatchID != nil {
		if err := o.DeclineMatch(ctx, *s.MatchID, userID); err != nil && !errors.Is(err, svcErr.ErrStale) {
			return nil, err
		}
		return o.store.Sessions.Get(ctx, sessionID)
	}

	reason := ReasonEnded
	if s.State == db.SessionProposed {
		reason = ReasonCancelled
	}
	var out *db.Session
	err = o.withPair(ctx, s.User1ID, s.User2ID, func() error {
		cur, err := o.store.Sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		out, err = o.finish(ctx, cur, db.SessionEnded, userID, reason, true, autoRequeue)
		return err
	})
	return out, err
}

// SkipMatch closes the session as SKIPPED. Both participants get CALL_ENDED
// with reason skipped and the re-queue hooks run. A pending match behind a
// proposed session is declined so the pair cools down.
func (o *Orchestrator) SkipMatch(ctx context.Context, sessionID, userID string) (*db.Session, error) {
	s, err := o.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if s.IsTerminal() {
		return s, nil
	}

	var out *db.Session
	err = o.withPair(ctx, s.User1ID, s.User2ID, func() error {
		cur, err := o.store.Sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if cur.State == db.SessionProposed && cur.MatchID != nil {
			_, err := o.store.Matches.TransitionMatch(ctx, *cur.MatchID, db.MatchPending, db.MatchDeclined)
			if err != nil && !errors.Is(err, svcErr.ErrStale) {
				return err
			}
		}
		out, err = o.finish(ctx, cur, db.SessionSkipped, userID, ReasonSkipped, true, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("session skipped", "session_id", sessionID, "user_id", userID)
	return out, nil
}
