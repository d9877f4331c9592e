package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/notify"
	"github.com/oggyb/matchcore/internal/repository"
)

// AcceptResult is what acceptMatch and createMatchFromSuggestion return.
type AcceptResult struct {
	Match   *db.Match
	Session *db.Session
	RoomID  string
}

// AcceptMatch records userID's acceptance of a proposed match.
//
// Behavior:
//   - Acceptance is bilateral. The first accept opens the session in PROPOSED
//     and both accepts return the same session id and room id.
//   - The second accept moves the match to ACCEPTED and the session to ACCEPTED
//     in one transaction that also creates the chat room and the connection.
//   - Accepting again after that returns the same result.
//   - DECLINED or EXPIRED matches fail with ErrStale.
func (o *Orchestrator) AcceptMatch(ctx context.Context, matchID, userID string) (*AcceptResult, error) {
	m, err := o.store.Matches.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.Has(userID) {
		return nil, svcErr.ErrNotParticipant
	}

	var (
		res       *AcceptResult
		completed bool
	)
	err = o.withPair(ctx, m.User1ID, m.User2ID, func() error {
		cur, err := o.store.Matches.Get(ctx, matchID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case db.MatchAccepted:
			res, err = o.acceptedResult(ctx, cur)
			return err
		case db.MatchDeclined, db.MatchExpired:
			return fmt.Errorf("%w: match %s is %s", svcErr.ErrStale, matchID, cur.Status)
		}

		cur, err = o.store.Matches.MarkAccepted(ctx, cur, userID)
		if err != nil {
			return err
		}
		s, err := o.store.Sessions.GetByMatch(ctx, cur.ID)
		if errors.Is(err, svcErr.ErrNotFound) {
			s, err = o.store.Sessions.CreateSession(ctx, repository.NewSession{
				MatchID:  &cur.ID,
				CallerID: userID,
				CalleeID: cur.Other(userID),
				Kind:     db.KindVideo,
				RoomID:   repository.RoomIDFor(cur.User1ID, cur.User2ID),
				State:    db.SessionProposed,
			})
		}
		if err != nil {
			return err
		}

		if !(cur.User1Accepted && cur.User2Accepted) {
			res = &AcceptResult{Match: cur, Session: s, RoomID: s.RoomID}
			return nil
		}
		res, err = o.completeMatch(ctx, cur, s)
		completed = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}

	o.log.Info("match accepted", "match_id", matchID, "user_id", userID, "complete", completed)
	if completed {
		o.announceAccepted(ctx, res)
	}
	return res, nil
}

// completeMatch commits the bilateral accept. Either everything lands or nothing does.
func (o *Orchestrator) completeMatch(ctx context.Context, m *db.Match, s *db.Session) (*AcceptResult, error) {
	res := &AcceptResult{}
	err := o.store.Tx(ctx, func(tx *repository.Store) error {
		var err error
		switch s.State {
		case db.SessionProposed:
			s, err = tx.Sessions.Transition(ctx, s.ID, db.SessionProposed, db.SessionAccepted,
				map[string]any{"accepted_at": o.now()})
		case db.SessionAccepted, db.SessionLive:
		default:
			err = fmt.Errorf("%w: session %s is %s", svcErr.ErrStale, s.ID, s.State)
		}
		if err != nil {
			return err
		}
		if m.Status != db.MatchAccepted {
			if m, err = tx.Matches.TransitionMatch(ctx, m.ID, db.MatchPending, db.MatchAccepted); err != nil {
				return err
			}
		}
		room, err := tx.Chat.UpsertChatRoom(ctx, m.User1ID, m.User2ID)
		if err != nil {
			return err
		}
		if err := tx.Connections.Ensure(ctx, m.User1ID, m.User2ID, &m.ID); err != nil {
			return err
		}
		if err := tx.Activity.Append(ctx,
			db.ActivityEvent{UserID: m.User1ID, Kind: db.ActivityMatchAccepted, PeerID: m.User2ID, RefID: m.ID},
			db.ActivityEvent{UserID: m.User2ID, Kind: db.ActivityMatchAccepted, PeerID: m.User1ID, RefID: m.ID},
		); err != nil {
			return err
		}
		res.Match, res.Session, res.RoomID = m, s, room.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.armTimer(res.Session.ID, o.opts.NegotiationTTL, func(ctx context.Context) {
		o.negotiationTimeout(ctx, res.Session.ID)
	})
	return res, nil
}

// announceAccepted stamps the session and room on both NEW_MATCH notifications
// and pushes the patched data as match:accepted. match:found went out once, at proposal.
func (o *Orchestrator) announceAccepted(ctx context.Context, res *AcceptResult) {
	patch := map[string]any{
		"sessionId":        res.Session.ID,
		"roomId":           res.RoomID,
		"matchActionTaken": true,
	}
	if _, err := o.store.Notifications.MergeData(ctx, db.NotifyNewMatch, res.Match.ID, patch); err != nil {
		o.log.Warn("new match notification not updated", "match_id", res.Match.ID, "err", err)
	}
	for _, uid := range []string{res.Match.User1ID, res.Match.User2ID} {
		n, err := o.store.Notifications.Get(ctx, db.NotifyNewMatch, res.Match.ID, uid)
		if err != nil {
			continue
		}
		o.notify.Push(uid, notify.EventMatchAccepted, n.Data)
	}
}

func (o *Orchestrator) acceptedResult(ctx context.Context, m *db.Match) (*AcceptResult, error) {
	s, err := o.store.Sessions.GetByMatch(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return &AcceptResult{Match: m, Session: s, RoomID: s.RoomID}, nil
}

// DeclineMatch rejects a match. The other user gets CALL_DECLINED.
//
// Behavior:
//   - A PENDING match moves to DECLINED and its PROPOSED session ends; no chat room is created.
//   - An ACCEPTED match is retracted: it moves to DECLINED, its open session ends
//     and the pair's connection is removed. The chat room and its messages stay.
//   - Either way the pair falls under the decline cooldown.
//   - Declining a declined match is a no-op; an EXPIRED match fails with ErrStale.
func (o *Orchestrator) DeclineMatch(ctx context.Context, matchID, userID string) error {
	m, err := o.store.Matches.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.Has(userID) {
		return svcErr.ErrNotParticipant
	}
	if m.Status == db.MatchDeclined {
		return nil
	}

	var (
		sessionID string
		declined  bool
		retracted bool
	)
	err = o.withPair(ctx, m.User1ID, m.User2ID, func() error {
		cur, err := o.store.Matches.Get(ctx, matchID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case db.MatchDeclined:
			return nil
		case db.MatchExpired:
			return fmt.Errorf("%w: match %s is %s", svcErr.ErrStale, matchID, cur.Status)
		}
		if _, err := o.store.Matches.TransitionMatch(ctx, matchID, cur.Status, db.MatchDeclined); err != nil {
			return err
		}
		declined, retracted = true, cur.Status == db.MatchAccepted

		if s, err := o.store.Sessions.GetByMatch(ctx, matchID); err == nil {
			sessionID = s.ID
			if !s.IsTerminal() {
				// CALL_ENDED only once a call could have started
				withEnded := s.State != db.SessionProposed
				if _, err := o.finish(ctx, s, db.SessionEnded, userID, ReasonDeclined, withEnded, false); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, svcErr.ErrNotFound) {
			return err
		}
		if retracted {
			if _, err := o.store.Connections.DeletePair(ctx, cur.User1ID, cur.User2ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !declined {
		return nil
	}

	o.log.Info("match declined", "match_id", matchID, "user_id", userID, "retracted", retracted)
	if _, err := o.store.Notifications.MarkMatchActionTaken(ctx, matchID); err != nil {
		o.log.Warn("new match notification not updated", "match_id", matchID, "err", err)
	}
	if err := o.store.Activity.Append(ctx,
		db.ActivityEvent{UserID: userID, Kind: db.ActivityMatchDeclined, PeerID: m.Other(userID), RefID: matchID},
	); err != nil {
		o.log.Warn("activity append failed", "match_id", matchID, "err", err)
	}
	data := map[string]any{"matchId": matchID, "declinedBy": userID, "response": "decline"}
	if sessionID != "" {
		data["sessionId"] = sessionID
	}
	if _, err := o.notify.Notify(ctx, m.Other(userID), db.NotifyCallDeclined, matchID, data); err != nil {
		o.log.Warn("decline notification failed", "match_id", matchID, "err", err)
	}
	return nil
}

// CreateMatchFromSuggestion is the one-sided shortcut: the match is ACCEPTED
// at once and an ACCEPTED session is opened. A pending proposal for the pair is
// accepted instead of creating a second match; an accepted match with an open
// session is returned as is.
func (o *Orchestrator) CreateMatchFromSuggestion(ctx context.Context, userID, otherID string) (*AcceptResult, error) {
	if userID == otherID {
		return nil, fmt.Errorf("%w: cannot match yourself", svcErr.ErrInvalidArgument)
	}
	if _, err := o.store.Users.Get(ctx, otherID); err != nil {
		return nil, err
	}

	var (
		res         *AcceptResult
		fresh       bool
		fromPending bool
	)
	err := o.withPair(ctx, userID, otherID, func() error {
		existing, err := o.store.Matches.ListForPair(ctx, userID, otherID, db.MatchPending, db.MatchAccepted)
		if err != nil {
			return err
		}
		for i := len(existing) - 1; i >= 0; i-- {
			m := &existing[i]
			s, err := o.store.Sessions.GetByMatch(ctx, m.ID)
			if err != nil && !errors.Is(err, svcErr.ErrNotFound) {
				return err
			}
			if m.Status == db.MatchAccepted {
				if s != nil && !s.IsTerminal() {
					res = &AcceptResult{Match: m, Session: s, RoomID: s.RoomID}
					return nil
				}
				continue
			}
			if s == nil {
				if s, err = o.store.Sessions.CreateSession(ctx, repository.NewSession{
					MatchID:  &m.ID,
					CallerID: userID,
					CalleeID: otherID,
					Kind:     db.KindVideo,
					RoomID:   repository.RoomIDFor(userID, otherID),
					State:    db.SessionProposed,
				}); err != nil {
					return err
				}
			}
			res, err = o.completeMatch(ctx, m, s)
			fresh, fromPending = err == nil, err == nil
			return err
		}

		return o.store.Tx(ctx, func(tx *repository.Store) error {
			m, err := tx.Matches.CreateMatch(ctx, userID, otherID, 1, db.MatchAccepted)
			if err != nil {
				return err
			}
			room, err := tx.Chat.UpsertChatRoom(ctx, userID, otherID)
			if err != nil {
				return err
			}
			s, err := tx.Sessions.CreateSession(ctx, repository.NewSession{
				MatchID:  &m.ID,
				CallerID: userID,
				CalleeID: otherID,
				Kind:     db.KindVideo,
				RoomID:   room.ID,
				State:    db.SessionAccepted,
			})
			if err != nil {
				return err
			}
			if err := tx.Connections.Ensure(ctx, userID, otherID, &m.ID); err != nil {
				return err
			}
			if err := tx.Activity.Append(ctx,
				db.ActivityEvent{UserID: userID, Kind: db.ActivityMatchAccepted, PeerID: otherID, RefID: m.ID},
				db.ActivityEvent{UserID: otherID, Kind: db.ActivityMatchAccepted, PeerID: userID, RefID: m.ID},
			); err != nil {
				return err
			}
			res, fresh = &AcceptResult{Match: m, Session: s, RoomID: room.ID}, true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if !fresh {
		return res, nil
	}
	o.log.Info("match created from suggestion", "match_id", res.Match.ID, "user_id", userID, "other_id", otherID)
	if fromPending {
		o.announceAccepted(ctx, res)
		return res, nil
	}

	o.armTimer(res.Session.ID, o.opts.NegotiationTTL, func(ctx context.Context) {
		o.negotiationTimeout(ctx, res.Session.ID)
	})

	me, _ := o.store.Users.Get(ctx, userID)
	data := map[string]any{
		"matchId":          res.Match.ID,
		"partnerId":        userID,
		"partnerName":      userID,
		"matchScore":       res.Match.TotalScore,
		"sessionId":        res.Session.ID,
		"roomId":           res.RoomID,
		"matchActionTaken": false,
	}
	if me != nil {
		data["partnerName"] = me.DisplayName
		if me.ProfilePicture != nil {
			data["partnerProfilePicture"] = *me.ProfilePicture
		}
	}
	if _, err := o.notify.Notify(ctx, otherID, db.NotifyNewMatch, res.Match.ID, data); err != nil {
		o.log.Warn("new match notification failed", "match_id", res.Match.ID, "err", err)
	}
	return res, nil
}
