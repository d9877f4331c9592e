package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/repository"
)

// UnmatchResult summarises what an unmatch touched.
type UnmatchResult struct {
	ConnectionsRemoved int64
	MatchesDeclined    int
	SessionsEnded      int
	MessagesCleared    int64
}

// Unmatch dissolves everything between userID and otherID.
//
// Behavior:
//   - The connection is removed.
//   - PENDING and ACCEPTED matches of the pair move to DECLINED.
//   - Open sessions end with reason unmatched.
//   - With clearMessages the room's messages are deleted.
//   - An UNMATCH activity event is appended for userID.
//
// Unmatching twice leaves the store as the first call left it (plus one more activity row).
func (o *Orchestrator) Unmatch(ctx context.Context, userID, otherID string, clearMessages bool) (*UnmatchResult, error) {
	if userID == otherID {
		return nil, fmt.Errorf("%w: cannot unmatch yourself", svcErr.ErrInvalidArgument)
	}
	res := &UnmatchResult{}
	err := o.withPair(ctx, userID, otherID, func() error {
		n, err := o.store.Connections.DeletePair(ctx, userID, otherID)
		if err != nil {
			return err
		}
		res.ConnectionsRemoved = n

		matches, err := o.store.Matches.ListForPair(ctx, userID, otherID, db.MatchPending, db.MatchAccepted)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if _, err := o.store.Matches.TransitionMatch(ctx, m.ID, m.Status, db.MatchDeclined); err != nil {
				return err
			}
			res.MatchesDeclined++
		}

		open, err := o.store.Sessions.ListOpenBetween(ctx, userID, otherID)
		if err != nil {
			return err
		}
		for i := range open {
			if _, err := o.finish(ctx, &open[i], db.SessionEnded, userID, ReasonUnmatched, true, false); err != nil {
				return err
			}
			res.SessionsEnded++
		}

		if clearMessages {
			n, err := o.store.Chat.ClearMessages(ctx, repository.RoomIDFor(userID, otherID), "")
			if err != nil {
				return err
			}
			res.MessagesCleared = n
		}
		return o.store.Activity.Append(ctx, db.ActivityEvent{
			UserID: userID,
			Kind:   db.ActivityUnmatch,
			PeerID: otherID,
		})
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("unmatched", "user_id", userID, "other_id", otherID,
		"matches", res.MatchesDeclined, "sessions", res.SessionsEnded, "messages", res.MessagesCleared)
	return res, nil
}

// RemoveConnection resolves a connection id to its pair and unmatches it.
func (o *Orchestrator) RemoveConnection(ctx context.Context, userID, connectionID string, clearMessages bool) (*UnmatchResult, error) {
	c, err := o.store.Connections.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	switch userID {
	case c.User1ID:
		return o.Unmatch(ctx, userID, c.User2ID, clearMessages)
	case c.User2ID:
		return o.Unmatch(ctx, userID, c.User1ID, clearMessages)
	}
	return nil, svcErr.ErrNotParticipant
}

// ReportInput describes a report.
type ReportInput struct {
	ReportedUserID string
	Reason         string
	Description    string
	SessionID      *string
}

// ReportUser files a report and ends any open session with the reported user.
func (o *Orchestrator) ReportUser(ctx context.Context, reporterID string, in ReportInput) (*db.Report, error) {
	if in.ReportedUserID == reporterID {
		return nil, fmt.Errorf("%w: cannot report yourself", svcErr.ErrInvalidArgument)
	}
	if len(strings.TrimSpace(in.Description)) < 10 {
		return nil, fmt.Errorf("%w: description must be at least 10 characters", svcErr.ErrInvalidArgument)
	}
	if _, err := o.store.Users.Get(ctx, in.ReportedUserID); err != nil {
		return nil, err
	}
	if in.SessionID != nil {
		s, err := o.Get(ctx, *in.SessionID, reporterID)
		if err != nil {
			return nil, err
		}
		if !s.Has(in.ReportedUserID) {
			return nil, fmt.Errorf("%w: reported user is not in that session", svcErr.ErrInvalidArgument)
		}
	}

	rep := &db.Report{
		ReporterID:     reporterID,
		ReportedUserID: in.ReportedUserID,
		Reason:         in.Reason,
		Description:    strings.TrimSpace(in.Description),
		SessionID:      in.SessionID,
	}
	if err := o.store.Reports.CreateReport(ctx, rep); err != nil {
		return nil, err
	}
	o.log.Info("user reported", "report_id", rep.ID, "reporter", reporterID, "reported", in.ReportedUserID, "reason", in.Reason)

	err := o.withPair(ctx, reporterID, in.ReportedUserID, func() error {
		open, err := o.store.Sessions.ListOpenBetween(ctx, reporterID, in.ReportedUserID)
		if err != nil {
			return err
		}
		for i := range open {
			if _, err := o.finish(ctx, &open[i], db.SessionEnded, reporterID, ReasonReported, true, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.log.Warn("session not closed after report", "report_id", rep.ID, "err", err)
	}
	return rep, nil
}
