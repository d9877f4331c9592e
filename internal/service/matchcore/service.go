package matchcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/oggyb/matchcore/internal/app"
	"github.com/oggyb/matchcore/internal/auth"
	"github.com/oggyb/matchcore/internal/chat"
	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/logger"
	"github.com/oggyb/matchcore/internal/queue"
	"github.com/oggyb/matchcore/internal/repository"
	"github.com/oggyb/matchcore/internal/session"
	"github.com/oggyb/matchcore/internal/utils/pagination"
)

const (
	notificationsDefaultLimit = 20
	notificationsMaxLimit     = 50
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Service implements the MatchCore API.
// It is a thin layer: identity comes from the context, validation from the
// request tags, and every state change is delegated to the queue, the
// orchestrator or the chat service.
type Service struct {
	appCtx *app.AppContext
	store  *repository.Store
	queue  *queue.Queue
	orch   *session.Orchestrator
	chat   *chat.Service
}

// NewMatchcoreService wires the API on top of the runtime components.
func NewMatchcoreService(appCtx *app.AppContext, store *repository.Store, q *queue.Queue, orch *session.Orchestrator, c *chat.Service) *Service {
	return &Service{appCtx: appCtx, store: store, queue: q, orch: orch, chat: c}
}

// log returns the request-scoped logger set by the transport.
func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, s.appCtx.Logger)
}

// caller returns the authenticated user and validates req.
func (s *Service) caller(ctx context.Context, req any) (string, error) {
	userID, err := auth.UserID(ctx)
	if err != nil {
		return "", svcErr.Map(err)
	}
	if req == nil {
		return userID, nil
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			_, field, _ := strings.Cut(fe.Namespace(), ".")
			return "", svcErr.InvalidArgument(fmt.Sprintf("%s failed on %s", field, fe.Tag()))
		}
		return "", svcErr.InvalidArgument(err.Error())
	}
	return userID, nil
}

// JoinQueue enqueues the caller with the given preferences.
//
// Behavior:
//   - The caller must be photo-verified.
//   - Joining again replaces the previous WAITING entry.
func (s *Service) JoinQueue(ctx context.Context, req *JoinQueueRequest) (*QueueStatusResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	s.log(ctx).Debug("JoinQueue called", "user_id", userID)

	st, err := s.queue.Enqueue(ctx, userID, req.Preferences)
	if err != nil {
		s.log(ctx).Warn("Enqueue failed", "user_id", userID, "err", err)
		return nil, svcErr.Map(err)
	}
	return statusView(st), nil
}

func (s *Service) LeaveQueue(ctx context.Context, _ *Empty) (*OKResponse, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Leave(ctx, userID); err != nil {
		return nil, svcErr.Map(err)
	}
	return &OKResponse{OK: true}, nil
}

func (s *Service) GetQueueStatus(ctx context.Context, _ *Empty) (*QueueStatusResponse, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	st, err := s.queue.Status(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return statusView(st), nil
}

func statusView(st queue.Status) *QueueStatusResponse {
	out := &QueueStatusResponse{State: st.State}
	if st.State == db.QueueWaiting {
		pos := st.Position
		out.Position = &pos
		if st.EstimatedWaitSeconds > 0 {
			wait := st.EstimatedWaitSeconds
			out.EstimatedWaitTime = &wait
		}
	}
	return out
}

// GetPendingMatches lists the caller's PENDING matches, oldest first.
func (s *Service) GetPendingMatches(ctx context.Context, _ *Empty) (*PendingMatchesResponse, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Matches.ListPendingFor(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	resp := &PendingMatchesResponse{Matches: make([]MatchView, 0, len(rows))}
	for i := range rows {
		resp.Matches = append(resp.Matches, matchView(&rows[i], userID))
	}
	return resp, nil
}

// AcceptMatch records the caller's acceptance. Both accepts return the same
// session and chat room id; the session stays PROPOSED until the second one.
func (s *Service) AcceptMatch(ctx context.Context, req *MatchRequest) (*AcceptMatchResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	s.log(ctx).Debug("AcceptMatch called", "user_id", userID, "match_id", req.MatchID)

	res, err := s.orch.AcceptMatch(ctx, req.MatchID, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	resp := acceptView(res)
	s.log(ctx).Debug("AcceptMatch result", "match_id", resp.MatchID, "status", resp.Status, "room_id", resp.ChatRoomID)
	return resp, nil
}

func (s *Service) DeclineMatch(ctx context.Context, req *MatchRequest) (*OKResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.orch.DeclineMatch(ctx, req.MatchID, userID); err != nil {
		return nil, svcErr.Map(err)
	}
	return &OKResponse{OK: true}, nil
}

// CreateMatchFromSuggestion pairs the caller with otherUserId without the
// queue: the match starts ACCEPTED and its session is opened right away.
func (s *Service) CreateMatchFromSuggestion(ctx context.Context, req *SuggestionRequest) (*AcceptMatchResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.CreateMatchFromSuggestion(ctx, userID, req.OtherUserID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return acceptView(res), nil
}

// StartSession rings otherUserId. Kind defaults to VIDEO.
func (s *Service) StartSession(ctx context.Context, req *StartSessionRequest) (*SessionView, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = db.KindVideo
	}
	sess, err := s.orch.StartDirectCall(ctx, userID, req.OtherUserID, kind)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return sessionView(sess), nil
}

func (s *Service) EndSession(ctx context.Context, req *EndSessionRequest) (*OKResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.orch.EndSession(ctx, req.SessionID, userID, req.AutoRequeue); err != nil {
		return nil, svcErr.Map(err)
	}
	return &OKResponse{OK: true}, nil
}

// SkipMatch ends the session as skipped; both participants go back to the queue.
func (s *Service) SkipMatch(ctx context.Context, req *SessionRequest) (*OKResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.orch.SkipMatch(ctx, req.SessionID, userID); err != nil {
		return nil, svcErr.Map(err)
	}
	return &OKResponse{OK: true}, nil
}

func (s *Service) GetActiveSessions(ctx context.Context, _ *Empty) (*SessionsResponse, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	rows, err := s.orch.Active(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	resp := &SessionsResponse{Sessions: make([]SessionView, 0, len(rows))}
	for i := range rows {
		resp.Sessions = append(resp.Sessions, *sessionView(&rows[i]))
	}
	return resp, nil
}

func (s *Service) GetSession(ctx context.Context, req *SessionRequest) (*SessionView, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	sess, err := s.orch.Get(ctx, req.SessionID, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return sessionView(sess), nil
}

// SendMessage posts into the room of a session.
func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*chat.Message, error) {
	if req.SessionID == "" {
		return nil, svcErr.InvalidArgument("sessionId is required")
	}
	return s.send(ctx, req)
}

// SendConversationMessage posts into a chat room by id.
func (s *Service) SendConversationMessage(ctx context.Context, req *SendMessageRequest) (*chat.Message, error) {
	if req.RoomID == "" {
		return nil, svcErr.InvalidArgument("roomId is required")
	}
	return s.send(ctx, req)
}

func (s *Service) send(ctx context.Context, req *SendMessageRequest) (*chat.Message, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	msg, err := s.chat.Send(ctx, userID, chat.SendInput{
		Target:   req.target(),
		Type:     req.Type,
		Content:  req.Content,
		VoiceURL: req.VoiceURL,
		Duration: req.Duration,
	})
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return msg, nil
}

func (s *Service) GetSessionMessages(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	if req.SessionID == "" {
		return nil, svcErr.InvalidArgument("sessionId is required")
	}
	return s.history(ctx, req)
}

func (s *Service) GetConversationMessages(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	if req.RoomID == "" {
		return nil, svcErr.InvalidArgument("roomId is required")
	}
	return s.history(ctx, req)
}

// history pages back from the newest message; each page is oldest first.
func (s *Service) history(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	page, err := pagination.Normalize(req.Limit, req.Offset, deref(req.PageToken), chat.DefaultLimit, chat.MaxLimit)
	if err != nil {
		return nil, svcErr.InvalidArgument(err.Error())
	}
	msgs, err := s.chat.History(ctx, userID, req.target(), page.Limit, page.Offset)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return &MessagesResponse{Messages: msgs, NextPageToken: page.Next(len(msgs))}, nil
}

func (s *Service) MarkSessionAsRead(ctx context.Context, req *ConversationRef) (*CountResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	n, err := s.chat.MarkRead(ctx, userID, req.target())
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return &CountResponse{Count: n}, nil
}

func (s *Service) MarkNotificationAsRead(ctx context.Context, req *NotificationRequest) (*OKResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.Notifications.MarkNotificationRead(ctx, req.NotificationID, userID); err != nil {
		return nil, svcErr.Map(err)
	}
	return &OKResponse{OK: true}, nil
}

// ClearMessages deletes the caller's messages, or the whole conversation with all.
func (s *Service) ClearMessages(ctx context.Context, req *ClearMessagesRequest) (*CountResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	n, err := s.chat.Clear(ctx, userID, req.target(), req.All)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return &CountResponse{Count: n}, nil
}

// GetNotifications returns the caller's notifications, newest first, with the unread count.
func (s *Service) GetNotifications(ctx context.Context, req *NotificationsRequest) (*NotificationsResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	page, err := pagination.Normalize(req.Limit, req.Offset, deref(req.PageToken), notificationsDefaultLimit, notificationsMaxLimit)
	if err != nil {
		return nil, svcErr.InvalidArgument(err.Error())
	}
	rows, err := s.store.Notifications.ListFor(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	unread, err := s.store.Notifications.UnreadCount(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}

	resp := &NotificationsResponse{
		Notifications: make([]NotificationView, 0, len(rows)),
		UnreadCount:   unread,
		NextPageToken: page.Next(len(rows)),
	}
	for _, n := range rows {
		resp.Notifications = append(resp.Notifications, NotificationView{
			ID:        n.ID,
			Type:      n.Type,
			RefID:     n.RefID,
			Data:      n.Data,
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt,
		})
	}
	s.log(ctx).Debug("GetNotifications result", "user_id", userID, "count", len(rows), "unread", unread)
	return resp, nil
}

func (s *Service) DeleteAllNotifications(ctx context.Context, _ *Empty) (*CountResponse, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	n, err := s.store.Notifications.DeleteAllFor(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return &CountResponse{Count: n}, nil
}

func (s *Service) GetUnreadCount(ctx context.Context, _ *Empty) (*CountResponse, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	n, err := s.store.Notifications.UnreadCount(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return &CountResponse{Count: n}, nil
}

// ReportUser files a report and ends any open session with the reported user.
func (s *Service) ReportUser(ctx context.Context, req *ReportUserRequest) (*ReportView, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	rep, err := s.orch.ReportUser(ctx, userID, session.ReportInput{
		ReportedUserID: req.ReportedUserID,
		Reason:         req.Reason,
		Description:    req.Description,
		SessionID:      req.SessionID,
	})
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return &ReportView{
		ID:             rep.ID,
		ReportedUserID: rep.ReportedUserID,
		Reason:         rep.Reason,
		Status:         rep.Status,
		SessionID:      rep.SessionID,
		CreatedAt:      rep.CreatedAt,
	}, nil
}

// Unmatch dissolves the connection with otherUserId and everything hanging off it.
func (s *Service) Unmatch(ctx context.Context, req *UnmatchRequest) (*UnmatchResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.Unmatch(ctx, userID, req.OtherUserID, !req.KeepMessages)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return unmatchView(res), nil
}

func (s *Service) RemoveConnection(ctx context.Context, req *RemoveConnectionRequest) (*UnmatchResponse, error) {
	userID, err := s.caller(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.RemoveConnection(ctx, userID, req.ConnectionID, !req.KeepMessages)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return unmatchView(res), nil
}

func (s *Service) GetConnections(ctx context.Context, _ *Empty) (*ConnectionsResponse, error) {
	userID, err := s.caller(ctx, nil)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Connections.ListFor(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	resp := &ConnectionsResponse{Connections: make([]ConnectionView, 0, len(rows))}
	for _, c := range rows {
		partner := c.User1ID
		if partner == userID {
			partner = c.User2ID
		}
		resp.Connections = append(resp.Connections, ConnectionView{
			ID:        c.ID,
			PartnerID: partner,
			MatchID:   c.MatchID,
			RoomID:    repository.RoomIDFor(c.User1ID, c.User2ID),
			CreatedAt: c.CreatedAt,
		})
	}
	return resp, nil
}

func unmatchView(res *session.UnmatchResult) *UnmatchResponse {
	return &UnmatchResponse{
		OK:                 true,
		MatchesDeclined:    res.MatchesDeclined,
		SessionsEnded:      res.SessionsEnded,
		MessagesCleared:    res.MessagesCleared,
		ConnectionsRemoved: res.ConnectionsRemoved,
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
