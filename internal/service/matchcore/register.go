package matchcore

import (
	"context"

	"google.golang.org/grpc"

	"github.com/oggyb/matchcore/internal/app"
	"github.com/oggyb/matchcore/internal/chat"
	"github.com/oggyb/matchcore/internal/queue"
	"github.com/oggyb/matchcore/internal/repository"
	"github.com/oggyb/matchcore/internal/session"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "matchcore.v1.MatchCore"

// MatchCoreServer is the server API for the MatchCore service.
type MatchCoreServer interface {
	JoinQueue(context.Context, *JoinQueueRequest) (*QueueStatusResponse, error)
	LeaveQueue(context.Context, *Empty) (*OKResponse, error)
	GetQueueStatus(context.Context, *Empty) (*QueueStatusResponse, error)
	GetPendingMatches(context.Context, *Empty) (*PendingMatchesResponse, error)
	AcceptMatch(context.Context, *MatchRequest) (*AcceptMatchResponse, error)
	DeclineMatch(context.Context, *MatchRequest) (*OKResponse, error)
	CreateMatchFromSuggestion(context.Context, *SuggestionRequest) (*AcceptMatchResponse, error)
	StartSession(context.Context, *StartSessionRequest) (*SessionView, error)
	EndSession(context.Context, *EndSessionRequest) (*OKResponse, error)
	SkipMatch(context.Context, *SessionRequest) (*OKResponse, error)
	GetActiveSessions(context.Context, *Empty) (*SessionsResponse, error)
	GetSession(context.Context, *SessionRequest) (*SessionView, error)
	SendMessage(context.Context, *SendMessageRequest) (*chat.Message, error)
	SendConversationMessage(context.Context, *SendMessageRequest) (*chat.Message, error)
	GetSessionMessages(context.Context, *MessagesRequest) (*MessagesResponse, error)
	GetConversationMessages(context.Context, *MessagesRequest) (*MessagesResponse, error)
	MarkSessionAsRead(context.Context, *ConversationRef) (*CountResponse, error)
	MarkNotificationAsRead(context.Context, *NotificationRequest) (*OKResponse, error)
	ClearMessages(context.Context, *ClearMessagesRequest) (*CountResponse, error)
	GetNotifications(context.Context, *NotificationsRequest) (*NotificationsResponse, error)
	DeleteAllNotifications(context.Context, *Empty) (*CountResponse, error)
	GetUnreadCount(context.Context, *Empty) (*CountResponse, error)
	ReportUser(context.Context, *ReportUserRequest) (*ReportView, error)
	Unmatch(context.Context, *UnmatchRequest) (*UnmatchResponse, error)
	RemoveConnection(context.Context, *RemoveConnectionRequest) (*UnmatchResponse, error)
	GetConnections(context.Context, *Empty) (*ConnectionsResponse, error)
}

var _ MatchCoreServer = (*Service)(nil)

// unary adapts a typed method into a grpc.MethodDesc. Requests are decoded by
// whatever codec the transport negotiated (the JSON codec in practice).
func unary[Req, Resp any](name string, fn func(MatchCoreServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(MatchCoreServer)
			if interceptor == nil {
				return fn(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return fn(s, ctx, r.(*Req))
			})
		},
	}
}

// ServiceDesc is the grpc.ServiceDesc for MatchCore. Method names are the
// contract-level operation names.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatchCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("joinQueue", MatchCoreServer.JoinQueue),
		unary("leaveQueue", MatchCoreServer.LeaveQueue),
		unary("getQueueStatus", MatchCoreServer.GetQueueStatus),
		unary("getPendingMatches", MatchCoreServer.GetPendingMatches),
		unary("acceptMatch", MatchCoreServer.AcceptMatch),
		unary("declineMatch", MatchCoreServer.DeclineMatch),
		unary("createMatchFromSuggestion", MatchCoreServer.CreateMatchFromSuggestion),
		unary("startSession", MatchCoreServer.StartSession),
		unary("endSession", MatchCoreServer.EndSession),
		unary("skipMatch", MatchCoreServer.SkipMatch),
		unary("getActiveSessions", MatchCoreServer.GetActiveSessions),
		unary("getSession", MatchCoreServer.GetSession),
		unary("sendMessage", MatchCoreServer.SendMessage),
		unary("sendConversationMessage", MatchCoreServer.SendConversationMessage),
		unary("getSessionMessages", MatchCoreServer.GetSessionMessages),
		unary("getConversationMessages", MatchCoreServer.GetConversationMessages),
		unary("markSessionAsRead", MatchCoreServer.MarkSessionAsRead),
		unary("markNotificationAsRead", MatchCoreServer.MarkNotificationAsRead),
		unary("clearMessages", MatchCoreServer.ClearMessages),
		unary("getNotifications", MatchCoreServer.GetNotifications),
		unary("deleteAllNotifications", MatchCoreServer.DeleteAllNotifications),
		unary("getUnreadCount", MatchCoreServer.GetUnreadCount),
		unary("reportUser", MatchCoreServer.ReportUser),
		unary("unmatch", MatchCoreServer.Unmatch),
		unary("removeConnection", MatchCoreServer.RemoveConnection),
		unary("getConnections", MatchCoreServer.GetConnections),
	},
	Metadata: "matchcore/v1/matchcore",
}

// Registrar ties the MatchCore service into the gRPC server and the HTTP gateway.
type Registrar struct {
	appCtx *app.AppContext
	store  *repository.Store
	queue  *queue.Queue
	orch   *session.Orchestrator
	chat   *chat.Service
}

// NewRegistrar creates a new Registrar for the MatchCore service.
func NewRegistrar(appCtx *app.AppContext, store *repository.Store, q *queue.Queue, orch *session.Orchestrator, c *chat.Service) *Registrar {
	return &Registrar{appCtx: appCtx, store: store, queue: q, orch: orch, chat: c}
}

// Register attaches the MatchCore implementation to s.
func (r *Registrar) Register(s grpc.ServiceRegistrar) {
	service := NewMatchcoreService(r.appCtx, r.store, r.queue, r.orch, r.chat)
	s.RegisterService(&ServiceDesc, service)
}
