package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	svcErr "github.com/oggyb/matchcore/internal/errors"
)

const maxGatewayBody = 1 << 20

// Gateway serves registered gRPC services as POST /rpc/{service}/{method}
// with JSON bodies. It runs the same interceptor chain as the gRPC server.
type Gateway struct {
	log         *slog.Logger
	interceptor grpc.UnaryServerInterceptor

	mu      sync.RWMutex
	methods map[string]gatewayMethod
}

type gatewayMethod struct {
	impl any
	desc grpc.MethodDesc
}

func NewGateway(log *slog.Logger, interceptor grpc.UnaryServerInterceptor, registrars ...Registrar) *Gateway {
	g := &Gateway{log: log, interceptor: interceptor, methods: make(map[string]gatewayMethod)}
	for _, r := range registrars {
		r.Register(g)
	}
	return g
}

// RegisterService implements grpc.ServiceRegistrar.
func (g *Gateway) RegisterService(desc *grpc.ServiceDesc, impl any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range desc.Methods {
		g.methods[desc.ServiceName+"/"+m.MethodName] = gatewayMethod{impl: impl, desc: m}
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	g.mu.RLock()
	m, ok := g.methods[vars["service"]+"/"+vars["method"]]
	g.mu.RUnlock()
	if !ok {
		g.log.Debug("gateway: unknown method", "service", vars["service"], "method", vars["method"])
		writeError(w, status.Error(codes.Unimplemented, "unknown method"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxGatewayBody))
	if err != nil {
		writeError(w, svcErr.InvalidArgument("unreadable body"))
		return
	}
	dec := func(v any) error {
		if len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, v); err != nil {
			return svcErr.InvalidArgument(fmt.Sprintf("malformed body: %v", err))
		}
		return nil
	}

	ctx := metadata.NewIncomingContext(r.Context(), metadata.Pairs("authorization", r.Header.Get("Authorization")))
	resp, err := m.desc.Handler(m.impl, ctx, dec, g.interceptor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// httpStatus maps a gRPC code to the HTTP status and the client-visible code.
var httpStatus = map[codes.Code]struct {
	status int
	code   string
}{
	codes.InvalidArgument:   {http.StatusBadRequest, svcErr.CodeInvalidArgument},
	codes.Unauthenticated:   {http.StatusUnauthorized, svcErr.CodeUnauthenticated},
	codes.PermissionDenied:  {http.StatusForbidden, svcErr.CodeForbidden},
	codes.NotFound:          {http.StatusNotFound, svcErr.CodeNotFound},
	codes.AlreadyExists:     {http.StatusConflict, svcErr.CodeConflict},
	codes.Aborted:           {http.StatusConflict, svcErr.CodeAlreadyHandled},
	codes.ResourceExhausted: {http.StatusTooManyRequests, svcErr.CodeRateLimited},
	codes.Unimplemented:     {http.StatusNotFound, svcErr.CodeNotFound},
	codes.DeadlineExceeded:  {http.StatusGatewayTimeout, svcErr.CodeInternal},
	codes.Canceled:          {499, svcErr.CodeInternal},
}

func writeError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	if !ok {
		st, _ = status.FromError(svcErr.Map(err))
	}
	mapped, ok := httpStatus[st.Code()]
	if !ok {
		mapped.status, mapped.code = http.StatusInternalServerError, svcErr.CodeInternal
	}
	msg := st.Message()
	if mapped.status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, mapped.status, apiError{Code: mapped.code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
