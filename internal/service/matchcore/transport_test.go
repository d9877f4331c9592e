package matchcore

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/oggyb/matchcore/internal/auth"
	"github.com/oggyb/matchcore/internal/config"
	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/server"
	"github.com/oggyb/matchcore/internal/testutil"
)

func transport(t *testing.T) (*fixture, *auth.Verifier, grpc.UnaryServerInterceptor) {
	t.Helper()
	f := setup(t)
	v := auth.NewVerifier("test-secret", "")
	cfg := config.New()
	cfg.Match.RateLimitPerMinute = 100
	rc, _ := testutil.Redis(t)
	return f, v, server.Interceptors(testutil.Logger(), v, rc, cfg)
}

func TestGRPC_JSONCodecAndAuth(t *testing.T) {
	f, v, ic := transport(t)

	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer(ic, f.reg)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	method := "/" + ServiceName + "/joinQueue"

	var out QueueStatusResponse
	err = conn.Invoke(ctx, method, &JoinQueueRequest{Preferences: prefs()}, &out)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := v.Issue("u1", time.Minute)
	require.NoError(t, err)
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	require.NoError(t, conn.Invoke(authed, method, &JoinQueueRequest{Preferences: prefs()}, &out))
	assert.Equal(t, db.QueueWaiting, out.State)
}

func TestGateway_RoutesThroughInterceptors(t *testing.T) {
	f, v, ic := transport(t)
	h := server.NewHTTPHandler(testutil.Logger(), server.HTTPDeps{
		Gateway:        server.NewGateway(testutil.Logger(), ic, f.reg),
		AllowedOrigins: []string{"*"},
	})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	post := func(method, token string, body any) *http.Response {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc/"+ServiceName+"/"+method, bytes.NewReader(b))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post("getQueueStatus", "", Empty{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := v.Issue("u1", time.Minute)
	require.NoError(t, err)
	resp = post("getQueueStatus", token, Empty{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st QueueStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, db.QueueLeft, st.State)

	resp = post("acceptMatch", token, MatchRequest{MatchID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var apiErr struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, "NOT_FOUND", apiErr.Code)

	resp = post("noSuchMethod", token, Empty{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
