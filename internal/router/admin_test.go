package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/portroute/internal/auth"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func adminGet(t *testing.T, a *Admin, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body for %s: %v body=%s", path, err, rr.Body.String())
	}
	return rr.Code, body
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)

	r := startedRouter(t, Options{Name: "router-a"})
	_, err := r.Register(context.Background(), serverAddr, &stubHandler{})
	require.NoError(t, err)
	a := NewAdmin(r, nil, AdminConfig{})

	code, body := adminGet(t, a, "/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "router-a", body["router"])

	code, body = adminGet(t, a, "/routes")
	require.Equal(t, http.StatusOK, code)
	routes := body["routes"].([]any)
	require.Len(t, routes, 1)
	require.Equal(t, serverAddr.String(), routes[0].(map[string]any)["address"])

	code, body = adminGet(t, a, "/routes/"+serverAddr.String())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["remote"])

	code, _ = adminGet(t, a, "/routes/"+clientAddr.String())
	require.Equal(t, http.StatusNotFound, code)

	code, _ = adminGet(t, a, "/routes/not-an-address")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = adminGet(t, a, "/sessions")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, body["sessions"])
}

func TestAdminReadyTracksLifecycle(t *testing.T) {
	testlog.Start(t)

	r := New(Options{})
	a := NewAdmin(r, nil, AdminConfig{})

	code, body := adminGet(t, a, "/ready")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, false, body["ready"])

	r.Start()
	defer r.Stop()
	code, body = adminGet(t, a, "/ready")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "strict", body["policy"])
}

func TestAdminMetricsEndpoint(t *testing.T) {
	testlog.Start(t)

	r := startedRouter(t, Options{})
	a := NewAdmin(r, nil, AdminConfig{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "portroute_")
}

func TestAdminRequiresBearerToken(t *testing.T) {
	testlog.Start(t)

	r := startedRouter(t, Options{})
	a := NewAdmin(r, nil, AdminConfig{Auth: auth.FromToken("s3cret")})

	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/routes", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestAdminEchoesRequestID(t *testing.T) {
	testlog.Start(t)

	a := NewAdmin(startedRouter(t, Options{}), nil, AdminConfig{})

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NotEmpty(t, rr.Header().Get(observability.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(observability.RequestIDHeader, "req-1")
	rr = httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	require.Equal(t, "req-1", rr.Header().Get(observability.RequestIDHeader))
}
