package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/aegis/pkg/audit"
	"github.com/mindburn-labs/aegis/pkg/capability"
	"github.com/mindburn-labs/aegis/pkg/eventbus"
	"github.com/mindburn-labs/aegis/pkg/kernel"
	"github.com/mindburn-labs/aegis/pkg/llm"
	"github.com/mindburn-labs/aegis/pkg/orchestrator"
	"github.com/mindburn-labs/aegis/pkg/policy"
	"github.com/mindburn-labs/aegis/pkg/shadow"
	"github.com/mindburn-labs/aegis/pkg/twin"
	"github.com/mindburn-labs/aegis/pkg/twinclient"
)

// noDialBus builds an eventbus.Client whose redis connection is never
// actually dialed, matching pkg/orchestrator's test helper of the same
// name — shadow.Manager.Initialize only needs SetSubscriptions and
// AddHandler, neither of which touches the network.
func noDialBus() *eventbus.Client {
	return eventbus.New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), nil)
}

type stubLLM struct{ resp llm.Response }

func (s *stubLLM) Chat(context.Context, []llm.Message, []llm.ToolDescriptor, string) (llm.Response, error) {
	return s.resp, nil
}
func (s *stubLLM) Close() error { return nil }

type stubBus struct{ connected bool }

func (b *stubBus) IsConnected() bool { return b.connected }

func fakeTwinServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	shellID := twinclient.EncodeID("shell-1")
	mux.HandleFunc("/shells/"+shellID, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(twin.Shell{ID: "shell-1", IDShort: "shell"})
	})
	mux.HandleFunc("/shells/"+shellID+"/submodel-refs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/submodels/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("null"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

func newTestServer(t *testing.T, cfg Config, bus EventBus) *Server {
	t.Helper()
	srv := fakeTwinServer(t)
	t.Cleanup(srv.Close)

	tc := twinclient.New(srv.URL, srv.URL)
	shadowMgr := shadow.New(tc, noDialBus(), "shell-1", "repo1")
	require.NoError(t, shadowMgr.Initialize(context.Background()))

	auditPath := t.TempDir() + "/audit.jsonl"
	auditLog, err := audit.Open(auditPath)
	require.NoError(t, err)

	loader := policy.NewLoader(shadowMgr, auditLog, "nonexistent-policy-submodel", false)
	k, err := kernel.New(shadowMgr, tc, auditLog, loader)
	require.NoError(t, err)

	idx := capability.NewWithTools(nil)
	orch := orchestrator.New(&stubLLM{resp: llm.Response{Content: "hello"}}, shadowMgr, tc, k, idx)

	return New(orch, k, shadowMgr, bus, cfg, nil)
}

func TestHealth_AlwaysOK(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_ServiceUnavailableUntilBusConnected(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: false})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReady_OKWhenInitializedAndConnected(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChat_MissingRolesHeaderRejectedUnauthorized(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	body, _ := json.Marshal(chatRequest{Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChat_WithRolesHeaderSucceeds(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	body, _ := json.Marshal(chatRequest{Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	req.Header.Set("X-Roles", "operator")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp orchestrator.AgentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello", resp.Reply)
}

func TestChat_EmptyMessageRejected(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	body, _ := json.Marshal(chatRequest{Message: ""})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	req.Header.Set("X-Roles", "operator")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask_NotFoundReturns404(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	req.Header.Set("X-Roles", "operator")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks_EmptyStoreReturnsEmptyArray(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("X-Roles", "operator")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestApprove_NotFoundReturns404(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	req := httptest.NewRequest(http.MethodPost, "/tasks/does-not-exist/approve", nil)
	req.Header.Set("X-Roles", "supervisor")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_ReportsShadowCounters(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "shadow_event_count")
}

func TestRateLimit_ExcludedPathsBypassLimiter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0
	cfg.RateLimitBurst = 0
	s := newTestServer(t, cfg, &stubBus{connected: true})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_ExhaustedBucketReturns429(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg, &stubBus{connected: true})

	body, _ := json.Marshal(chatRequest{Message: "hi"})
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
		r.Header.Set("X-Roles", "operator")
		return r
	}
	routes := s.Routes()

	rec1 := httptest.NewRecorder()
	routes.ServeHTTP(rec1, req())
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	routes.ServeHTTP(rec2, req())
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	require.NotEmpty(t, rec2.Header().Get("Retry-After"))
}

func TestRequestID_EchoedWhenProvided(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), &stubBus{connected: true})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
}
