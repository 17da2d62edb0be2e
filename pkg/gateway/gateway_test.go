package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/llm-gateway/pkg/backend"
	"github.com/agentmesh/llm-gateway/pkg/gwconfig"
	"github.com/agentmesh/llm-gateway/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSplitPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	hostport := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, err := net.SplitHostPort(hostport)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func newTestGateway(t *testing.T, upstream http.Handler) (*Gateway, *backend.Pool, func()) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	host, port := mustSplitPort(t, srv)

	pools := backend.NewPoolSet()
	pool := pools.Pool("llama3")
	pool.AddBackend(host, port, "")

	trk := tracker.New(time.Hour, time.Hour, 1000)
	g := New(pools, trk, gwconfig.DefaultHeaders(), "round_robin", 5*time.Second)

	return g, pool, srv.Close
}

func TestHandleHealthReportsHealthyBackends(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["healthy_backends"])
}

func TestProxyRequestForwardsAndReturnsUpstreamBody(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hi there"}}]}`))
	}))
	defer cleanup()

	body := strings.NewReader(`{"model":"llama3","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi there")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestProxyRequestWithPathModel(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer cleanup()

	body := strings.NewReader(`{"messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/llama3/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyRequestUnknownModelReturns404WithAvailableList(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()

	body := strings.NewReader(`{"model":"does-not-exist","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "llama3")
}

func TestProxyRequestNoHealthyBackendReturns503(t *testing.T) {
	g, pool, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()
	for _, b := range pool.Backends() {
		b.RecordTransportError()
	}

	body := strings.NewReader(`{"model":"llama3","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxyRequestUpstream5xxIsForwardedNotRaised(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer cleanup()

	body := strings.NewReader(`{"model":"llama3","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestHandleStatsIncludesPoolBackends(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["pools"], "llama3")
	assert.Contains(t, body, "error_rate")
}

func TestHandleStatsErrorRateReflectsFailures(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cleanup()

	body := strings.NewReader(`{"model":"llama3","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	statsReq := httptest.NewRequest(http.MethodGet, "/stats", nil)
	statsRec := httptest.NewRecorder()
	g.Routes().ServeHTTP(statsRec, statsReq)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(statsRec.Body.Bytes(), &stats))
	assert.Greater(t, stats["error_rate"], 0.0)
}

func TestHandleIndexIncludesModelsAndBackends(t *testing.T) {
	g, pool, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "models")
	backends := body["backends"].(map[string]any)
	urls := backends["llama3"].([]any)
	require.Len(t, urls, 1)
	assert.Equal(t, pool.Backends()[0].URL(), urls[0])
}

func TestHandleQueueStatusIncludesBackendsArray(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	backends := body["backends"].([]any)
	require.Len(t, backends, 1)
	entry := backends[0].(map[string]any)
	assert.Contains(t, entry, "url")
	assert.Contains(t, entry, "healthy")
	assert.Contains(t, entry, "gpu_load")
	assert.Contains(t, entry, "inflight")
	assert.Contains(t, entry, "avg_latency_ms")
	assert.Contains(t, entry, "partition")
}

func TestProxyRequestUnknownModelStillCompletesTracker(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()

	body := strings.NewReader(`{"model":"does-not-exist","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	status := g.Tracker.GetStatus(time.Now())
	assert.Equal(t, 1, status.TotalTracked)
	assert.Empty(t, status.Pending)
}

func TestProxyRequestNoHealthyBackendStillCompletesTracker(t *testing.T) {
	g, pool, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer cleanup()
	for _, b := range pool.Backends() {
		b.RecordTransportError()
	}

	body := strings.NewReader(`{"model":"llama3","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	status := g.Tracker.GetStatus(time.Now())
	assert.Equal(t, 1, status.TotalTracked)
	assert.Empty(t, status.Pending)
}

func TestProxyRequestCapturesClientCommandSeparatelyFromClientID(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer cleanup()

	body := strings.NewReader(`{"model":"llama3","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("X-Client-ID", "client-42")
	req.Header.Set("X-Process-Command", "python worker.py")
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	status := g.Tracker.GetStatus(time.Now())
	client := status.ClientMap["client-42"].(map[string]any)
	reqs := client["requests"].([]map[string]any)
	require.Len(t, reqs, 1)
	assert.Equal(t, "client-42", reqs[0]["client_id"])
	assert.Equal(t, "python worker.py", reqs[0]["client_command"])
}

func TestHandleQueueStatusReflectsTrackedRequest(t *testing.T) {
	g, _, cleanup := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer cleanup()

	body := strings.NewReader(`{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("X-Session-ID", "sess-1")
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	statusReq := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	statusRec := httptest.NewRecorder()
	g.Routes().ServeHTTP(statusRec, statusReq)

	var status map[string]any
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	sessions := status["sessions"].(map[string]any)
	assert.Contains(t, sessions, "sess-1")
}

func TestCopyForwardHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Host", "ignored")
	src.Set("Content-Length", "10")
	src.Set("X-Session-ID", "sess-1")

	dst := http.Header{}
	copyForwardHeaders(dst, src)

	assert.Empty(t, dst.Get("Host"))
	assert.Empty(t, dst.Get("Content-Length"))
	assert.Equal(t, "sess-1", dst.Get("X-Session-ID"))
}

func TestRequestSummaryPicksLastUserMessage(t *testing.T) {
	body := chatBody{}
	body.Messages = append(body.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "system", Content: "sys"})
	body.Messages = append(body.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: "hello there"})

	assert.Equal(t, "hello there", requestSummary(body))
}

func TestTruncateCapsAt200Runes(t *testing.T) {
	long := strings.Repeat("a", 250)
	assert.Len(t, []rune(truncate(long)), summaryMaxRunes)
}
