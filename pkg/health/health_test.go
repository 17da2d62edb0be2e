package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/llm-gateway/pkg/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePools struct {
	backends []*backend.Backend
}

func (f fakePools) AllBackends() []*backend.Backend { return f.backends }

func newBackendAtServer(t *testing.T, srv *httptest.Server) *backend.Backend {
	t.Helper()
	hostport := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, err := net.SplitHostPort(hostport)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return backend.NewBackend(host, port, "")
}

func TestCheckAllBackendsMarksUnhealthyOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := newBackendAtServer(t, srv)
	c := NewChecker(fakePools{backends: []*backend.Backend{b}}, time.Minute)

	err := c.checkAllBackends(context.Background())

	require.NoError(t, err)
	assert.False(t, b.Healthy())
}

func TestCheckAllBackendsMarksHealthyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newBackendAtServer(t, srv)
	b.SetHealthCheckResult(false, time.Now())
	c := NewChecker(fakePools{backends: []*backend.Backend{b}}, time.Minute)

	err := c.checkAllBackends(context.Background())

	require.NoError(t, err)
	assert.True(t, b.Healthy())
}

func TestRefreshAllLoadsParsesVLLMMetrics(t *testing.T) {
	body := "# HELP vllm:num_requests_running x\nvllm:num_requests_running{model=\"x\"} 3\nvllm:num_requests_waiting{model=\"x\"} 2\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	b := newBackendAtServer(t, srv)
	c := NewChecker(fakePools{backends: []*backend.Backend{b}}, time.Minute)

	err := c.refreshAllLoads(context.Background())

	require.NoError(t, err)
	assert.EqualValues(t, 5, b.RemoteLoad())
}

func TestRefreshAllLoadsSkipsFreshBackends(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("vllm:num_requests_running 1\nvllm:num_requests_waiting 1\n"))
	}))
	defer srv.Close()

	b := newBackendAtServer(t, srv)
	b.SetRemoteLoad(0, 0, time.Now())
	c := NewChecker(fakePools{backends: []*backend.Backend{b}}, time.Minute)

	err := c.refreshAllLoads(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, hits)
}

func TestParseVLLMMetricsToleratesUnknownLines(t *testing.T) {
	body := "not_a_metric weird stuff\nvllm:num_requests_running 4\ngarbage\nvllm:num_requests_waiting 1\n"

	running, waiting, err := parseVLLMMetrics(strings.NewReader(body))

	require.NoError(t, err)
	assert.EqualValues(t, 4, running)
	assert.EqualValues(t, 1, waiting)
}

func TestParseVLLMMetricsErrorsWhenNoGaugesFound(t *testing.T) {
	_, _, err := parseVLLMMetrics(strings.NewReader("unrelated_metric 1\n"))

	assert.Error(t, err)
}
