// Package gateway implements the OpenAI-compatible HTTP load-balancing
// proxy: the request-facing surface of the system (component P), per
// spec §4.5/§6.5.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/llm-gateway/pkg/backend"
	"github.com/agentmesh/llm-gateway/pkg/gwconfig"
	"github.com/agentmesh/llm-gateway/pkg/httperr"
	"github.com/agentmesh/llm-gateway/pkg/logger"
	"github.com/agentmesh/llm-gateway/pkg/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	modelCacheTTL     = 30 * time.Second
	summaryMaxRunes   = 200
	hopHeaderHost      = "Host"
	hopHeaderLength    = "Content-Length"
	hopHeaderTransfer  = "Transfer-Encoding"
	hopHeaderEncoding  = "Content-Encoding"
)

// Gateway is the HTTP load-balancing proxy server.
type Gateway struct {
	Pools    *backend.PoolSet
	Tracker  *tracker.Tracker
	Headers  gwconfig.HeadersConfig
	Strategy string
	RequestTimeout time.Duration

	httpClient *http.Client

	mu               sync.Mutex
	modelToPool      map[string]string
	modelList        []string
	modelCacheAt     time.Time

	startTime     time.Time
	totalRequests int64
	totalErrors   int64

	metricRequests *prometheus.CounterVec
	metricErrors   *prometheus.CounterVec
	metricLatency  *prometheus.HistogramVec
}

// New builds a Gateway ready to be mounted with Routes.
func New(pools *backend.PoolSet, trk *tracker.Tracker, headers gwconfig.HeadersConfig, strategy string, requestTimeout time.Duration) *Gateway {
	g := &Gateway{
		Pools:          pools,
		Tracker:        trk,
		Headers:        headers,
		Strategy:       strategy,
		RequestTimeout: requestTimeout,
		httpClient:     &http.Client{},
		modelToPool:    make(map[string]string),
		startTime:      time.Now(),
		metricRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total proxied requests by pool and outcome.",
		}, []string{"pool", "outcome"}),
		metricErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Total proxy errors by pool and kind.",
		}, []string{"pool", "kind"}),
		metricLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gateway_upstream_latency_ms",
			Help: "Upstream request latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"pool"}),
	}
	return g
}

// Registry returns a Prometheus registry with the gateway's own metrics
// registered, suitable for mounting at /metrics.
func (g *Gateway) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(g.metricRequests, g.metricErrors, g.metricLatency)
	return reg
}

// handlerFunc is the teacher's error-returning handler signature: handlers
// return an error (optionally carrying an HTTP status via httperr.WithCode)
// instead of writing error responses themselves.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// errorHandler decorates a handlerFunc into a standard http.HandlerFunc,
// translating a returned error into a JSON error body at the attached
// status code (defaulting to 500), matching the teacher's ErrorHandler
// decorator.
func errorHandler(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			code := httperr.Code(err)
			logger.Warnf("request %s %s failed: %v", r.Method, r.URL.Path, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		}
	}
}

// Routes builds the gateway's full route table, per spec §4.5.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", errorHandler(g.handleIndex))
	r.Get("/health", errorHandler(g.handleHealth))
	r.Get("/stats", errorHandler(g.handleStats))
	r.Get("/queue/status", errorHandler(g.handleQueueStatus))
	r.Get("/v1/models", errorHandler(g.handleModels))
	r.Handle("/metrics", promhttp.HandlerFor(g.Registry(), promhttp.HandlerOpts{}))

	r.HandleFunc("/v1/*", errorHandler(g.handleProxy))
	r.HandleFunc("/{model}/v1/*", errorHandler(g.handleProxyWithModel))

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) error {
	pools := g.Pools.All()
	backends := make(map[string][]string, len(pools))
	for _, p := range pools {
		urls := make([]string, 0, len(p.Backends()))
		for _, b := range p.Backends() {
			urls = append(urls, b.URL())
		}
		backends[p.Name] = urls
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"service":  "llm-gateway",
		"uptime_s": time.Since(g.startTime).Seconds(),
		"pools":    g.Pools.Names(),
		"models":   g.fetchModels(r.Context(), false),
		"backends": backends,
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) error {
	healthy := 0
	total := 0
	for _, p := range g.Pools.All() {
		for _, b := range p.Backends() {
			total++
			if b.Healthy() {
				healthy++
			}
		}
	}
	status := "ok"
	if total > 0 && healthy == 0 {
		status = "unavailable"
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"healthy_backends": healthy,
		"total_backends":   total,
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) error {
	pools := g.Pools.All()
	out := make(map[string]any, len(pools))
	for _, p := range pools {
		stats := p.Stats()
		backends := make([]map[string]any, len(stats.Backends))
		for i, s := range stats.Backends {
			backends[i] = map[string]any{
				"url":           s.URL,
				"healthy":       s.Healthy,
				"partition":     s.Partition,
				"request_count": s.RequestCount,
				"error_count":   s.ErrorCount,
				"avg_latency_ms": s.AvgLatencyMs,
				"gpu_load":      s.GPULoad,
				"inflight":      s.Inflight,
			}
		}
		out[stats.Name] = backends
	}

	var errorRate float64
	if g.totalRequests > 0 {
		errorRate = float64(g.totalErrors) / float64(g.totalRequests)
	}

	return writeJSON(w, http.StatusOK, map[string]any{
		"total_requests": g.totalRequests,
		"total_errors":   g.totalErrors,
		"error_rate":     errorRate,
		"uptime_s":       time.Since(g.startTime).Seconds(),
		"pools":          out,
	})
}

func (g *Gateway) handleQueueStatus(w http.ResponseWriter, r *http.Request) error {
	status := g.Tracker.GetStatus(time.Now())
	out := status.ToMap()

	var backends []map[string]any
	for _, p := range g.Pools.All() {
		for _, s := range p.Stats().Backends {
			backends = append(backends, map[string]any{
				"url":            s.URL,
				"healthy":        s.Healthy,
				"gpu_load":       s.GPULoad,
				"inflight":       s.Inflight,
				"avg_latency_ms": s.AvgLatencyMs,
				"partition":      s.Partition,
			})
		}
	}
	out["backends"] = backends

	return writeJSON(w, http.StatusOK, out)
}

// handleModels implements the cached /v1/models aggregation: per spec
// §4.5, it asks the healthy backends of each pool in turn until one returns
// its model list, and deduplicates by model id, keeping the first occurrence
// seen.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) error {
	models := g.fetchModels(r.Context(), false)
	data := make([]map[string]any, len(models))
	for i, m := range models {
		data[i] = map[string]any{"id": m, "object": "model"}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

type vllmModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// fetchModels returns the deduplicated model id list across every pool,
// using a cached result unless forceRefresh is set or the cache has
// expired.
func (g *Gateway) fetchModels(ctx context.Context, forceRefresh bool) []string {
	g.mu.Lock()
	fresh := !forceRefresh && time.Since(g.modelCacheAt) < modelCacheTTL && len(g.modelToPool) > 0
	if fresh {
		models := append([]string(nil), g.modelList...)
		g.mu.Unlock()
		return models
	}
	g.mu.Unlock()

	seen := map[string]bool{}
	var ordered []string
	modelToPool := make(map[string]string)

	for _, p := range g.Pools.All() {
		for _, b := range p.Backends() {
			if !b.Healthy() {
				continue
			}
			ids, err := g.fetchBackendModels(ctx, b)
			if err != nil {
				continue
			}
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					ordered = append(ordered, id)
				}
				modelToPool[id] = p.Name
			}
			break // first healthy backend per pool that responds is enough
		}
	}

	g.mu.Lock()
	if len(modelToPool) > 0 {
		g.modelToPool = modelToPool
		g.modelList = ordered
		g.modelCacheAt = time.Now()
	}
	g.mu.Unlock()

	return ordered
}

func (g *Gateway) fetchBackendModels(ctx context.Context, b *backend.Backend) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL()+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("backend %s returned %d", b.URL(), resp.StatusCode)
	}
	var parsed vllmModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	ids := make([]string, len(parsed.Data))
	for i, d := range parsed.Data {
		ids[i] = d.ID
	}
	return ids, nil
}

// resolvePool implements the fallback chain of spec §4.5 for a model name
// already taken from the path, body, or query: a direct pool-name lookup,
// then the cached model-to-pool map (forcing a refresh once if the model is
// unknown), then a case-insensitive substring match against pool names. An
// empty model resolves to whichever pool PoolSet.Names lists first.
func (g *Gateway) resolvePool(ctx context.Context, model string) (*backend.Pool, error) {
	if model == "" {
		names := g.Pools.Names()
		if len(names) == 0 {
			return nil, httperr.WithCode(fmt.Errorf("no pools configured"), http.StatusNotFound)
		}
		p, _ := g.Pools.Lookup(names[0])
		return p, nil
	}

	if p, ok := g.Pools.Lookup(model); ok {
		return p, nil
	}

	g.mu.Lock()
	poolName, ok := g.modelToPool[model]
	g.mu.Unlock()
	if ok {
		if p, ok := g.Pools.Lookup(poolName); ok {
			return p, nil
		}
	}

	g.fetchModels(ctx, true)
	g.mu.Lock()
	poolName, ok = g.modelToPool[model]
	g.mu.Unlock()
	if ok {
		if p, ok := g.Pools.Lookup(poolName); ok {
			return p, nil
		}
	}

	lower := strings.ToLower(model)
	for _, name := range g.Pools.Names() {
		if strings.Contains(strings.ToLower(name), lower) || strings.Contains(lower, strings.ToLower(name)) {
			p, _ := g.Pools.Lookup(name)
			return p, nil
		}
	}

	return nil, httperr.WithCode(
		fmt.Errorf("model %q not found, available: %s", model, strings.Join(g.Pools.Names(), ", ")),
		http.StatusNotFound,
	)
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) error {
	return g.proxyRequest(w, r, "", r.URL.Path)
}

func (g *Gateway) handleProxyWithModel(w http.ResponseWriter, r *http.Request) error {
	model := chi.URLParam(r, "model")
	rest := chi.URLParam(r, "*")
	return g.proxyRequest(w, r, model, "/v1/"+rest)
}

type chatBody struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= summaryMaxRunes {
		return s
	}
	return string(r[:summaryMaxRunes])
}

// proxyRequest is the request pipeline of spec §4.5 step by step: submit to
// the tracker at ingress, resolve the pool, acquire a backend, forward the
// request upstream, record the outcome, and always release the backend's
// in-flight slot. Submitting before pool/backend resolution means a 404 or
// 503 still completes its tracker entry as failed.
func (g *Gateway) proxyRequest(w http.ResponseWriter, r *http.Request, pathModel, upstreamPath string) error {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return httperr.WithCode(fmt.Errorf("reading request body: %w", err), http.StatusBadRequest)
	}
	r.Body.Close()

	var parsed chatBody
	_ = json.Unmarshal(bodyBytes, &parsed)

	model := pathModel
	if model == "" {
		model = parsed.Model
	}
	if model == "" {
		model = r.URL.Query().Get("model")
	}

	reqID := g.requestID(r)
	sessionID := firstNonEmpty(r.Header.Get(g.Headers.Session), r.Header.Get("X-Episode-ID"))
	taskID := firstNonEmpty(r.Header.Get(g.Headers.Task), r.Header.Get("X-Instruction-ID"))
	clientID := firstNonEmpty(r.Header.Get(g.Headers.Client), r.Header.Get("X-Process-ID"))
	clientCommand := r.Header.Get("X-Process-Command")

	now := time.Now()
	g.Tracker.Submit(reqID, sessionID, taskID, clientID, clientCommand, r.RemoteAddr, upstreamPath, model, now)

	if summary := requestSummary(parsed); summary != "" {
		g.Tracker.Annotate(reqID, nil, nil, nil, summary, "")
	}

	var agentPre, agentPost *float64
	if v, perr := strconv.ParseFloat(firstNonEmpty(r.Header.Get(g.Headers.TimingPre), r.Header.Get("X-Timing-Obs-Ms")), 64); perr == nil {
		agentPre = &v
	}
	if v, perr := strconv.ParseFloat(firstNonEmpty(r.Header.Get(g.Headers.TimingPost), r.Header.Get("X-Timing-Act-Ms")), 64); perr == nil {
		agentPost = &v
	}
	if agentPre != nil || agentPost != nil {
		g.Tracker.Annotate(reqID, agentPre, agentPost, nil, "", "")
	}

	pool, err := g.resolvePool(r.Context(), model)
	if err != nil {
		g.Tracker.Complete(reqID, false, time.Now())
		return err
	}

	b := pool.Acquire(g.Strategy)
	if b == nil {
		g.metricErrors.WithLabelValues(pool.Name, "no_healthy_backend").Inc()
		g.Tracker.Complete(reqID, false, time.Now())
		return httperr.WithCode(fmt.Errorf("no healthy backend available for pool %q", pool.Name), http.StatusServiceUnavailable)
	}
	defer b.Release()

	g.Tracker.StartProcessing(reqID, b.URL(), time.Now())

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, b.URL()+upstreamPath, bytes.NewReader(bodyBytes))
	if err != nil {
		g.Tracker.Complete(reqID, false, time.Now())
		return httperr.WithCode(err, http.StatusInternalServerError)
	}
	copyForwardHeaders(upstreamReq.Header, r.Header)

	client := g.httpClient
	if g.RequestTimeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), g.RequestTimeout)
		defer cancel()
		upstreamReq = upstreamReq.WithContext(ctx)
	}

	start := time.Now()
	resp, err := client.Do(upstreamReq)
	elapsed := time.Since(start)
	g.metricLatency.WithLabelValues(pool.Name).Observe(float64(elapsed.Milliseconds()))
	roundTripMs := float64(elapsed.Milliseconds())
	g.Tracker.Annotate(reqID, nil, nil, &roundTripMs, "", "")

	g.mu.Lock()
	g.totalRequests++
	g.mu.Unlock()

	if err != nil {
		g.Tracker.Complete(reqID, false, time.Now())
		g.mu.Lock()
		g.totalErrors++
		g.mu.Unlock()

		if ctxErr := r.Context().Err(); ctxErr != nil || isTimeout(err) {
			becameUnhealthy := b.RecordTimeout()
			if becameUnhealthy {
				logger.Warnf("backend %s marked unhealthy after repeated timeouts", b.URL())
			}
			g.metricErrors.WithLabelValues(pool.Name, "timeout").Inc()
			return httperr.WithCode(fmt.Errorf("upstream %s timed out: %w", b.URL(), err), http.StatusGatewayTimeout)
		}

		b.RecordTransportError()
		g.metricErrors.WithLabelValues(pool.Name, "transport").Inc()
		return httperr.WithCode(fmt.Errorf("upstream %s unreachable: %w", b.URL(), err), http.StatusBadGateway)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		g.Tracker.Complete(reqID, false, time.Now())
		return httperr.WithCode(err, http.StatusBadGateway)
	}

	success := resp.StatusCode < 500
	if success {
		b.RecordSuccess(float64(elapsed.Milliseconds()))
	} else {
		b.RecordError()
		g.mu.Lock()
		g.totalErrors++
		g.mu.Unlock()
		g.metricErrors.WithLabelValues(pool.Name, "upstream_5xx").Inc()
	}
	g.Tracker.Complete(reqID, success, time.Now())
	g.metricRequests.WithLabelValues(pool.Name, outcomeLabel(success)).Inc()

	if summary := responseSummary(respBytes); summary != "" {
		g.Tracker.Annotate(reqID, nil, nil, nil, "", summary)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBytes)
	return nil
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "upstream_error"
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "Client.Timeout")
}

func requestSummary(body chatBody) string {
	for i := len(body.Messages) - 1; i >= 0; i-- {
		if body.Messages[i].Role == "user" {
			return truncate(body.Messages[i].Content)
		}
	}
	return ""
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func responseSummary(body []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return ""
	}
	return truncate(parsed.Choices[0].Message.Content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// requestID generates a fresh 16-hex-character request id for every
// request, matching the original implementation's uuid4().hex[:16]
// convention.
func (g *Gateway) requestID(r *http.Request) string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

var forwardSkipHeaders = map[string]bool{
	strings.ToLower(hopHeaderHost):     true,
	strings.ToLower(hopHeaderLength):   true,
	strings.ToLower(hopHeaderTransfer): true,
}

func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if forwardSkipHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

var responseSkipHeaders = map[string]bool{
	strings.ToLower(hopHeaderEncoding):  true,
	strings.ToLower(hopHeaderTransfer):  true,
	strings.ToLower(hopHeaderLength):    true,
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if responseSkipHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
