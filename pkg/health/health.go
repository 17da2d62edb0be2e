// Package health runs the background probes that keep a backend pool's
// health and remote-load state current: per spec §4.4, a health-check loop
// polling each backend's /health endpoint and a load-refresh loop polling
// /metrics for vLLM's queue-depth gauges.
package health

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/llm-gateway/pkg/backend"
	"github.com/agentmesh/llm-gateway/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// LoadCacheTTL bounds how often a backend's remote load is re-fetched.
const LoadCacheTTL = time.Second

const (
	healthCheckRequestTimeout = 5 * time.Second
	loadRefreshRequestTimeout = 2 * time.Second
)

// PoolLister is the minimal view of the proxy's pool set a health checker
// needs: the full set of backends to probe.
type PoolLister interface {
	AllBackends() []*backend.Backend
}

// Checker runs the health and load-refresh loops against every backend
// currently registered in the pools it is given.
type Checker struct {
	Pools   PoolLister
	Client  *http.Client
	Interval time.Duration
}

// NewChecker creates a Checker with an HTTP client suited to short-lived
// probe requests.
func NewChecker(pools PoolLister, interval time.Duration) *Checker {
	return &Checker{
		Pools:    pools,
		Client:   &http.Client{},
		Interval: interval,
	}
}

// RunHealthLoop probes every backend's /health endpoint on Interval until
// ctx is cancelled. Failures within one tick are logged and do not stop
// the loop (the resilient-restart behavior of spec §4.4).
func (c *Checker) RunHealthLoop(ctx context.Context) {
	resilientLoop(ctx, "health-check", func(ctx context.Context) error {
		return c.checkAllBackends(ctx)
	}, c.Interval)
}

// RunLoadRefreshLoop refreshes remote load on a tight cadence, skipping any
// backend whose cached value is still within LoadCacheTTL.
func (c *Checker) RunLoadRefreshLoop(ctx context.Context) {
	resilientLoop(ctx, "load-refresh", func(ctx context.Context) error {
		return c.refreshAllLoads(ctx)
	}, LoadCacheTTL)
}

func (c *Checker) checkAllBackends(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range c.Pools.AllBackends() {
		b := b
		g.Go(func() error {
			c.checkSingleBackend(gctx, b)
			return nil
		})
	}
	return g.Wait()
}

func (c *Checker) checkSingleBackend(ctx context.Context, b *backend.Backend) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckRequestTimeout)
	defer cancel()

	ok := probeHealth(ctx, c.Client, b.URL())
	recovered := b.SetHealthCheckResult(ok, time.Now())
	if recovered {
		logger.Infof("backend %s recovered", b.URL())
	} else if !ok {
		logger.Warnf("backend %s failed health check", b.URL())
	}
}

func probeHealth(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func (c *Checker) refreshAllLoads(ctx context.Context) error {
	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range c.Pools.AllBackends() {
		b := b
		if !b.ShouldRefreshLoad(LoadCacheTTL, now) {
			continue
		}
		g.Go(func() error {
			c.refreshBackendLoad(gctx, b)
			return nil
		})
	}
	return g.Wait()
}

func (c *Checker) refreshBackendLoad(ctx context.Context, b *backend.Backend) {
	ctx, cancel := context.WithTimeout(ctx, loadRefreshRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL()+"/metrics", nil)
	if err != nil {
		return
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		logger.Debugf("load refresh for %s failed: %v", b.URL(), err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return
	}

	running, waiting, err := parseVLLMMetrics(resp.Body)
	if err != nil {
		logger.Debugf("load refresh for %s: %v", b.URL(), err)
		return
	}
	b.SetRemoteLoad(running, waiting, time.Now())
}

// parseVLLMMetrics extracts vllm:num_requests_running and
// vllm:num_requests_waiting from a Prometheus text-exposition body,
// tolerating any line it cannot parse rather than failing the whole scrape.
func parseVLLMMetrics(body io.Reader) (running, waiting int64, err error) {
	scanner := bufio.NewScanner(body)
	found := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := fields[0]
		switch {
		case strings.HasPrefix(name, "vllm:num_requests_running"):
			if v, perr := strconv.ParseFloat(fields[1], 64); perr == nil {
				running = int64(v)
				found = true
			}
		case strings.HasPrefix(name, "vllm:num_requests_waiting"):
			if v, perr := strconv.ParseFloat(fields[1], 64); perr == nil {
				waiting = int64(v)
				found = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, fmt.Errorf("no vllm queue-depth gauges found in metrics body")
	}
	return running, waiting, nil
}

// resilientLoop is the generic catch-log-retry supervisor shared by both
// background loops: it invokes fn every interval until ctx is cancelled,
// logging and continuing past any error fn returns.
func resilientLoop(ctx context.Context, name string, fn func(context.Context) error, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Errorf("%s loop error: %v", name, err)
			}
		}
	}
}
