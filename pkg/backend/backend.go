// Package backend implements the per-model backend pool described in
// spec §3/§4.3: a set of upstream HTTP endpoints with health state, load
// counters, and strategy-driven selection guarded by a single mutex per pool.
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/llm-gateway/pkg/strategy"
)

// emaAlpha is the exponential-moving-average smoothing factor for latency.
const emaAlpha = 0.2

// Backend is a single upstream worker endpoint within a Pool.
type Backend struct {
	Host      string
	Port      int
	Partition string

	mu                  sync.RWMutex
	healthy             bool
	lastCheck           time.Time
	requestCount        int64
	errorCount          int64
	avgLatencyMs        float64
	gpuLoad             int64
	loadLastUpdated     time.Time
	inflight            int64
	consecutiveTimeouts int
}

// NewBackend creates a Backend in the healthy state, matching
// BackendPool.add_backend's default for a freshly-registered endpoint.
func NewBackend(host string, port int, partition string) *Backend {
	return &Backend{Host: host, Port: port, Partition: partition, healthy: true}
}

// URL returns the backend's base URL, e.g. "http://127.0.0.1:5900".
func (b *Backend) URL() string { return fmt.Sprintf("http://%s:%d", b.Host, b.Port) }

// Healthy reports whether the backend is currently eligible for selection.
func (b *Backend) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

func (b *Backend) setHealthy(v bool) {
	b.mu.Lock()
	b.healthy = v
	b.mu.Unlock()
}

// Inflight implements strategy.Candidate.
func (b *Backend) Inflight() int64 { return atomic.LoadInt64(&b.inflight) }

// AvgLatencyMs implements strategy.Candidate.
func (b *Backend) AvgLatencyMs() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.avgLatencyMs
}

// RemoteLoad implements strategy.Candidate.
func (b *Backend) RemoteLoad() int64 { return atomic.LoadInt64(&b.gpuLoad) }

func (b *Backend) incInflight() { atomic.AddInt64(&b.inflight, 1) }

// Release decrements the in-flight counter, floored at zero so a double
// release (or a release racing a pool-level reset) can never go negative.
func (b *Backend) Release() {
	for {
		cur := atomic.LoadInt64(&b.inflight)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&b.inflight, cur, cur-1) {
			return
		}
	}
}

// RecordSuccess folds a successful request's latency into the EMA and resets
// the consecutive-timeout counter.
func (b *Backend) RecordSuccess(latencyMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestCount++
	b.avgLatencyMs = emaAlpha*latencyMs + (1-emaAlpha)*b.avgLatencyMs
	b.consecutiveTimeouts = 0
}

// RecordError counts a failed request without touching the latency EMA.
func (b *Backend) RecordError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestCount++
	b.errorCount++
}

// RecordTimeout increments the consecutive-timeout counter and flips the
// backend unhealthy once it reaches three, per spec §3/§4.5 step 7.
// Returns true if this call caused the unhealthy transition.
func (b *Backend) RecordTimeout() (becameUnhealthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestCount++
	b.errorCount++
	b.consecutiveTimeouts++
	if b.consecutiveTimeouts >= 3 && b.healthy {
		b.healthy = false
		return true
	}
	return false
}

// RecordTransportError flips the backend unhealthy immediately, per spec
// §4.5 step 8 / §7 UpstreamTransport.
func (b *Backend) RecordTransportError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestCount++
	b.errorCount++
	b.healthy = false
}

// SetHealthCheckResult applies the outcome of a §4.4 health probe. Returns
// true if the backend transitioned from unhealthy to healthy.
func (b *Backend) SetHealthCheckResult(ok bool, at time.Time) (recovered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasUnhealthy := !b.healthy
	b.healthy = ok
	b.lastCheck = at
	return ok && wasUnhealthy
}

// ShouldRefreshLoad reports whether the cached remote-load value is older
// than ttl and a new /metrics probe should be issued.
func (b *Backend) ShouldRefreshLoad(ttl time.Duration, now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return now.Sub(b.loadLastUpdated) >= ttl
}

// SetRemoteLoad records the result of a successful /metrics parse.
func (b *Backend) SetRemoteLoad(running, waiting int64, at time.Time) {
	atomic.StoreInt64(&b.gpuLoad, running+waiting)
	b.mu.Lock()
	b.loadLastUpdated = at
	b.mu.Unlock()
}

// Snapshot is a point-in-time, lock-free view of a backend's stats, used for
// /stats and /queue/status responses.
type Snapshot struct {
	URL          string
	Healthy      bool
	Partition    string
	RequestCount int64
	ErrorCount   int64
	AvgLatencyMs float64
	GPULoad      int64
	Inflight     int64
}

// Snapshot captures the backend's current state.
func (b *Backend) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		URL:          b.URL(),
		Healthy:      b.healthy,
		Partition:    b.Partition,
		RequestCount: b.requestCount,
		ErrorCount:   b.errorCount,
		AvgLatencyMs: b.avgLatencyMs,
		GPULoad:      atomic.LoadInt64(&b.gpuLoad),
		Inflight:     atomic.LoadInt64(&b.inflight),
	}
}

// Pool is a named group of backends sharing a strategy-driven selection
// rotation, per spec §3/§4.3. All mutation goes through the pool's mutex;
// Backend itself only guards its own fields so that health/load refresh
// loops can update a backend without blocking pool-wide operations.
type Pool struct {
	Name string

	mu       sync.Mutex
	backends []*Backend
	index    int
}

// NewPool creates an empty pool for the given name (the proxy-facing model
// alias).
func NewPool(name string) *Pool {
	return &Pool{Name: name}
}

// AddBackend registers (host, port) with partition, or marks an existing
// entry healthy and updates its partition if it is already present — the
// idempotent re-registration behavior of spec §4.3/§8. An empty partition
// on re-registration leaves the existing partition unchanged.
func (p *Pool) AddBackend(host string, port int, partition string) *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.Host == host && b.Port == port {
			b.setHealthy(true)
			if partition != "" {
				b.Partition = partition
			}
			return b
		}
	}
	b := NewBackend(host, port, partition)
	p.backends = append(p.backends, b)
	return b
}

// RemoveBackend removes (host, port) if present, returning whether it was
// removed.
func (p *Pool) RemoveBackend(host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.backends {
		if b.Host == host && b.Port == port {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			return true
		}
	}
	return false
}

// Backends returns a snapshot copy of the pool's current backend list. The
// returned slice may be safely ranged over by callers without holding the
// pool lock, but the *Backend pointers remain live, mutable objects.
func (p *Pool) Backends() []*Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// Acquire selects a healthy backend using strategy, increments its in-flight
// counter, and advances the pool's rotation index — all under the pool
// lock, per spec §4.3/§5. Returns nil if no backend is currently healthy.
// The caller MUST call Release on the returned backend exactly once,
// regardless of how the request concludes.
func (p *Pool) Acquire(strat string) *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy []*Backend
	for _, b := range p.backends {
		if b.Healthy() {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	chosen, next := strategy.Select(healthy, strat, p.index)
	p.index = next
	healthy[chosen].incInflight()
	return healthy[chosen]
}

// PoolStats is the per-pool view returned by /stats.
type PoolStats struct {
	Name     string
	Backends []Snapshot
}

// Stats returns a snapshot of every backend in the pool, matching
// BackendPool.get_stats.
func (p *Pool) Stats() PoolStats {
	backends := p.Backends()
	snaps := make([]Snapshot, len(backends))
	for i, b := range backends {
		snaps[i] = b.Snapshot()
	}
	return PoolStats{Name: p.Name, Backends: snaps}
}
