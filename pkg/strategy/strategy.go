// Package strategy implements the pure backend-selection functions used by
// the backend pool's acquire path. None of it mutates backend state or
// touches a lock; the caller is responsible for both.
package strategy

// Candidate is the minimal view of a backend a strategy needs to pick among.
// pkg/backend's Backend satisfies this.
type Candidate interface {
	Inflight() int64
	AvgLatencyMs() float64
	RemoteLoad() int64
}

const (
	RoundRobin       = "round_robin"
	LeastConnections = "least_connections"
	LeastLatency     = "least_latency"
	LeastLoad        = "least_load"
)

// Select picks a candidate from backends given strategy and the pool's
// current rotation index, returning the chosen index into backends and the
// next rotation index. backends must be non-empty. An unknown strategy name
// falls back to index 0 without advancing the rotation.
func Select[T Candidate](backends []T, name string, index int) (int, int) {
	switch name {
	case RoundRobin:
		return index % len(backends), index + 1
	case LeastConnections:
		return leastOf(backends, index, func(b T) float64 { return float64(b.Inflight()) })
	case LeastLatency:
		return leastOf(backends, index, func(b T) float64 { return b.AvgLatencyMs() })
	case LeastLoad:
		return leastOf(backends, index, func(b T) float64 { return float64(b.RemoteLoad()) + float64(b.Inflight()) })
	default:
		return 0, index
	}
}

// leastOf finds the minimum key among backends, collects the tied subset in
// original order, and picks tied[index % len(tied)] — giving fair rotation
// among equally-loaded backends instead of always picking the first tie.
func leastOf[T any](backends []T, index int, key func(T) float64) (int, int) {
	minKey := key(backends[0])
	for _, b := range backends[1:] {
		if k := key(b); k < minKey {
			minKey = k
		}
	}

	var tied []int
	for i, b := range backends {
		if key(b) == minKey {
			tied = append(tied, i)
		}
	}

	chosen := tied[index%len(tied)]
	return chosen, index + 1
}
