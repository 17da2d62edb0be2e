package backend

import "sync"

// PoolSet is the proxy-wide collection of per-model pools, keyed by pool
// name (the model alias used in routing).
type PoolSet struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewPoolSet creates an empty PoolSet.
func NewPoolSet() *PoolSet {
	return &PoolSet{pools: make(map[string]*Pool)}
}

// Pool returns the named pool, creating it if it does not yet exist.
func (s *PoolSet) Pool(name string) *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	if !ok {
		p = NewPool(name)
		s.pools[name] = p
	}
	return p
}

// Lookup returns the named pool without creating it.
func (s *PoolSet) Lookup(name string) (*Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[name]
	return p, ok
}

// Names returns every pool name currently registered, in no particular
// order.
func (s *PoolSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	return names
}

// All returns every pool currently registered.
func (s *PoolSet) All() []*Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	return pools
}

// AllBackends flattens every backend across every pool, satisfying
// health.PoolLister.
func (s *PoolSet) AllBackends() []*Backend {
	s.mu.RLock()
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	var all []*Backend
	for _, p := range pools {
		all = append(all, p.Backends()...)
	}
	return all
}

// Remove deletes a pool entirely. Reconciliation does not call it: a pool
// whose last backend is removed stays registered, empty.
func (s *PoolSet) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, name)
}

// RemoveBackend removes (host, port) from whichever pool currently holds it,
// per spec §4.3's cross-pool removal contract. Returns whether any pool
// reported a removal.
func (s *PoolSet) RemoveBackend(host string, port int) bool {
	s.mu.RLock()
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	removed := false
	for _, p := range pools {
		if p.RemoveBackend(host, port) {
			removed = true
		}
	}
	return removed
}
