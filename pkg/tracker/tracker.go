// Package tracker maintains a bounded, in-memory ledger of in-flight and
// recently completed proxy requests, grouped by session and client, per
// spec §3/§4.2/§6.5.
package tracker

import (
	"sort"
	"sync"
	"time"
)

// Defaults mirror RequestTracker's constructor defaults in the original
// implementation.
const (
	DefaultCleanupInterval = 60 * time.Second
	DefaultStaleTimeout    = 600 * time.Second
	DefaultMaxHistory      = 1000

	maxPendingInStatus  = 50
	maxInFlightInStatus = 50
)

// Request is a single tracked proxy request, matching TrackedRequest.
type Request struct {
	ID            string
	SessionID     string
	TaskID        string
	ClientID      string
	ClientCommand string
	Source        string // client address, e.g. "10.0.0.7:54321"
	Path          string
	Model         string
	TurnNumber    int
	SubmitTime    time.Time

	ProcessingStart time.Time
	CompleteTime    time.Time

	Status  string // "pending", "processing", "completed", "failed"
	Backend string

	AgentObsMs         *float64
	AgentActMs         *float64
	BackendRoundTripMs *float64
	RequestText        string
	ResponseText       string
}

func (r *Request) waitMs() float64 {
	if r.ProcessingStart.IsZero() {
		return 0
	}
	return float64(r.ProcessingStart.Sub(r.SubmitTime).Milliseconds())
}

func (r *Request) processingMs(now time.Time) float64 {
	if r.ProcessingStart.IsZero() {
		return 0
	}
	end := r.CompleteTime
	if end.IsZero() {
		end = now
	}
	return float64(end.Sub(r.ProcessingStart).Milliseconds())
}

func (r *Request) totalMs(now time.Time) float64 {
	end := r.CompleteTime
	if end.IsZero() {
		end = now
	}
	return float64(end.Sub(r.SubmitTime).Milliseconds())
}

// ToDict renders the legacy-aliased JSON view of a single request, matching
// TrackedRequest.to_dict.
func (r *Request) ToDict(now time.Time) map[string]any {
	d := map[string]any{
		"id":             r.ID,
		"session_id":     r.SessionID,
		"episode_id":     r.SessionID,
		"task_id":        r.TaskID,
		"instruction_id": r.TaskID,
		"client_id":      r.ClientID,
		"process_id":     r.ClientID,
		"client_command": r.ClientCommand,
		"source":         r.Source,
		"path":           r.Path,
		"model":          r.Model,
		"turn_number":    r.TurnNumber,
		"status":         r.Status,
		"backend":        r.Backend,
		"wait_ms":        r.waitMs(),
		"processing_ms":  r.processingMs(now),
		"total_ms":       r.totalMs(now),
	}
	if r.AgentObsMs != nil {
		d["agent_obs_ms"] = *r.AgentObsMs
	}
	if r.AgentActMs != nil {
		d["agent_act_ms"] = *r.AgentActMs
	}
	if r.BackendRoundTripMs != nil {
		d["backend_round_trip_ms"] = *r.BackendRoundTripMs
	}
	if r.RequestText != "" {
		d["request_summary"] = r.RequestText
	}
	if r.ResponseText != "" {
		d["response_summary"] = r.ResponseText
	}
	return d
}

// Tracker is the proxy-wide request ledger. All methods are safe for
// concurrent use.
type Tracker struct {
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
	MaxHistory      int

	mu       sync.Mutex
	requests map[string]*Request
	order    []string // insertion order, for max-history eviction

	sessionTurns map[string]int
}

// New creates a Tracker with the given limits; a zero value for any of
// cleanupInterval/staleTimeout/maxHistory falls back to the package default.
func New(cleanupInterval, staleTimeout time.Duration, maxHistory int) *Tracker {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Tracker{
		CleanupInterval: cleanupInterval,
		StaleTimeout:    staleTimeout,
		MaxHistory:      maxHistory,
		requests:        make(map[string]*Request),
		sessionTurns:    make(map[string]int),
	}
}

// Submit registers a newly received request in the "pending" state. When
// sessionID is non-empty, the request is assigned the next turn number for
// that session (1-based, monotonically increasing per session).
func (t *Tracker) Submit(id, sessionID, taskID, clientID, clientCommand, source, path, model string, now time.Time) *Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	var turn int
	if sessionID != "" {
		t.sessionTurns[sessionID]++
		turn = t.sessionTurns[sessionID]
	}

	req := &Request{
		ID:            id,
		SessionID:     sessionID,
		TaskID:        taskID,
		ClientID:      clientID,
		ClientCommand: clientCommand,
		Source:        source,
		Path:          path,
		Model:         model,
		TurnNumber:    turn,
		SubmitTime:    now,
		Status:        "pending",
	}
	t.requests[id] = req
	t.order = append(t.order, id)
	t.evictOverCapacityLocked()
	return req
}

// StartProcessing transitions a request to "processing" and records its
// backend assignment.
func (t *Tracker) StartProcessing(id, backend string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.requests[id]; ok {
		req.Status = "processing"
		req.Backend = backend
		req.ProcessingStart = now
	}
}

// Annotate records optional agent-observation/action timing, the backend
// round-trip duration, and the truncated request/response summaries
// captured along the proxy path.
func (t *Tracker) Annotate(id string, agentObsMs, agentActMs, backendRoundTripMs *float64, requestSummary, responseSummary string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[id]
	if !ok {
		return
	}
	if agentObsMs != nil {
		req.AgentObsMs = agentObsMs
	}
	if agentActMs != nil {
		req.AgentActMs = agentActMs
	}
	if backendRoundTripMs != nil {
		req.BackendRoundTripMs = backendRoundTripMs
	}
	if requestSummary != "" {
		req.RequestText = requestSummary
	}
	if responseSummary != "" {
		req.ResponseText = responseSummary
	}
}

// Complete marks a request finished, successfully or not.
func (t *Tracker) Complete(id string, success bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[id]
	if !ok {
		return
	}
	req.CompleteTime = now
	if success {
		req.Status = "completed"
	} else {
		req.Status = "failed"
	}
}

// evictOverCapacityLocked drops the oldest completed/failed entries once
// the ledger exceeds MaxHistory, per spec §4.2 step 3. Active (pending/
// processing) entries are never evicted this way, even if the ledger stays
// over capacity as a result. Caller must hold t.mu.
func (t *Tracker) evictOverCapacityLocked() {
	over := len(t.order) - t.MaxHistory
	if over <= 0 {
		return
	}

	kept := t.order[:0]
	removed := 0
	for _, id := range t.order {
		req := t.requests[id]
		if removed < over && (req.Status == "completed" || req.Status == "failed") {
			delete(t.requests, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// runCleanup implements spec §4.2 steps 1-2: completed/failed entries are
// pruned once CleanupInterval has passed since completion, and pending/
// processing entries that have seen no state change for StaleTimeout are
// force-evicted regardless of status.
func (t *Tracker) runCleanup(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	completedCutoff := now.Add(-t.CleanupInterval)
	staleCutoff := now.Add(-t.StaleTimeout)

	kept := t.order[:0]
	for _, id := range t.order {
		req := t.requests[id]
		switch req.Status {
		case "completed", "failed":
			if req.CompleteTime.Before(completedCutoff) {
				delete(t.requests, id)
				continue
			}
		case "processing":
			since := req.ProcessingStart
			if since.IsZero() {
				since = req.SubmitTime
			}
			if since.Before(staleCutoff) {
				delete(t.requests, id)
				continue
			}
		default: // "pending"
			if req.SubmitTime.Before(staleCutoff) {
				delete(t.requests, id)
				continue
			}
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Run drives the periodic eviction loop until stop is closed. It is
// intended to be launched as a goroutine from the composition root.
func (t *Tracker) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(t.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.runCleanup(now)
		}
	}
}

// Status is the full snapshot rendered by /queue/status.
type Status struct {
	TotalTracked   int
	Pending        []map[string]any
	InFlight       []map[string]any
	SessionMap     map[string]any
	ClientMap      map[string]any
	OrphanSessions []string
}

// GetStatus builds the aggregated view returned by the queue-status
// endpoint, including the legacy "episodes"/"processes"/"orphan_episodes"
// key duplication.
func (t *Tracker) GetStatus(now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending, inFlight []map[string]any
	bySession := map[string][]map[string]any{}
	byClient := map[string][]map[string]any{}
	sessionsWithActivity := map[string]bool{}

	for _, id := range t.order {
		req := t.requests[id]
		d := req.ToDict(now)
		switch req.Status {
		case "pending":
			if len(pending) < maxPendingInStatus {
				pending = append(pending, d)
			}
		case "processing":
			if len(inFlight) < maxInFlightInStatus {
				inFlight = append(inFlight, d)
			}
		}
		if req.SessionID != "" {
			bySession[req.SessionID] = append(bySession[req.SessionID], d)
			sessionsWithActivity[req.SessionID] = true
		}
		if req.ClientID != "" {
			byClient[req.ClientID] = append(byClient[req.ClientID], d)
		}
	}

	sessionMap := make(map[string]any, len(bySession))
	for sid, reqs := range bySession {
		sessionMap[sid] = map[string]any{
			"session_id": sid,
			"episode_id": sid,
			"turns":      t.sessionTurns[sid],
			"requests":   reqs,
			"episodes":   reqs,
		}
	}

	clientMap := make(map[string]any, len(byClient))
	for cid, reqs := range byClient {
		clientMap[cid] = map[string]any{
			"client_id":  cid,
			"process_id": cid,
			"requests":   reqs,
			"processes":  reqs,
		}
	}

	var orphans []string
	for sid := range t.sessionTurns {
		if !sessionsWithActivity[sid] {
			orphans = append(orphans, sid)
		}
	}
	sort.Strings(orphans)

	return Status{
		TotalTracked:   len(t.requests),
		Pending:        pending,
		InFlight:       inFlight,
		SessionMap:     sessionMap,
		ClientMap:      clientMap,
		OrphanSessions: orphans,
	}
}

// ToMap renders Status with the legacy "orphan_episodes" alias alongside
// "orphan_sessions", matching RequestTracker.get_status's top-level dict.
func (s Status) ToMap() map[string]any {
	return map[string]any{
		"total_tracked":   s.TotalTracked,
		"pending":         s.Pending,
		"in_flight":       s.InFlight,
		"sessions":        s.SessionMap,
		"clients":         s.ClientMap,
		"orphan_sessions": s.OrphanSessions,
		"orphan_episodes": s.OrphanSessions,
	}
}
