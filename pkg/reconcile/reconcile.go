// Package reconcile runs the background loop that keeps backend pools in
// sync with whatever processes a cluster enumerator currently reports
// running, per spec §4.6.
package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/llm-gateway/pkg/backend"
	"github.com/agentmesh/llm-gateway/pkg/cluster"
	"github.com/agentmesh/llm-gateway/pkg/gwconfig"
	"github.com/agentmesh/llm-gateway/pkg/logger"
	"github.com/agentmesh/llm-gateway/pkg/tunnel"
)

const vllmCommandPrefix = "start_vllm_"

const availabilityCheckTimeout = 3 * time.Second

// Endpoint is a fully resolved backend location derived from a cluster
// job: the model it serves, the node/port to reach it at, and the
// partition it was scheduled on.
type Endpoint struct {
	Model     string
	Node      string
	Port      int
	Partition string
}

func (e Endpoint) key() string {
	return e.Node + ":" + strconv.Itoa(e.Port)
}

// Reconciler polls an Enumerator on an interval, diffs the endpoint set it
// derives against what it last saw, and applies the add/remove delta to a
// PoolSet and a tunnel Manager.
type Reconciler struct {
	Enumerator cluster.Enumerator
	Pools      *backend.PoolSet
	Tunnels    tunnel.Manager
	Models     []gwconfig.ModelConfig
	User       string
	Interval   time.Duration

	// AvailabilityCheck reports whether (node, port) is currently serving
	// traffic; it gates adding an endpoint to the pool so a reconcile pass
	// never wires in a backend process that hasn't finished starting.
	// Defaults to an HTTP GET against /health when nil.
	AvailabilityCheck func(ctx context.Context, node string, port int) bool

	known map[string]Endpoint
}

// New creates a Reconciler with its endpoint memory initialized empty.
func New(enumerator cluster.Enumerator, pools *backend.PoolSet, tunnels tunnel.Manager, models []gwconfig.ModelConfig, user string, interval time.Duration) *Reconciler {
	return &Reconciler{
		Enumerator: enumerator,
		Pools:      pools,
		Tunnels:    tunnels,
		Models:     models,
		User:       user,
		Interval:   interval,
		known:      make(map[string]Endpoint),
	}
}

func (r *Reconciler) modelConfig(name string) (gwconfig.ModelConfig, bool) {
	for _, m := range r.Models {
		if m.Name == name {
			return m, true
		}
	}
	return gwconfig.ModelConfig{}, false
}

// parseCommandStem splits a "start_vllm_<model>_<replica>" stem into its
// model name and replica index, per the command-path convention the
// original orchestrator derives endpoints from. A stem with no trailing
// "_<digits>" segment is replica 0.
func parseCommandStem(stem string) (model string, replica int) {
	rest := strings.TrimPrefix(stem, vllmCommandPrefix)
	idx := strings.LastIndexByte(rest, '_')
	if idx < 0 {
		return rest, 0
	}
	suffix := rest[idx+1:]
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return rest, 0
	}
	return rest[:idx], n
}

// buildEndpoint derives an Endpoint from a single cluster job, or returns
// ok=false if the job's command doesn't match the expected stem or names a
// model this reconciler has no configuration for.
func (r *Reconciler) buildEndpoint(job cluster.Job) (Endpoint, bool) {
	stem := cluster.CommandStem(job.Command)
	if !strings.HasPrefix(stem, vllmCommandPrefix) {
		return Endpoint{}, false
	}
	model, replica := parseCommandStem(stem)

	cfg, ok := r.modelConfig(model)
	if !ok {
		return Endpoint{}, false
	}

	port := job.Port
	if port == 0 {
		port = cfg.BasePort + replica*10
	}

	return Endpoint{
		Model:     model,
		Node:      job.Node,
		Port:      port,
		Partition: job.Partition,
	}, true
}

func (r *Reconciler) buildEndpoints(jobs []cluster.Job) []Endpoint {
	endpoints := make([]Endpoint, 0, len(jobs))
	for _, job := range jobs {
		if ep, ok := r.buildEndpoint(job); ok {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

func (r *Reconciler) testAvailability(ctx context.Context, node string, port int) bool {
	check := r.AvailabilityCheck
	if check == nil {
		check = defaultAvailabilityCheck
	}
	ctx, cancel := context.WithTimeout(ctx, availabilityCheckTimeout)
	defer cancel()
	return check(ctx, node, port)
}

func defaultAvailabilityCheck(ctx context.Context, node string, port int) bool {
	url := fmt.Sprintf("http://%s:%d/health", node, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Reconcile runs a single poll-diff-apply pass: list jobs, derive
// endpoints, compare against the known set, and add/remove backends and
// tunnels for the delta. Errors from the enumerator are returned to the
// caller (the resilient supervisor loop logs and retries); a backend that
// fails its availability check is simply skipped for this pass rather than
// treated as an error.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	jobs, err := r.Enumerator.ListJobs(ctx, r.User)
	if err != nil {
		return fmt.Errorf("listing cluster jobs: %w", err)
	}

	candidates := r.buildEndpoints(jobs)

	current := make(map[string]Endpoint, len(candidates))
	for _, ep := range candidates {
		if !r.testAvailability(ctx, ep.Node, ep.Port) {
			continue
		}
		current[ep.key()] = ep
	}

	for key, ep := range current {
		if _, ok := r.known[key]; ok {
			continue
		}
		if err := r.Tunnels.AddTunnel(ep.Node, ep.Port); err != nil {
			logger.Errorf("reconcile: adding tunnel for %s:%d: %v", ep.Node, ep.Port, err)
			continue
		}
		r.Pools.Pool(ep.Model).AddBackend(ep.Node, ep.Port, ep.Partition)
		logger.Infof("reconcile: added backend %s:%d to pool %s", ep.Node, ep.Port, ep.Model)
	}

	for key, ep := range r.known {
		if _, ok := current[key]; ok {
			continue
		}
		if pool, ok := r.Pools.Lookup(ep.Model); ok {
			pool.RemoveBackend(ep.Node, ep.Port)
		}
		if err := r.Tunnels.RemoveTunnel(ep.Node, ep.Port); err != nil {
			logger.Errorf("reconcile: removing tunnel for %s:%d: %v", ep.Node, ep.Port, err)
		}
		logger.Infof("reconcile: removed backend %s:%d from pool %s", ep.Node, ep.Port, ep.Model)
	}

	r.known = current
	return nil
}

// Run drives Reconcile on Interval until ctx is cancelled, catching and
// logging per-pass errors instead of letting one failed poll end the loop.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				logger.Errorf("reconcile loop error: %v", err)
			}
		}
	}
}
