package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmesh/llm-gateway/pkg/backend"
	"github.com/agentmesh/llm-gateway/pkg/cluster"
	"github.com/agentmesh/llm-gateway/pkg/gateway"
	"github.com/agentmesh/llm-gateway/pkg/gwconfig"
	"github.com/agentmesh/llm-gateway/pkg/health"
	"github.com/agentmesh/llm-gateway/pkg/logger"
	"github.com/agentmesh/llm-gateway/pkg/reconcile"
	"github.com/agentmesh/llm-gateway/pkg/tracker"
	"github.com/agentmesh/llm-gateway/pkg/tunnel"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	configPath   string
	port         int
	strategy     string
	pollInterval time.Duration
	verbose      bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the load-balancing proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to a gateway YAML config file")
	flags.IntVar(&opts.port, "port", 0, "listen port (overrides config)")
	flags.StringVar(&opts.strategy, "strategy", "", "load-balancing strategy (overrides config)")
	flags.DurationVar(&opts.pollInterval, "poll-interval", 0, "cluster reconciliation poll interval (overrides config)")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := gwconfig.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.port != 0 {
		cfg.Proxy.Port = opts.port
	}
	if opts.strategy != "" {
		cfg.Proxy.Strategy = opts.strategy
	}
	if opts.pollInterval != 0 {
		cfg.Reconcile.PollInterval = opts.pollInterval
	}

	logger.Initialize(opts.verbose || cfg.Proxy.Verbose)

	pools := backend.NewPoolSet()
	for _, m := range cfg.Models {
		pools.Pool(m.Name)
	}

	trk := tracker.New(tracker.DefaultCleanupInterval, tracker.DefaultStaleTimeout, tracker.DefaultMaxHistory)

	gw := gateway.New(pools, trk, cfg.Headers, cfg.Proxy.Strategy, cfg.Proxy.RequestTimeout)

	checker := health.NewChecker(pools, cfg.Proxy.HealthCheckInterval)

	enumerator := cluster.NewLocalEnumerator()
	tunnels := tunnel.NewLoopback()
	reconciler := reconcile.New(enumerator, pools, tunnels, cfg.Models, cfg.Reconcile.User, cfg.Reconcile.PollInterval)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go trk.Run(ctx.Done())
	go checker.RunHealthLoop(ctx)
	go checker.RunLoadRefreshLoop(ctx)
	go reconciler.Run(ctx)

	addr := fmt.Sprintf(":%d", cfg.Proxy.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: gw.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gatewayd listening on %s", announceAddr(addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// announceAddr resolves a ":port"-style listen address to something more
// useful for a startup banner, falling back to the raw address if the
// local hostname can't be resolved.
func announceAddr(addr string) string {
	host, err := os.Hostname()
	if err != nil {
		return addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return fmt.Sprintf("%s (host %s)", addr, host+":"+port)
}
