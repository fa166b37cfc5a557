package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-outbound/internal/api"
	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/metrics"
	"github.com/busybox42/elemta-outbound/internal/queue"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue workers, the housekeeper and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers > 0 {
				opts.cfg.Queue.Workers = workers
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Override the number of queue workers")
	return cmd
}

// serve runs until ctx is cancelled
func serve(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	logger := slog.Default().With("component", "serve")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	resolver := delivery.NewResolver(cfg.Resolver.ResolverConfig())
	cfg.Resolver.ApplyStatic(resolver)
	go resolver.Run(ctx, cfg.Resolver.CacheTTL.Std())

	executor := delivery.NewExecutor(cfg.Delivery.ExecutorConfig(cfg.Queue.AttemptTimeout.Std()))

	recorder := metrics.MultiRecorder{metrics.PromRecorder{}}
	var metricsStore api.MetricsStore
	if cfg.Metrics.ValkeyAddr != "" {
		store, err := metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr, cfg.Metrics.ValkeyPassword)
		if err != nil {
			return fmt.Errorf("failed to connect metrics store: %w", err)
		}
		defer store.Close()
		recorder = append(recorder, store)
		metricsStore = store
	}
	a.queue.SetRecorder(recorder)

	if a.bridge != nil {
		go func() {
			if err := a.bridge.Run(ctx); err != nil {
				logger.Error("Refresh bridge stopped", "error", err)
			}
		}()
	}

	pool, err := queue.NewWorkerPool(cfg.Queue.WorkerPoolConfig(), queue.Dependencies{
		Store:     a.store,
		Blobs:     a.blobs,
		Locks:     a.locks,
		Resolver:  resolver,
		Executor:  executor,
		Scheduler: queue.NewScheduler(cfg.Queue.RetryPolicy()),
		Events:    a.events,
		Recorder:  recorder,
	})
	if err != nil {
		return err
	}

	hk := a.housekeeper()
	hk.Start()
	defer hk.Stop()

	if cfg.API.Enabled {
		srv, err := api.NewServer(api.Config{
			Enabled:    true,
			ListenAddr: cfg.API.Listen,
			RateLimit: api.RateLimitConfig{
				Enabled:           cfg.API.RateLimit > 0,
				RequestsPerSecond: cfg.API.RateLimit,
				Burst:             cfg.API.Burst,
				TrustedProxies:    cfg.API.TrustedProxies,
			},
		}, api.Dependencies{
			Queue:    a.queue,
			Workers:  pool,
			Resolver: resolver,
			Metrics:  metricsStore,
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(); err != nil {
				logger.Warn("API server shutdown error", "error", err)
			}
		}()
	}

	if err := pool.Start(ctx); err != nil {
		return err
	}
	logger.Info("Outbound queue running",
		"workers", cfg.Queue.Workers,
		"store", cfg.Store.Driver,
		"lock_store", a.locks.Type())

	<-ctx.Done()
	logger.Info("Shutting down")
	return pool.Stop()
}
