package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WorkerPoolConfig configures the worker pool
type WorkerPoolConfig struct {
	// Size is the number of queue managers run by this process
	Size int
	// WorkerPrefix names the workers; each gets "<prefix>-<n>"
	WorkerPrefix string
	// Manager is the template every worker is built from
	Manager ManagerConfig
}

// DefaultWorkerPoolConfig returns default configuration for queue workers
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Size:    4,
		Manager: DefaultManagerConfig(),
	}
}

// WorkerPool runs several Managers over shared dependencies
type WorkerPool struct {
	managers []*Manager
	deps     Dependencies
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewWorkerPool creates the pool and its managers. It does not start them.
func NewWorkerPool(config WorkerPoolConfig, deps Dependencies) (*WorkerPool, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if config.Size <= 0 {
		config.Size = DefaultWorkerPoolConfig().Size
	}
	deps = deps.withDefaults()

	pool := &WorkerPool{
		deps:   deps,
		logger: slog.Default().With("component", "queue-worker-pool"),
	}
	for i := 0; i < config.Size; i++ {
		mc := config.Manager
		if config.WorkerPrefix != "" {
			mc.WorkerID = fmt.Sprintf("%s-%d", config.WorkerPrefix, i)
		} else {
			mc.WorkerID = ""
		}
		pool.managers = append(pool.managers, NewManager(mc, deps))
	}
	return pool, nil
}

// Managers returns the pool's workers
func (p *WorkerPool) Managers() []*Manager {
	return p.managers
}

// Start launches every manager in the background
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range p.managers {
		m := m
		g.Go(func() error {
			return m.Start(gctx)
		})
	}

	p.cancel = cancel
	p.group = g
	p.running = true
	p.logger.Info("Starting queue worker pool", "size", len(p.managers))
	return nil
}

// Wait blocks until every manager returned
func (p *WorkerPool) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop cancels the managers and waits for them
func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel, g := p.cancel, p.group
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Stopping queue worker pool")
	cancel()
	err := g.Wait()
	p.logger.Info("Queue worker pool stopped", "final_stats", p.Stats())
	return err
}

// Refresh wakes every worker subscribed to the pool's events
func (p *WorkerPool) Refresh(scope Scope) {
	p.deps.Events.Refresh(scope)
}

// PoolStats aggregates the counters of all workers
type PoolStats struct {
	Workers      int            `json:"workers"`
	Attempts     int64          `json:"attempts"`
	Delivered    int64          `json:"delivered"`
	Deferred     int64          `json:"deferred"`
	Failed       int64          `json:"failed"`
	DeadLettered int64          `json:"dead_lettered"`
	Contended    int64          `json:"contended"`
	PerWorker    []ManagerStats `json:"per_worker"`
}

// Stats returns the aggregated worker counters
func (p *WorkerPool) Stats() PoolStats {
	stats := PoolStats{Workers: len(p.managers)}
	for _, m := range p.managers {
		s := m.Stats()
		stats.Attempts += s.Attempts
		stats.Delivered += s.Delivered
		stats.Deferred += s.Deferred
		stats.Failed += s.Failed
		stats.DeadLettered += s.DeadLettered
		stats.Contended += s.Contended
		stats.PerWorker = append(stats.PerWorker, s)
	}
	return stats
}
