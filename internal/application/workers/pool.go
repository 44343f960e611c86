package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/flowengine/pkg/ports"
	"go.uber.org/zap"
)

// ErrPoolStopped is returned by Submit once the pool is shutting down.
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool manages a pool of worker goroutines
type Pool struct {
	size    int
	queue   chan func()
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	workers []*worker
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool
func NewPool(
	size int,
	queueSize int,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	pool := &Pool{
		size:    size,
		queue:   make(chan func(), queueSize),
		metrics: metrics,
		logger:  logger,
		workers: make([]*worker, size),
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run()
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Submit queues job, blocking while the queue is full. Every accepted job
// runs, even during shutdown.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- job:
		p.metrics.SetQueueDepth("nodes", len(p.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown gracefully shuts down the worker pool
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()

	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

type workerSample struct {
	status WorkerStatus
	since  time.Time
}

// snapshot reads every worker's status and the start of its current job
func (p *Pool) snapshot() []workerSample {
	p.mu.RLock()
	defer p.mu.RUnlock()

	samples := make([]workerSample, 0, len(p.workers))
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		samples = append(samples, workerSample{status: w.status, since: w.lastJob})
		w.mu.RUnlock()
	}
	return samples
}

// Health returns the pool's health monitor.
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// run is the main worker loop
func (w *worker) run() {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for job := range w.pool.queue {
		w.execute(job)
	}

	w.setStatus(WorkerStatusStopped)
	w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
}

// execute runs one job, isolating panics from the worker
func (w *worker) execute(job func()) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("job panicked",
				zap.String("worker_id", w.id),
				zap.Any("panic", r))
		}
		w.setStatus(WorkerStatusIdle)
	}()

	job()
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}
