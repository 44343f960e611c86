package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultStallThreshold is how long a worker may hold one node before it
// is reported as stalled.
const DefaultStallThreshold = 10 * time.Minute

// HealthMonitor samples the pool and reports saturation and stalled nodes
type HealthMonitor struct {
	pool           *Pool
	interval       time.Duration
	stallThreshold time.Duration
	logger         *zap.Logger

	mu       sync.Mutex
	started  bool
	once     sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// HealthStatus is a point-in-time view of the pool
type HealthStatus struct {
	TotalWorkers   int       `json:"totalWorkers"`
	IdleWorkers    int       `json:"idleWorkers"`
	BusyWorkers    int       `json:"busyWorkers"`
	StoppedWorkers int       `json:"stoppedWorkers"`
	StalledWorkers int       `json:"stalledWorkers"`
	QueuedJobs     int       `json:"queuedJobs"`
	QueueCapacity  int       `json:"queueCapacity"`
	Healthy        bool      `json:"healthy"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a monitor; a non-positive interval disables the
// background loop but GetStatus stays usable.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:           pool,
		interval:       interval,
		stallThreshold: DefaultStallThreshold,
		logger:         logger,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// SetStallThreshold changes how long a busy worker may run one node before
// it counts as stalled. Zero disables stall detection.
func (h *HealthMonitor) SetStallThreshold(d time.Duration) {
	h.mu.Lock()
	h.stallThreshold = d
	h.mu.Unlock()
}

// Start launches the sampling loop once
func (h *HealthMonitor) Start() {
	if h.interval <= 0 {
		return
	}
	h.once.Do(func() {
		h.mu.Lock()
		h.started = true
		h.mu.Unlock()
		go h.loop()
	})
}

// Stop ends the sampling loop and waits for it to exit
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if started {
		<-h.doneCh
	}
}

func (h *HealthMonitor) loop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.report(h.GetStatus())
		}
	}
}

// report publishes a sample to metrics and logs anything worth attention
func (h *HealthMonitor) report(status *HealthStatus) {
	if h.pool.metrics != nil {
		h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)
		h.pool.metrics.SetQueueDepth("nodes", status.QueuedJobs)
	}

	h.logger.Debug("node pool sampled",
		zap.Int("busy", status.BusyWorkers),
		zap.Int("queued", status.QueuedJobs),
		zap.Int("stalled", status.StalledWorkers),
		zap.Bool("healthy", status.Healthy))

	switch {
	case !status.Healthy:
		h.logger.Warn("node pool is unhealthy",
			zap.Int("stopped", status.StoppedWorkers),
			zap.Int("queued", status.QueuedJobs),
			zap.Int("queue_capacity", status.QueueCapacity))
	case status.QueueCapacity > 0 && status.QueuedJobs == status.QueueCapacity:
		h.logger.Warn("node queue is full, dispatch is blocking",
			zap.Int("workers", status.TotalWorkers))
	}

	if status.StalledWorkers > 0 {
		h.logger.Warn("nodes exceeded stall threshold",
			zap.Int("stalled", status.StalledWorkers),
			zap.Duration("threshold", h.threshold()))
	}
}

func (h *HealthMonitor) threshold() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stallThreshold
}

// GetStatus samples every worker. The pool is healthy while no worker has
// exited and dispatch can still make progress (an idle worker or queue room).
// Stalled workers are reported but do not flip health, since long LLM or
// subgraph nodes are legitimate.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	now := time.Now()
	stallAfter := h.threshold()

	status := &HealthStatus{
		QueuedJobs:    len(h.pool.queue),
		QueueCapacity: cap(h.pool.queue),
		Timestamp:     now,
	}

	for _, s := range h.pool.snapshot() {
		status.TotalWorkers++
		switch s.status {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
			if stallAfter > 0 && now.Sub(s.since) > stallAfter {
				status.StalledWorkers++
			}
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}

	status.Healthy = status.TotalWorkers > 0 &&
		status.StoppedWorkers == 0 &&
		(status.IdleWorkers > 0 || status.QueuedJobs < status.QueueCapacity)

	return status
}

// IsHealthy reports whether the pool can accept node dispatches
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
