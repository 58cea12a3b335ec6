package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellucid/internal/destore"
	"github.com/atlasmap-sc/cellucid/internal/logx"
	"github.com/atlasmap-sc/cellucid/internal/metrics"
)

// ErrQueueFull is returned when no more jobs can be queued.
var ErrQueueFull = errors.New("job queue is full; try again later")

// ErrStopped is returned when submitting to a stopped manager.
var ErrStopped = errors.New("job manager stopped")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int           // Max concurrent DE jobs (default 1)
	SQLitePath    string        // Path to SQLite database
	Retention     time.Duration // How long finished jobs are kept (default 7 days)
	CleanupPeriod time.Duration
	QueueSize     int
	Metrics       *metrics.Metrics
	Log           zerolog.Logger
}

// Executor runs one job. The job is already marked running; the manager
// records the final status from the returned error.
type Executor func(ctx context.Context, store *destore.Store, jobID string) error

// JobManager manages DE jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *destore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	log      zerolog.Logger

	// Executor is called to run the actual DE computation.
	Executor Executor
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	store, err := destore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
		log:     logx.Component(cfg.Log, "jobs"),
	}, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *destore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if n, err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.log.Error().Err(err).Msg("failed to mark running jobs as failed")
	} else if n > 0 {
		jm.log.Warn().Int64("jobs", n).Msg("marked interrupted jobs as failed")
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.log.Error().Err(err).Msg("failed to list queued jobs")
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.log.Info().Str("job", job.ID).Msg("re-queued job")
			default:
				jm.log.Warn().Str("job", job.ID).Msg("queue full, cannot re-queue job")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs, waits for workers and closes the store.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.queue)
		jm.mu.Unlock()

		close(jm.stopCh)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil {
		jm.log.Warn().Err(err).Str("job", jobID).Msg("skipping job")
		return
	}
	// Cancelled while queued.
	if job.Status != destore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	if jm.stopped {
		jm.mu.Unlock()
		return
	}
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		jm.log.Error().Err(err).Str("job", jobID).Msg("failed to mark job started")
		return
	}

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	status, msg := destore.JobStatusCompleted, ""
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = destore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = destore.JobStatusFailed, execErr.Error()
		jm.log.Warn().Err(execErr).Str("job", jobID).Msg("job failed")
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		jm.log.Error().Err(err).Str("job", jobID).Msg("failed to record job status")
	}
	jm.observe(status)
}

func (jm *JobManager) observe(status destore.JobStatus) {
	if jm.cfg.Metrics != nil {
		jm.cfg.Metrics.DEJobs.WithLabelValues(string(status)).Inc()
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.Retention)
	if err != nil {
		jm.log.Error().Err(err).Msg("cleanup error")
	} else if deleted > 0 {
		jm.log.Info().Int64("jobs", deleted).Msg("cleaned up expired jobs")
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params destore.JobParams) (*destore.Job, error) {
	job := &destore.Job{
		ID:        uuid.NewString(),
		Status:    destore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
		NGenes:    len(params.Genes),
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		return nil, ErrStopped
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
		jm.observe(destore.JobStatusQueued)
	default:
		jm.store.UpdateJobStatus(job.ID, destore.JobStatusFailed, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}
	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) (*destore.Job, error) {
	return jm.store.GetJob(id)
}

// List returns recent jobs, newest first.
func (jm *JobManager) List(limit int) ([]*destore.Job, error) {
	return jm.store.ListJobs(limit)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil {
		return false
	}
	if job.Status == destore.JobStatusQueued {
		if err := jm.store.UpdateJobStatus(id, destore.JobStatusCancelled, "cancelled before start"); err != nil {
			return false
		}
		jm.observe(destore.JobStatusCancelled)
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}
