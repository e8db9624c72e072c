package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/zombor/receipt-reel/internal/receipt"
	"github.com/zombor/receipt-reel/internal/sampling"
	"github.com/zombor/receipt-reel/internal/store"
)

var (
	// ErrInvalidJob is returned for submissions that cannot be processed
	ErrInvalidJob = errors.New("invalid job")
	// ErrJobActive is returned when re-running a job that has not finished
	ErrJobActive = errors.New("job is still active")
	// ErrJobFinished is returned when cancelling a job that already finished
	ErrJobFinished = errors.New("job already finished")
	// ErrQueueClosed is returned after Shutdown
	ErrQueueClosed = errors.New("queue is shutting down")
	// ErrQueueFull is returned when no more jobs can wait for a worker
	ErrQueueFull = errors.New("queue is full")
)

// JobRunner processes one job
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Queue admits jobs and hands them to a fixed pool of workers. Delivery is
// at least once: a job may be dequeued again after a restart, so runs must be
// idempotent.
type Queue struct {
	runner  JobRunner
	db      store.DB
	logger  *slog.Logger
	workers int
	timeout time.Duration
	now     func() time.Time

	ch     chan string
	intake chan struct{}
	base   context.Context
	abort  context.CancelCauseFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	closed  bool
	running map[string]context.CancelCauseFunc
	pending map[string]struct{}
}

// Option configures a Queue
type Option func(*Queue)

// WithWorkers sets the number of jobs processed concurrently
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueSize sets how many admitted jobs may wait before Submit blocks
func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan string, n)
		}
	}
}

// WithJobTimeout bounds a single job run
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithQueueClock replaces time.Now
func WithQueueClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates a Queue and starts its workers
func NewQueue(runner JobRunner, db store.DB, logger *slog.Logger, opts ...Option) *Queue {
	base, abort := context.WithCancelCause(context.Background())
	q := &Queue{
		runner:  runner,
		db:      db,
		logger:  logger,
		workers: 2,
		timeout: 30 * time.Minute,
		now:     time.Now,
		ch:      make(chan string, 64),
		intake:  make(chan struct{}),
		base:    base,
		abort:   abort,
		running: make(map[string]context.CancelCauseFunc),
		pending: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("Worker started", "worker_id", workerID)
				for {
					select {
					case <-q.intake:
						q.logger.Info("Worker stopped", "worker_id", workerID)
						return
					case id := <-q.ch:
						q.process(workerID, id)
					}
				}
			}(i + 1)
		}
	})
}

// process runs one delivery of a job. A delivery that arrives while the job
// is still held by another worker is handed to that worker, which runs the
// job again once its current run returns. A panic fails that job only.
func (q *Queue) process(workerID int, jobID string) {
	q.mu.Lock()
	if _, busy := q.running[jobID]; busy {
		q.pending[jobID] = struct{}{}
		q.mu.Unlock()
		q.logger.Info("Job still held by another worker, deferring delivery", "worker_id", workerID, "job_id", jobID)
		return
	}
	jobCtx, cancel := context.WithCancelCause(q.base)
	q.running[jobID] = cancel
	q.mu.Unlock()

	for {
		q.runOnce(jobCtx, workerID, jobID)
		cancel(nil)

		q.mu.Lock()
		_, again := q.pending[jobID]
		delete(q.pending, jobID)
		if !again || q.closed {
			delete(q.running, jobID)
			q.mu.Unlock()
			return
		}
		jobCtx, cancel = context.WithCancelCause(q.base)
		q.running[jobID] = cancel
		q.mu.Unlock()
		q.logger.Info("Running deferred delivery", "worker_id", workerID, "job_id", jobID)
	}
}

func (q *Queue) runOnce(jobCtx context.Context, workerID int, jobID string) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("Job panicked", "worker_id", workerID, "job_id", jobID, "panic", p)
			q.failJob(jobID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	ctx, stop := context.WithTimeout(jobCtx, q.timeout)
	defer stop()

	if err := q.runner.Run(ctx, jobID); err != nil {
		q.logger.Warn("Job run ended with error", "worker_id", workerID, "job_id", jobID, "error", err)
	}
}

func (q *Queue) failJob(jobID, message string) {
	job, err := q.db.GetJob(jobID)
	if err != nil {
		q.logger.Error("Could not load panicked job", "job_id", jobID, "error", err)
		return
	}
	if err := job.SetFailed(message); err != nil {
		return
	}
	job.UpdatedAt = q.now()
	if err := q.db.SaveJob(job); err != nil {
		q.logger.Error("Could not save panicked job", "job_id", jobID, "error", err)
	}
}

// NewJob validates a submission and returns a queued job for it
func NewJob(source string, sampleRate float64, now time.Time) (*receipt.VideoJob, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidJob)
	}
	if math.IsNaN(sampleRate) || sampleRate <= 0 || sampleRate > sampling.MaxRate {
		return nil, fmt.Errorf("%w: sample rate must be in (0, %d]", ErrInvalidJob, sampling.MaxRate)
	}
	return &receipt.VideoJob{
		ID:         receipt.NewJobID(),
		Source:     source,
		SampleRate: sampleRate,
		Status:     receipt.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Submit records a new job and enqueues it. It returns as soon as the job is
// admitted; progress is read back from the store.
func (q *Queue) Submit(_ context.Context, source string, sampleRate float64) (*receipt.VideoJob, error) {
	job, err := NewJob(source, sampleRate, q.now())
	if err != nil {
		return nil, err
	}
	if err := q.db.SaveJob(job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}
	if err := q.admit(job); err != nil {
		return nil, err
	}
	return job, nil
}

// admit enqueues a saved job without waiting. A job that cannot be admitted
// is marked failed so it can be re-run later; after Shutdown it stays queued
// for Recover.
func (q *Queue) admit(job *receipt.VideoJob) error {
	err := q.Enqueue(job.ID)
	if !errors.Is(err, ErrQueueFull) {
		return err
	}
	if ferr := job.SetFailed(err.Error()); ferr != nil {
		return errors.Join(err, ferr)
	}
	job.UpdatedAt = q.now()
	if serr := q.db.SaveJob(job); serr != nil {
		return errors.Join(err, fmt.Errorf("saving job: %w", serr))
	}
	return err
}

// Rerun requeues a finished job. Its previous results are replaced when it runs.
func (q *Queue) Rerun(_ context.Context, jobID string) (*receipt.VideoJob, error) {
	job, err := q.db.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobActive, jobID, job.Status)
	}
	if err := job.Transition(receipt.StatusQueued); err != nil {
		return nil, err
	}
	job.UpdatedAt = q.now()
	if err := q.db.SaveJob(job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}
	if err := q.admit(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel stops a job. A waiting job is marked cancelled at once and skipped
// when dequeued; a running job stops at its next frame boundary.
func (q *Queue) Cancel(jobID string) (*receipt.VideoJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.db.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, job.Status)
	}

	if cancel, ok := q.running[jobID]; ok {
		q.logger.Info("Cancelling running job", "job_id", jobID, "status", job.Status)
		cancel(ErrCancelled)
		return job, nil
	}

	if err := job.Transition(receipt.StatusCancelled); err != nil {
		return nil, err
	}
	job.Error = ErrCancelled.Error()
	job.UpdatedAt = q.now()
	if err := q.db.SaveJob(job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}
	q.logger.Info("Cancelled queued job", "job_id", jobID)
	return job, nil
}

// Enqueue hands a job id to the workers. It never blocks: a full queue
// returns ErrQueueFull.
func (q *Queue) Enqueue(jobID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		q.logger.Warn("Cannot enqueue: queue is shutting down", "job_id", jobID)
		return ErrQueueClosed
	}

	select {
	case q.ch <- jobID:
		q.logger.Info("Queued job for processing", "job_id", jobID)
		return nil
	default:
		q.logger.Warn("Queue full, rejecting job", "job_id", jobID)
		return ErrQueueFull
	}
}

// enqueueWait hands a job id to the workers, waiting while the queue is full
func (q *Queue) enqueueWait(ctx context.Context, jobID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- jobID:
		return nil
	case <-q.intake:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover re-enqueues every job left unfinished by a previous process and
// returns how many were enqueued
func (q *Queue) Recover(ctx context.Context) (int, error) {
	jobs, err := q.db.ListJobs()
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}

	n := 0
	// oldest first
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		if job.Status.IsTerminal() {
			continue
		}
		if job.Status != receipt.StatusQueued {
			q.logger.Info("Recovering interrupted job", "job_id", job.ID, "status", job.Status)
			if err := job.Transition(receipt.StatusQueued); err != nil {
				return n, err
			}
			job.UpdatedAt = q.now()
			if err := q.db.SaveJob(job); err != nil {
				return n, fmt.Errorf("saving job: %w", err)
			}
		}
		if err := q.enqueueWait(ctx, job.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Shutdown stops intake and waits for running jobs. When ctx expires first,
// running jobs are interrupted and keep their status for recovery.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.intake)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-done:
		q.logger.Info("Workers stopped, shutdown complete")
	case <-ctx.Done():
		q.logger.Warn("Shutdown deadline reached, interrupting running jobs")
		q.abort(ErrInterrupted)
		<-done
	}
	q.abort(ErrInterrupted)
}
