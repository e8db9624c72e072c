// Package pipeline drives a VideoJob through sampling, recognition,
// clustering and journalizing, and schedules jobs on a pool of workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-reel/internal/dedup"
	"github.com/zombor/receipt-reel/internal/journal"
	"github.com/zombor/receipt-reel/internal/receipt"
	"github.com/zombor/receipt-reel/internal/sampling"
	"github.com/zombor/receipt-reel/internal/scanning"
	"github.com/zombor/receipt-reel/internal/store"
)

var (
	// ErrCancelled is the cancellation cause of a job stopped on request
	ErrCancelled = errors.New("job cancelled")
	// ErrInterrupted is the cancellation cause of a job stopped by shutdown.
	// The job keeps its status and is recovered on the next start.
	ErrInterrupted = errors.New("job interrupted")
)

// Runner executes one job at a time on the calling goroutine. A Runner may
// be shared by several workers; all per-job state lives in Run.
type Runner struct {
	db          store.DB
	images      store.Storage
	source      sampling.Source
	recognizer  scanning.Recognizer
	generator   *journal.Generator
	dedup       dedup.Config
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithOCRConcurrency bounds in-flight recognitions per job
func WithOCRConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithDedupConfig overrides the clustering parameters
func WithDedupConfig(cfg dedup.Config) RunnerOption {
	return func(r *Runner) {
		r.dedup = cfg
	}
}

// WithImageStorage stores every sampled frame image
func WithImageStorage(s store.Storage) RunnerOption {
	return func(r *Runner) {
		r.images = s
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a Runner
func NewRunner(db store.DB, source sampling.Source, recognizer scanning.Recognizer, generator *journal.Generator, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		db:          db,
		source:      source,
		recognizer:  recognizer,
		generator:   generator,
		dedup:       dedup.DefaultConfig(),
		concurrency: 4,
		now:         time.Now,
		logger:      logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run processes the queued job jobID. Jobs in any other status are skipped,
// which makes duplicate deliveries harmless. Previous results of the job are
// replaced.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.db.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if job.Status != receipt.StatusQueued {
		r.logger.Info("Skipping job", "job_id", jobID, "status", job.Status)
		return nil
	}

	logger := r.logger.With("job_id", job.ID)
	logger.Info("Processing job", "source", job.Source, "sample_rate", job.SampleRate)
	start := r.now()

	err = r.execute(ctx, job, logger)
	switch {
	case err == nil:
		logger.Info("Job done",
			"frames", job.FrameCount,
			"failed_frames", job.FailedFrameCount,
			"receipts", job.ReceiptCount,
			"entries", job.EntryCount,
			"elapsed", r.now().Sub(start))
		return nil
	case errors.Is(err, ErrCancelled):
		logger.Info("Job cancelled", "frames", job.FrameCount)
		if terr := job.Transition(receipt.StatusCancelled); terr != nil {
			return errors.Join(err, terr)
		}
		job.Error = ErrCancelled.Error()
		return errors.Join(err, r.saveJob(job))
	case errors.Is(err, ErrInterrupted):
		logger.Warn("Job interrupted, it will resume on restart", "status", job.Status)
		return err
	default:
		logger.Error("Job failed", "status", job.Status, "error", err)
		if ferr := job.SetFailed(err.Error()); ferr != nil {
			return errors.Join(err, ferr)
		}
		return errors.Join(err, r.saveJob(job))
	}
}

func (r *Runner) saveJob(job *receipt.VideoJob) error {
	job.UpdatedAt = r.now()
	if err := r.db.SaveJob(job); err != nil {
		return fmt.Errorf("saving job: %w", err)
	}
	return nil
}

func (r *Runner) advance(job *receipt.VideoJob, next receipt.Status) error {
	if err := job.Transition(next); err != nil {
		return err
	}
	return r.saveJob(job)
}

// stopped returns the reason ctx is done, or nil
func stopped(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("job timed out: %w", cause)
	}
	if errors.Is(cause, ErrCancelled) || errors.Is(cause, ErrInterrupted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

// slot is one frame travelling from the sampler to the dedup engine. done is
// closed once recognition finished or was skipped.
type slot struct {
	sample  sampling.Sample
	seekErr error
	rec     scanning.Recognition
	err     error
	done    chan struct{}
}

// jobRun is the state of a single execution
type jobRun struct {
	*Runner
	job      *receipt.VideoJob
	logger   *slog.Logger
	engine   *dedup.Engine
	receipts []receipt.Receipt
}

func (r *Runner) execute(ctx context.Context, job *receipt.VideoJob, logger *slog.Logger) error {
	if err := stopped(ctx); err != nil {
		return err
	}

	if err := r.db.ClearResults(job.ID); err != nil {
		return fmt.Errorf("clearing previous results: %w", err)
	}
	if r.images != nil {
		if err := r.images.DeleteAll(job.ID); err != nil {
			return fmt.Errorf("clearing previous frame images: %w", err)
		}
	}
	job.Error = ""
	job.FrameCount, job.FailedFrameCount, job.SkippedCount = 0, 0, 0
	job.ReceiptCount, job.EntryCount = 0, 0

	if err := r.advance(job, receipt.StatusSampling); err != nil {
		return err
	}

	sampler, err := sampling.Open(ctx, r.source, job.Source, job.SampleRate)
	if err != nil {
		if serr := stopped(ctx); serr != nil {
			return serr
		}
		return err
	}
	defer sampler.Close()

	run := &jobRun{Runner: r, job: job, logger: logger, engine: dedup.New(r.dedup)}
	if err := run.processFrames(ctx, sampler); err != nil {
		return err
	}
	if job.Status == receipt.StatusSampling {
		// the source held no frames at all
		if err := r.advance(job, receipt.StatusProcessingFrames); err != nil {
			return err
		}
	}

	if err := r.advance(job, receipt.StatusClustering); err != nil {
		return err
	}
	if c, ok := run.engine.Flush(); ok {
		if err := run.persistCluster(c); err != nil {
			return err
		}
	}

	if err := r.advance(job, receipt.StatusJournalizing); err != nil {
		return err
	}
	if err := run.journalize(ctx); err != nil {
		return err
	}

	return r.advance(job, receipt.StatusDone)
}

// processFrames recognizes frames concurrently and feeds them to the engine in
// frame order. The slots channel is the reordering buffer.
func (run *jobRun) processFrames(ctx context.Context, sampler *sampling.Sampler) error {
	pctx, stop := context.WithCancel(ctx)
	defer stop()

	slots := make(chan *slot, run.concurrency)
	produced := make(chan error, 1)
	go func() {
		produced <- run.produce(pctx, sampler, slots)
	}()

	abort := func(err error) error {
		stop()
		for range slots {
		}
		<-produced
		return err
	}

	for s := range slots {
		if err := stopped(ctx); err != nil {
			return abort(err)
		}
		<-s.done
		if err := stopped(ctx); err != nil {
			return abort(err)
		}
		if err := run.handle(s); err != nil {
			return abort(err)
		}
	}

	if err := <-produced; err != nil {
		if serr := stopped(ctx); serr != nil {
			return serr
		}
		return fmt.Errorf("sampling: %w", err)
	}
	return stopped(ctx)
}

// produce pulls samples and starts one recognition per sample, at most
// concurrency at a time. It closes out when every recognition has finished.
func (run *jobRun) produce(ctx context.Context, sampler *sampling.Sampler, out chan<- *slot) error {
	defer close(out)
	g := new(errgroup.Group)
	g.SetLimit(run.concurrency)
	defer g.Wait()

	for {
		sample, err := sampler.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		s := &slot{sample: sample, done: make(chan struct{})}
		if err != nil {
			if !errors.Is(err, sampling.ErrSeekFailure) {
				return err
			}
			s.seekErr = err
			close(s.done)
		}

		select {
		case out <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.seekErr != nil {
			continue
		}

		g.Go(func() error {
			defer close(s.done)
			s.rec, s.err = run.recognizer.Recognize(ctx, s.sample.Image)
			return nil
		})
	}
}

// handle records one frame and passes it to the engine
func (run *jobRun) handle(s *slot) error {
	job := run.job
	if job.Status == receipt.StatusSampling {
		if err := run.advance(job, receipt.StatusProcessingFrames); err != nil {
			return err
		}
	}

	if s.seekErr != nil {
		run.logger.Warn("Skipping frame", "frame_index", s.sample.Index, "offset_ms", s.sample.OffsetMs, "error", s.seekErr)
		job.SkippedCount++
		return run.saveJob(job)
	}

	frame := receipt.Frame{
		ID:       receipt.FrameID(job.ID, s.sample.Index),
		JobID:    job.ID,
		Index:    s.sample.Index,
		OffsetMs: s.sample.OffsetMs,
	}
	if s.err != nil {
		run.logger.Warn("Frame recognition failed", "frame_index", frame.Index, "error", s.err)
		frame.Error = s.err.Error()
		frame.Quality = s.rec.Quality
	} else {
		frame.RawText = s.rec.Text
		frame.Confidence = s.rec.Confidence
		frame.Quality = s.rec.Quality
		if frame.RawText != "" {
			fields := receipt.Parse(frame.RawText)
			frame.Fields = &fields
		}
	}

	if run.images != nil {
		path, err := run.images.Save(fmt.Sprintf("%s/%d.png", job.ID, frame.Index), s.sample.Image)
		if err != nil {
			run.logger.Warn("Could not store frame image", "frame_index", frame.Index, "error", err)
		} else {
			frame.ImagePath = path
		}
	}

	if err := run.db.SaveFrame(&frame); err != nil {
		return fmt.Errorf("saving frame %d: %w", frame.Index, err)
	}
	job.FrameCount++
	if frame.Failed() {
		job.FailedFrameCount++
	}
	run.logger.Debug("Frame processed",
		"frame_index", frame.Index,
		"offset_ms", frame.OffsetMs,
		"confidence", frame.Confidence,
		"failed", frame.Failed())

	if c, ok := run.engine.Add(frame); ok {
		if err := run.persistCluster(c); err != nil {
			return err
		}
	}
	return run.saveJob(job)
}

// persistCluster stores the receipt of a finalized cluster
func (run *jobRun) persistCluster(c dedup.Cluster) error {
	r := receipt.FromBestFrame(run.job.ID, c.Sequence, c.Best, c.FrameIDs, run.now())
	if err := run.db.SaveReceipt(&r); err != nil {
		return fmt.Errorf("saving receipt %d: %w", c.Sequence, err)
	}
	run.receipts = append(run.receipts, r)
	run.job.ReceiptCount = len(run.receipts)
	run.logger.Info("Receipt found",
		"sequence", r.Sequence,
		"frames", len(r.FrameIDs),
		"best_frame_id", r.BestFrameID,
		"offset_ms", r.OffsetMs)
	return run.saveJob(run.job)
}

// journalize writes entries and the manual journal flag of every receipt
func (run *jobRun) journalize(ctx context.Context) error {
	flagged, entries := run.generator.Journalize(ctx, run.receipts)
	for i := range flagged {
		if !flagged[i].NeedsManualJournal {
			continue
		}
		run.logger.Info("Receipt needs manual journal", "sequence", flagged[i].Sequence)
		if err := run.db.SaveReceipt(&flagged[i]); err != nil {
			return fmt.Errorf("saving receipt %d: %w", flagged[i].Sequence, err)
		}
	}
	for i := range entries {
		if !entries[i].Balanced() {
			return fmt.Errorf("unbalanced journal entry for receipt %d", entries[i].Sequence)
		}
		if err := run.db.SaveJournalEntry(&entries[i]); err != nil {
			return fmt.Errorf("saving journal entry %d: %w", entries[i].Sequence, err)
		}
	}
	run.receipts = flagged
	run.job.EntryCount = len(entries)
	return nil
}
