package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/zombor/receipt-reel/internal/receipt"
	"github.com/zombor/receipt-reel/internal/store"
)

// Scheduler admits and controls jobs
type Scheduler interface {
	Submit(ctx context.Context, source string, sampleRate float64) (*receipt.VideoJob, error)
	Rerun(ctx context.Context, jobID string) (*receipt.VideoJob, error)
	Cancel(jobID string) (*receipt.VideoJob, error)
}

// Service exposes jobs and their results
type Service struct {
	db          store.DB
	scheduler   Scheduler
	images      store.Storage
	defaultRate float64
}

// NewService creates a new Service. defaultRate applies to submissions without a sample rate.
func NewService(db store.DB, scheduler Scheduler, images store.Storage, defaultRate float64) *Service {
	return &Service{
		db:          db,
		scheduler:   scheduler,
		images:      images,
		defaultRate: defaultRate,
	}
}

// SubmitJob admits a new job for source
func (s *Service) SubmitJob(ctx context.Context, source string, sampleRate float64) (*receipt.VideoJob, error) {
	if sampleRate == 0 {
		sampleRate = s.defaultRate
	}
	job, err := s.scheduler.Submit(ctx, source, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("submitting job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (s *Service) GetJob(id string) (*receipt.VideoJob, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs, newest first, optionally only those in status
func (s *Service) ListJobs(status string) ([]*receipt.VideoJob, error) {
	var want receipt.Status
	if strings.TrimSpace(status) != "" {
		parsed, ok := receipt.ParseStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, status)
		}
		want = parsed
	}

	jobs, err := s.db.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if want == "" {
		return jobs, nil
	}
	filtered := make([]*receipt.VideoJob, 0, len(jobs))
	for _, job := range jobs {
		if job.Status == want {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

// RerunJob recomputes a finished job, replacing its results
func (s *Service) RerunJob(ctx context.Context, id string) (*receipt.VideoJob, error) {
	job, err := s.scheduler.Rerun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("re-running job: %w", err)
	}
	return job, nil
}

// CancelJob stops a waiting or running job
func (s *Service) CancelJob(id string) (*receipt.VideoJob, error) {
	job, err := s.scheduler.Cancel(id)
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}
	return job, nil
}

// ListFrames returns the frames of a job in index order
func (s *Service) ListFrames(jobID string) ([]*receipt.Frame, error) {
	if _, err := s.GetJob(jobID); err != nil {
		return nil, err
	}
	frames, err := s.db.ListFrames(jobID)
	if err != nil {
		return nil, fmt.Errorf("listing frames: %w", err)
	}
	return frames, nil
}

// GetFrameImage returns the stored PNG of one frame
func (s *Service) GetFrameImage(jobID string, index int) ([]byte, error) {
	frame, err := s.db.GetFrame(jobID, index)
	if err != nil {
		return nil, fmt.Errorf("getting frame: %w", err)
	}
	if frame.ImagePath == "" || s.images == nil {
		return nil, fmt.Errorf("frame %d of job %s has no image: %w", index, jobID, store.ErrNotFound)
	}
	data, err := s.images.Get(frame.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("getting frame image: %w", err)
	}
	return data, nil
}

// ListReceipts returns the receipts of a job in video order
func (s *Service) ListReceipts(jobID string) ([]*receipt.Receipt, error) {
	if _, err := s.GetJob(jobID); err != nil {
		return nil, err
	}
	receipts, err := s.db.ListReceipts(jobID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// ListJournal returns the journal entries of a job in receipt order
func (s *Service) ListJournal(jobID string) ([]*receipt.JournalEntry, error) {
	if _, err := s.GetJob(jobID); err != nil {
		return nil, err
	}
	entries, err := s.db.ListJournalEntries(jobID)
	if err != nil {
		return nil, fmt.Errorf("listing journal entries: %w", err)
	}
	return entries, nil
}
