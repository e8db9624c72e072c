package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-reel/internal/receipt"
	"github.com/zombor/receipt-reel/internal/store"
)

// blockingRunner is a mock implementation of JobRunner that holds each job
// until released or cancelled
type blockingRunner struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	runs    map[string]int
	panicOn string
	causes  map[string]error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 16),
		release: make(chan struct{}),
		runs:    map[string]int{},
		causes:  map[string]error{},
	}
}

func (b *blockingRunner) Run(ctx context.Context, jobID string) error {
	b.mu.Lock()
	b.runs[jobID]++
	panicOn := b.panicOn
	b.mu.Unlock()
	if jobID == panicOn {
		panic("boom")
	}
	b.started <- jobID
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.causes[jobID] = context.Cause(ctx)
		b.mu.Unlock()
		return context.Cause(ctx)
	}
}

func (b *blockingRunner) runCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs[jobID]
}

func (b *blockingRunner) cause(jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.causes[jobID]
}

// finishingRunner is a mock implementation of JobRunner that saves the job as
// done and then holds the worker until released
type finishingRunner struct {
	db       store.DB
	mu       sync.Mutex
	runs     int
	finished chan string
	release  chan struct{}
}

func (f *finishingRunner) Run(_ context.Context, jobID string) error {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	job, err := f.db.GetJob(jobID)
	if err != nil {
		return err
	}
	job.Status = receipt.StatusDone
	if err := f.db.SaveJob(job); err != nil {
		return err
	}
	f.finished <- jobID
	<-f.release
	return nil
}

func (f *finishingRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

var _ = Describe("Queue", func() {
	var (
		db     *store.BoltDB
		runner *blockingRunner
		queue  *Queue
	)

	BeforeEach(func() {
		db = openDB()
		runner = newBlockingRunner()
		queue = NewQueue(runner, db, discardLogger(), WithWorkers(1), WithQueueSize(4))
		DeferCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			queue.Shutdown(ctx)
		})
	})

	Describe("Submit", func() {
		It("should save a queued job and return before it runs", func() {
			job, err := queue.Submit(context.Background(), "receipts.mp4", 0.5)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(receipt.StatusQueued))

			saved, err := db.GetJob(job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Source).To(Equal("receipts.mp4"))

			Eventually(runner.started).Should(Receive(Equal(job.ID)))
		})

		It("should reject a missing source", func() {
			_, err := queue.Submit(context.Background(), "  ", 0.5)
			Expect(errors.Is(err, ErrInvalidJob)).To(BeTrue())
		})

		It("should reject a non-positive sample rate", func() {
			_, err := queue.Submit(context.Background(), "receipts.mp4", 0)
			Expect(errors.Is(err, ErrInvalidJob)).To(BeTrue())
		})
	})

	Describe("backpressure", func() {
		It("should reject a job when the queue is full", func() {
			small := NewQueue(runner, db, discardLogger(), WithWorkers(1), WithQueueSize(1))
			DeferCleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()
				small.Shutdown(ctx)
			})

			first, err := small.Submit(context.Background(), "a.mp4", 1)
			Expect(err).NotTo(HaveOccurred())
			Eventually(runner.started).Should(Receive(Equal(first.ID)))
			_, err = small.Submit(context.Background(), "b.mp4", 1)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				_, err := small.Submit(context.Background(), "c.mp4", 1)
				done <- err
			}()
			Eventually(done).Should(Receive(MatchError(ErrQueueFull)))

			jobs, err := db.ListJobs()
			Expect(err).NotTo(HaveOccurred())
			var rejected *receipt.VideoJob
			for _, job := range jobs {
				if job.Source == "c.mp4" {
					rejected = job
				}
			}
			Expect(rejected).NotTo(BeNil())
			Expect(rejected.Status).To(Equal(receipt.StatusFailed))
			Expect(rejected.Error).To(Equal(ErrQueueFull.Error()))
		})
	})

	Describe("Cancel", func() {
		It("should cancel a waiting job without running it", func() {
			first, err := queue.Submit(context.Background(), "a.mp4", 1)
			Expect(err).NotTo(HaveOccurred())
			Eventually(runner.started).Should(Receive(Equal(first.ID)))

			second, err := queue.Submit(context.Background(), "b.mp4", 1)
			Expect(err).NotTo(HaveOccurred())
			cancelled, err := queue.Cancel(second.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(receipt.StatusCancelled))

			saved, err := db.GetJob(second.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(receipt.StatusCancelled))
		})

		It("should stop a running job with ErrCancelled", func() {
			job, err := queue.Submit(context.Background(), "a.mp4", 1)
			Expect(err).NotTo(HaveOccurred())
			Eventually(runner.started).Should(Receive(Equal(job.ID)))

			_, err = queue.Cancel(job.ID)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() error { return runner.cause(job.ID) }).Should(MatchError(ErrCancelled))
		})

		It("should refuse to cancel a finished job", func() {
			job := &receipt.VideoJob{ID: "done-job", Status: receipt.StatusDone}
			Expect(db.SaveJob(job)).To(Succeed())
			_, err := queue.Cancel("done-job")
			Expect(errors.Is(err, ErrJobFinished)).To(BeTrue())
		})

		It("should report missing jobs", func() {
			_, err := queue.Cancel("nope")
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("Rerun", func() {
		It("should requeue a finished job", func() {
			job := &receipt.VideoJob{ID: "done-job", Status: receipt.StatusFailed, Error: "boom"}
			Expect(db.SaveJob(job)).To(Succeed())

			requeued, err := queue.Rerun(context.Background(), "done-job")
			Expect(err).NotTo(HaveOccurred())
			Expect(requeued.Status).To(Equal(receipt.StatusQueued))
			Expect(requeued.Error).To(BeEmpty())
			Eventually(runner.started).Should(Receive(Equal("done-job")))
		})

		It("should run a job rerun while its worker is still returning", func() {
			finishing := &finishingRunner{db: db, finished: make(chan string, 4), release: make(chan struct{})}
			q := NewQueue(finishing, db, discardLogger(), WithWorkers(2), WithQueueSize(4))
			DeferCleanup(func() { q.Shutdown(context.Background()) })

			job, err := q.Submit(context.Background(), "a.mp4", 1)
			Expect(err).NotTo(HaveOccurred())
			Eventually(finishing.finished).Should(Receive(Equal(job.ID)))

			_, err = q.Rerun(context.Background(), job.ID)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() bool {
				q.mu.Lock()
				defer q.mu.Unlock()
				_, ok := q.pending[job.ID]
				return ok
			}).Should(BeTrue())

			close(finishing.release)
			Eventually(finishing.runCount).Should(Equal(2))
			Eventually(finishing.finished).Should(Receive(Equal(job.ID)))
			Eventually(func() receipt.Status {
				saved, _ := db.GetJob(job.ID)
				return saved.Status
			}).Should(Equal(receipt.StatusDone))
		})

		It("should refuse an active job", func() {
			job := &receipt.VideoJob{ID: "busy", Status: receipt.StatusProcessingFrames}
			Expect(db.SaveJob(job)).To(Succeed())
			_, err := queue.Rerun(context.Background(), "busy")
			Expect(errors.Is(err, ErrJobActive)).To(BeTrue())
		})
	})

	Describe("Recover", func() {
		It("should requeue unfinished jobs and leave finished ones alone", func() {
			now := time.Now()
			Expect(db.SaveJob(&receipt.VideoJob{ID: "interrupted", Status: receipt.StatusProcessingFrames, CreatedAt: now})).To(Succeed())
			Expect(db.SaveJob(&receipt.VideoJob{ID: "finished", Status: receipt.StatusDone, CreatedAt: now})).To(Succeed())

			n, err := queue.Recover(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			saved, err := db.GetJob("interrupted")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(receipt.StatusQueued))
			Eventually(runner.started).Should(Receive(Equal("interrupted")))
			Expect(runner.runCount("finished")).To(BeZero())
		})
	})

	Describe("panics", func() {
		It("should fail the job and keep the worker alive", func() {
			runner.mu.Lock()
			runner.panicOn = "explodes"
			runner.mu.Unlock()
			Expect(db.SaveJob(&receipt.VideoJob{ID: "explodes", Status: receipt.StatusQueued})).To(Succeed())
			Expect(queue.Enqueue("explodes")).To(Succeed())

			Eventually(func() receipt.Status {
				job, _ := db.GetJob("explodes")
				return job.Status
			}).Should(Equal(receipt.StatusFailed))
			job, _ := db.GetJob("explodes")
			Expect(job.Error).To(ContainSubstring("boom"))

			next, err := queue.Submit(context.Background(), "next.mp4", 1)
			Expect(err).NotTo(HaveOccurred())
			Eventually(runner.started).Should(Receive(Equal(next.ID)))
		})
	})

	Describe("Shutdown", func() {
		It("should interrupt running jobs when the deadline passes", func() {
			job, err := queue.Submit(context.Background(), "a.mp4", 1)
			Expect(err).NotTo(HaveOccurred())
			Eventually(runner.started).Should(Receive(Equal(job.ID)))

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			queue.Shutdown(ctx)
			Expect(runner.cause(job.ID)).To(MatchError(ErrInterrupted))

			Expect(queue.Enqueue("late")).To(MatchError(ErrQueueClosed))
		})

		It("should wait for running jobs to finish", func() {
			job, err := queue.Submit(context.Background(), "a.mp4", 1)
			Expect(err).NotTo(HaveOccurred())
			Eventually(runner.started).Should(Receive(Equal(job.ID)))

			close(runner.release)
			queue.Shutdown(context.Background())
			Expect(runner.cause(job.ID)).To(BeNil())
		})
	})
})

var _ = Describe("Queue with a real runner", func() {
	It("should take a submitted job to done", func() {
		db := openDB()
		source := &fakeSource{duration: 9 * time.Second}
		recognizer := newFakeRecognizer()
		for offset, text := range scenarioTexts {
			recognizer.set(offset, text)
		}
		runner := NewRunner(db, source, recognizer, newGenerator(testRules()), discardLogger())
		queue := NewQueue(runner, db, discardLogger())
		DeferCleanup(func() { queue.Shutdown(context.Background()) })

		job, err := queue.Submit(context.Background(), "receipts.mp4", 1/1.5)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() receipt.Status {
			saved, _ := db.GetJob(job.ID)
			return saved.Status
		}).Should(Equal(receipt.StatusDone))

		receipts, err := db.ListReceipts(job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(receipts).To(HaveLen(5))
	})
})
