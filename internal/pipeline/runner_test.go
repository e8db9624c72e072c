package pipeline

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-reel/internal/receipt"
	"github.com/zombor/receipt-reel/internal/sampling"
	"github.com/zombor/receipt-reel/internal/store"
)

var _ = Describe("Runner", func() {
	var (
		db         *store.BoltDB
		source     *fakeSource
		recognizer *fakeRecognizer
		runner     *Runner
		opts       []RunnerOption
		job        *receipt.VideoJob
		ctx        context.Context
		err        error
	)

	BeforeEach(func() {
		db = openDB()
		source = &fakeSource{duration: 9 * time.Second}
		recognizer = newFakeRecognizer()
		for offset, text := range scenarioTexts {
			recognizer.set(offset, text)
		}
		opts = nil
		ctx = context.Background()

		job, err = NewJob("receipts.mp4", 1/1.5, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(db.SaveJob(job)).To(Succeed())
	})

	JustBeforeEach(func() {
		runner = NewRunner(db, source, recognizer, newGenerator(testRules()), discardLogger(), opts...)
		err = runner.Run(ctx, job.ID)
	})

	reload := func() *receipt.VideoJob {
		saved, getErr := db.GetJob(job.ID)
		Expect(getErr).NotTo(HaveOccurred())
		return saved
	}

	frameIDs := func(indexes ...int) []string {
		ids := make([]string, len(indexes))
		for i, idx := range indexes {
			ids[i] = receipt.FrameID(job.ID, idx)
		}
		return ids
	}

	When("processing the scenario video", func() {
		It("should finish the job", func() {
			Expect(err).NotTo(HaveOccurred())
			saved := reload()
			Expect(saved.Status).To(Equal(receipt.StatusDone))
			Expect(saved.Error).To(BeEmpty())
			Expect(saved.FrameCount).To(Equal(6))
			Expect(saved.ReceiptCount).To(Equal(5))
			Expect(saved.EntryCount).To(Equal(5))
		})

		It("should store six frames at the sampled offsets", func() {
			frames, listErr := db.ListFrames(job.ID)
			Expect(listErr).NotTo(HaveOccurred())
			offsets := make([]int64, len(frames))
			for i, f := range frames {
				offsets[i] = f.OffsetMs
			}
			Expect(offsets).To(Equal([]int64{0, 1500, 3000, 4500, 6000, 7500}))
		})

		It("should yield one two-frame receipt followed by four single-frame receipts", func() {
			receipts, listErr := db.ListReceipts(job.ID)
			Expect(listErr).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(5))
			Expect(receipts[0].FrameIDs).To(Equal(frameIDs(0, 1)))
			for i := 1; i < 5; i++ {
				Expect(receipts[i].FrameIDs).To(Equal(frameIDs(i + 1)))
				Expect(receipts[i].Sequence).To(Equal(i))
			}
			Expect(*receipts[0].Vendor).To(Equal("Store A"))
			Expect(receipts[0].BestFrameID).To(Equal(receipt.FrameID(job.ID, 0)))
			Expect(receipts[0].OffsetMs).To(Equal(int64(0)))
			Expect(receipts[3].OffsetMs).To(Equal(int64(4500)))
		})

		It("should journalize every receipt with debit equal to credit equal to total", func() {
			receipts, _ := db.ListReceipts(job.ID)
			entries, listErr := db.ListJournalEntries(job.ID)
			Expect(listErr).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(5))
			for i, e := range entries {
				Expect(e.ReceiptID).To(Equal(receipts[i].ID))
				Expect(e.DebitAmount.Equal(*receipts[i].Total)).To(BeTrue())
				Expect(e.CreditAmount.Equal(*receipts[i].Total)).To(BeTrue())
			}
			Expect(entries[0].DebitAmount.Equal(decimal.NewFromInt(1000))).To(BeTrue())
		})

		It("should keep recognitions within the concurrency limit", func() {
			Expect(recognizer.maxConcurrent()).To(BeNumerically("<=", 4))
		})
	})

	When("later frames finish recognition first", func() {
		BeforeEach(func() {
			recognizer.delays[string(frameImage(0))] = 60 * time.Millisecond
			recognizer.delays[string(frameImage(1500))] = 30 * time.Millisecond
			opts = []RunnerOption{WithOCRConcurrency(3)}
		})

		It("should still cluster in frame order", func() {
			Expect(err).NotTo(HaveOccurred())
			receipts, _ := db.ListReceipts(job.ID)
			Expect(receipts).To(HaveLen(5))
			Expect(receipts[0].FrameIDs).To(Equal(frameIDs(0, 1)))
			Expect(recognizer.maxConcurrent()).To(BeNumerically("<=", 3))
		})
	})

	When("the source cannot be opened", func() {
		BeforeEach(func() {
			source.openErr = errors.New("moov atom not found")
		})

		It("should fail the job with no frames nor receipts", func() {
			Expect(errors.Is(err, sampling.ErrSourceUnreadable)).To(BeTrue())

			saved := reload()
			Expect(saved.Status).To(Equal(receipt.StatusFailed))
			Expect(saved.Error).To(ContainSubstring("moov atom not found"))

			frames, _ := db.ListFrames(job.ID)
			Expect(frames).To(BeEmpty())
			receipts, _ := db.ListReceipts(job.ID)
			Expect(receipts).To(BeEmpty())
		})
	})

	When("recognition of one frame fails", func() {
		BeforeEach(func() {
			recognizer.fail[string(frameImage(1500))] = true
		})

		It("should record the failure on the frame and finish the job", func() {
			Expect(err).NotTo(HaveOccurred())
			saved := reload()
			Expect(saved.Status).To(Equal(receipt.StatusDone))
			Expect(saved.FailedFrameCount).To(Equal(1))

			frame, getErr := db.GetFrame(job.ID, 1)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(frame.Error).To(ContainSubstring("provider unavailable"))
			Expect(frame.Fields).To(BeNil())
		})

		It("should keep the failed frame in its neighbour's cluster without making it best", func() {
			receipts, _ := db.ListReceipts(job.ID)
			Expect(receipts).To(HaveLen(5))
			Expect(receipts[0].FrameIDs).To(Equal(frameIDs(0, 1)))
			Expect(receipts[0].BestFrameID).To(Equal(receipt.FrameID(job.ID, 0)))
		})
	})

	When("an offset cannot be seeked", func() {
		BeforeEach(func() {
			source.failAt = map[int64]bool{3000: true}
		})

		It("should skip it and keep going", func() {
			Expect(err).NotTo(HaveOccurred())
			saved := reload()
			Expect(saved.Status).To(Equal(receipt.StatusDone))
			Expect(saved.FrameCount).To(Equal(5))
			Expect(saved.SkippedCount).To(Equal(1))

			_, getErr := db.GetFrame(job.ID, 2)
			Expect(errors.Is(getErr, store.ErrNotFound)).To(BeTrue())
			receipts, _ := db.ListReceipts(job.ID)
			Expect(receipts).To(HaveLen(4))
		})
	})

	When("a receipt has no total", func() {
		BeforeEach(func() {
			recognizer.set(7500, "Market E\n2024/12/27")
		})

		It("should flag it for a manual journal", func() {
			Expect(err).NotTo(HaveOccurred())
			receipts, _ := db.ListReceipts(job.ID)
			Expect(receipts[4].NeedsManualJournal).To(BeTrue())
			Expect(receipts[0].NeedsManualJournal).To(BeFalse())

			entries, _ := db.ListJournalEntries(job.ID)
			Expect(entries).To(HaveLen(4))
			Expect(reload().EntryCount).To(Equal(4))
		})
	})

	When("the job is cancelled mid-stream", func() {
		BeforeEach(func() {
			var cancel context.CancelCauseFunc
			ctx, cancel = context.WithCancelCause(context.Background())
			DeferCleanup(func() { cancel(nil) })
			recognizer.onCall = func(image string) {
				if image == string(frameImage(4500)) {
					cancel(ErrCancelled)
				}
			}
		})

		It("should end cancelled and keep what was finalized", func() {
			Expect(errors.Is(err, ErrCancelled)).To(BeTrue())
			saved := reload()
			Expect(saved.Status).To(Equal(receipt.StatusCancelled))
			Expect(saved.FrameCount).To(BeNumerically("<", 6))

			entries, _ := db.ListJournalEntries(job.ID)
			Expect(entries).To(BeEmpty())
		})
	})

	When("the job times out", func() {
		BeforeEach(func() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
			DeferCleanup(cancel)
			for offset := range scenarioTexts {
				recognizer.delays[string(frameImage(offset))] = time.Second
			}
		})

		It("should fail the job", func() {
			Expect(err).To(MatchError(ContainSubstring("timed out")))
			Expect(reload().Status).To(Equal(receipt.StatusFailed))
		})
	})

	When("the process shuts down mid-run", func() {
		BeforeEach(func() {
			var cancel context.CancelCauseFunc
			ctx, cancel = context.WithCancelCause(context.Background())
			DeferCleanup(func() { cancel(nil) })
			recognizer.onCall = func(image string) {
				if image == string(frameImage(3000)) {
					cancel(ErrInterrupted)
				}
			}
		})

		It("should leave the job unfinished for recovery", func() {
			Expect(errors.Is(err, ErrInterrupted)).To(BeTrue())
			Expect(reload().Status.IsTerminal()).To(BeFalse())
		})
	})

	When("the job is not queued", func() {
		BeforeEach(func() {
			job.Status = receipt.StatusDone
			Expect(db.SaveJob(job)).To(Succeed())
		})

		It("should skip it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(source.opened).To(BeZero())
			Expect(recognizer.calls).To(BeEmpty())
		})
	})

	When("the job is run again", func() {
		It("should replace its results instead of appending", func() {
			Expect(err).NotTo(HaveOccurred())
			first, _ := db.ListReceipts(job.ID)

			saved := reload()
			Expect(saved.Transition(receipt.StatusQueued)).To(Succeed())
			Expect(db.SaveJob(saved)).To(Succeed())
			Expect(runner.Run(context.Background(), job.ID)).To(Succeed())

			second, _ := db.ListReceipts(job.ID)
			Expect(second).To(HaveLen(len(first)))
			for i := range first {
				Expect(second[i].ID).To(Equal(first[i].ID))
				Expect(second[i].FrameIDs).To(Equal(first[i].FrameIDs))
				Expect(second[i].BestFrameID).To(Equal(first[i].BestFrameID))
			}
			frames, _ := db.ListFrames(job.ID)
			Expect(frames).To(HaveLen(6))
			entries, _ := db.ListJournalEntries(job.ID)
			Expect(entries).To(HaveLen(5))
		})
	})

	When("frame images are stored", func() {
		var images store.Storage

		BeforeEach(func() {
			var storeErr error
			images, storeErr = store.NewLocalStorage(GinkgoT().TempDir())
			Expect(storeErr).NotTo(HaveOccurred())
			opts = []RunnerOption{WithImageStorage(images)}
		})

		It("should save each frame under the job", func() {
			Expect(err).NotTo(HaveOccurred())
			frame, getErr := db.GetFrame(job.ID, 3)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(frame.ImagePath).To(Equal(job.ID + "/3.png"))

			data, getErr := images.Get(frame.ImagePath)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(data).To(Equal(frameImage(4500)))
		})
	})
})
