package dedup

import (
	"fmt"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-reel/internal/receipt"
)

func frame(index int, vendor string, total int64, conf float64) receipt.Frame {
	f := receipt.Frame{
		ID:         fmt.Sprintf("f%d", index),
		Index:      index,
		OffsetMs:   int64(index) * 1500,
		RawText:    vendor,
		Confidence: conf,
		Fields:     &receipt.ParsedFields{},
	}
	if vendor != "" {
		v := vendor
		f.Fields.Vendor = &v
	}
	if total > 0 {
		t := decimal.NewFromInt(total)
		f.Fields.Total = &t
	}
	return f
}

func failedFrame(index int) receipt.Frame {
	return receipt.Frame{ID: fmt.Sprintf("f%d", index), Index: index, Error: "recognition failed"}
}

func memberIDs(clusters []Cluster) []string {
	var ids []string
	for _, c := range clusters {
		ids = append(ids, c.FrameIDs...)
	}
	return ids
}

func frameIDs(frames []receipt.Frame) []string {
	ids := make([]string, len(frames))
	for i, f := range frames {
		ids[i] = f.ID
	}
	return ids
}

var _ = Describe("Engine", func() {
	var (
		cfg      Config
		frames   []receipt.Frame
		clusters []Cluster
	)

	BeforeEach(func() {
		cfg = DefaultConfig()
	})

	JustBeforeEach(func() {
		clusters = Run(cfg, frames)
	})

	When("two frames show Store A and four more show new vendors", func() {
		BeforeEach(func() {
			frames = []receipt.Frame{
				frame(0, "Store A", 1000, 0.8),
				frame(1, "Store A", 1000, 0.9),
				frame(2, "Store B", 2000, 0.9),
				frame(3, "Store C", 3000, 0.9),
				frame(4, "Store D", 4000, 0.9),
				frame(5, "Store E", 5000, 0.9),
			}
		})

		It("should yield one pair followed by four singles", func() {
			Expect(clusters).To(HaveLen(5))
			Expect(clusters[0].FrameIDs).To(Equal([]string{"f0", "f1"}))
			for i, c := range clusters[1:] {
				Expect(c.FrameIDs).To(Equal([]string{fmt.Sprintf("f%d", i+2)}))
			}
		})

		It("should number clusters in frame order", func() {
			for i, c := range clusters {
				Expect(c.Sequence).To(Equal(i))
			}
		})

		It("should pick the higher confidence frame of the pair", func() {
			Expect(clusters[0].BestFrameID()).To(Equal("f1"))
		})
	})

	When("the vendor is misread but the total agrees", func() {
		BeforeEach(func() {
			frames = []receipt.Frame{
				frame(0, "Store A", 1000, 0.9),
				frame(1, "Stcre A", 1000, 0.5),
			}
		})

		It("should keep the frames together", func() {
			Expect(clusters).To(HaveLen(1))
		})
	})

	When("only the total agrees but the document types conflict", func() {
		BeforeEach(func() {
			a := frame(0, "", 1000, 0.9)
			b := frame(1, "", 1000, 0.9)
			invoice, register := "請求書", "レシート"
			a.Fields.DocumentType = &invoice
			b.Fields.DocumentType = &register
			frames = []receipt.Frame{a, b}
		})

		It("should split them", func() {
			Expect(clusters).To(HaveLen(2))
		})
	})

	When("totals differ only by OCR rounding noise", func() {
		BeforeEach(func() {
			a := frame(0, "", 0, 0.9)
			b := frame(1, "", 0, 0.9)
			t1, t2 := decimal.RequireFromString("1000.00"), decimal.RequireFromString("999.8")
			a.Fields.Total, b.Fields.Total = &t1, &t2
			frames = []receipt.Frame{a, b}
		})

		It("should treat the normalized amounts as equal", func() {
			Expect(clusters).To(HaveLen(1))
		})
	})

	When("a frame's OCR fails in the middle of a receipt", func() {
		BeforeEach(func() {
			frames = []receipt.Frame{
				frame(0, "Store A", 1000, 0.6),
				failedFrame(1),
				frame(2, "Store A", 1000, 0.7),
			}
		})

		It("should keep the failed frame by proximity", func() {
			Expect(clusters).To(HaveLen(1))
			Expect(clusters[0].FrameIDs).To(Equal([]string{"f0", "f1", "f2"}))
		})

		It("should never choose it as best", func() {
			Expect(clusters[0].BestFrameID()).To(Equal("f2"))
		})
	})

	When("the first frame of a cluster failed", func() {
		BeforeEach(func() {
			frames = []receipt.Frame{
				failedFrame(0),
				frame(1, "Store A", 1000, 0.01),
			}
		})

		It("should replace it with any usable member", func() {
			Expect(clusters).To(HaveLen(1))
			Expect(clusters[0].BestFrameID()).To(Equal("f1"))
		})
	})

	When("a failed frame is far from the open cluster", func() {
		BeforeEach(func() {
			frames = []receipt.Frame{
				frame(0, "Store A", 1000, 0.9),
				failedFrame(7),
			}
		})

		It("should start its own cluster and be its best frame", func() {
			Expect(clusters).To(HaveLen(2))
			Expect(clusters[1].BestFrameID()).To(Equal("f7"))
		})
	})

	When("two members score the same", func() {
		BeforeEach(func() {
			frames = []receipt.Frame{
				frame(0, "Store A", 1000, 0.8),
				frame(1, "Store A", 1000, 0.8),
			}
		})

		It("should keep the earlier frame", func() {
			Expect(clusters[0].BestFrameID()).To(Equal("f0"))
		})
	})

	When("there are no frames", func() {
		BeforeEach(func() {
			frames = nil
		})

		It("should return no clusters", func() {
			Expect(clusters).To(BeEmpty())
		})
	})

	Describe("random sequences", func() {
		var rng *rand.Rand

		BeforeEach(func() {
			rng = rand.New(rand.NewSource(42))
		})

		randomFrames := func(n int) []receipt.Frame {
			vendors := []string{"Store A", "Store B", "", "Store C"}
			out := make([]receipt.Frame, 0, n)
			index := 0
			for i := 0; i < n; i++ {
				index += 1 + rng.Intn(3)
				if rng.Intn(6) == 0 {
					out = append(out, failedFrame(index))
					continue
				}
				f := frame(index, vendors[rng.Intn(len(vendors))], int64(rng.Intn(3))*500, rng.Float64())
				if rng.Intn(2) == 0 {
					q := rng.Float64()
					f.Quality = &q
				}
				out = append(out, f)
			}
			return out
		}

		It("should partition the frames exactly, in order", func() {
			for trial := 0; trial < 200; trial++ {
				frames := randomFrames(1 + rng.Intn(40))
				got := Run(cfg, frames)
				Expect(memberIDs(got)).To(Equal(frameIDs(frames)))
			}
		})

		It("should always pick a member as best frame", func() {
			for trial := 0; trial < 200; trial++ {
				for _, c := range Run(cfg, randomFrames(1+rng.Intn(40))) {
					Expect(c.FrameIDs).To(ContainElement(c.BestFrameID()))
				}
			}
		})

		It("should be deterministic", func() {
			for trial := 0; trial < 50; trial++ {
				frames := randomFrames(1 + rng.Intn(40))
				Expect(Run(cfg, frames)).To(Equal(Run(cfg, frames)))
			}
		})

		It("should never pick a failed frame when a member has confidence", func() {
			byID := map[string]receipt.Frame{}
			for trial := 0; trial < 200; trial++ {
				frames := randomFrames(1 + rng.Intn(40))
				for _, f := range frames {
					byID[f.ID] = f
				}
				for _, c := range Run(cfg, frames) {
					usable := false
					for _, id := range c.FrameIDs {
						if byID[id].Confidence > 0 && byID[id].Error == "" {
							usable = true
						}
					}
					if usable {
						Expect(c.Best.Failed()).To(BeFalse())
					}
				}
			}
		})
	})
})

var _ = Describe("Weights", func() {
	var w Weights

	BeforeEach(func() {
		w = DefaultConfig().Weights
	})

	It("should reward completeness", func() {
		Expect(w.Better(frame(1, "Store A", 1000, 0.5), frame(0, "", 0, 0.5))).To(BeTrue())
	})

	It("should count quality when available", func() {
		sharp, blurry := 0.9, 0.1
		a, b := frame(0, "Store A", 1000, 0.5), frame(1, "Store A", 1000, 0.5)
		a.Quality, b.Quality = &blurry, &sharp
		Expect(w.Better(b, a)).To(BeTrue())
	})

	It("should be pure", func() {
		f := frame(0, "Store A", 1000, 0.5)
		Expect(w.Score(f)).To(Equal(w.Score(f)))
	})
})
