package scanning

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockRecognizer is a mock implementation of Recognizer
type mockRecognizer struct {
	mu     sync.Mutex
	result Recognition
	err    error
	calls  int
	closed bool
	block  bool
}

func (m *mockRecognizer) Recognize(ctx context.Context, _ []byte) (Recognition, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return Recognition{}, ctx.Err()
	}
	return m.result, m.err
}

func (m *mockRecognizer) Close() error {
	m.closed = true
	return nil
}

func testPNG(pattern func(x, y int) color.Color) []byte {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, pattern(x, y))
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func checkerboard(x, y int) color.Color {
	if (x/4+y/4)%2 == 0 {
		return color.Gray{Y: 20}
	}
	return color.Gray{Y: 235}
}

func flat(_, _ int) color.Color {
	return color.Gray{Y: 128}
}

var _ = Describe("Adapter", func() {
	var (
		provider *mockRecognizer
		adapter  *Adapter
		opts     []Option
		frame    []byte
		rec      Recognition
		err      error
	)

	BeforeEach(func() {
		provider = &mockRecognizer{result: Recognition{Text: "  Store A  ", Confidence: 0.9}}
		opts = nil
		frame = testPNG(checkerboard)
	})

	JustBeforeEach(func() {
		adapter = NewAdapter(provider, opts...)
		rec, err = adapter.Recognize(context.Background(), frame)
	})

	When("the provider succeeds", func() {
		It("should trim the text and attach a quality score", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Text).To(Equal("Store A"))
			Expect(rec.Confidence).To(Equal(0.9))
			Expect(rec.Quality).NotTo(BeNil())
			Expect(*rec.Quality).To(BeNumerically(">", 0))
		})
	})

	When("the provider returns empty text", func() {
		BeforeEach(func() {
			provider.result = Recognition{Text: " ", Confidence: 0.4}
		})

		It("should zero the confidence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Confidence).To(BeZero())
		})
	})

	When("the provider fails", func() {
		BeforeEach(func() {
			provider.err = errors.New("quota exceeded")
		})

		It("should wrap the error in ErrRecognitionFailed", func() {
			Expect(errors.Is(err, ErrRecognitionFailed)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("quota exceeded")))
		})
	})

	When("the frame cannot be decoded", func() {
		BeforeEach(func() {
			frame = []byte("garbage")
		})

		It("should still recognize without a quality score", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Quality).To(BeNil())
		})
	})

	When("the provider exceeds the timeout", func() {
		BeforeEach(func() {
			provider.block = true
			opts = []Option{WithTimeout(10 * time.Millisecond)}
		})

		It("should report a recognition failure, not a cancellation", func() {
			Expect(errors.Is(err, ErrRecognitionFailed)).To(BeTrue())
		})
	})

	When("enhancement is on", func() {
		BeforeEach(func() {
			opts = []Option{WithEnhancement(true), WithRateLimit(100, 1)}
		})

		It("should still call the provider once", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(provider.calls).To(Equal(1))
		})
	})

	It("should return the context error when the caller cancels", func() {
		a := NewAdapter(&mockRecognizer{block: true})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := a.Recognize(ctx, frame)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})

	It("should close the provider", func() {
		Expect(adapter.Close()).To(Succeed())
		Expect(provider.closed).To(BeTrue())
	})
})

var _ = Describe("Quality", func() {
	It("should score a sharp frame above a flat one", func() {
		sharp, err := Quality(testPNG(checkerboard))
		Expect(err).NotTo(HaveOccurred())
		dull, err := Quality(testPNG(flat))
		Expect(err).NotTo(HaveOccurred())
		Expect(sharp).To(BeNumerically(">", dull))
		Expect(sharp).To(BeNumerically("<=", 1))
	})

	It("should fail on undecodable data", func() {
		_, err := Quality([]byte("nope"))
		Expect(err).To(HaveOccurred())
	})
})
