package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Adapter wraps a provider with the behavior the pipeline relies on: a shared
// rate limit, a per-call timeout, a quality score and ErrRecognitionFailed
// wrapping. It is safe for concurrent use if the provider is.
type Adapter struct {
	recognizer Recognizer
	limiter    *rate.Limiter
	timeout    time.Duration
	enhance    bool
}

// Option configures an Adapter
type Option func(*Adapter)

// WithRateLimit caps provider calls per second. Zero or less disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *Adapter) {
		if perSecond > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithTimeout bounds each provider call
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithEnhancement preprocesses frames before recognition
func WithEnhancement(enabled bool) Option {
	return func(a *Adapter) {
		a.enhance = enabled
	}
}

// NewAdapter wraps r
func NewAdapter(r Recognizer, opts ...Option) *Adapter {
	a := &Adapter{recognizer: r, timeout: 2 * time.Minute}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Recognize implements Recognizer. Provider errors are wrapped in
// ErrRecognitionFailed; context errors are returned unchanged.
func (a *Adapter) Recognize(ctx context.Context, image []byte) (Recognition, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Recognition{}, ctx.Err()
			}
			return Recognition{}, fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
		}
	}

	var quality *float64
	if q, err := Quality(image); err == nil {
		quality = &q
	} else {
		slog.Debug("Could not score frame quality", "error", err)
	}

	input := image
	if a.enhance {
		if enhanced, err := Enhance(image); err == nil {
			input = enhanced
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	rec, err := a.recognizer.Recognize(callCtx, input)
	if err != nil {
		if ctx.Err() != nil {
			return Recognition{}, ctx.Err()
		}
		return Recognition{Quality: quality}, fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
	}

	rec.Text = strings.TrimSpace(rec.Text)
	rec.Confidence = min(max(rec.Confidence, 0), 1)
	if rec.Text == "" {
		rec.Confidence = 0
	}
	rec.Quality = quality
	return rec, nil
}

// Close closes the wrapped provider
func (a *Adapter) Close() error {
	return a.recognizer.Close()
}
