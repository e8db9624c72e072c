// Package sampling reads timestamped still frames out of a video source.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

var (
	// ErrSourceUnreadable means the source could not be opened at all
	ErrSourceUnreadable = errors.New("source unreadable")
	// ErrSeekFailure means a single offset could not be retrieved; sampling continues
	ErrSeekFailure = errors.New("seek failure")
	// ErrInvalidRate is returned for non-positive or absurd sampling rates
	ErrInvalidRate = errors.New("invalid sampling rate")
)

// MaxRate keeps offsets of consecutive frames at least one millisecond apart
const MaxRate = 1000

// Source opens a video reference for random access
type Source interface {
	Open(ctx context.Context, ref string) (Stream, error)
}

// Stream is an opened source
type Stream interface {
	// Duration is the playable length of the stream
	Duration() time.Duration
	// Seek returns the PNG encoded image shown at offsetMs
	Seek(ctx context.Context, offsetMs int64) ([]byte, error)
	Close() error
}

// Sample is one frame image produced by the Sampler
type Sample struct {
	Index    int
	OffsetMs int64
	Image    []byte
}

// OffsetMs is the timestamp of sample index at rate frames per second
func OffsetMs(index int, rate float64) int64 {
	return int64(math.Round(float64(index) / rate * 1000))
}

// Sampler yields samples in index order. It is finite and cannot be restarted.
type Sampler struct {
	stream     Stream
	rate       float64
	durationMs int64
	next       int
	done       bool
}

// Open opens ref through src and prepares sampling at rate frames per second
func Open(ctx context.Context, src Source, ref string, rate float64) (*Sampler, error) {
	if math.IsNaN(rate) || rate <= 0 || rate > MaxRate {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	stream, err := src.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrSourceUnreadable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, ref, err)
	}
	return &Sampler{
		stream:     stream,
		rate:       rate,
		durationMs: stream.Duration().Milliseconds(),
	}, nil
}

// Next returns the next sample, io.EOF once the stream is exhausted, or an
// error wrapping ErrSeekFailure for an offset that could not be read. After a
// seek failure the next call moves on to the following index.
func (s *Sampler) Next(ctx context.Context) (Sample, error) {
	if s.done {
		return Sample{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	sample := Sample{Index: s.next, OffsetMs: OffsetMs(s.next, s.rate)}
	if sample.OffsetMs >= s.durationMs {
		s.done = true
		return Sample{}, io.EOF
	}
	s.next++

	img, err := s.stream.Seek(ctx, sample.OffsetMs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Sample{}, ctxErr
		}
		return sample, fmt.Errorf("%w: frame %d at %dms: %w", ErrSeekFailure, sample.Index, sample.OffsetMs, err)
	}
	if len(img) == 0 {
		return sample, fmt.Errorf("%w: frame %d at %dms: empty image", ErrSeekFailure, sample.Index, sample.OffsetMs)
	}
	sample.Image = img
	return sample, nil
}

// Close releases the stream. Next returns io.EOF afterwards.
func (s *Sampler) Close() error {
	s.done = true
	return s.stream.Close()
}
