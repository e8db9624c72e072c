package dedup

import (
	"github.com/zombor/receipt-reel/internal/receipt"
)

// Weights control how a frame's best-frame score is composed
type Weights struct {
	Confidence   float64 `json:"confidence"`
	Completeness float64 `json:"completeness"`
	Quality      float64 `json:"quality"`
}

// Config holds the tunable parameters of the engine
type Config struct {
	Weights Weights
	// MaxIndexGap is the exclusive frame index distance under which two
	// frames without comparable fields are treated as the same receipt.
	MaxIndexGap int
}

// DefaultConfig returns the defaults validated against the two-receipt walkthrough
func DefaultConfig() Config {
	return Config{
		Weights:     Weights{Confidence: 0.5, Completeness: 0.35, Quality: 0.15},
		MaxIndexGap: 3,
	}
}

// Score is a pure weighted score of a frame's fitness to represent its receipt
func (w Weights) Score(f receipt.Frame) float64 {
	s := w.Confidence*clamp01(f.Confidence) +
		w.Completeness*float64(f.Fields.Completeness())/3
	if f.Quality != nil {
		s += w.Quality * clamp01(*f.Quality)
	}
	return s
}

// Better reports whether candidate should replace current as the best frame.
// Failed frames never beat usable ones, and ties keep the earlier frame.
func (w Weights) Better(candidate, current receipt.Frame) bool {
	cf, bf := candidate.Failed(), current.Failed()
	if cf != bf {
		return !cf
	}
	cs, bs := w.Score(candidate), w.Score(current)
	if cs != bs {
		return cs > bs
	}
	return candidate.Index < current.Index
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
