// Package dedup groups consecutive frame observations of the same physical
// receipt into clusters and picks one representative frame per cluster.
//
// The engine is streaming and forward-only: each frame is compared against
// the open cluster's current best frame, and a cluster is emitted as soon as a
// frame of a different receipt arrives. Clusters are never merged afterwards.
package dedup

import (
	"github.com/zombor/receipt-reel/internal/receipt"
)

// Cluster is a maximal run of frames judged to depict one receipt
type Cluster struct {
	Sequence int
	FrameIDs []string
	Best     receipt.Frame
}

// BestFrameID returns the id of the representative frame
func (c Cluster) BestFrameID() string {
	return c.Best.ID
}

// Engine holds the clustering state of a single job. It is not safe for
// concurrent use; each job owns its own Engine.
type Engine struct {
	cfg     Config
	open    *Cluster
	last    receipt.Frame
	emitted int
}

// New creates an Engine
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Add consumes the next frame in frame order. When the frame starts a new
// receipt, the previous cluster is finalized and returned.
func (e *Engine) Add(f receipt.Frame) (Cluster, bool) {
	if e.open == nil {
		e.start(f)
		return Cluster{}, false
	}

	if e.sameReceipt(f) {
		e.open.FrameIDs = append(e.open.FrameIDs, f.ID)
		if e.cfg.Weights.Better(f, e.open.Best) {
			e.open.Best = f
		}
		e.last = f
		return Cluster{}, false
	}

	done := e.finalize()
	e.start(f)
	return done, true
}

// Flush finalizes the open cluster at end of stream
func (e *Engine) Flush() (Cluster, bool) {
	if e.open == nil {
		return Cluster{}, false
	}
	return e.finalize(), true
}

func (e *Engine) start(f receipt.Frame) {
	e.open = &Cluster{Sequence: e.emitted, FrameIDs: []string{f.ID}, Best: f}
	e.last = f
}

func (e *Engine) finalize() Cluster {
	c := *e.open
	e.open = nil
	e.emitted++
	return c
}

// sameReceipt compares the frame with the open cluster's best frame. Vendor
// or total agreement decides when either is comparable, otherwise frame
// proximity to the last member does.
func (e *Engine) sameReceipt(f receipt.Frame) bool {
	a, b := e.open.Best.Fields, f.Fields

	vendorComparable := a != nil && b != nil && a.Vendor != nil && b.Vendor != nil
	totalComparable := a != nil && b != nil && a.Total != nil && b.Total != nil

	if !vendorComparable && !totalComparable {
		return f.Index-e.last.Index < e.cfg.MaxIndexGap
	}

	if vendorComparable && receipt.NormalizeVendor(*a.Vendor) == receipt.NormalizeVendor(*b.Vendor) {
		return true
	}
	if !totalComparable || conflictingDocumentTypes(a, b) {
		return false
	}
	return a.Total.Equal(*b.Total) || receipt.NormalizeAmount(*a.Total).Equal(receipt.NormalizeAmount(*b.Total))
}

// conflictingDocumentTypes keeps a bare total coincidence from joining an
// invoice and a register receipt.
func conflictingDocumentTypes(a, b *receipt.ParsedFields) bool {
	if a.DocumentType == nil || b.DocumentType == nil {
		return false
	}
	return receipt.NormalizeDocumentType(*a.DocumentType) != receipt.NormalizeDocumentType(*b.DocumentType)
}

// Run clusters a complete frame sequence
func Run(cfg Config, frames []receipt.Frame) []Cluster {
	e := New(cfg)
	var out []Cluster
	for _, f := range frames {
		if c, ok := e.Add(f); ok {
			out = append(out, c)
		}
	}
	if c, ok := e.Flush(); ok {
		out = append(out, c)
	}
	return out
}
