// Package journal derives balanced double-entry records from receipts.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zombor/receipt-reel/internal/receipt"
)

// Generator turns finalized receipts into journal entries
type Generator struct {
	classifier Classifier
	now        func() time.Time
}

// NewGenerator creates a Generator
func NewGenerator(classifier Classifier) *Generator {
	return &Generator{classifier: classifier, now: time.Now}
}

// Generate returns the entry for r, or false when the receipt has no total
// or cannot be classified. That outcome is not an error: the caller flags the
// receipt for a manual journal.
func (g *Generator) Generate(ctx context.Context, r receipt.Receipt) (receipt.JournalEntry, bool) {
	if r.Total == nil {
		return receipt.JournalEntry{}, false
	}
	accounts, ok := g.classifier.Classify(ctx, r)
	if !ok {
		return receipt.JournalEntry{}, false
	}

	entry := receipt.JournalEntry{
		ID:            receipt.EntryID(r.JobID, r.Sequence),
		JobID:         r.JobID,
		ReceiptID:     r.ID,
		Sequence:      r.Sequence,
		EntryDate:     r.IssueDate,
		DebitAccount:  accounts.Debit,
		CreditAccount: accounts.Credit,
		DebitAmount:   *r.Total,
		CreditAmount:  *r.Total,
		TaxAmount:     r.Tax,
		Narrative:     narrative(r),
		CreatedAt:     g.now(),
	}
	if r.Tax != nil {
		entry.TaxAccount = accounts.Tax
	}
	return entry, true
}

// Journalize generates entries for every receipt and flags the ones that need
// a manual journal. The returned receipts are copies carrying the flag.
func (g *Generator) Journalize(ctx context.Context, receipts []receipt.Receipt) ([]receipt.Receipt, []receipt.JournalEntry) {
	flagged := make([]receipt.Receipt, len(receipts))
	var entries []receipt.JournalEntry
	for i, r := range receipts {
		entry, ok := g.Generate(ctx, r)
		r.NeedsManualJournal = !ok
		flagged[i] = r
		if ok {
			entries = append(entries, entry)
		}
	}
	return flagged, entries
}

func narrative(r receipt.Receipt) string {
	var parts []string
	if r.Vendor != nil {
		parts = append(parts, *r.Vendor)
	}
	if r.DocumentType != nil {
		parts = append(parts, *r.DocumentType)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("receipt #%d", r.Sequence+1)
	}
	return strings.Join(parts, " ")
}
