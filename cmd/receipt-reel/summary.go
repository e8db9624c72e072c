package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/zombor/receipt-reel/internal/receipt"
	"github.com/zombor/receipt-reel/internal/store"
)

// printSummary writes the job status followed by a table of its receipts
// and their journal entries
func printSummary(w io.Writer, db store.DB, jobID string) error {
	job, err := db.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("getting job: %w", err)
	}
	receipts, err := db.ListReceipts(jobID)
	if err != nil {
		return fmt.Errorf("listing receipts: %w", err)
	}
	entries, err := db.ListJournalEntries(jobID)
	if err != nil {
		return fmt.Errorf("listing journal entries: %w", err)
	}

	fmt.Fprintf(w, "%s  %s  status=%s frames=%d failed=%d skipped=%d receipts=%d entries=%d\n",
		job.ID, job.Source, job.Status, job.FrameCount, job.FailedFrameCount, job.SkippedCount, job.ReceiptCount, job.EntryCount)
	if job.Error != "" {
		fmt.Fprintf(w, "error: %s\n", job.Error)
	}
	if len(receipts) == 0 {
		return nil
	}

	byReceipt := make(map[string]*receipt.JournalEntry, len(entries))
	for _, e := range entries {
		byReceipt[e.ReceiptID] = e
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "At", "Vendor", "Date", "Total", "Frames", "Debit", "Credit"})
	for _, r := range receipts {
		debit, credit := "manual", ""
		if e, ok := byReceipt[r.ID]; ok {
			debit, credit = e.DebitAccount, e.CreditAccount
		}
		tw.AppendRow(table.Row{
			r.Sequence + 1,
			formatOffset(r.OffsetMs),
			orDash(r.Vendor),
			formatDate(r.IssueDate),
			formatTotal(r),
			strconv.Itoa(len(r.FrameIDs)),
			debit,
			credit,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	tw.Render()
	return nil
}

func formatOffset(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d.%d", int(d.Minutes()), int(d.Seconds())%60, (ms%1000)/100)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}

func formatTotal(r *receipt.Receipt) string {
	if r.Total == nil {
		return "-"
	}
	if r.Currency != nil {
		return r.Total.StringFixed(0) + " " + *r.Currency
	}
	return r.Total.String()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
