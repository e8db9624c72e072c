package receipt

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VideoJob is one end-to-end analysis run over a video source
type VideoJob struct {
	ID               string    `json:"id"`
	Source           string    `json:"source"`
	SampleRate       float64   `json:"sample_rate"`
	Status           Status    `json:"status"`
	Error            string    `json:"error,omitempty"`
	FrameCount       int       `json:"frame_count"`
	FailedFrameCount int       `json:"failed_frame_count"`
	SkippedCount     int       `json:"skipped_count"`
	ReceiptCount     int       `json:"receipt_count"`
	EntryCount       int       `json:"entry_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Frame is one sampled instant of a job. Frames are immutable once stored.
type Frame struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	Index      int           `json:"index"`
	OffsetMs   int64         `json:"offset_ms"`
	RawText    string        `json:"raw_text"`
	Confidence float64       `json:"confidence"`
	Quality    *float64      `json:"quality,omitempty"`
	Fields     *ParsedFields `json:"fields"`
	Error      string        `json:"error,omitempty"`
	ImagePath  string        `json:"image_path,omitempty"`
}

// Failed reports whether recognition produced nothing usable for this frame.
func (f Frame) Failed() bool {
	return f.Error != "" || (strings.TrimSpace(f.RawText) == "" && f.Confidence == 0)
}

// LineItem is one purchased line on a receipt
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// FieldConfidence holds a confidence in [0,1] per parsed field. Absent fields have 0.
type FieldConfidence struct {
	Vendor        float64 `json:"vendor"`
	IssueDate     float64 `json:"issue_date"`
	Total         float64 `json:"total"`
	DocumentType  float64 `json:"document_type"`
	PaymentMethod float64 `json:"payment_method"`
}

// ParsedFields is the structured reading of one frame's OCR text
type ParsedFields struct {
	Vendor        *string          `json:"vendor"`
	IssueDate     *time.Time       `json:"issue_date"`
	Total         *decimal.Decimal `json:"total"`
	Tax           *decimal.Decimal `json:"tax"`
	Currency      *string          `json:"currency"`
	DocumentType  *string          `json:"document_type"`
	PaymentMethod *string          `json:"payment_method"`
	LineItems     []LineItem       `json:"line_items"`
	Confidence    FieldConfidence  `json:"confidence"`
}

// Completeness counts the required fields that are present: vendor, total and issue date.
func (p *ParsedFields) Completeness() int {
	if p == nil {
		return 0
	}
	n := 0
	if p.Vendor != nil {
		n++
	}
	if p.Total != nil {
		n++
	}
	if p.IssueDate != nil {
		n++
	}
	return n
}

// Receipt is the persisted result of one cluster of frames
type Receipt struct {
	ID                 string           `json:"id"`
	JobID              string           `json:"job_id"`
	Sequence           int              `json:"sequence"`
	BestFrameID        string           `json:"best_frame_id"`
	OffsetMs           int64            `json:"offset_ms"`
	FrameIDs           []string         `json:"frame_ids"`
	Vendor             *string          `json:"vendor"`
	IssueDate          *time.Time       `json:"issue_date"`
	Total              *decimal.Decimal `json:"total"`
	Tax                *decimal.Decimal `json:"tax"`
	Currency           *string          `json:"currency"`
	DocumentType       *string          `json:"document_type"`
	PaymentMethod      *string          `json:"payment_method"`
	LineItems          []LineItem       `json:"line_items"`
	NeedsManualJournal bool             `json:"needs_manual_journal"`
	CreatedAt          time.Time        `json:"created_at"`
}

// JournalEntry is a balanced debit/credit record derived from one receipt
type JournalEntry struct {
	ID            string           `json:"id"`
	JobID         string           `json:"job_id"`
	ReceiptID     string           `json:"receipt_id"`
	Sequence      int              `json:"sequence"`
	EntryDate     *time.Time       `json:"entry_date"`
	DebitAccount  string           `json:"debit_account"`
	CreditAccount string           `json:"credit_account"`
	DebitAmount   decimal.Decimal  `json:"debit_amount"`
	CreditAmount  decimal.Decimal  `json:"credit_amount"`
	TaxAmount     *decimal.Decimal `json:"tax_amount,omitempty"`
	TaxAccount    string           `json:"tax_account,omitempty"`
	Narrative     string           `json:"narrative"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Balanced reports whether debit equals credit
func (e JournalEntry) Balanced() bool {
	return e.DebitAmount.Equal(e.CreditAmount)
}

// FromBestFrame builds the receipt for a cluster. Fields come from the best frame only.
func FromBestFrame(jobID string, sequence int, best Frame, frameIDs []string, now time.Time) Receipt {
	r := Receipt{
		ID:          ReceiptID(jobID, sequence),
		JobID:       jobID,
		Sequence:    sequence,
		BestFrameID: best.ID,
		OffsetMs:    best.OffsetMs,
		FrameIDs:    append([]string(nil), frameIDs...),
		CreatedAt:   now,
	}
	if f := best.Fields; f != nil {
		r.Vendor = f.Vendor
		r.IssueDate = f.IssueDate
		r.Total = f.Total
		r.Tax = f.Tax
		r.Currency = f.Currency
		r.DocumentType = f.DocumentType
		r.PaymentMethod = f.PaymentMethod
		r.LineItems = append([]LineItem(nil), f.LineItems...)
	}
	return r
}
