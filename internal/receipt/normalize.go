package receipt

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/width"
)

// DocumentTypeSeparator joins composite document types such as "請求書・領収書"
const DocumentTypeSeparator = "・"

// Document types recognized by the parser
const (
	DocReceipt    = "領収書"
	DocRegister   = "レシート"
	DocInvoice    = "請求書"
	DocEstimate   = "見積書"
	DocDelivery   = "納品書"
	PaymentCash   = "cash"
	PaymentCredit = "credit"
	PaymentEMoney = "emoney"
)

var documentTypeAliases = map[string]string{
	"領収証":     DocReceipt,
	"領収書":     DocReceipt,
	"RECEIPT": DocReceipt,
	"レシート":    DocRegister,
	"請求書":     DocInvoice,
	"インボイス":   DocInvoice,
	"INVOICE": DocInvoice,
	"見積書":     DocEstimate,
	"御見積書":    DocEstimate,
	"納品書":     DocDelivery,
}

// FoldWidth maps full-width ASCII and symbols to their narrow forms
func FoldWidth(s string) string {
	return width.Fold.String(s)
}

// NormalizeVendor produces the comparison key for vendor names.
// Width, case, whitespace and punctuation differences are ignored.
func NormalizeVendor(s string) string {
	folded := strings.ToLower(FoldWidth(s))
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeDocumentType keeps the first component of a composite type and maps
// known aliases onto their canonical name. Unknown types are returned trimmed.
func NormalizeDocumentType(s string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(s), DocumentTypeSeparator)
	first = strings.TrimSpace(first)
	if canonical, ok := documentTypeAliases[strings.ToUpper(FoldWidth(first))]; ok {
		return canonical
	}
	return first
}

// NormalizeAmount rounds to whole currency units for tolerant comparison
func NormalizeAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}
