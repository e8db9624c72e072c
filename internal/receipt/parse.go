package receipt

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

const vendorSearchLines = 5

var (
	reAmount   = regexp.MustCompile(`([¥$€])?\s*(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?\s*(円)?`)
	reDocType  = regexp.MustCompile(`(?i)(御見積書|見積書|領収証|領収書|レシート|請求書|インボイス|納品書|RECEIPT|INVOICE)(?:\s*・\s*(?:御見積書|見積書|領収証|領収書|レシート|請求書|インボイス|納品書|RECEIPT|INVOICE))*`)
	reLineItem = regexp.MustCompile(`^(.*\S)\s+[¥$€]?\s*(\d{1,3}(?:,\d{3})+|\d+(?:\.\d{1,2})?)\s*円?\s*[*※軽]?$`)
	rePhone    = regexp.MustCompile(`(?i)(TEL|電話|FAX)|\d{2,4}-\d{2,4}-\d{3,4}`)
	reTaxWord  = regexp.MustCompile(`(?i)\bTAX\b`)
)

var (
	totalKeywords = []scoredKeyword{
		{"税込合計", 350}, {"総合計", 250}, {"GRAND TOTAL", 250}, {"合計", 150}, {"TOTAL", 150},
		{"税込", 100}, {"お会計", 150}, {"お買上", 120}, {"ご請求額", 150}, {"請求金額", 150},
		{"AMOUNT DUE", 150}, {"総額", 120},
	}
	notTotalKeywords = []string{"小計", "税抜", "SUBTOTAL", "SUB TOTAL", "お預", "預り", "お釣", "釣銭", "CHANGE", "TENDERED"}
	taxKeywords      = []string{"消費税", "内税", "税額"}
	vendorMarkers    = []string{
		"株式会社", "有限会社", "合同会社", "(株)", "㈱", "商店", "薬局", "ストア", "マート", "スーパー", "店", "堂",
		"STORE", "SHOP", "MART", "MARKET", "CAFE", "INC", "LTD", "CO.",
	}
	addresseeSuffixes = []string{"様", "御中"}
	paymentKeywords   = []struct {
		method   string
		keywords []string
	}{
		{PaymentCredit, []string{"クレジット", "CREDIT", "VISA", "MASTERCARD", "JCB", "AMEX", "カード"}},
		{PaymentEMoney, []string{"電子マネー", "SUICA", "PASMO", "ICOCA", "PAYPAY", "NANACO", "WAON", "QUICPAY"}},
		{PaymentCash, []string{"現金", "CASH", "お預"}},
	}
)

type scoredKeyword struct {
	word  string
	score int
}

type amountMatch struct {
	value  decimal.Decimal
	marked bool
}

// Parse extracts structured fields from raw OCR text. The same input always
// produces the same output.
func Parse(raw string) ParsedFields {
	text := FoldWidth(raw)
	lines := splitLines(text)

	var p ParsedFields
	var vendorLine int
	p.Vendor, vendorLine, p.Confidence.Vendor = parseVendor(lines)
	p.IssueDate, p.Confidence.IssueDate = parseDate(text)
	p.Total, p.Confidence.Total = parseTotal(lines)
	p.Tax = parseTax(lines)
	p.Currency = parseCurrency(text)
	p.DocumentType, p.Confidence.DocumentType = parseDocumentType(text)
	p.PaymentMethod, p.Confidence.PaymentMethod = parsePaymentMethod(text)
	p.LineItems = parseLineItems(lines, vendorLine)
	return p
}

func splitLines(text string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func containsAny(upper string, words []string) bool {
	for _, w := range words {
		if strings.Contains(upper, w) {
			return true
		}
	}
	return false
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func parseVendor(lines []string) (*string, int, float64) {
	limit := min(len(lines), vendorSearchLines)
	fallback := -1
	for i := 0; i < limit; i++ {
		line := lines[i]
		if isNoiseLine(line) {
			continue
		}
		if containsAny(strings.ToUpper(line), vendorMarkers) {
			v := line
			return &v, i, 0.9
		}
		if fallback < 0 {
			fallback = i
		}
	}
	if fallback < 0 {
		return nil, -1, 0
	}
	v := lines[fallback]
	return &v, fallback, 0.5
}

// isNoiseLine rejects lines that cannot be a vendor name
func isNoiseLine(line string) bool {
	upper := strings.ToUpper(line)
	if letterCount(line) < 2 {
		return true
	}
	if _, conf := parseDate(line); conf > 0 {
		return true
	}
	if rePhone.MatchString(line) {
		return true
	}
	if _, ok := documentTypeAliases[upper]; ok {
		return true
	}
	if reDocType.FindString(line) == line {
		return true
	}
	for _, suffix := range addresseeSuffixes {
		if strings.HasSuffix(line, suffix) {
			return true
		}
	}
	for _, kw := range totalKeywords {
		if strings.Contains(upper, kw.word) {
			return true
		}
	}
	return containsAny(upper, notTotalKeywords) || hasTaxKeyword(line)
}

func hasTaxKeyword(line string) bool {
	return containsAny(line, taxKeywords) || reTaxWord.MatchString(line)
}

// findAmounts returns the amounts on a line in order, skipping percentages
func findAmounts(line string) []amountMatch {
	var out []amountMatch
	for _, idx := range reAmount.FindAllStringSubmatchIndex(line, -1) {
		rest := strings.TrimLeft(line[idx[1]:], " ")
		if strings.HasPrefix(rest, "%") {
			continue
		}
		digits := strings.ReplaceAll(line[idx[4]:idx[5]], ",", "")
		if idx[6] >= 0 {
			digits += "." + line[idx[6]:idx[7]]
		}
		v, err := decimal.NewFromString(digits)
		if err != nil {
			continue
		}
		out = append(out, amountMatch{value: v, marked: idx[2] >= 0 || idx[8] >= 0})
	}
	return out
}

func lastAmount(line string) (decimal.Decimal, bool) {
	amounts := findAmounts(line)
	if len(amounts) == 0 {
		return decimal.Decimal{}, false
	}
	return amounts[len(amounts)-1].value, true
}

func parseTotal(lines []string) (*decimal.Decimal, float64) {
	bestScore := 0
	var best decimal.Decimal
	for i, line := range lines {
		upper := strings.ToUpper(line)
		if containsAny(upper, notTotalKeywords) {
			continue
		}
		score := 0
		for _, kw := range totalKeywords {
			if strings.Contains(upper, kw.word) && kw.score > score {
				score = kw.score
			}
		}
		if score == 0 {
			continue
		}
		v, ok := lastAmount(line)
		if !ok && i+1 < len(lines) && letterCount(lines[i+1]) == 0 {
			v, ok = lastAmount(lines[i+1])
		}
		if !ok {
			continue
		}
		if score >= bestScore {
			bestScore, best = score, v
		}
	}
	if bestScore > 0 {
		return &best, 0.9
	}

	// no keyword: largest amount carrying a currency marker
	found := false
	for _, line := range lines {
		for _, a := range findAmounts(line) {
			if a.marked && (!found || a.value.GreaterThan(best)) {
				best, found = a.value, true
			}
		}
	}
	if found {
		return &best, 0.4
	}
	return nil, 0
}

func parseTax(lines []string) *decimal.Decimal {
	for _, line := range lines {
		upper := strings.ToUpper(line)
		if !hasTaxKeyword(line) || strings.Contains(upper, "TOTAL") || strings.Contains(upper, "合計") {
			continue
		}
		if v, ok := lastAmount(line); ok {
			return &v
		}
	}
	return nil
}

func parseCurrency(text string) *string {
	upper := strings.ToUpper(text)
	var c string
	switch {
	case strings.ContainsAny(text, "¥円") || strings.Contains(upper, "JPY"):
		c = "JPY"
	case strings.Contains(text, "$") || strings.Contains(upper, "USD"):
		c = "USD"
	case strings.Contains(text, "€") || strings.Contains(upper, "EUR"):
		c = "EUR"
	default:
		return nil
	}
	return &c
}

func parseDocumentType(text string) (*string, float64) {
	m := reDocType.FindString(text)
	if m == "" {
		return nil, 0
	}
	doc := NormalizeDocumentType(m)
	conf := 0.7
	for _, line := range splitLines(text) {
		if line == m {
			conf = 0.9
			break
		}
	}
	return &doc, conf
}

func parsePaymentMethod(text string) (*string, float64) {
	upper := strings.ToUpper(text)
	for _, pk := range paymentKeywords {
		if containsAny(upper, pk.keywords) {
			m := pk.method
			return &m, 0.8
		}
	}
	return nil, 0
}

// isTenderLine reports whether an upper-cased line records how the receipt was paid
func isTenderLine(upper string) bool {
	for _, pk := range paymentKeywords {
		if containsAny(upper, pk.keywords) {
			return true
		}
	}
	return false
}

func parseLineItems(lines []string, vendorLine int) []LineItem {
	var items []LineItem
	for i, line := range lines {
		if i <= vendorLine {
			continue
		}
		upper := strings.ToUpper(line)
		if containsAny(upper, notTotalKeywords) || hasTaxKeyword(line) || rePhone.MatchString(line) || isTenderLine(upper) {
			continue
		}
		total := false
		for _, kw := range totalKeywords {
			if strings.Contains(upper, kw.word) {
				total = true
				break
			}
		}
		if total {
			continue
		}
		if _, conf := parseDate(line); conf > 0 {
			continue
		}
		m := reLineItem.FindStringSubmatch(line)
		if m == nil || letterCount(m[1]) == 0 {
			continue
		}
		v, err := decimal.NewFromString(strings.ReplaceAll(m[2], ",", ""))
		if err != nil {
			continue
		}
		items = append(items, LineItem{Description: strings.TrimSpace(m[1]), Amount: v})
	}
	return items
}
