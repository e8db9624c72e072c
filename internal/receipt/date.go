package receipt

import (
	"regexp"
	"strconv"
	"time"
)

// eraStart maps Japanese era names and their one-letter abbreviations to the
// Gregorian year of era year 1.
var eraStart = map[string]int{
	"令和": 2019, "R": 2019,
	"平成": 1989, "H": 1989,
	"昭和": 1926, "S": 1926,
	"大正": 1912, "T": 1912,
	"明治": 1868, "M": 1868,
}

var (
	reEraDate    = regexp.MustCompile(`(令和|平成|昭和|大正|明治)\s*(元|\d{1,2})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
	reEraAbbrev  = regexp.MustCompile(`\b([RHSTM])\s*(\d{1,2})[./-](\d{1,2})[./-](\d{1,2})\b`)
	reKanjiDate  = regexp.MustCompile(`((?:19|20)\d{2})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
	reSlashDate  = regexp.MustCompile(`\b((?:19|20)\d{2})[/.-](\d{1,2})[/.-](\d{1,2})\b`)
	reEightDigit = regexp.MustCompile(`\b((?:19|20)\d{2})(\d{2})(\d{2})\b`)
)

// parseDate finds the first recognizable date in text. Full-width digits must
// already be folded.
func parseDate(text string) (*time.Time, float64) {
	if m := reEraDate.FindStringSubmatch(text); m != nil {
		year := 1
		if m[2] != "元" {
			year, _ = strconv.Atoi(m[2])
		}
		if t, ok := civilDate(eraStart[m[1]]+year-1, m[3], m[4]); ok {
			return &t, 0.9
		}
	}
	if m := reKanjiDate.FindStringSubmatch(text); m != nil {
		if t, ok := civilDate(atoi(m[1]), m[2], m[3]); ok {
			return &t, 0.9
		}
	}
	if m := reSlashDate.FindStringSubmatch(text); m != nil {
		if t, ok := civilDate(atoi(m[1]), m[2], m[3]); ok {
			return &t, 0.85
		}
	}
	if m := reEraAbbrev.FindStringSubmatch(text); m != nil {
		if t, ok := civilDate(eraStart[m[1]]+atoi(m[2])-1, m[3], m[4]); ok {
			return &t, 0.7
		}
	}
	if m := reEightDigit.FindStringSubmatch(text); m != nil {
		if t, ok := civilDate(atoi(m[1]), m[2], m[3]); ok {
			return &t, 0.5
		}
	}
	return nil, 0
}

// civilDate validates the parts and rejects rollovers like February 30th
func civilDate(year int, month, day string) (time.Time, bool) {
	mo, d := atoi(month), atoi(day)
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(mo) || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
