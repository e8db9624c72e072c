package scanning

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/zombor/receipt-reel/internal/command"
)

var (
	reBoxNoise  = regexp.MustCompile(`[|_]{3,}`)
	reHasDate   = regexp.MustCompile(`(19|20)\d{2}[/.\-年]\d{1,2}|(令和|平成)\d{1,2}年`)
	reHasCurr   = regexp.MustCompile(`(?i)\b(usd|eur|jpy)\b|[$€¥￥円]`)
	reHasAmount = regexp.MustCompile(`\d{1,3}(,\d{3})+|\b\d+\.\d{2}\b|\d+円`)
)

// Tesseract implements the Recognizer interface with the tesseract CLI
type Tesseract struct {
	Binary string
	Lang   string
	Runner command.Runner
}

// NewTesseract creates a Tesseract Recognizer. lang follows tesseract's -l syntax, e.g. "jpn+eng".
func NewTesseract(binary, lang string) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	if lang == "" {
		lang = "jpn+eng"
	}
	return &Tesseract{Binary: binary, Lang: lang, Runner: command.ExecRunner{}}
}

// Recognize runs tesseract once for text and once in TSV mode for word confidences
func (t *Tesseract) Recognize(ctx context.Context, image []byte) (Recognition, error) {
	f, err := os.CreateTemp("", "frame-*.png")
	if err != nil {
		return Recognition{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(image); err != nil {
		f.Close()
		return Recognition{}, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return Recognition{}, fmt.Errorf("closing temp file: %w", err)
	}

	out, errb, err := t.Runner.Run(ctx, t.Binary, f.Name(), "stdout", "-l", t.Lang)
	if err != nil {
		return Recognition{}, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(string(errb)))
	}
	text := strings.TrimSpace(reBoxNoise.ReplaceAllString(string(out), ""))

	var ocrConf float64
	if tsv, _, err := t.Runner.Run(ctx, t.Binary, f.Name(), "stdout", "-l", t.Lang, "tsv"); err == nil {
		ocrConf = meanWordConfidence(string(tsv))
	}

	// blend: weight OCR higher if present
	conf := heuristicConfidence(text)
	if ocrConf > 0 {
		conf = 0.7*ocrConf + 0.3*conf
	}
	if text == "" {
		conf = 0
	}
	return Recognition{Text: text, Confidence: min(conf, 1)}, nil
}

// Close implements Recognizer
func (t *Tesseract) Close() error {
	return nil
}

// meanWordConfidence averages the conf column of tesseract TSV output into 0..1
func meanWordConfidence(tsv string) float64 {
	var sum, n float64
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue // header
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		confStr := cols[10]
		if confStr == "" || confStr == "-1" || strings.TrimSpace(cols[11]) == "" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n / 100
}

// heuristicConfidence boosts text that looks like a receipt
func heuristicConfidence(txt string) float64 {
	if strings.TrimSpace(txt) == "" {
		return 0
	}
	score := 0.2
	if reHasDate.MatchString(txt) {
		score += 0.2
	}
	if reHasCurr.MatchString(txt) {
		score += 0.15
	}
	if reHasAmount.MatchString(txt) {
		score += 0.15
	}
	if len(txt) > 120 {
		score += 0.1
	}
	return min(score, 1)
}
