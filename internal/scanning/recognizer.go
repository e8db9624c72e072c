package scanning

import (
	"context"
	"errors"
)

// ErrRecognitionFailed wraps any provider failure for a single frame
var ErrRecognitionFailed = errors.New("recognition failed")

// Recognition is the raw OCR reading of one frame
type Recognition struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Quality    *float64 `json:"-"`
}

// Recognizer defines the interface for turning a frame image into text
type Recognizer interface {
	// Recognize reads all text in a PNG encoded frame
	Recognize(ctx context.Context, image []byte) (Recognition, error)
	// Close closes the recognizer and releases resources
	Close() error
}

// transcriptionPrompt is the shared prompt used by all LLM providers
const transcriptionPrompt = `You are looking at one frame of a video in which paper receipts and invoices are shown to a camera, one after another. The text may be Japanese or English.

Transcribe ALL text printed on the receipt in the frame, line by line, top to bottom, exactly as printed. Keep amounts, dates, currency symbols and document titles (e.g. 領収書, 請求書, レシート) verbatim. Do not summarize, translate or correct the text.

Also estimate how confident you are that the transcription is accurate and complete, as a number between 0 and 1. Use 0 when no receipt is visible or the frame is unreadable.

Return ONLY valid JSON in this exact format:
{
  "text": "line 1\nline 2\n...",
  "confidence": 0.0
}

Important:
- If no text is readable, return an empty string for text and 0 for confidence
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
