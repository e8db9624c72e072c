package scanning

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures an OCR provider
type Config struct {
	Provider      string
	GeminiAPIKey  string
	GeminiModel   string
	OllamaURL     string
	OllamaModel   string
	Tesseract     string
	TesseractLang string
}

// NewRecognizer builds the provider named by cfg.Provider
func NewRecognizer(ctx context.Context, cfg Config) (Recognizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "gemini", "":
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "ollama":
		return NewOllama(cfg.OllamaURL, cfg.OllamaModel), nil
	case "tesseract":
		return NewTesseract(cfg.Tesseract, cfg.TesseractLang), nil
	default:
		return nil, fmt.Errorf("unsupported OCR provider: %s (must be 'gemini', 'ollama' or 'tesseract')", cfg.Provider)
	}
}
