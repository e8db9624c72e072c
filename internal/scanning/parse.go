package scanning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const recognitionSchemaJSON = `{
  "type": "object",
  "required": ["text", "confidence"],
  "properties": {
    "text": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var recognitionSchema = jsonschema.MustCompileString("recognition.json", recognitionSchemaJSON)

// parseRecognitionJSON parses the JSON reply of an LLM provider
func parseRecognitionJSON(text string) (Recognition, error) {
	// Remove markdown code blocks if present
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return Recognition{}, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return Recognition{}, fmt.Errorf("invalid JSON object in response")
	}
	raw := []byte(text[startIdx : endIdx+1])

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Recognition{}, fmt.Errorf("unmarshaling json: %w", err)
	}
	if err := recognitionSchema.Validate(doc); err != nil {
		return Recognition{}, fmt.Errorf("json does not match schema: %w", err)
	}

	var rec Recognition
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Recognition{}, fmt.Errorf("unmarshaling json: %w", err)
	}
	rec.Text = strings.TrimSpace(rec.Text)
	return rec, nil
}
