package pipeline

import (
	"encoding/json"

	"github.com/local/ocrpipeline/internal/errs"
)

// PageResponse is the structured payload the model returns for one page.
// primary_language and natural_text are nullable, but every key must be
// present for the payload to count as valid.
type PageResponse struct {
	PrimaryLanguage    *string `json:"primary_language"`
	IsRotationValid    bool    `json:"is_rotation_valid"`
	RotationCorrection int     `json:"rotation_correction"`
	IsTable            bool    `json:"is_table"`
	IsDiagram          bool    `json:"is_diagram"`
	NaturalText        *string `json:"natural_text"`
}

var requiredResponseKeys = []string{
	"primary_language",
	"is_rotation_valid",
	"rotation_correction",
	"is_table",
	"is_diagram",
	"natural_text",
}

// pageResponseSchema constrains decoding when the backend supports
// guided JSON output.
var pageResponseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"primary_language": {"type": ["string", "null"]},
		"is_rotation_valid": {"type": "boolean"},
		"rotation_correction": {"type": "integer", "enum": [0, 90, 180, 270]},
		"is_table": {"type": "boolean"},
		"is_diagram": {"type": "boolean"},
		"natural_text": {"type": ["string", "null"]}
	},
	"required": ["primary_language", "is_rotation_valid", "rotation_correction", "is_table", "is_diagram", "natural_text"]
}`)

// ParsePageResponse decodes model content into a PageResponse. Malformed
// JSON comes back as the decoder's own error so the caller can tell it
// apart from a well-formed payload that is missing required keys, which
// comes back as a validation error.
func ParsePageResponse(content string) (*PageResponse, error) {
	data := []byte(content)

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	for _, k := range requiredResponseKeys {
		if _, ok := keys[k]; !ok {
			return nil, errs.Validationf("page response", "missing field %q", k)
		}
	}

	var pr PageResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// PageResult carries one page's outcome through to document assembly.
// Fallback results hold locally extracted text and zero token counts.
type PageResult struct {
	Source       string
	PageNum      int
	Response     *PageResponse
	InputTokens  int
	OutputTokens int
	IsFallback   bool
}
