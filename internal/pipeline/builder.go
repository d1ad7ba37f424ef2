package pipeline

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	// sourceName tags every emitted document with the producing pipeline.
	sourceName = "ocrpipeline"

	// pipelineVersion is recorded in document metadata.
	pipelineVersion = "1.0.0"
)

// Document is the assembled output for one source file, written as one
// JSON line of the results object.
type Document struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Source     string     `json:"source"`
	Added      string     `json:"added"`
	Created    string     `json:"created"`
	Metadata   Metadata   `json:"metadata"`
	Attributes Attributes `json:"attributes"`
}

// Metadata carries per-document accounting totals.
type Metadata struct {
	SourceFile         string `json:"Source-File"`
	PipelineVersion    string `json:"pipeline-version"`
	PDFTotalPages      int    `json:"pdf-total-pages"`
	TotalInputTokens   int    `json:"total-input-tokens"`
	TotalOutputTokens  int    `json:"total-output-tokens"`
	TotalFallbackPages int    `json:"total-fallback-pages"`
}

// Attributes maps document text back to source pages: one
// [start, end, page] triple per page in document order, offsets counted
// in characters with end exclusive. Spans are recorded for every page,
// fallback or not, and a page without text yields an empty span.
type Attributes struct {
	PDFPageNumbers [][3]int `json:"pdf_page_numbers"`
}

// BuildDocument assembles page results, already in page order, into one
// document. Page text is joined with a newline after every page but the
// last; a page with no text contributes nothing, not a placeholder.
// Returns nil when the assembled text is empty.
func BuildDocument(source string, results []*PageResult) *Document {
	if len(results) == 0 {
		log.Warn().Str("source", source).Msg("no page results to assemble")
		return nil
	}

	spans := make([][3]int, 0, len(results))
	var sb strings.Builder
	pos := 0

	for i, pr := range results {
		content := ""
		if pr.Response != nil && pr.Response.NaturalText != nil {
			content = *pr.Response.NaturalText
			if i < len(results)-1 {
				content += "\n"
			}
		}
		start := pos
		sb.WriteString(content)
		pos += utf8.RuneCountInString(content)
		spans = append(spans, [3]int{start, pos, pr.PageNum})
	}

	text := sb.String()
	if text == "" {
		log.Info().Str("source", source).Msg("assembled document is empty, dropping")
		return nil
	}

	totalIn, totalOut, fallbacks := 0, 0, 0
	for _, pr := range results {
		totalIn += pr.InputTokens
		totalOut += pr.OutputTokens
		if pr.IsFallback {
			fallbacks++
		}
	}

	sum := sha1.Sum([]byte(text))
	today := time.Now().Format("2006-01-02")
	return &Document{
		ID:      hex.EncodeToString(sum[:]),
		Text:    text,
		Source:  sourceName,
		Added:   today,
		Created: today,
		Metadata: Metadata{
			SourceFile:         source,
			PipelineVersion:    pipelineVersion,
			PDFTotalPages:      len(results),
			TotalInputTokens:   totalIn,
			TotalOutputTokens:  totalOut,
			TotalFallbackPages: fallbacks,
		},
		Attributes: Attributes{PDFPageNumbers: spans},
	}
}

// Validate is a structural check applied before a document is persisted,
// independent of how it was assembled.
func (d *Document) Validate() error {
	switch {
	case d.ID == "":
		return errors.New("document missing id")
	case d.Text == "":
		return errors.New("document missing text")
	case d.Source == "":
		return errors.New("document missing source")
	case d.Added == "" || d.Created == "":
		return errors.New("document missing dates")
	case d.Metadata.SourceFile == "":
		return errors.New("document missing Source-File metadata")
	case d.Metadata.PipelineVersion == "":
		return errors.New("document missing pipeline-version metadata")
	case d.Metadata.PDFTotalPages <= 0:
		return errors.New("document missing pdf-total-pages metadata")
	case d.Attributes.PDFPageNumbers == nil:
		return errors.New("document missing page spans")
	}
	return nil
}
