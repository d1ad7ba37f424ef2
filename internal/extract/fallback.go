package extract

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// FallbackText pulls the text layer of one page (1-based) with an
// engine independent from the anchor path, so a parser bug in one
// cannot take out both the primary and the degraded output.
func FallbackText(pdfPath string, page int) (string, error) {
	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", pdfPath, err)
	}
	defer f.Close()

	if page < 1 || page > r.NumPage() {
		return "", fmt.Errorf("page %d out of range (1-%d)", page, r.NumPage())
	}
	p := r.Page(page)
	if p.V.IsNull() {
		return "", fmt.Errorf("page %d has no content", page)
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("page %d text: %w", page, err)
	}
	return strings.TrimSpace(text), nil
}
