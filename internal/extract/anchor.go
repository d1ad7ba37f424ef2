package extract

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/gen2brain/go-fitz"
)

// Anchor builds the text hint sent alongside a page image: the page
// dimensions followed by the page's embedded text layer, cleaned of
// obvious noise and clipped to budget runes. A budget of zero or less
// skips extraction and returns the empty string.
func Anchor(pdfPath string, page, budget int) (string, error) {
	if budget <= 0 {
		return "", nil
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", pdfPath, err)
	}
	defer doc.Close()

	bound, err := doc.Bound(page - 1)
	if err != nil {
		return "", fmt.Errorf("page %d bounds: %w", page, err)
	}
	raw, err := doc.Text(page - 1)
	if err != nil {
		return "", fmt.Errorf("page %d text: %w", page, err)
	}

	header := fmt.Sprintf("Page dimensions: %d.0x%d.0", bound.Dx(), bound.Dy())
	body := cleanText(raw)
	if body == "" {
		return clipRunes(header, budget), nil
	}
	return clipRunes(header+"\n"+body, budget), nil
}

// cleanText strips empty and noise-only lines and collapses runs of
// whitespace inside each remaining line.
func cleanText(text string) string {
	var cleaned []string
	for _, line := range strings.Split(text, "\n") {
		line = collapseSpaces(strings.TrimSpace(line))
		if line == "" || isNoise(line) {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return strings.Join(cleaned, "\n")
}

// isNoise reports lines with no letters at all: bare page numbers,
// rules, dot leaders.
func isNoise(line string) bool {
	for _, r := range line {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clipRunes(s string, budget int) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return string(runes[:budget])
}
