package filter

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

const (
	// sampleLimit bounds how many pages a screen probes per document.
	sampleLimit = 5

	// analysisDPI is the render resolution for the graphics probe. Coarse
	// is fine: component bounding boxes, not glyphs, are what we measure.
	analysisDPI = 150.0

	// binaryThreshold separates ink from background, 0-255 grayscale.
	binaryThreshold = 200

	// minComponentPixels filters speckle noise out of the component scan.
	minComponentPixels = 100

	// minAlphaRatio is the minimum share of letters among non-whitespace
	// runes in the sampled text. Spam and garbled extractions sit far
	// below ordinary prose.
	minAlphaRatio = 0.40

	// minSampleRunes gates the ratio check. Below this the sample is too
	// thin to judge, typically a scan with no text layer, and the check
	// is skipped rather than failed.
	minSampleRunes = 200

	// dominanceRatio marks a page as a full-page graphic when the largest
	// ink component's bounding box covers at least this share of it.
	dominanceRatio = 0.85
)

// Doc abstracts an open document for probing.
type Doc interface {
	NumPages() int
	PageText(i int) (string, error)
	PageImage(i int, dpi float64) (image.Image, error)
	Close() error
}

// Opener opens a document path into a probe-able Doc.
type Opener interface {
	Open(path string) (Doc, error)
}

// Verdict is the outcome of screening one document.
type Verdict struct {
	Accepted       bool
	Reason         string
	Sampled        []int
	SampleRunes    int
	AlphaRatio     float64
	DominatedPages int
}

// Filter screens documents before any model call is issued. A rejected
// document is abandoned outright: screening never retries and the caller
// must not either.
type Filter struct {
	open Opener
}

// New returns a Filter backed by the MuPDF opener.
func New() *Filter { return &Filter{open: fitzOpener{}} }

// NewWithOpener returns a Filter using the given opener.
func NewWithOpener(o Opener) *Filter { return &Filter{open: o} }

// Screen samples up to five pages of the document at path and decides
// whether it is worth sending to the model. Two checks reject: sampled
// text with too few letters among its runes, and a majority of sampled
// pages dominated by a single full-page graphic. Per-page probe failures
// are logged and skipped; they never reject on their own.
func (f *Filter) Screen(path string) (*Verdict, error) {
	d, err := f.open.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer d.Close()

	total := d.NumPages()
	if total <= 0 {
		return &Verdict{Reason: "document has no pages"}, nil
	}

	sampled := sampleIndices(total)
	var sb strings.Builder
	dominated := 0

	for _, idx := range sampled {
		text, terr := d.PageText(idx)
		if terr != nil {
			log.Debug().Str("path", path).Int("page", idx).Err(terr).Msg("filter text probe failed")
		} else {
			sb.WriteString(text)
			sb.WriteByte('\n')
		}

		img, ierr := d.PageImage(idx, analysisDPI)
		if ierr != nil {
			log.Debug().Str("path", path).Int("page", idx).Err(ierr).Msg("filter render probe failed")
			continue
		}
		if isDominated(img) {
			dominated++
		}
	}

	ratio, runes := alphaRatio(sb.String())
	v := &Verdict{
		Sampled:        sampled,
		SampleRunes:    runes,
		AlphaRatio:     ratio,
		DominatedPages: dominated,
	}

	switch {
	case runes >= minSampleRunes && ratio < minAlphaRatio:
		v.Reason = fmt.Sprintf("alphabetic ratio %.2f below %.2f over %d sampled runes", ratio, minAlphaRatio, runes)
	case dominated*2 > len(sampled):
		v.Reason = fmt.Sprintf("%d of %d sampled pages dominated by a full-page graphic", dominated, len(sampled))
	default:
		v.Accepted = true
	}

	log.Debug().
		Str("path", path).
		Ints("sampled", sampled).
		Float64("alpha_ratio", ratio).
		Int("dominated", dominated).
		Bool("accepted", v.Accepted).
		Msg("content screen")
	return v, nil
}

// sampleIndices picks the pages to probe: all of them up to five, else
// first, middle and last plus random distinct picks to fill five.
func sampleIndices(total int) []int {
	if total <= 0 {
		return []int{}
	}
	if total <= sampleLimit {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}

	picks := map[int]struct{}{0: {}, total / 2: {}, total - 1: {}}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(picks) < sampleLimit {
		picks[rnd.Intn(total)] = struct{}{}
	}

	out := make([]int, 0, len(picks))
	for i := range picks {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// alphaRatio reports the share of letters among non-whitespace runes and
// how many such runes the text holds.
func alphaRatio(text string) (float64, int) {
	letters, runes := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		runes++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if runes == 0 {
		return 0, 0
	}
	return float64(letters) / float64(runes), runes
}

// isDominated reports whether one ink component's bounding box covers
// dominanceRatio of the page render. Text pages break into per-glyph
// components and stay far below it; a poster or full-page scan is one
// blob over nearly the whole page.
func isDominated(img image.Image) bool {
	mask, w, h := inkMask(img)
	if w == 0 || h == 0 {
		return false
	}
	return float64(largestInkArea(mask, w, h)) >= dominanceRatio*float64(w*h)
}

// inkMask thresholds the image into an ink bitmap, row-major.
func inkMask(img image.Image) ([]bool, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			if g.Y < binaryThreshold {
				mask[y*w+x] = true
			}
		}
	}
	return mask, w, h
}

// largestInkArea scans 4-connected ink components with an iterative flood
// fill and returns the largest bounding-box area, ignoring components
// below minComponentPixels.
func largestInkArea(mask []bool, w, h int) int {
	visited := make([]bool, len(mask))
	best := 0
	stack := make([]int, 0, 1024)

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		minX, minY := start%w, start/w
		maxX, maxY := minX, minY
		pixels := 0
		stack = append(stack[:0], start)

		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[i] || !mask[i] {
				continue
			}
			visited[i] = true
			pixels++

			x, y := i%w, i/w
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}

			if x > 0 {
				stack = append(stack, i-1)
			}
			if x < w-1 {
				stack = append(stack, i+1)
			}
			if y > 0 {
				stack = append(stack, i-w)
			}
			if y < h-1 {
				stack = append(stack, i+w)
			}
		}

		if pixels < minComponentPixels {
			continue
		}
		if area := (maxX - minX + 1) * (maxY - minY + 1); area > best {
			best = area
		}
	}
	return best
}
