package filter

import (
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
)

type fakeDoc struct {
	texts   []string
	images  []image.Image
	textErr error
	imgErr  error
	closed  bool
}

func (d *fakeDoc) NumPages() int { return len(d.texts) }

func (d *fakeDoc) PageText(i int) (string, error) {
	if d.textErr != nil {
		return "", d.textErr
	}
	return d.texts[i], nil
}

func (d *fakeDoc) PageImage(i int, _ float64) (image.Image, error) {
	if d.imgErr != nil {
		return nil, d.imgErr
	}
	if d.images == nil {
		return grayPage(60, 60), nil
	}
	return d.images[i], nil
}

func (d *fakeDoc) Close() error {
	d.closed = true
	return nil
}

type fakeOpener struct {
	doc *fakeDoc
	err error
}

func (o fakeOpener) Open(string) (Doc, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.doc, nil
}

// grayPage builds a white page with the given rectangles filled black.
func grayPage(w, h int, ink ...image.Rectangle) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	for _, r := range ink {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				img.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return img
}

func repeatText(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestScreenAcceptsProse(t *testing.T) {
	doc := &fakeDoc{texts: repeatText(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 3), 4)}
	f := NewWithOpener(fakeOpener{doc: doc})

	v, err := f.Screen("prose.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Accepted {
		t.Fatalf("expected accepted, got rejection: %s", v.Reason)
	}
	if v.AlphaRatio < 0.9 {
		t.Errorf("expected alpha ratio above 0.9, got %.2f", v.AlphaRatio)
	}
	if !doc.closed {
		t.Error("expected document to be closed after screen")
	}
}

func TestScreenRejectsLowAlphabeticRatio(t *testing.T) {
	doc := &fakeDoc{texts: repeatText(strings.Repeat("0123456789 $%# ", 10), 3)}
	f := NewWithOpener(fakeOpener{doc: doc})

	v, err := f.Screen("spam.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Accepted {
		t.Fatal("expected rejection for digit-heavy sample")
	}
	if !strings.Contains(v.Reason, "alphabetic ratio") {
		t.Errorf("expected alphabetic ratio reason, got %q", v.Reason)
	}
	if v.SampleRunes < minSampleRunes {
		t.Fatalf("test sample too thin to trigger the check: %d runes", v.SampleRunes)
	}
}

func TestScreenSkipsRatioOnSparseText(t *testing.T) {
	// A scan with no text layer yields almost no sampled runes. The ratio
	// check must not fire; screening exists to reject spam, not scans.
	doc := &fakeDoc{texts: repeatText("42", 5)}
	f := NewWithOpener(fakeOpener{doc: doc})

	v, err := f.Screen("scan.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Accepted {
		t.Fatalf("expected sparse sample to pass, got rejection: %s", v.Reason)
	}
}

func TestScreenRejectsGraphicsDominated(t *testing.T) {
	full := grayPage(100, 100, image.Rect(2, 2, 97, 97))
	doc := &fakeDoc{
		texts:  repeatText("", 3),
		images: []image.Image{full, full, full},
	}
	f := NewWithOpener(fakeOpener{doc: doc})

	v, err := f.Screen("poster.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Accepted {
		t.Fatal("expected rejection for graphic-dominated pages")
	}
	if v.DominatedPages != 3 {
		t.Errorf("expected 3 dominated pages, got %d", v.DominatedPages)
	}
	if !strings.Contains(v.Reason, "graphic") {
		t.Errorf("expected graphics reason, got %q", v.Reason)
	}
}

func TestScreenAcceptsMinorityDominated(t *testing.T) {
	full := grayPage(100, 100, image.Rect(2, 2, 97, 97))
	text := grayPage(100, 100)
	doc := &fakeDoc{
		texts:  repeatText("", 3),
		images: []image.Image{full, text, text},
	}
	f := NewWithOpener(fakeOpener{doc: doc})

	v, err := f.Screen("mixed.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Accepted {
		t.Fatalf("expected one dominated page out of three to pass, got rejection: %s", v.Reason)
	}
	if v.DominatedPages != 1 {
		t.Errorf("expected 1 dominated page, got %d", v.DominatedPages)
	}
}

func TestScreenProbeFailuresDoNotReject(t *testing.T) {
	doc := &fakeDoc{
		texts:   repeatText("", 4),
		textErr: errors.New("text walk failed"),
		imgErr:  errors.New("render failed"),
	}
	f := NewWithOpener(fakeOpener{doc: doc})

	v, err := f.Screen("flaky.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Accepted {
		t.Fatalf("expected probe failures to pass through, got rejection: %s", v.Reason)
	}
}

func TestScreenEmptyDocument(t *testing.T) {
	f := NewWithOpener(fakeOpener{doc: &fakeDoc{}})

	v, err := f.Screen("empty.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Accepted {
		t.Fatal("expected rejection for document with no pages")
	}
}

func TestScreenOpenError(t *testing.T) {
	f := NewWithOpener(fakeOpener{err: errors.New("corrupt header")})

	if _, err := f.Screen("broken.pdf"); err == nil {
		t.Fatal("expected open error to propagate")
	}
}

func TestSampleIndices(t *testing.T) {
	for _, total := range []int{1, 3, 5} {
		got := sampleIndices(total)
		if len(got) != total {
			t.Fatalf("total %d: expected all pages sampled, got %v", total, got)
		}
		for i, idx := range got {
			if idx != i {
				t.Errorf("total %d: expected index %d at position %d, got %d", total, i, i, idx)
			}
		}
	}

	for _, total := range []int{6, 9, 100} {
		got := sampleIndices(total)
		if len(got) != sampleLimit {
			t.Fatalf("total %d: expected %d samples, got %v", total, sampleLimit, got)
		}
		want := map[int]bool{0: false, total / 2: false, total - 1: false}
		for i, idx := range got {
			if idx < 0 || idx >= total {
				t.Errorf("total %d: index %d out of range", total, idx)
			}
			if i > 0 && got[i-1] >= idx {
				t.Errorf("total %d: samples not strictly increasing: %v", total, got)
			}
			if _, ok := want[idx]; ok {
				want[idx] = true
			}
		}
		for idx, seen := range want {
			if !seen {
				t.Errorf("total %d: expected index %d in sample %v", total, idx, got)
			}
		}
	}

	if got := sampleIndices(0); len(got) != 0 {
		t.Errorf("expected no samples for empty document, got %v", got)
	}
}

func TestAlphaRatio(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		ratio float64
		runes int
	}{
		{"empty", "", 0, 0},
		{"whitespace only", " \n\t ", 0, 0},
		{"letters", "abc", 1, 3},
		{"half", "a1", 0.5, 2},
		{"digits", "123", 0, 3},
		{"unicode letters", "héllo wörld", 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ratio, runes := alphaRatio(tt.text)
			if ratio != tt.ratio || runes != tt.runes {
				t.Errorf("expected (%.2f, %d), got (%.2f, %d)", tt.ratio, tt.runes, ratio, runes)
			}
		})
	}
}

func TestIsDominated(t *testing.T) {
	if isDominated(grayPage(100, 100)) {
		t.Error("expected blank page not dominated")
	}
	if !isDominated(grayPage(100, 100, image.Rect(2, 2, 97, 97))) {
		t.Error("expected near-full-page ink to dominate")
	}
	if isDominated(grayPage(100, 100, image.Rect(0, 0, 30, 100))) {
		t.Error("expected 30%% column not to dominate")
	}
}

func TestLargestInkArea(t *testing.T) {
	img := grayPage(40, 40,
		image.Rect(0, 0, 12, 12),   // 144 px
		image.Rect(20, 20, 30, 30), // 100 px
		image.Rect(35, 0, 38, 3),   // speckle, below the floor
	)
	mask, w, h := inkMask(img)
	if got := largestInkArea(mask, w, h); got != 144 {
		t.Errorf("expected largest component area 144, got %d", got)
	}

	speckles := grayPage(40, 40, image.Rect(0, 0, 3, 3), image.Rect(10, 10, 13, 13))
	mask, w, h = inkMask(speckles)
	if got := largestInkArea(mask, w, h); got != 0 {
		t.Errorf("expected speckle-only page to have no components, got %d", got)
	}
}
