package render

import (
	"image"
	"image/color"
	"testing"
)

func TestComputeDPI(t *testing.T) {
	tests := []struct {
		name   string
		bound  image.Rectangle
		target int
		want   float64
	}{
		// US Letter is 612x792 points; 1288px over 792pt is ~117 DPI.
		{"letter portrait", image.Rect(0, 0, 612, 792), 1288, 72.0 * 1288 / 792},
		{"landscape", image.Rect(0, 0, 792, 612), 1288, 72.0 * 1288 / 792},
		{"square", image.Rect(0, 0, 500, 500), 1000, 144},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := computeDPI(tt.bound, tt.target)
			if err != nil {
				t.Fatalf("computeDPI: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %f, got %f", tt.want, got)
			}
		})
	}

	if _, err := computeDPI(image.Rect(0, 0, 0, 0), 1288); err == nil {
		t.Error("expected error for empty bounds")
	}
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	// One red pixel in the top-left corner to track orientation.
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img
}

func TestFitLongest(t *testing.T) {
	tests := []struct {
		name       string
		w, h       int
		target     int
		wantW, wantH int
	}{
		{"wide shrinks by width", 2000, 1000, 1000, 1000, 500},
		{"tall shrinks by height", 1000, 2000, 1000, 500, 1000},
		{"already exact", 1288, 900, 1288, 1288, 900},
		{"upscale", 644, 450, 1288, 1288, 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fitLongest(testImage(tt.w, tt.h), tt.target)
			b := got.Bounds()
			if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("expected %dx%d, got %dx%d", tt.wantW, tt.wantH, b.Dx(), b.Dy())
			}
		})
	}
}

func TestRotateQuarterTurns(t *testing.T) {
	src := testImage(100, 50)

	for _, tt := range []struct {
		degrees      int
		wantW, wantH int
	}{
		{0, 100, 50},
		{90, 50, 100},
		{180, 100, 50},
		{270, 50, 100},
		{360, 100, 50},
		{450, 50, 100},  // accumulated corrections wrap
		{-90, 50, 100},
	} {
		got := rotate(src, tt.degrees)
		b := got.Bounds()
		if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
			t.Errorf("rotate %d: expected %dx%d, got %dx%d", tt.degrees, tt.wantW, tt.wantH, b.Dx(), b.Dy())
		}
	}
}

func TestRotate90MovesCorner(t *testing.T) {
	src := testImage(100, 50)
	got := rotate(src, 90)
	// A clockwise quarter turn sends the top-left corner to the top-right.
	r, _, _, _ := got.At(got.Bounds().Max.X-1, 0).RGBA()
	if r == 0 {
		t.Error("expected the marker pixel in the top-right corner after a 90 degree clockwise turn")
	}
}

func TestNormalizeRotation(t *testing.T) {
	for _, tt := range []struct{ in, want int }{
		{0, 0}, {90, 90}, {360, 0}, {540, 180}, {-90, 270}, {-360, 0},
	} {
		if got := normalizeRotation(tt.in); got != tt.want {
			t.Errorf("normalizeRotation(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
