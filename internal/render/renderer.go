package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"
)

const jpegQuality = 90

// PageJPEG rasterizes one page (1-based) at a DPI chosen so the longest
// side of the output lands on targetDim pixels, applies the accumulated
// clockwise rotation, and encodes the result as JPEG.
func PageJPEG(pdfPath string, page, targetDim, rotation int) ([]byte, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", pdfPath, err)
	}
	defer doc.Close()

	bound, err := doc.Bound(page - 1)
	if err != nil {
		return nil, fmt.Errorf("page %d bounds: %w", page, err)
	}
	dpi, err := computeDPI(bound, targetDim)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page, err)
	}

	img, err := doc.ImageDPI(page-1, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}

	fitted := fitLongest(img, targetDim)
	rotated := rotate(fitted, rotation)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rotated, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode page %d: %w", page, err)
	}

	b := rotated.Bounds()
	log.Debug().
		Str("pdf", pdfPath).
		Int("page", page).
		Float64("dpi", dpi).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Int("rotation", normalizeRotation(rotation)).
		Int("jpeg_size", buf.Len()).
		Msg("rendered page")
	return buf.Bytes(), nil
}

// PageBase64 renders the page and returns it base64-encoded for
// embedding in a request payload.
func PageBase64(pdfPath string, page, targetDim, rotation int) (string, error) {
	data, err := PageJPEG(pdfPath, page, targetDim, rotation)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// computeDPI picks the render resolution so the page's longest side, in
// points at 72 DPI, scales to targetDim pixels.
func computeDPI(bound image.Rectangle, targetDim int) (float64, error) {
	longest := bound.Dx()
	if bound.Dy() > longest {
		longest = bound.Dy()
	}
	if longest <= 0 {
		return 0, fmt.Errorf("empty page bounds %v", bound)
	}
	return 72.0 * float64(targetDim) / float64(longest), nil
}

// fitLongest resizes img so its longest side is exactly target pixels.
// DPI rounding usually leaves the raster a pixel or two off.
func fitLongest(img image.Image, target int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		if w == target {
			return img
		}
		return imaging.Resize(img, target, 0, imaging.Lanczos)
	}
	if h == target {
		return img
	}
	return imaging.Resize(img, 0, target, imaging.Lanczos)
}

// rotate applies a clockwise rotation in degrees. Only quarter turns
// are meaningful; anything else comes from a misbehaving model response
// and is normalized first.
func rotate(img image.Image, degrees int) image.Image {
	switch normalizeRotation(degrees) {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func normalizeRotation(degrees int) int {
	d := degrees % 360
	if d < 0 {
		d += 360
	}
	return d
}
