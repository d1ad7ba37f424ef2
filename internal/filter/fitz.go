package filter

import (
	"image"

	"github.com/gen2brain/go-fitz"
)

// fitzOpener backs the default Filter with MuPDF.
type fitzOpener struct{}

func (fitzOpener) Open(path string) (Doc, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return &fitzDoc{doc: doc}, nil
}

type fitzDoc struct {
	doc *fitz.Document
}

func (d *fitzDoc) NumPages() int { return d.doc.NumPage() }

func (d *fitzDoc) PageText(i int) (string, error) { return d.doc.Text(i) }

func (d *fitzDoc) PageImage(i int, dpi float64) (image.Image, error) {
	return d.doc.ImageDPI(i, dpi)
}

func (d *fitzDoc) Close() error { return d.doc.Close() }
