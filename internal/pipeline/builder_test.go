package pipeline

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"testing"
)

func strptr(s string) *string { return &s }

func pageResult(page int, text *string, in, out int, fallback bool) *PageResult {
	return &PageResult{
		Source:  "s3://bucket/doc.pdf",
		PageNum: page,
		Response: &PageResponse{
			IsRotationValid: true,
			NaturalText:     text,
		},
		InputTokens:  in,
		OutputTokens: out,
		IsFallback:   fallback,
	}
}

func TestBuildDocumentAssembly(t *testing.T) {
	results := []*PageResult{
		pageResult(1, strptr("alpha"), 10, 5, false),
		pageResult(2, strptr("beta"), 20, 10, false),
		pageResult(3, strptr("gamma"), 30, 15, true),
	}

	doc := BuildDocument("s3://bucket/doc.pdf", results)
	if doc == nil {
		t.Fatal("expected document, got nil")
	}
	if doc.Text != "alpha\nbeta\ngamma" {
		t.Errorf("expected text %q, got %q", "alpha\nbeta\ngamma", doc.Text)
	}

	wantSpans := [][3]int{{0, 6, 1}, {6, 11, 2}, {11, 16, 3}}
	if len(doc.Attributes.PDFPageNumbers) != len(wantSpans) {
		t.Fatalf("expected %d spans, got %d", len(wantSpans), len(doc.Attributes.PDFPageNumbers))
	}
	for i, want := range wantSpans {
		if doc.Attributes.PDFPageNumbers[i] != want {
			t.Errorf("span %d: expected %v, got %v", i, want, doc.Attributes.PDFPageNumbers[i])
		}
	}

	if doc.Metadata.PDFTotalPages != 3 {
		t.Errorf("expected 3 pages, got %d", doc.Metadata.PDFTotalPages)
	}
	if doc.Metadata.TotalInputTokens != 60 || doc.Metadata.TotalOutputTokens != 30 {
		t.Errorf("expected token totals 60/30, got %d/%d",
			doc.Metadata.TotalInputTokens, doc.Metadata.TotalOutputTokens)
	}
	if doc.Metadata.TotalFallbackPages != 1 {
		t.Errorf("expected 1 fallback page, got %d", doc.Metadata.TotalFallbackPages)
	}
	if doc.Metadata.SourceFile != "s3://bucket/doc.pdf" {
		t.Errorf("expected source file preserved, got %q", doc.Metadata.SourceFile)
	}
	if doc.Source != sourceName {
		t.Errorf("expected source %q, got %q", sourceName, doc.Source)
	}

	sum := sha1.Sum([]byte(doc.Text))
	if doc.ID != hex.EncodeToString(sum[:]) {
		t.Errorf("expected id to be the text digest, got %q", doc.ID)
	}
}

func TestBuildDocumentNilTextPage(t *testing.T) {
	results := []*PageResult{
		pageResult(1, strptr("x"), 0, 0, false),
		pageResult(2, nil, 0, 0, true),
		pageResult(3, strptr("y"), 0, 0, false),
	}

	doc := BuildDocument("doc.pdf", results)
	if doc == nil {
		t.Fatal("expected document, got nil")
	}
	if doc.Text != "x\ny" {
		t.Errorf("expected %q, got %q", "x\ny", doc.Text)
	}
	wantSpans := [][3]int{{0, 2, 1}, {2, 2, 2}, {2, 3, 3}}
	for i, want := range wantSpans {
		if doc.Attributes.PDFPageNumbers[i] != want {
			t.Errorf("span %d: expected %v, got %v", i, want, doc.Attributes.PDFPageNumbers[i])
		}
	}
}

func TestBuildDocumentEmpty(t *testing.T) {
	if doc := BuildDocument("doc.pdf", nil); doc != nil {
		t.Error("expected nil document for no results")
	}

	results := []*PageResult{
		pageResult(1, nil, 0, 0, true),
		pageResult(2, nil, 0, 0, true),
	}
	if doc := BuildDocument("doc.pdf", results); doc != nil {
		t.Error("expected nil document for empty assembled text")
	}
}

func TestBuildDocumentUnicodeSpans(t *testing.T) {
	// Span offsets count characters, not bytes, so downstream tooling in
	// other languages can slice the text directly.
	results := []*PageResult{
		pageResult(1, strptr("héllo"), 0, 0, false),
		pageResult(2, strptr("wörld"), 0, 0, false),
	}

	doc := BuildDocument("doc.pdf", results)
	if doc == nil {
		t.Fatal("expected document, got nil")
	}
	wantSpans := [][3]int{{0, 6, 1}, {6, 11, 2}}
	for i, want := range wantSpans {
		if doc.Attributes.PDFPageNumbers[i] != want {
			t.Errorf("span %d: expected %v, got %v", i, want, doc.Attributes.PDFPageNumbers[i])
		}
	}
}

func TestDocumentValidate(t *testing.T) {
	build := func(t *testing.T) *Document {
		t.Helper()
		doc := BuildDocument("doc.pdf", []*PageResult{pageResult(1, strptr("text"), 1, 1, false)})
		if doc == nil {
			t.Fatal("expected document, got nil")
		}
		return doc
	}

	if err := build(t).Validate(); err != nil {
		t.Fatalf("expected built document to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Document)
	}{
		{"missing id", func(d *Document) { d.ID = "" }},
		{"missing text", func(d *Document) { d.Text = "" }},
		{"missing source", func(d *Document) { d.Source = "" }},
		{"missing dates", func(d *Document) { d.Added = "" }},
		{"missing source file", func(d *Document) { d.Metadata.SourceFile = "" }},
		{"missing version", func(d *Document) { d.Metadata.PipelineVersion = "" }},
		{"missing page count", func(d *Document) { d.Metadata.PDFTotalPages = 0 }},
		{"missing spans", func(d *Document) { d.Attributes.PDFPageNumbers = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := build(t)
			tt.mutate(doc)
			if err := doc.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDocumentJSONShape(t *testing.T) {
	doc := BuildDocument("doc.pdf", []*PageResult{pageResult(1, strptr("text"), 7, 3, false)})
	if doc == nil {
		t.Fatal("expected document, got nil")
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "text", "source", "added", "created", "metadata", "attributes"} {
		if _, ok := m[key]; !ok {
			t.Errorf("expected top-level key %q", key)
		}
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal(m["metadata"], &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	for _, key := range []string{"Source-File", "pipeline-version", "pdf-total-pages", "total-input-tokens", "total-output-tokens", "total-fallback-pages"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("expected metadata key %q", key)
		}
	}

	var attrs struct {
		Spans [][3]int `json:"pdf_page_numbers"`
	}
	if err := json.Unmarshal(m["attributes"], &attrs); err != nil {
		t.Fatalf("unmarshal attributes: %v", err)
	}
	if len(attrs.Spans) != 1 || attrs.Spans[0] != [3]int{0, 4, 1} {
		t.Errorf("expected span [0 4 1], got %v", attrs.Spans)
	}
}
