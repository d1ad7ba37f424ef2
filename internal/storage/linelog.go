package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/local/ocrpipeline/internal/errs"
)

// ReadLines fetches a zstd-compressed text object and splits it into
// non-empty lines. A missing object reads as an empty log, so callers
// can treat first-run and resumed-run state identically.
func (s *Store) ReadLines(ctx context.Context, path string) ([]string, error) {
	data, err := s.Get(ctx, path)
	if errs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// WriteLines joins lines with newlines, zstd-compresses the result and
// overwrites the object at path.
func (s *Store) WriteLines(ctx context.Context, path string, lines []string) error {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("open zstd writer: %w", err)
	}
	if _, err := enc.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		enc.Close()
		return fmt.Errorf("compress lines for %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush zstd stream for %s: %w", path, err)
	}
	return s.Put(ctx, path, buf.Bytes())
}
