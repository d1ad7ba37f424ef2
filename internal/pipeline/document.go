package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/errs"
	"github.com/local/ocrpipeline/internal/filetype"
	"github.com/local/ocrpipeline/internal/filter"
	"github.com/local/ocrpipeline/internal/metrics"
	"github.com/local/ocrpipeline/internal/storage"
)

// DocumentProcessor drives one source ref end to end: download, optional
// content screen, page fan-out, fallback-ratio gate, document assembly.
type DocumentProcessor struct {
	store  *storage.Store
	pages  *PageProcessor
	screen *filter.Filter // nil when the content filter is disabled
	worker config.WorkerConfig

	pageCount   func(path string) (int, error)
	detectImage func(path string) bool
	wrapImage   func(src, dst string) error
}

// NewDocumentProcessor wires a document processor. Pass a nil filter to
// skip content screening.
func NewDocumentProcessor(store *storage.Store, pages *PageProcessor, screen *filter.Filter, worker config.WorkerConfig) *DocumentProcessor {
	return &DocumentProcessor{
		store:     store,
		pages:     pages,
		screen:    screen,
		worker:    worker,
		pageCount: api.PageCountFile,
		detectImage: func(path string) bool {
			info, err := filetype.Detect(path)
			if err != nil {
				return false
			}
			if !info.IsPDF() && !info.IsImage() {
				log.Warn().Str("mime", info.MIMEType).Msg("unexpected input type, attempting pdf parse")
			}
			return info.IsImage()
		},
		wrapImage: func(src, dst string) error {
			return api.ImportImagesFile([]string{src}, dst, nil, nil)
		},
	}
}

// ProcessDocument downloads one source document and runs every page of it
// through the model. A nil Document with a nil error means the document
// was skipped: the source object is gone, the file is unreadable, the
// screen rejected it, too many pages fell back, or the assembled text was
// empty. The error return is reserved for download failures, cancellation
// and extraction pool failure.
func (d *DocumentProcessor) ProcessDocument(ctx context.Context, workerID int, source string) (*Document, error) {
	data, err := d.store.GetWithBackoff(ctx, source)
	if err != nil {
		if errs.IsNotFound(err) {
			log.Info().Str("source", source).Msg("source object gone, skipping document")
			metrics.IncDocument("skipped")
			return nil, nil
		}
		return nil, fmt.Errorf("download %s: %w", source, err)
	}

	localPath, cleanup, err := stageLocal(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if d.detectImage(localPath) {
		log.Info().Str("source", source).Msg("image input, wrapping as a single-page pdf")
		wrapped := localPath + ".wrapped.pdf"
		if err := d.wrapImage(localPath, wrapped); err != nil {
			log.Error().Str("source", source).Err(err).Msg("image wrap failed, aborting document")
			metrics.IncDocument("aborted")
			return nil, nil
		}
		defer os.Remove(wrapped)
		localPath = wrapped
	}

	numPages, err := d.pageCount(localPath)
	if err != nil || numPages <= 0 {
		log.Error().Str("source", source).Err(err).Msg("cannot count pages, aborting document")
		metrics.IncDocument("aborted")
		return nil, nil
	}
	log.Info().Str("source", source).Int("pages", numPages).Int("worker", workerID).Msg("document opened")

	if d.screen != nil {
		verdict, serr := d.screen.Screen(localPath)
		switch {
		case serr != nil:
			log.Warn().Str("source", source).Err(serr).Msg("content screen failed, continuing without it")
		case !verdict.Accepted:
			log.Info().Str("source", source).Str("reason", verdict.Reason).Msg("document rejected by content screen")
			metrics.IncDocument("filtered")
			return nil, nil
		}
	}

	results := make([]*PageResult, numPages)
	pageErrs := make([]error, numPages)
	var wg sync.WaitGroup
	for page := 1; page <= numPages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			res, perr := d.pages.ProcessPage(ctx, workerID, source, localPath, page)
			results[page-1] = res
			pageErrs[page-1] = perr
		}(page)
	}
	wg.Wait()

	// Pool death outranks everything else recorded during the fan-out.
	for _, perr := range pageErrs {
		if perr != nil && errs.IsFatal(perr) {
			return nil, perr
		}
	}
	for _, perr := range pageErrs {
		if perr != nil {
			if ctx.Err() != nil {
				return nil, perr
			}
			log.Error().Str("source", source).Err(perr).Msg("page task failed, aborting document")
			metrics.IncDocument("aborted")
			return nil, nil
		}
	}

	fallbacks := 0
	for _, res := range results {
		if res.IsFallback {
			fallbacks++
		}
	}
	if rate := float64(fallbacks) / float64(numPages); rate > d.worker.MaxPageErrorRate {
		log.Error().Str("source", source).Int("fallback_pages", fallbacks).Int("pages", numPages).
			Float64("rate", rate).Float64("ceiling", d.worker.MaxPageErrorRate).
			Msg("fallback ratio over ceiling, discarding document")
		metrics.IncDocument("discarded")
		return nil, nil
	}
	if fallbacks > 0 {
		log.Warn().Str("source", source).Int("fallback_pages", fallbacks).Int("pages", numPages).
			Msg("building document despite fallback pages")
	}

	doc := BuildDocument(source, results)
	if doc == nil {
		metrics.IncDocument("empty")
		return nil, nil
	}
	if err := doc.Validate(); err != nil {
		log.Error().Str("source", source).Err(err).Msg("assembled document failed validation")
		metrics.IncDocument("invalid")
		return nil, nil
	}
	metrics.IncDocument("ok")
	return doc, nil
}

// stageLocal writes downloaded bytes to a temp file for the renderers
// and extractors, which all work on paths.
func stageLocal(data []byte) (string, func(), error) {
	tmp, err := os.CreateTemp("", "ocrdoc-*.pdf")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", nil, fmt.Errorf("stage %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", nil, fmt.Errorf("stage %s: %w", name, err)
	}
	return name, func() { os.Remove(name) }, nil
}
