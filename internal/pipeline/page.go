package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/errs"
	"github.com/local/ocrpipeline/internal/extract"
	"github.com/local/ocrpipeline/internal/inference"
	"github.com/local/ocrpipeline/internal/metrics"
	"github.com/local/ocrpipeline/internal/render"
)

// Sampling temperature per attempt, clamped at the last entry. Raising it
// on repeated failure breaks repetitive degenerate output at some cost in
// quality. The last two attempts drop anchor text entirely and let the
// model read the page cold.
var (
	temperatureByAttempt = []float64{0.1, 0.1, 0.2, 0.3, 0.5, 0.8, 0.1, 0.8}
	dropAnchorByAttempt  = []bool{false, false, false, false, false, false, true, true}
)

// Tracker receives page lifecycle events. States are started, finished,
// errored and cancelled.
type Tracker interface {
	Track(workerID int, unit, state string)
}

// CompletionClient is the inference transport the page processor drives.
type CompletionClient interface {
	PostCompletion(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error)
}

// PageProcessor turns one page of a local PDF into a PageResult. It owns
// the whole retry policy around the inference call: render rotation
// corrections accumulate across attempts, token overflows shrink the
// anchor budget, transient connection failures back off without spending
// attempts, and an exhausted budget degrades to locally extracted text.
type PageProcessor struct {
	client  CompletionClient
	tracker Tracker
	inf     config.InferenceConfig
	worker  config.WorkerConfig

	renderPage func(path string, page, dim, rotation int) (string, error)
	anchorText func(ctx context.Context, path string, page, budget int) (string, error)
	fallback   func(path string, page int) (string, error)
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewPageProcessor wires the page state machine to its dependencies. The
// extraction pool is shared process-wide because the underlying text walk
// is CPU-bound and not safe for concurrent use.
func NewPageProcessor(client CompletionClient, pool *extract.Pool, tracker Tracker, inf config.InferenceConfig, worker config.WorkerConfig) *PageProcessor {
	return &PageProcessor{
		client:  client,
		tracker: tracker,
		inf:     inf,
		worker:  worker,
		renderPage: func(path string, page, dim, rotation int) (string, error) {
			return render.PageBase64(path, page, dim, rotation)
		},
		anchorText: func(ctx context.Context, path string, page, budget int) (string, error) {
			return pool.Submit(ctx, func() (string, error) {
				return extract.Anchor(path, page, budget)
			})
		},
		fallback: extract.FallbackText,
		sleep:    sleepCtx,
	}
}

// ProcessPage runs one page through the model. It returns an error only
// for cancellation or an extraction pool failure; every ordinary failure
// mode ends in a fallback PageResult after the attempt budget runs out.
func (p *PageProcessor) ProcessPage(ctx context.Context, workerID int, source, localPath string, pageNum int) (*PageResult, error) {
	unit := fmt.Sprintf("%s-%d", source, pageNum)
	p.tracker.Track(workerID, unit, "started")
	metrics.PageStarted()
	defer metrics.PageFinished()

	budget := p.worker.MaxPageRetries
	anchorBudget := p.inf.AnchorTextLen
	rotation := 0
	backoffs := 0
	attempt := 0

	for attempt < budget {
		idx := attempt
		if idx >= len(temperatureByAttempt) {
			idx = len(temperatureByAttempt) - 1
		}
		anchorLen := anchorBudget
		if dropAnchorByAttempt[idx] {
			anchorLen = 0
		}

		req, err := p.buildRequest(ctx, localPath, pageNum, anchorLen, rotation, temperatureByAttempt[idx])
		if err != nil {
			if errs.IsFatal(err) {
				return nil, err
			}
			if ctx.Err() != nil {
				p.tracker.Track(workerID, unit, "cancelled")
				return nil, err
			}
			log.Warn().Str("page", unit).Int("attempt", attempt).Err(err).Msg("page request build failed")
			attempt++
			metrics.IncPageRetry()
			continue
		}

		start := time.Now()
		resp, err := p.client.PostCompletion(ctx, req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				metrics.ObserveInference("cancelled", time.Since(start))
				p.tracker.Track(workerID, unit, "cancelled")
				return nil, err
			}

			if errs.KindOf(err) == errs.KindTransient {
				metrics.ObserveInference("transient", time.Since(start))
				delay := p.worker.RetrySleepBase * (1 << backoffs)
				backoffs++
				log.Warn().Str("page", unit).Int("attempt", attempt).Dur("sleep", delay).Err(err).
					Msg("connection failure, waiting for server")
				if serr := p.sleep(ctx, delay); serr != nil {
					p.tracker.Track(workerID, unit, "cancelled")
					return nil, serr
				}
				continue
			}

			var httpErr *inference.HTTPError
			switch {
			case errors.As(err, &httpErr):
				metrics.ObserveInference("http_error", time.Since(start))
				log.Warn().Str("page", unit).Int("attempt", attempt).Int("status", httpErr.StatusCode).
					Msg("server rejected page request")
			case isJSONError(err):
				metrics.ObserveInference("decode_error", time.Since(start))
				anchorBudget = halve(anchorBudget)
				log.Warn().Str("page", unit).Int("attempt", attempt).Int("anchor_len", anchorBudget).Err(err).
					Msg("malformed response body, reducing anchor text")
			default:
				metrics.ObserveInference("error", time.Since(start))
				log.Warn().Str("page", unit).Int("attempt", attempt).Err(err).Msg("page attempt failed")
			}
			attempt++
			metrics.IncPageRetry()
			continue
		}
		metrics.ObserveInference("ok", time.Since(start))

		if resp.Usage.TotalTokens > p.inf.MaxContext {
			anchorBudget = halve(anchorBudget)
			log.Warn().Str("page", unit).Int("attempt", attempt).
				Int("total_tokens", resp.Usage.TotalTokens).Int("anchor_len", anchorBudget).
				Msg("response exceeded model context, reducing anchor text")
			attempt++
			metrics.IncPageRetry()
			continue
		}

		metrics.AddTokens(int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))

		content, err := resp.Content()
		if err != nil {
			log.Warn().Str("page", unit).Int("attempt", attempt).Err(err).Msg("response carried no content")
			attempt++
			metrics.IncPageRetry()
			continue
		}

		pr, err := ParsePageResponse(content)
		if err != nil {
			if isJSONError(err) {
				anchorBudget = halve(anchorBudget)
				log.Warn().Str("page", unit).Int("attempt", attempt).Int("anchor_len", anchorBudget).Err(err).
					Msg("model content is not valid JSON, reducing anchor text")
			} else {
				log.Warn().Str("page", unit).Int("attempt", attempt).Err(err).Msg("model content failed validation")
			}
			attempt++
			metrics.IncPageRetry()
			continue
		}

		if !pr.IsRotationValid && attempt < budget-1 {
			rotation = ((rotation+pr.RotationCorrection)%360 + 360) % 360
			log.Info().Str("page", unit).Int("attempt", attempt).
				Int("correction", pr.RotationCorrection).Int("rotation", rotation).
				Msg("model reports rotated page, retrying with corrected render")
			attempt++
			metrics.IncPageRetry()
			continue
		}

		p.tracker.Track(workerID, unit, "finished")
		metrics.IncPage("ok")
		return &PageResult{
			Source:       source,
			PageNum:      pageNum,
			Response:     pr,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}, nil
	}

	log.Error().Str("page", unit).Int("attempts", budget).Msg("page failed after all attempts, using fallback text")
	p.tracker.Track(workerID, unit, "errored")
	metrics.IncPage("fallback")

	// The accumulated rotation was never confirmed by a valid response,
	// so the fallback extraction reads the page as stored.
	text, err := p.fallback(localPath, pageNum)
	if err != nil {
		log.Warn().Str("page", unit).Err(err).Msg("fallback extraction failed, emitting empty page")
		text = ""
	}
	return &PageResult{
		Source:  source,
		PageNum: pageNum,
		Response: &PageResponse{
			IsRotationValid: true,
			NaturalText:     &text,
		},
		IsFallback: true,
	}, nil
}

// buildRequest renders the page image and extracts the anchor excerpt
// concurrently, then assembles the chat request. Rendering runs on the
// calling goroutine's schedule; the anchor walk goes through the shared
// extraction pool.
func (p *PageProcessor) buildRequest(ctx context.Context, path string, page, anchorLen, rotation int, temperature float64) (*inference.ChatRequest, error) {
	var imageB64, anchor string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b64, err := p.renderPage(path, page, p.inf.TargetLongestDim, rotation)
		if err != nil {
			return fmt.Errorf("render page %d: %w", page, err)
		}
		imageB64 = b64
		return nil
	})
	g.Go(func() error {
		text, err := p.anchorText(gctx, path, page, anchorLen)
		if err != nil {
			return err
		}
		anchor = text
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	req := &inference.ChatRequest{
		Model: p.inf.Model,
		Messages: []inference.Message{{
			Role: "user",
			Content: []inference.Part{
				inference.ImagePart("image/jpeg", imageB64),
				inference.TextPart(pagePrompt(anchor)),
			},
		}},
		MaxTokens:   p.inf.MaxTokens,
		Temperature: temperature,
	}
	if p.inf.GuidedDecoding {
		req.GuidedJSON = pageResponseSchema
	}
	return req, nil
}

// pagePrompt frames the transcription instruction around the anchor
// excerpt, when there is one.
func pagePrompt(anchor string) string {
	var sb strings.Builder
	sb.WriteString("Attached is the image of one page from a document")
	if anchor != "" {
		sb.WriteString(", along with raw text previously extracted from its text layer:\n")
		sb.WriteString(anchor)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString(". ")
	}
	sb.WriteString("Read the page and respond with JSON holding primary_language, is_rotation_valid, ")
	sb.WriteString("rotation_correction, is_table, is_diagram and natural_text, where natural_text is ")
	sb.WriteString("the plain text of the page read in its natural order. Transcribe only what the page shows.")
	return sb.String()
}

// isJSONError reports whether err came out of the JSON decoder, as
// opposed to a well-formed payload failing validation.
func isJSONError(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &typ)
}

func halve(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
