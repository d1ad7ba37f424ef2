package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/errs"
	"github.com/local/ocrpipeline/internal/extract"
	"github.com/local/ocrpipeline/internal/filter"
	"github.com/local/ocrpipeline/internal/metrics"
	"github.com/local/ocrpipeline/internal/pipeline"
	"github.com/local/ocrpipeline/internal/storage"
	"github.com/local/ocrpipeline/internal/workqueue"
)

// claimBackoff paces the worker loop after a failed queue poll.
const claimBackoff = 5 * time.Second

// DocumentRunner processes one source document end to end.
type DocumentRunner interface {
	ProcessDocument(ctx context.Context, workerID int, source string) (*pipeline.Document, error)
}

// Manager owns the worker loops that drain the work queue. Each loop
// claims one item at a time through the admission gate, fans its member
// documents out concurrently, writes the item's results object, and
// marks the item done. Any failure along the way leaves the done marker
// unwritten so a later run picks the item up again.
type Manager struct {
	queue     workqueue.Queue
	store     *storage.Store
	docs      DocumentRunner
	tracker   *Tracker
	gate      *semaphore.Weighted
	workers   int
	workspace config.WorkspaceConfig
	worker    config.WorkerConfig
}

// New assembles the processing stack under a manager: shared extraction
// pool, page and document processors, optional content filter, tracker
// and admission gate.
func New(cfg config.Config, store *storage.Store, queue workqueue.Queue, client pipeline.CompletionClient, pool *extract.Pool) *Manager {
	workers := cfg.Worker.Count
	if workers <= 0 {
		workers = 1
	}

	tracker := NewTracker()
	pages := pipeline.NewPageProcessor(client, pool, tracker, cfg.Inference, cfg.Worker)
	var screen *filter.Filter
	if cfg.Worker.FilterEnabled {
		screen = filter.New()
	}

	return &Manager{
		queue:     queue,
		store:     store,
		docs:      pipeline.NewDocumentProcessor(store, pages, screen, cfg.Worker),
		tracker:   tracker,
		gate:      semaphore.NewWeighted(int64(workers)),
		workers:   workers,
		workspace: cfg.Workspace,
		worker:    cfg.Worker,
	}
}

// Run starts the worker loops and the progress reporter, then blocks
// until the queue drains, the context is cancelled, or a fatal error
// stops every worker at once.
func (m *Manager) Run(ctx context.Context) error {
	rctx, rcancel := context.WithCancel(ctx)
	defer rcancel()
	go m.reportLoop(rctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		id := i
		g.Go(func() error { return m.workerLoop(gctx, id) })
	}
	err := g.Wait()

	totals := m.tracker.Totals()
	log.Info().
		Int("pages_finished", totals["finished"]).
		Int("pages_errored", totals["errored"]).
		Int("pages_cancelled", totals["cancelled"]).
		Msg("all workers finished")
	return err
}

func (m *Manager) workerLoop(ctx context.Context, id int) error {
	log.Info().Int("worker", id).Msg("worker started")
	for {
		if err := m.gate.Acquire(ctx, 1); err != nil {
			log.Info().Int("worker", id).Msg("worker stopped")
			return nil
		}

		item, err := m.queue.GetWork(ctx)
		if err != nil {
			m.gate.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Int("worker", id).Err(err).Msg("work claim failed, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(claimBackoff):
			}
			continue
		}
		if item == nil {
			m.gate.Release(1)
			log.Info().Int("worker", id).Msg("queue drained, worker exiting")
			return nil
		}

		err = m.processItem(ctx, id, item)
		m.gate.Release(1)
		if err != nil {
			if errs.IsFatal(err) {
				log.Error().Int("worker", id).Err(err).Msg("infrastructure failure, stopping all workers")
				return err
			}
			if ctx.Err() != nil {
				log.Info().Int("worker", id).Msg("worker stopped")
				return nil
			}
		}
	}
}

// processItem runs one claimed work item. The claim id only correlates
// log lines: claiming is advisory and two workers may legitimately hold
// the same item.
func (m *Manager) processItem(ctx context.Context, workerID int, item *workqueue.Item) error {
	claim := uuid.NewString()[:8]
	start := time.Now()
	log.Info().Int("worker", workerID).Str("item", item.Hash).Str("claim", claim).
		Int("documents", len(item.Sources)).Msg("work item claimed")

	docs := make([]*pipeline.Document, len(item.Sources))
	docErrs := make([]error, len(item.Sources))
	var wg sync.WaitGroup
	for i, src := range item.Sources {
		wg.Add(1)
		go func(i int, src string) {
			defer wg.Done()
			docs[i], docErrs[i] = m.docs.ProcessDocument(ctx, workerID, src)
		}(i, src)
	}
	wg.Wait()

	for _, derr := range docErrs {
		if derr != nil && errs.IsFatal(derr) {
			return derr
		}
	}
	for i, derr := range docErrs {
		if derr != nil {
			if ctx.Err() != nil {
				log.Warn().Int("worker", workerID).Str("item", item.Hash).
					Msg("work item cancelled, leaving it for a later run")
				return derr
			}
			log.Error().Int("worker", workerID).Str("item", item.Hash).Str("source", item.Sources[i]).
				Err(derr).Msg("document failed, leaving work item for retry")
			metrics.IncWorkItem("failed")
			return nil
		}
	}

	// Skipped and filtered documents leave nil slots; the results object
	// holds whatever survived, possibly nothing.
	kept := docs[:0:0]
	for _, doc := range docs {
		if doc != nil {
			kept = append(kept, doc)
		}
	}

	if err := m.writeResults(ctx, item, kept); err != nil {
		log.Error().Int("worker", workerID).Str("item", item.Hash).Err(err).
			Msg("result write failed, leaving work item for retry")
		metrics.IncWorkItem("failed")
		if ctx.Err() != nil {
			return err
		}
		return nil
	}
	if m.workspace.MarkdownMirror {
		if err := m.mirrorMarkdown(ctx, kept); err != nil {
			log.Error().Int("worker", workerID).Str("item", item.Hash).Err(err).
				Msg("markdown mirror failed, leaving work item for retry")
			metrics.IncWorkItem("failed")
			if ctx.Err() != nil {
				return err
			}
			return nil
		}
	}
	if err := m.queue.MarkDone(ctx, item); err != nil {
		log.Error().Int("worker", workerID).Str("item", item.Hash).Err(err).
			Msg("done marker write failed, item will repeat")
		metrics.IncWorkItem("failed")
		return nil
	}

	metrics.IncWorkItem("completed")
	log.Info().Int("worker", workerID).Str("item", item.Hash).Str("claim", claim).
		Int("documents", len(kept)).Dur("took", time.Since(start)).Msg("work item completed")
	return nil
}
