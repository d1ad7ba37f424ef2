package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/metrics"
)

// reportLoop logs queue and page progress on a fixed cadence and keeps
// the queue gauge current. It runs for the lifetime of Run.
func (m *Manager) reportLoop(ctx context.Context) {
	interval := m.worker.ReportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining := m.queue.Size()
			metrics.SetQueueRemaining(int64(remaining))

			totals := m.tracker.Totals()
			log.Info().
				Int("queue_remaining", remaining).
				Int("pages_started", totals["started"]).
				Int("pages_finished", totals["finished"]).
				Int("pages_errored", totals["errored"]).
				Str("workers", m.tracker.Snapshot()).
				Msg("progress report")
		}
	}
}
