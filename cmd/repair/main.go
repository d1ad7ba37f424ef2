package main

import (
	"context"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/logger"
	"github.com/local/ocrpipeline/internal/repair"
	"github.com/local/ocrpipeline/internal/storage"
	"github.com/local/ocrpipeline/internal/workqueue"
)

// Repair tool for crashed runs: finds zero-byte result objects, removes
// them along with their completion markers, and leaves the affected
// work items claimable again. Set REPAIR_DRY_RUN=1 to only report.
func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	_ = logger.Init(cfg.Logging, cfg.Axiom)
	defer logger.Close()

	if cfg.Workspace.Path == "" {
		log.Fatal().Msg("WORKSPACE must be set")
	}

	base := cfg.Workspace.ResultsPath
	if base == "" {
		base = cfg.Workspace.Path
	}
	if strings.HasPrefix(base, "redis://") {
		log.Fatal().Msg("redis workspaces need RESULTS_PATH pointing at the results tree")
	}

	store := storage.New(cfg.Storage)
	queue, err := workqueue.NewFromWorkspace(cfg.Workspace, store, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("work queue unavailable")
	}

	v := strings.ToLower(os.Getenv("REPAIR_DRY_RUN"))
	dryRun := v == "1" || v == "true" || v == "yes"

	rep, err := repair.Sweep(context.Background(), store, base, queue, dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("repair sweep failed")
	}
	log.Info().
		Int("scanned", rep.Scanned).
		Int("damaged", len(rep.Damaged)).
		Int("cleared", rep.Cleared).
		Bool("dry_run", dryRun).
		Msg("repair sweep complete")
}
