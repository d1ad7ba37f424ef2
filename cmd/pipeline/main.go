package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/extract"
	"github.com/local/ocrpipeline/internal/health"
	"github.com/local/ocrpipeline/internal/inference"
	"github.com/local/ocrpipeline/internal/logger"
	"github.com/local/ocrpipeline/internal/metrics"
	"github.com/local/ocrpipeline/internal/orchestrator"
	"github.com/local/ocrpipeline/internal/storage"
	"github.com/local/ocrpipeline/internal/workqueue"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	_ = logger.Init(cfg.Logging, cfg.Axiom)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("pipeline failed")
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(cfg config.Config) error {
	metrics.Init()

	if cfg.Workspace.Path == "" {
		return errors.New("WORKSPACE must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := storage.New(cfg.Storage)

	queue, err := workqueue.NewFromWorkspace(cfg.Workspace, store, pageCounter(store))
	if err != nil {
		return fmt.Errorf("work queue: %w", err)
	}

	if cfg.Workspace.SourceGlob != "" {
		if err := populate(ctx, store, queue, cfg.Workspace); err != nil {
			return err
		}
	}

	pending, err := queue.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize work queue: %w", err)
	}
	log.Info().Int("pending", pending).Msg("work queue ready")

	// The model server, when managed here, must be serving before the
	// workers start hammering it. Monitor keeps it alive from then on.
	var modelServer *inference.Server
	var serverFailed chan error
	if cfg.Server.Command != "" {
		if cfg.Server.WeightsSource != "" {
			log.Info().Str("src", cfg.Server.WeightsSource).Str("dir", cfg.Server.WeightsDir).
				Msg("syncing model weights")
			if err := store.SyncDirectory(ctx, cfg.Server.WeightsSource, cfg.Server.WeightsDir); err != nil {
				return fmt.Errorf("sync model weights: %w", err)
			}
		}
		modelServer = inference.NewServer(cfg.Server, cfg.Inference.BaseURL)
		if err := modelServer.Start(ctx); err != nil {
			return fmt.Errorf("start model server: %w", err)
		}
		defer modelServer.Stop()
		serverFailed = make(chan error, 1)
		go func() { serverFailed <- modelServer.Monitor(ctx) }()
	}

	client, err := inference.NewClient(cfg.Inference)
	if err != nil {
		return err
	}
	pool := extract.NewPool(cfg.Worker.ExtractWorkers)
	defer pool.Close()

	mgr := orchestrator.New(cfg, store, queue, client, pool)

	checker := health.New(health.Options{
		Store:      store,
		Workspace:  resultsBase(cfg.Workspace),
		BackendURL: cfg.Inference.BaseURL,
		Queue:      queue,
		Pool:       pool,
	})
	mux := http.NewServeMux()
	mux.Handle("/healthz", checker.Handler())
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: mux}
	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Msg("http listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http listener failed")
		}
	}()

	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	// A nil serverFailed channel never fires, so an unmanaged backend
	// leaves only the worker outcome to wait on.
	var runErr error
	select {
	case runErr = <-done:
	case runErr = <-serverFailed:
		stop()
		<-done
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if runErr != nil {
		return runErr
	}
	log.Info().Msg("pipeline finished")
	return nil
}

// populate expands the source glob and feeds the matches to the queue.
// Matches are sorted so repeated runs over the same corpus batch it
// identically.
func populate(ctx context.Context, store *storage.Store, queue workqueue.Queue, ws config.WorkspaceConfig) error {
	matches, err := store.ExpandGlob(ctx, ws.SourceGlob)
	if err != nil {
		return fmt.Errorf("expand %s: %w", ws.SourceGlob, err)
	}
	sources := make([]string, 0, len(matches))
	for path := range matches {
		sources = append(sources, path)
	}
	sort.Strings(sources)
	log.Info().Int("sources", len(sources)).Str("glob", ws.SourceGlob).Msg("source documents matched")
	return queue.Populate(ctx, sources, ws.PagesPerBatch)
}

// pageCounter builds the sampling callback batch planning uses: fetch
// the document once, count its pages from a staged copy. Failures are
// fine, the planner falls back to a default average.
func pageCounter(store *storage.Store) workqueue.PageCounter {
	return func(ctx context.Context, src string) (int, error) {
		data, err := store.Get(ctx, src)
		if err != nil {
			return 0, err
		}
		tmp, err := os.CreateTemp("", "ocrcount-*.pdf")
		if err != nil {
			return 0, err
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return 0, err
		}
		if err := tmp.Close(); err != nil {
			return 0, err
		}
		return api.PageCountFile(tmp.Name())
	}
}

func resultsBase(ws config.WorkspaceConfig) string {
	if ws.ResultsPath != "" {
		return ws.ResultsPath
	}
	return ws.Path
}
