package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"scoutrag/backend/features/document"
	"scoutrag/backend/features/job"
	"scoutrag/backend/features/query"
	"scoutrag/backend/internal/config"
	"scoutrag/backend/internal/crawler"
	"scoutrag/backend/internal/extract"
	"scoutrag/backend/internal/indexer"
	"scoutrag/backend/internal/metrics"
	"scoutrag/backend/internal/middleware"
	"scoutrag/backend/internal/retrieval"
	"scoutrag/backend/internal/text"
	"scoutrag/backend/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VectorStore is everything the app needs from the vector index.
type VectorStore interface {
	indexer.Store
	retrieval.VectorStore
	document.VectorIndex
}

// Components are the collaborators New wires together. Bootstrap provides
// them in production; tests pass fakes.
type Components struct {
	DB          *sql.DB
	VectorStore VectorStore
	Embedder    Embedder
	Generator   Generator
	Publisher   job.EventPublisher // optional
}

type App struct {
	Handler         http.Handler
	Orchestrator    *job.Orchestrator
	Scheduler       *job.Scheduler // nil when scheduling is disabled
	TriggerConsumer *worker.TriggerConsumer
	Metrics         *metrics.Metrics

	cfg    *config.Config
	logger *slog.Logger
}

func New(cfg *config.Config, c Components, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Ingestion pipeline
	chunker, err := text.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, cfg.ChunkBoundaryTolerance)
	if err != nil {
		return nil, err
	}
	crawl := crawler.New(crawler.Config{
		PathPrefix:           cfg.CrawlPathPrefix,
		Exclusions:           cfg.CrawlExclusions,
		MaxDepth:             cfg.CrawlMaxDepth,
		MaxResources:         cfg.CrawlMaxResources,
		Workers:              cfg.CrawlWorkers,
		RatePerSecond:        cfg.CrawlRatePerSecond,
		MaxBodySize:          cfg.CrawlMaxBodyMB << 20,
		UserAgent:            cfg.UserAgent,
		Timeout:              cfg.FetchTimeout(),
		RetryAttempts:        cfg.RetryAttempts,
		RetryInitialInterval: cfg.RetryInitialInterval(),
	}, logger)
	extractor := extract.New(extract.NewTesseractOCR(cfg.OCRLanguage), extract.NewPdftoppmRasterizer(cfg.PdftoppmPath), logger)
	ix := indexer.New(c.Embedder, c.VectorStore, indexer.Config{
		BatchSize:            cfg.EmbedBatchSize,
		Dimension:            cfg.EmbeddingDimension,
		Timeout:              cfg.EmbedTimeout(),
		RetryAttempts:        cfg.RetryAttempts,
		RetryInitialInterval: cfg.RetryInitialInterval(),
	}, logger)

	// Feature: Documents
	documentService := document.NewService(document.NewPostgresRepo(c.DB), c.VectorStore, nil, logger)
	documentHandler := document.NewHandler(documentService)

	// Feature: Jobs
	orchestrator := job.NewOrchestrator(job.NewPostgresRepo(c.DB), job.Pipeline{
		Crawler:   crawl,
		Extractor: extractor,
		Chunker:   chunker,
		Indexer:   ix,
		Documents: documentService,
	}, c.Publisher, m, job.OrchestratorConfig{
		SeedURL:        cfg.SeedURL,
		Workers:        cfg.IndexWorkers,
		EmbeddingModel: cfg.EmbeddingModel,
		Dimension:      cfg.EmbeddingDimension,
	}, logger)
	documentService.SetGuard(orchestrator)
	jobHandler := job.NewHandler(orchestrator)

	var scheduler *job.Scheduler
	if cfg.SchedulerEnabled {
		scheduler, err = job.NewScheduler(orchestrator, cfg.ScrapeSchedule, logger)
		if err != nil {
			return nil, err
		}
	}

	// Feature: Query
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService := retrieval.NewService(c.Embedder, c.Generator, c.VectorStore, retrieval.Config{
		EmbeddingModel:       cfg.EmbeddingModel,
		Dimension:            cfg.EmbeddingDimension,
		EmbedTimeout:         cfg.EmbedTimeout(),
		GenerateTimeout:      cfg.GenerateTimeout(),
		RetryAttempts:        cfg.RetryAttempts,
		RetryInitialInterval: cfg.RetryInitialInterval(),
	}, m, queryLogger, logger)
	retrievalService.SetSpaceVerifier(documentService)
	queryHandler := query.NewHandler(retrievalService)

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /scrape/start", middleware.CorrelationID(middleware.CORS(jobHandler.Start)))
	mux.Handle("GET /scrape/jobs", middleware.CorrelationID(middleware.CORS(jobHandler.List)))
	mux.Handle("GET /scrape/status/{id}", middleware.CorrelationID(middleware.CORS(jobHandler.Status)))
	mux.Handle("POST /scrape/jobs/{id}/cancel", middleware.CorrelationID(middleware.CORS(jobHandler.Cancel)))

	mux.Handle("POST /query", middleware.CorrelationID(middleware.CORS(queryHandler.Query)))

	mux.Handle("GET /documents/status", middleware.CorrelationID(middleware.CORS(documentHandler.Status)))
	mux.Handle("DELETE /documents/clear", middleware.CorrelationID(middleware.CORS(documentHandler.Clear)))

	mux.Handle("OPTIONS /", middleware.CORS(func(w http.ResponseWriter, r *http.Request) {}))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:         mux,
		Orchestrator:    orchestrator,
		Scheduler:       scheduler,
		TriggerConsumer: worker.NewTriggerConsumer(orchestrator, logger),
		Metrics:         m,
		cfg:             cfg,
		logger:          logger,
	}, nil
}

// Run recovers interrupted jobs, starts the scheduler and serves HTTP until
// ctx is done, then stops the running job and the server.
func (a *App) Run(ctx context.Context) error {
	if err := a.Orchestrator.RecoverInterrupted(ctx); err != nil {
		return err
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if a.Scheduler != nil {
			<-a.Scheduler.Stop().Done()
		}
		if err := a.Orchestrator.Shutdown(shutdownCtx); err != nil {
			slog.Error("job shutdown failed", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
