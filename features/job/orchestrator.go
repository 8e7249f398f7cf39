package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"scoutrag/backend/features/document"
	"scoutrag/backend/internal/crawler"
	"scoutrag/backend/internal/extract"
	"scoutrag/backend/internal/indexer"
	"scoutrag/backend/internal/metrics"
	"scoutrag/backend/internal/middleware"
	"scoutrag/backend/internal/text"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	reasonCancelled   = "cancelled"
	reasonShutdown    = "cancelled: server shutting down"
	reasonInterrupted = "interrupted: process restarted"

	finishTimeout = 10 * time.Second
)

type Crawler interface {
	Crawl(ctx context.Context, seed string) (<-chan crawler.Resource, error)
}

type Extractor interface {
	Extract(ctx context.Context, res crawler.Resource) extract.Document
}

type Chunker interface {
	Chunk(doc string) []text.Chunk
}

type Indexer interface {
	Preflight(ctx context.Context) error
	Index(ctx context.Context, url, contentType string, chunks []text.Chunk) (indexer.Result, error)
}

type Documents interface {
	Record(ctx context.Context, doc *document.Document) error
	CheckEmbeddingSpace(ctx context.Context, model string, dimension int) error
}

// Pipeline is the per-resource processing chain a job drives.
type Pipeline struct {
	Crawler   Crawler
	Extractor Extractor
	Chunker   Chunker
	Indexer   Indexer
	Documents Documents
}

type OrchestratorConfig struct {
	SeedURL        string
	Workers        int
	EmbeddingModel string
	Dimension      int
	HistoryLimit   int
}

// Orchestrator owns the job state machine. Every trigger, whatever its
// source, goes through Trigger, which admits at most one running job.
type Orchestrator struct {
	repo     Repository
	pipeline Pipeline
	pub      EventPublisher
	metrics  *metrics.Metrics
	cfg      OrchestratorConfig
	logger   *slog.Logger

	running atomic.Bool

	mu      sync.Mutex
	current *runState
}

type runState struct {
	id     string
	cancel context.CancelFunc
	reason string
	done   chan struct{}
	prog   *progress
}

type progress struct {
	mu  sync.Mutex
	job *Job
}

func (p *progress) snapshot() Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.job
}

func NewOrchestrator(repo Repository, pipeline Pipeline, pub EventPublisher, m *metrics.Metrics, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{repo: repo, pipeline: pipeline, pub: pub, metrics: m, cfg: cfg, logger: logger}
}

// Trigger starts a job and returns its initial state. It returns
// ErrJobAlreadyRunning without persisting anything when a job is running.
// The job outlives ctx; use Cancel to stop it.
func (o *Orchestrator) Trigger(ctx context.Context, trigger Trigger) (*Job, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrJobAlreadyRunning
	}

	j := &Job{ID: uuid.NewString(), Status: StatusPending, Trigger: trigger}
	if err := o.repo.Create(ctx, j); err != nil {
		o.running.Store(false)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	now := time.Now().UTC()
	if err := o.repo.Start(ctx, j.ID, now); err != nil {
		// Another process holds the running slot; a rejected trigger leaves
		// no job behind.
		if derr := o.repo.Discard(ctx, j.ID); derr != nil {
			o.logger.ErrorContext(ctx, "failed to discard rejected job", "job_id", j.ID, "error", derr)
		}
		o.running.Store(false)
		return nil, err
	}
	j.Status = StatusRunning
	j.StartTime = &now

	runCtx, cancel := context.WithCancel(middleware.WithJobID(context.WithoutCancel(ctx), j.ID))
	rs := &runState{
		id:     j.ID,
		cancel: cancel,
		done:   make(chan struct{}),
		prog:   &progress{job: j},
	}
	initial := *j

	o.mu.Lock()
	o.current = rs
	o.mu.Unlock()

	go o.run(runCtx, rs)
	return &initial, nil
}

// TryExclusive runs fn while holding the running slot, so no job can start
// until fn returns. It reports false without calling fn if a job is running.
func (o *Orchestrator) TryExclusive(fn func() error) (bool, error) {
	if !o.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer o.running.Store(false)
	return true, fn()
}

func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) List(ctx context.Context) ([]Job, error) {
	return o.repo.List(ctx, o.cfg.HistoryLimit)
}

// Get returns the live counters for the running job and the stored row
// otherwise.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Job, error) {
	o.mu.Lock()
	rs := o.current
	o.mu.Unlock()
	if rs != nil && rs.id == id {
		j := rs.prog.snapshot()
		return &j, nil
	}
	return o.repo.Get(ctx, id)
}

// Cancel stops the running job; it ends failed with "cancelled".
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	rs := o.current
	if rs != nil && rs.id == id {
		rs.reason = reasonCancelled
		rs.cancel()
		o.mu.Unlock()
		o.logger.InfoContext(ctx, "cancelling scrape job", "job_id", id)
		return nil
	}
	o.mu.Unlock()

	j, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Terminal() {
		return ErrJobFinished
	}
	return fmt.Errorf("%w: job %s is not running in this process", ErrJobNotFound, id)
}

// Shutdown cancels the running job, if any, and waits for it to be recorded.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	rs := o.current
	if rs != nil {
		rs.reason = reasonShutdown
		rs.cancel()
	}
	o.mu.Unlock()
	if rs == nil {
		return nil
	}

	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverInterrupted fails jobs a previous process left pending or running.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	n, err := o.repo.FailRunning(ctx, reasonInterrupted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if n > 0 {
		o.logger.WarnContext(ctx, "marked interrupted jobs as failed", "count", n)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, rs *runState) {
	defer func() {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		o.running.Store(false)
		close(rs.done)
	}()
	defer rs.cancel()

	started := time.Now()
	o.metrics.JobStarted()
	initial := rs.prog.snapshot()
	o.logger.InfoContext(ctx, "scrape job started", "job_id", initial.ID, "trigger", initial.Trigger, "seed", o.cfg.SeedURL)
	publishEvent(ctx, o.pub, o.logger, EventStarted, initial)

	err := o.execute(ctx, rs.prog)

	o.mu.Lock()
	reason := rs.reason
	o.mu.Unlock()

	rs.prog.mu.Lock()
	end := time.Now().UTC()
	rs.prog.job.EndTime = &end
	if err != nil {
		rs.prog.job.Status = StatusFailed
		rs.prog.job.ErrorMessage = err.Error()
		if reason != "" && errors.Is(err, context.Canceled) {
			rs.prog.job.ErrorMessage = reason
		}
	} else {
		rs.prog.job.Status = StatusCompleted
	}
	final := *rs.prog.job
	rs.prog.mu.Unlock()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if ferr := o.repo.Finish(fctx, &final); ferr != nil {
		o.logger.ErrorContext(ctx, "failed to record job result", "job_id", final.ID, "error", ferr)
	}
	o.metrics.JobFinished(string(final.Trigger), string(final.Status), time.Since(started))

	if final.Status == StatusFailed {
		o.logger.ErrorContext(ctx, "scrape job failed", "job_id", final.ID, "error", final.ErrorMessage,
			"urls_processed", final.URLsProcessed, "documents_processed", final.DocumentsProcessed)
		publishEvent(fctx, o.pub, o.logger, EventFailed, final)
		return
	}
	o.logger.InfoContext(ctx, "scrape job completed", "job_id", final.ID, "urls_processed", final.URLsProcessed,
		"documents_processed", final.DocumentsProcessed, "errors", final.ErrorsCount, "duration", time.Since(started))
	publishEvent(fctx, o.pub, o.logger, EventCompleted, final)
}

func (o *Orchestrator) execute(ctx context.Context, prog *progress) error {
	if err := o.pipeline.Indexer.Preflight(ctx); err != nil {
		return fmt.Errorf("vector store unreachable: %w", err)
	}
	if err := o.pipeline.Documents.CheckEmbeddingSpace(ctx, o.cfg.EmbeddingModel, o.cfg.Dimension); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)

	resources, err := o.pipeline.Crawler.Crawl(gctx, o.cfg.SeedURL)
	if err != nil {
		return fmt.Errorf("crawl target unreachable: %w", err)
	}

	var seedErr error
	for res := range resources {
		if res.Depth == 0 && res.Failed() {
			seedErr = res.Err
		}
		g.Go(func() error {
			return o.process(gctx, prog, res)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if seedErr != nil {
		return fmt.Errorf("crawl target unreachable: %w", seedErr)
	}
	return ctx.Err()
}

type delta struct {
	urls, docs, errors int
}

// process runs one resource through extract, chunk and index. Only fatal
// indexer errors and cancellation are returned; everything else is counted.
func (o *Orchestrator) process(ctx context.Context, prog *progress, res crawler.Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d := delta{urls: 1}
	defer func() { o.advance(ctx, prog, d) }()

	o.metrics.ResourceFetched(string(res.ContentType), res.Failed())
	extractable := res.ContentType == crawler.ContentHTML ||
		res.ContentType == crawler.ContentPDF ||
		res.ContentType == crawler.ContentImage

	if res.Failed() {
		d.errors = 1
		if extractable {
			d.docs = 1
		}
		return nil
	}
	if !extractable {
		return nil
	}
	d.docs = 1

	doc := o.pipeline.Extractor.Extract(ctx, res)
	rec := &document.Document{
		Key:         res.Key,
		URL:         res.URL,
		ContentType: string(res.ContentType),
		CharCount:   utf8.RuneCountInString(doc.Text),
		PageCount:   doc.Pages,
		JobID:       prog.snapshot().ID,
		ExtractedAt: doc.ExtractedAt,
	}
	if rec.ExtractedAt.IsZero() {
		rec.ExtractedAt = time.Now().UTC()
	}

	if doc.Err != nil {
		d.errors = 1
		rec.Status = document.StatusFailed
		rec.Error = doc.Err.Error()
	} else {
		chunks := o.pipeline.Chunker.Chunk(doc.Text)
		result, err := o.pipeline.Indexer.Index(ctx, res.URL, string(res.ContentType), chunks)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		o.metrics.Chunks(result.Indexed, result.Failed)

		rec.ChunkCount = len(chunks)
		rec.IndexedCount = result.Indexed
		switch {
		case len(chunks) == 0:
			rec.Status = document.StatusEmpty
		case result.Failed > 0:
			d.errors = 1
			rec.Status = document.StatusPartial
			rec.Error = errors.Join(result.Errors...).Error()
			o.logger.WarnContext(ctx, "some chunks were not indexed", "url", res.URL, "failed", result.Failed, "indexed", result.Indexed)
		default:
			rec.Status = document.StatusIndexed
		}
	}

	if err := o.pipeline.Documents.Record(ctx, rec); err != nil {
		d.errors = 1
		o.logger.WarnContext(ctx, "failed to record document", "url", res.URL, "error", err)
	}
	return nil
}

// advance applies one resource's counts and flushes them. The counter lock
// is released before the store write.
func (o *Orchestrator) advance(ctx context.Context, prog *progress, d delta) {
	prog.mu.Lock()
	prog.job.URLsProcessed += d.urls
	prog.job.DocumentsProcessed += d.docs
	prog.job.ErrorsCount += d.errors
	snap := *prog.job
	prog.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := o.repo.UpdateProgress(ctx, &snap); err != nil {
		o.logger.WarnContext(ctx, "failed to flush job progress", "job_id", snap.ID, "error", err)
	}
}
