package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"scoutrag/backend/internal/indexer"
	"scoutrag/backend/internal/metrics"
	"scoutrag/backend/internal/middleware"
	"scoutrag/backend/internal/vector"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxResults = 5
	MaxResultsLimit   = 20
)

var (
	// ErrQueryFailed wraps every answer failure. Its message is safe to show
	// to callers; the cause is only logged.
	ErrQueryFailed   = errors.New("query failed")
	ErrEmptyQuestion = errors.New("question must not be empty")
)

type Source struct {
	URL         string  `json:"url"`
	Score       float64 `json:"score"`
	ContentType string  `json:"content_type"`
	ChunkIndex  int     `json:"chunk_index"`
}

type Answer struct {
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
	ProcessingTime float64  `json:"processing_time"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type VectorStore interface {
	Search(ctx context.Context, vec []float32, k int) ([]vector.Hit, error)
}

// SpaceVerifier reports indexer.ErrEmbeddingSpaceChanged when the index was
// built with a different embedding model than the one queries use.
type SpaceVerifier interface {
	VerifyEmbeddingSpace(ctx context.Context, model string, dimension int) error
}

type Config struct {
	EmbeddingModel       string
	Dimension            int
	EmbedTimeout         time.Duration
	GenerateTimeout      time.Duration
	RetryAttempts        int
	RetryInitialInterval time.Duration
}

type Service struct {
	embedder  Embedder
	generator Generator
	store     VectorStore
	cfg       Config
	metrics   *metrics.Metrics
	queryLog  *QueryLogger
	space     SpaceVerifier
	logger    *slog.Logger
}

func NewService(e Embedder, g Generator, s VectorStore, cfg Config, m *metrics.Metrics, ql *QueryLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: e, generator: g, store: s, cfg: cfg, metrics: m, queryLog: ql, logger: logger}
}

// SetSpaceVerifier makes every query confirm the index embedding space
// before searching it.
func (s *Service) SetSpaceVerifier(v SpaceVerifier) {
	s.space = v
}

// Answer embeds the question, retrieves the nearest chunks and asks the
// generator for a grounded answer. Zero retrieved chunks still produce an
// answer through the no-context prompt.
func (s *Service) Answer(ctx context.Context, question string, maxResults int) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	switch {
	case maxResults <= 0:
		maxResults = DefaultMaxResults
	case maxResults > MaxResultsLimit:
		maxResults = MaxResultsLimit
	}

	start := time.Now()
	ans, err := s.answer(ctx, question, maxResults)
	elapsed := time.Since(start)
	s.metrics.Query(err == nil, elapsed)

	entry := QueryLogEntry{
		Query:          question,
		MaxResults:     maxResults,
		EmbeddingModel: s.cfg.EmbeddingModel,
		Duration:       elapsed,
		CorrelationID:  middleware.GetCorrelationID(ctx),
	}
	if err != nil {
		entry.Error = err.Error()
		s.log(entry)
		return nil, err
	}
	entry.record(ans.Sources)
	s.log(entry)

	ans.ProcessingTime = elapsed.Seconds()
	return ans, nil
}

func (s *Service) answer(ctx context.Context, question string, k int) (*Answer, error) {
	if s.space != nil {
		if err := s.space.VerifyEmbeddingSpace(ctx, s.cfg.EmbeddingModel, s.cfg.Dimension); err != nil {
			s.logger.ErrorContext(ctx, "index embedding space check failed", "model", s.cfg.EmbeddingModel, "error", err)
			if errors.Is(err, indexer.ErrEmbeddingSpaceChanged) {
				return nil, fmt.Errorf("%w: %w; the index must be rebuilt", ErrQueryFailed, indexer.ErrEmbeddingSpaceChanged)
			}
			return nil, fmt.Errorf("%w: the document index is unavailable", ErrQueryFailed)
		}
	}

	vec, err := s.embed(ctx, question)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to embed question", "error", err)
		if errors.Is(err, indexer.ErrDimensionMismatch) {
			return nil, fmt.Errorf("%w: %w", ErrQueryFailed, indexer.ErrDimensionMismatch)
		}
		return nil, fmt.Errorf("%w: the embedding service is unavailable", ErrQueryFailed)
	}

	hits, err := s.store.Search(ctx, vec, k)
	if err != nil {
		s.logger.ErrorContext(ctx, "vector search failed", "error", err)
		return nil, fmt.Errorf("%w: the document index is unavailable", ErrQueryFailed)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}

	text, err := s.generate(ctx, buildPrompt(question, hits))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate answer", "error", err, "sources", len(hits))
		return nil, fmt.Errorf("%w: the generation service is unavailable", ErrQueryFailed)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		s.logger.ErrorContext(ctx, "generator returned an empty answer", "sources", len(hits))
		return nil, fmt.Errorf("%w: no answer was generated", ErrQueryFailed)
	}

	sources := make([]Source, len(hits))
	for i, h := range hits {
		sources[i] = Source{URL: h.URL, Score: h.Score, ContentType: h.ContentType, ChunkIndex: h.ChunkIndex}
	}
	return &Answer{Answer: text, Sources: sources}, nil
}

func (s *Service) embed(ctx context.Context, question string) ([]float32, error) {
	var vec []float32
	err := s.retry(ctx, func(ctx context.Context) error {
		if s.cfg.EmbedTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.EmbedTimeout)
			defer cancel()
		}
		v, err := s.embedder.Embed(ctx, question)
		if err != nil {
			s.logger.WarnContext(ctx, "embedding attempt failed", "error", err)
			return err
		}
		if s.cfg.Dimension > 0 && len(v) != s.cfg.Dimension {
			return backoff.Permanent(fmt.Errorf("%w: got %d, configured %d", indexer.ErrDimensionMismatch, len(v), s.cfg.Dimension))
		}
		vec = v
		return nil
	})
	return vec, err
}

func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	var text string
	err := s.retry(ctx, func(ctx context.Context) error {
		if s.cfg.GenerateTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.GenerateTimeout)
			defer cancel()
		}
		t, err := s.generator.Generate(ctx, prompt)
		if err != nil {
			s.logger.WarnContext(ctx, "generation attempt failed", "error", err)
			return err
		}
		text = t
		return nil
	})
	return text, err
}

// retry runs op up to RetryAttempts+1 times with exponential backoff. It
// stops early when ctx ends or op returns a backoff.Permanent error.
func (s *Service) retry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if s.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = s.cfg.RetryInitialInterval
	}
	attempts := max(s.cfg.RetryAttempts, 0)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts)), ctx)
	return backoff.Retry(func() error { return op(ctx) }, policy)
}

func (s *Service) log(entry QueryLogEntry) {
	if s.queryLog != nil {
		s.queryLog.Log(entry)
	}
}
