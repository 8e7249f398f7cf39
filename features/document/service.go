package document

import (
	"context"
	"fmt"
	"log/slog"

	"scoutrag/backend/internal/indexer"
)

type VectorIndex interface {
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
}

// JobGuard runs fn only while no scrape job can start. acquired is false
// when a job is already running.
type JobGuard interface {
	TryExclusive(fn func() error) (acquired bool, err error)
}

type Service struct {
	repo    Repository
	vectors VectorIndex
	guard   JobGuard
	logger  *slog.Logger
}

func NewService(repo Repository, vectors VectorIndex, guard JobGuard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, vectors: vectors, guard: guard, logger: logger}
}

// SetGuard wires the job orchestrator after construction; the orchestrator
// itself records documents through this service.
func (s *Service) SetGuard(guard JobGuard) {
	s.guard = guard
}

func (s *Service) Record(ctx context.Context, doc *Document) error {
	return s.repo.Upsert(ctx, doc)
}

// CheckEmbeddingSpace records the model and dimension the first time an
// index is built and rejects a later run with a different one.
func (s *Service) CheckEmbeddingSpace(ctx context.Context, model string, dimension int) error {
	meta, err := s.repo.GetIndexMeta(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index metadata: %w", err)
	}
	if meta == nil {
		s.logger.InfoContext(ctx, "recording embedding space for new index", "model", model, "dimension", dimension)
		return s.repo.SaveIndexMeta(ctx, &IndexMeta{EmbeddingModel: model, Dimension: dimension})
	}
	return compareSpace(meta, model, dimension)
}

// VerifyEmbeddingSpace is the read-only form of CheckEmbeddingSpace used on
// the query path. An index that was never built matches any model.
func (s *Service) VerifyEmbeddingSpace(ctx context.Context, model string, dimension int) error {
	meta, err := s.repo.GetIndexMeta(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index metadata: %w", err)
	}
	if meta == nil {
		return nil
	}
	return compareSpace(meta, model, dimension)
}

func compareSpace(meta *IndexMeta, model string, dimension int) error {
	if meta.Dimension != dimension {
		return fmt.Errorf("%w: %w: index has %d dimensions (%s), configured %d (%s); clear the index to switch models",
			ErrEmbeddingSpaceChanged, indexer.ErrDimensionMismatch, meta.Dimension, meta.EmbeddingModel, dimension, model)
	}
	if meta.EmbeddingModel != model {
		return fmt.Errorf("%w: index built with %s, configured %s; clear the index to switch models",
			ErrEmbeddingSpaceChanged, meta.EmbeddingModel, model)
	}
	return nil
}

func (s *Service) Status(ctx context.Context) (*IndexStatus, error) {
	total, last, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	size, err := s.vectors.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count vector records: %w", err)
	}
	return &IndexStatus{TotalDocuments: total, LastUpdated: last, CollectionSize: size}, nil
}

// Clear empties the vector index and the document metadata. It is refused
// while a scrape job runs.
func (s *Service) Clear(ctx context.Context) error {
	reset := func() error {
		if err := s.vectors.DeleteAll(ctx); err != nil {
			return fmt.Errorf("failed to clear vector index: %w", err)
		}
		if err := s.repo.DeleteAll(ctx); err != nil {
			return fmt.Errorf("failed to clear documents: %w", err)
		}
		return nil
	}

	if s.guard == nil {
		return reset()
	}
	acquired, err := s.guard.TryExclusive(reset)
	if !acquired {
		return ErrJobRunning
	}
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "index cleared")
	return nil
}
