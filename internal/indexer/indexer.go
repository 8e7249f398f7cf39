package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scoutrag/backend/internal/crawler"
	"scoutrag/backend/internal/text"
	"scoutrag/backend/internal/vector"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var (
	// ErrDimensionMismatch means the embedding model and the index disagree.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrStoreUnavailable  = errors.New("vector store unavailable")
	// ErrEmbeddingSpaceChanged means the index was built with another
	// embedding model than the one configured.
	ErrEmbeddingSpaceChanged = errors.New("embedding space differs from the existing index")
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, records []vector.Record) error
	DeleteStale(ctx context.Context, url string, keep int) error
}

type Config struct {
	BatchSize            int
	Dimension            int
	Timeout              time.Duration
	RetryAttempts        int
	RetryInitialInterval time.Duration
}

type Result struct {
	Indexed int
	Failed  int
	Errors  []error
}

type Indexer struct {
	embedder Embedder
	store    Store
	cfg      Config
	logger   *slog.Logger
}

func New(embedder Embedder, store Store, cfg Config, logger *slog.Logger) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{embedder: embedder, store: store, cfg: cfg, logger: logger}
}

// RecordID derives the vector object id from the normalised resource URL and
// chunk position, so re-indexing a resource overwrites its previous chunks.
func RecordID(rawURL string, index int) string {
	key, err := crawler.Normalize(rawURL)
	if err != nil {
		key = rawURL
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", key, index))).String()
}

// Preflight checks the vector store is reachable and its schema in place.
func (ix *Indexer) Preflight(ctx context.Context) error {
	if err := ix.retry(ctx, ix.store.EnsureSchema); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Index embeds and stores the chunks of one resource. Chunks that cannot be
// embedded are skipped and reported in Result. The returned error is fatal
// for the whole job: ErrDimensionMismatch, ErrStoreUnavailable or ctx's error.
func (ix *Indexer) Index(ctx context.Context, url, contentType string, chunks []text.Chunk) (Result, error) {
	var res Result
	records := make([]vector.Record, 0, len(chunks))

	for start := 0; start < len(chunks); start += ix.cfg.BatchSize {
		end := min(start+ix.cfg.BatchSize, len(chunks))
		batch := chunks[start:end]

		vecs, err := ix.embedBatch(ctx, batch)
		if err != nil {
			if errors.Is(err, ErrDimensionMismatch) {
				return res, err
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			ix.logger.WarnContext(ctx, "batch embedding failed, falling back to single chunks",
				"url", url, "first_chunk", batch[0].Index, "error", err)

			vecs = make([][]float32, len(batch))
			for i, c := range batch {
				v, err := ix.embedOne(ctx, c.Text)
				if err != nil {
					if errors.Is(err, ErrDimensionMismatch) {
						return res, err
					}
					if ctx.Err() != nil {
						return res, ctx.Err()
					}
					res.Failed++
					res.Errors = append(res.Errors, fmt.Errorf("chunk %d: %w", c.Index, err))
					continue
				}
				vecs[i] = v
			}
		}

		for i, c := range batch {
			if vecs[i] == nil {
				continue
			}
			records = append(records, vector.Record{
				ID:          RecordID(url, c.Index),
				Vector:      vecs[i],
				URL:         url,
				ContentType: contentType,
				ChunkIndex:  c.Index,
				Text:        c.Text,
			})
		}
	}

	err := ix.retry(ctx, func(ctx context.Context) error {
		return ix.store.Upsert(ctx, records)
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	res.Indexed = len(records)

	err = ix.retry(ctx, func(ctx context.Context) error {
		return ix.store.DeleteStale(ctx, url, len(chunks))
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return res, nil
}

func (ix *Indexer) embedBatch(ctx context.Context, batch []text.Chunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	var vecs [][]float32
	err := ix.retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := ix.callContext(ctx)
		defer cancel()

		out, err := ix.embedder.EmbedBatch(callCtx, texts)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return backoff.Permanent(fmt.Errorf("embedder returned %d vectors for %d inputs", len(out), len(texts)))
		}
		for _, v := range out {
			if err := ix.checkDimension(v); err != nil {
				return backoff.Permanent(err)
			}
		}
		vecs = out
		return nil
	})
	return vecs, err
}

func (ix *Indexer) embedOne(ctx context.Context, s string) ([]float32, error) {
	var vec []float32
	err := ix.retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := ix.callContext(ctx)
		defer cancel()

		v, err := ix.embedder.Embed(callCtx, s)
		if err != nil {
			return err
		}
		if err := ix.checkDimension(v); err != nil {
			return backoff.Permanent(err)
		}
		vec = v
		return nil
	})
	return vec, err
}

func (ix *Indexer) checkDimension(v []float32) error {
	if ix.cfg.Dimension > 0 && len(v) != ix.cfg.Dimension {
		return fmt.Errorf("%w: got %d, configured %d", ErrDimensionMismatch, len(v), ix.cfg.Dimension)
	}
	return nil
}

func (ix *Indexer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ix.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, ix.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (ix *Indexer) retry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if ix.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = ix.cfg.RetryInitialInterval
	}
	attempts := ix.cfg.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts)), ctx)
	return backoff.Retry(func() error { return op(ctx) }, policy)
}
