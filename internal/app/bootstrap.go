package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"scoutrag/backend/internal/adapter/gemini"
	"scoutrag/backend/internal/adapter/ollama"
	wstore "scoutrag/backend/internal/adapter/weaviate"
	"scoutrag/backend/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Dependencies are the external connections the app is built on.
type Dependencies struct {
	DB          *sql.DB
	VectorStore *wstore.Store
	NSQProducer *nsq.Producer // nil when NSQ is disabled
	Embedder    Embedder
	Generator   Generator

	closers []io.Closer
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	deps := &Dependencies{}

	// Database
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	deps.DB = db
	deps.closers = append(deps.closers, db)

	if err := withRetry(ctx, cfg.BootstrapRetryAttempts, retryDelay, "db ping", db.PingContext); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		deps.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	slog.InfoContext(ctx, "migrations applied")

	// Weaviate
	wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("weaviate client error: %w", err)
	}
	deps.VectorStore = wstore.NewStore(wClient, cfg.WeaviateClass)
	if err := EnsureSchemaWithRetry(ctx, deps.VectorStore, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		deps.Close()
		return nil, fmt.Errorf("weaviate schema error: %w", err)
	}

	// NSQ
	if cfg.NSQEnabled {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		deps.NSQProducer = producer
		createTopics(cfg.NSQDHTTP)
	}

	// Models
	if err := deps.initProviders(ctx, cfg); err != nil {
		deps.Close()
		return nil, err
	}
	probeEmbedding(ctx, deps.Embedder, cfg.EmbeddingDimension)

	return deps, nil
}

func (d *Dependencies) initProviders(ctx context.Context, cfg *config.Config) error {
	var local *ollama.Client
	var remote *gemini.Client

	if cfg.EmbeddingProvider == config.ProviderOllama || cfg.GenerationProvider == config.ProviderOllama {
		local = ollama.NewClient(cfg.OllamaURL, cfg.EmbeddingModel, cfg.GenerationModel, cfg.GenerateTimeout())
	}
	if cfg.EmbeddingProvider == config.ProviderGemini || cfg.GenerationProvider == config.ProviderGemini {
		c, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, cfg.GenerationModel)
		if err != nil {
			return fmt.Errorf("gemini client error: %w", err)
		}
		remote = c
		d.closers = append(d.closers, c)
	}

	if cfg.EmbeddingProvider == config.ProviderGemini {
		d.Embedder = remote
	} else {
		d.Embedder = local
	}
	if cfg.GenerationProvider == config.ProviderGemini {
		d.Generator = remote
	} else {
		d.Generator = local
	}
	return nil
}

// probeEmbedding only warns: the model server may come up after the API.
func probeEmbedding(ctx context.Context, e Embedder, dimension int) {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	vec, err := e.Embed(pctx, "ping")
	if err != nil {
		slog.WarnContext(ctx, "embedding service not reachable at startup", "error", err)
		return
	}
	if len(vec) != dimension {
		slog.WarnContext(ctx, "embedding dimension differs from configuration; jobs and queries will fail",
			"configured", dimension, "returned", len(vec))
	}
}

// Close releases every connection opened by Bootstrap.
func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			slog.Warn("failed to close dependency", "error", err)
		}
	}
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		u := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
		resp, err := http.Post(u, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicScrapeTrigger)
		create(config.TopicJobEvents)
	}()
}

// EnsureSchemaWithRetry tries store.EnsureSchema up to attempts times.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	return withRetry(ctx, attempts, delay, "weaviate schema", store.EnsureSchema)
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, what string, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err != nil && attempt < attempts {
			slog.WarnContext(ctx, "bootstrap step failed, retrying", "step", what, "attempt", attempt, "max_attempts", attempts, "error", err)
		}
		return err
	}, policy)
}
