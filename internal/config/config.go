package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"scoutrag"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"scoutrag"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	WeaviateClass  string `envconfig:"WEAVIATE_CLASS" default:"SiteChunk"`

	NSQEnabled bool   `envconfig:"NSQ_ENABLED" default:"true"`
	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Models. The same embedding model serves ingestion and query.
	EmbeddingProvider  string `envconfig:"EMBEDDING_PROVIDER" default:"ollama"`
	EmbeddingModel     string `envconfig:"EMBEDDING_MODEL" default:"nomic-embed-text"`
	EmbeddingDimension int    `envconfig:"EMBEDDING_DIMENSION" default:"768"`
	GenerationProvider string `envconfig:"GENERATION_PROVIDER" default:"ollama"`
	GenerationModel    string `envconfig:"GENERATION_MODEL" default:"llama3.1:8b"`
	OllamaURL          string `envconfig:"OLLAMA_URL" default:"http://ollama:11434"`
	GeminiAPIKey       string `envconfig:"GEMINI_API_KEY"`

	// Crawl
	SeedURL            string   `envconfig:"SEED_URL" default:"https://www.scouts.ca"`
	CrawlPathPrefix    string   `envconfig:"CRAWL_PATH_PREFIX"`
	CrawlExclusions    []string `envconfig:"CRAWL_EXCLUSIONS"`
	CrawlMaxDepth      int      `envconfig:"CRAWL_MAX_DEPTH" default:"5"`
	CrawlMaxResources  int      `envconfig:"CRAWL_MAX_RESOURCES" default:"1000"`
	CrawlWorkers       int      `envconfig:"CRAWL_WORKERS" default:"4"`
	CrawlRatePerSecond float64  `envconfig:"CRAWL_RATE_PER_SECOND" default:"5"`
	CrawlMaxBodyMB     int      `envconfig:"CRAWL_MAX_BODY_MB" default:"50"`
	UserAgent          string   `envconfig:"USER_AGENT" default:"scoutrag-crawler/1.0"`

	// Chunking
	ChunkSize              int `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap           int `envconfig:"CHUNK_OVERLAP" default:"200"`
	ChunkBoundaryTolerance int `envconfig:"CHUNK_BOUNDARY_TOLERANCE" default:"100"`

	// Indexing
	EmbedBatchSize int `envconfig:"EMBED_BATCH_SIZE" default:"16"`
	IndexWorkers   int `envconfig:"INDEX_WORKERS" default:"4"`

	// Timeouts and retry budgets
	FetchTimeoutSeconds    int `envconfig:"FETCH_TIMEOUT_SECONDS" default:"30"`
	EmbedTimeoutSeconds    int `envconfig:"EMBED_TIMEOUT_SECONDS" default:"60"`
	GenerateTimeoutSeconds int `envconfig:"GENERATE_TIMEOUT_SECONDS" default:"120"`
	RetryAttempts          int `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryInitialIntervalMS int `envconfig:"RETRY_INITIAL_INTERVAL_MS" default:"500"`

	// Schedule. Weekly, Sunday 02:00 UTC.
	SchedulerEnabled bool   `envconfig:"SCHEDULER_ENABLED" default:"true"`
	ScrapeSchedule   string `envconfig:"SCRAPE_SCHEDULE" default:"0 2 * * 0"`

	// OCR
	OCRLanguage  string `envconfig:"OCR_LANGUAGE" default:"eng"`
	PdftoppmPath string `envconfig:"PDFTOPPM_PATH" default:"pdftoppm"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8001"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: EMBEDDING_MODEL", ErrMissingRequired)
	}
	if c.GenerationModel == "" {
		return fmt.Errorf("%w: GENERATION_MODEL", ErrMissingRequired)
	}
	if !validProvider(c.EmbeddingProvider) {
		return fmt.Errorf("%w: EMBEDDING_PROVIDER=%q", ErrInvalidValue, c.EmbeddingProvider)
	}
	if !validProvider(c.GenerationProvider) {
		return fmt.Errorf("%w: GENERATION_PROVIDER=%q", ErrInvalidValue, c.GenerationProvider)
	}
	if (c.EmbeddingProvider == ProviderGemini || c.GenerationProvider == ProviderGemini) && c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIMENSION must be positive", ErrInvalidValue)
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalidValue)
	}
	if c.ChunkBoundaryTolerance < 0 {
		return fmt.Errorf("%w: CHUNK_BOUNDARY_TOLERANCE", ErrInvalidValue)
	}
	u, err := url.Parse(c.SeedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: SEED_URL=%q", ErrInvalidValue, c.SeedURL)
	}
	if c.CrawlWorkers <= 0 || c.IndexWorkers <= 0 || c.EmbedBatchSize <= 0 {
		return fmt.Errorf("%w: worker and batch sizes must be positive", ErrInvalidValue)
	}
	return nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func validProvider(p string) bool {
	return p == ProviderOllama || p == ProviderGemini
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutSeconds) * time.Second
}

func (c *Config) GenerateTimeout() time.Duration {
	return time.Duration(c.GenerateTimeoutSeconds) * time.Second
}

func (c *Config) RetryInitialInterval() time.Duration {
	return time.Duration(c.RetryInitialIntervalMS) * time.Millisecond
}
