package document

import (
	"errors"
	"time"

	"scoutrag/backend/internal/indexer"
)

var (
	ErrJobRunning            = errors.New("a scrape job is running")
	ErrEmbeddingSpaceChanged = indexer.ErrEmbeddingSpaceChanged
)

type Status string

const (
	StatusIndexed Status = "indexed"
	StatusPartial Status = "partial"
	StatusEmpty   Status = "empty"
	StatusFailed  Status = "failed"
)

// Document is the metadata kept for one extracted resource. Key is the
// normalised URL.
type Document struct {
	Key          string    `json:"key"`
	URL          string    `json:"url"`
	ContentType  string    `json:"content_type"`
	Status       Status    `json:"status"`
	CharCount    int       `json:"char_count"`
	PageCount    int       `json:"page_count"`
	ChunkCount   int       `json:"chunk_count"`
	IndexedCount int       `json:"indexed_count"`
	Error        string    `json:"error,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	ExtractedAt  time.Time `json:"extracted_at"`
}

type IndexMeta struct {
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type IndexStatus struct {
	TotalDocuments int        `json:"total_documents"`
	LastUpdated    *time.Time `json:"last_updated"`
	CollectionSize int        `json:"collection_size"`
}
