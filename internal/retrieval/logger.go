package retrieval

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// QueryLogEntry is one line of the query log: the question, what was
// retrieved for it and how long answering took.
type QueryLogEntry struct {
	Timestamp      time.Time     `json:"timestamp"`
	Query          string        `json:"query"`
	MaxResults     int           `json:"max_results"`
	NumResults     int           `json:"num_results"`
	SourceURLs     []string      `json:"source_urls,omitempty"`
	TopScore       float64       `json:"top_score,omitempty"`
	NoContext      bool          `json:"no_context"`
	EmbeddingModel string        `json:"embedding_model,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
	LatencyMs      int64         `json:"latency_ms"`
	CorrelationID  string        `json:"correlation_id"`
	Error          string        `json:"error,omitempty"`
}

// record fills the retrieval fields from the sources of an answer. Source
// URLs are listed once each in rank order.
func (e *QueryLogEntry) record(sources []Source) {
	e.NumResults = len(sources)
	e.NoContext = len(sources) == 0
	seen := make(map[string]bool, len(sources))
	for i, src := range sources {
		if i == 0 {
			e.TopScore = src.Score
		}
		if !seen[src.URL] {
			seen[src.URL] = true
			e.SourceURLs = append(e.SourceURLs, src.URL)
		}
	}
}

// QueryLogger appends one JSON line per question. It is safe for
// concurrent use.
type QueryLogger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{enc: json.NewEncoder(w)}
}

// NewFileQueryLogger appends to path, creating its directory, and mirrors
// every line to stdout.
func NewFileQueryLogger(path string) (*QueryLogger, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	return &QueryLogger{enc: json.NewEncoder(io.MultiWriter(os.Stdout, f)), closer: f}, nil
}

func (l *QueryLogger) Log(entry QueryLogEntry) {
	entry.Timestamp = time.Now().UTC()
	entry.LatencyMs = entry.Duration.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		slog.Error("failed to write query log entry", "error", err)
	}
}

// Close releases the log file, if any.
func (l *QueryLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
