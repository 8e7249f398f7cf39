package vector

// Record is one chunk's embedding plus provenance, as written to the store.
type Record struct {
	ID          string
	Vector      []float32
	URL         string
	ContentType string
	ChunkIndex  int
	Text        string
}

// Hit is a search result. Score is cosine similarity (1 - cosine distance),
// in [-1, 1]; higher is closer.
type Hit struct {
	ID          string
	Score       float64
	URL         string
	ContentType string
	ChunkIndex  int
	Text        string
}
