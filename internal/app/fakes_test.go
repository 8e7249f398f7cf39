package app_test

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"scoutrag/backend/internal/vector"
)

const testDimension = 8

// hashEmbedder maps text to a deterministic unit-ish vector.
type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDimension)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%testDimension] += 1
	}
	vec[0] += 0.01
	return vec, nil
}

func (e hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

type echoGenerator struct {
	mu      sync.Mutex
	prompts []string
}

func (g *echoGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if strings.Contains(prompt, "No relevant context") {
		return "The documentation does not cover that.", nil
	}
	return "Be Prepared.", nil
}

// memVectors is an in-memory vector store keyed by record id.
type memVectors struct {
	mu      sync.Mutex
	records map[string]vector.Record
}

func newMemVectors() *memVectors {
	return &memVectors{records: make(map[string]vector.Record)}
}

func (m *memVectors) EnsureSchema(ctx context.Context) error { return nil }

func (m *memVectors) Upsert(ctx context.Context, records []vector.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.ID] = r
	}
	return nil
}

func (m *memVectors) DeleteStale(ctx context.Context, url string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.URL == url && r.ChunkIndex >= keep {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *memVectors) Search(ctx context.Context, vec []float32, k int) ([]vector.Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []vector.Hit
	for _, r := range m.records {
		var dot float64
		for i := range vec {
			dot += float64(vec[i] * r.Vector[i])
		}
		hits = append(hits, vector.Hit{ID: r.ID, Score: dot, URL: r.URL, ContentType: r.ContentType, ChunkIndex: r.ChunkIndex, Text: r.Text})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *memVectors) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *memVectors) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]vector.Record)
	return nil
}
