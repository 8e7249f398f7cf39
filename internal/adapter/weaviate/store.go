package weaviate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"scoutrag/backend/internal/vector"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

var ErrBatchRejected = errors.New("vector store rejected objects")

type Store struct {
	client    *weaviate.Client
	className string
}

func NewStore(client *weaviate.Client, className string) *Store {
	if className == "" {
		className = vector.DefaultClass
	}
	return &Store{client: client, className: className}
}

func (s *Store) ClassName() string { return s.className }

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, vector.NewSchemaAdapter(s.client), s.className)
}

// Upsert writes records keyed by their deterministic IDs. Existing objects
// with the same ID are replaced.
func (s *Store) Upsert(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(records))
	for _, r := range records {
		objects = append(objects, &models.Object{
			Class: s.className,
			ID:    strfmt.UUID(r.ID),
			Properties: map[string]interface{}{
				"text":        r.Text,
				"url":         r.URL,
				"contentType": r.ContentType,
				"chunkIndex":  r.ChunkIndex,
			},
			Vector: models.C11yVector(r.Vector),
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}

	var msgs []string
	for _, o := range resp {
		if o.Result == nil || o.Result.Errors == nil {
			continue
		}
		for _, e := range o.Result.Errors.Error {
			if e != nil {
				msgs = append(msgs, fmt.Sprintf("%s: %s", o.ID, e.Message))
			}
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%w: %s", ErrBatchRejected, strings.Join(msgs, "; "))
	}
	return nil
}

// DeleteStale removes chunks of url whose index is at or beyond keep, left
// over from a longer previous version of the document.
func (s *Store) DeleteStale(ctx context.Context, url string, keep int) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(s.className).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"url"}).
					WithOperator(filters.Equal).
					WithValueText(url),
				filters.Where().
					WithPath([]string{"chunkIndex"}).
					WithOperator(filters.GreaterThanEqual).
					WithValueInt(int64(keep)),
			})).
		Do(ctx)
	return err
}

// DeleteAll drops and recreates the class.
func (s *Store) DeleteAll(ctx context.Context) error {
	return vector.ResetClass(ctx, vector.NewSchemaAdapter(s.client), s.className)
}

// Search returns the k nearest chunks to vec. Score is cosine similarity.
func (s *Store) Search(ctx context.Context, vec []float32, k int) ([]vector.Hit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "url"},
		{Name: "contentType"},
		{Name: "chunkIndex"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	var hits []vector.Hit
	data, _ := res.Data["Get"].(map[string]interface{})
	rows, _ := data[s.className].([]interface{})
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		hit := vector.Hit{}
		hit.Text, _ = props["text"].(string)
		hit.URL, _ = props["url"].(string)
		hit.ContentType, _ = props["contentType"].(string)
		if idx, ok := props["chunkIndex"].(float64); ok {
			hit.ChunkIndex = int(idx)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			hit.ID, _ = additional["id"].(string)
			if d, ok := number(additional["distance"]); ok {
				hit.Score = 1 - d
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(s.className).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	data, _ := res.Data["Aggregate"].(map[string]interface{})
	rows, _ := data[s.className].([]interface{})
	if len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	count, _ := number(meta["count"])
	return int(count), nil
}

// number accepts both encodings Weaviate uses for numeric _additional fields.
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
