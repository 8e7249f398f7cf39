package document

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Repository interface {
	Upsert(ctx context.Context, doc *Document) error
	Stats(ctx context.Context) (int, *time.Time, error)
	DeleteAll(ctx context.Context) error
	GetIndexMeta(ctx context.Context) (*IndexMeta, error)
	SaveIndexMeta(ctx context.Context, meta *IndexMeta) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Upsert(ctx context.Context, doc *Document) error {
	query := `INSERT INTO documents (url_key, url, content_type, status, char_count, page_count, chunk_count, indexed_count, error, job_id, extracted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (url_key) DO UPDATE SET
			url = EXCLUDED.url,
			content_type = EXCLUDED.content_type,
			status = EXCLUDED.status,
			char_count = EXCLUDED.char_count,
			page_count = EXCLUDED.page_count,
			chunk_count = EXCLUDED.chunk_count,
			indexed_count = EXCLUDED.indexed_count,
			error = EXCLUDED.error,
			job_id = EXCLUDED.job_id,
			extracted_at = EXCLUDED.extracted_at`
	_, err := r.db.ExecContext(ctx, query,
		doc.Key, doc.URL, doc.ContentType, string(doc.Status),
		doc.CharCount, doc.PageCount, doc.ChunkCount, doc.IndexedCount,
		doc.Error, nullString(doc.JobID), doc.ExtractedAt)
	return err
}

func (r *PostgresRepo) Stats(ctx context.Context) (int, *time.Time, error) {
	var count int
	var last sql.NullTime
	query := `SELECT COUNT(*), MAX(extracted_at) FROM documents`
	if err := r.db.QueryRowContext(ctx, query).Scan(&count, &last); err != nil {
		return 0, nil, err
	}
	if !last.Valid {
		return count, nil, nil
	}
	return count, &last.Time, nil
}

// DeleteAll removes every document row and the recorded embedding space.
func (r *PostgresRepo) DeleteAll(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_meta`); err != nil {
		return err
	}
	return tx.Commit()
}

// GetIndexMeta returns nil without error when no index has been built yet.
func (r *PostgresRepo) GetIndexMeta(ctx context.Context) (*IndexMeta, error) {
	m := &IndexMeta{}
	query := `SELECT embedding_model, dimension, updated_at FROM index_meta WHERE id = TRUE`
	err := r.db.QueryRowContext(ctx, query).Scan(&m.EmbeddingModel, &m.Dimension, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *PostgresRepo) SaveIndexMeta(ctx context.Context, meta *IndexMeta) error {
	query := `INSERT INTO index_meta (id, embedding_model, dimension, updated_at) VALUES (TRUE, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET embedding_model = EXCLUDED.embedding_model, dimension = EXCLUDED.dimension, updated_at = NOW()
		RETURNING updated_at`
	return r.db.QueryRowContext(ctx, query, meta.EmbeddingModel, meta.Dimension).Scan(&meta.UpdatedAt)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
