package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS document_chunks (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	text         TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL,
	embedding    DOUBLE PRECISION[] NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks(document_id);
`

const pgColumns = `id, document_id, seq, start_offset, end_offset, text, summary, model, embedding`

// PgIndex stores chunks in Postgres. Embeddings are plain float8 arrays and
// ranking happens in the caller, so the pgvector extension is not required.
// Listings sort bytewise, matching MemoryIndex regardless of the database
// collation.
type PgIndex struct {
	pool *pgxpool.Pool
}

// OpenPgIndex connects to dsn and creates the chunk table if needed.
func OpenPgIndex(ctx context.Context, dsn string) (*PgIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate document_chunks: %w", err)
	}
	return &PgIndex{pool: pool}, nil
}

func (p *PgIndex) Replace(ctx context.Context, docID string, chunks []Chunk) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID); err != nil {
			return fmt.Errorf("delete chunks for %s: %w", docID, err)
		}
		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(`INSERT INTO document_chunks (`+pgColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				c.ID, docID, c.Seq, c.Start, c.End, c.Text, c.Summary, c.Model, toFloat64(c.Embedding))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks for %s: %w", docID, err)
		}
		return nil
	})
}

func (p *PgIndex) Delete(ctx context.Context, docID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("delete chunks for %s: %w", docID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PgIndex) Chunks(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgColumns+` FROM document_chunks WHERE document_id = $1 ORDER BY id COLLATE "C"`, docID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (p *PgIndex) All(ctx context.Context) ([]Chunk, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgColumns+` FROM document_chunks ORDER BY id COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	return pgx.CollectRows(rows, scanChunk)
}

func (p *PgIndex) Documents(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_chunks ORDER BY document_id COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PgIndex) Close() error {
	p.pool.Close()
	return nil
}

func scanChunk(row pgx.CollectableRow) (Chunk, error) {
	var c Chunk
	var emb []float64
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Start, &c.End, &c.Text, &c.Summary, &c.Model, &emb); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, fmt.Errorf("scan chunk: %w", err)
	}
	c.Embedding = make([]float32, len(emb))
	for i, v := range emb {
		c.Embedding[i] = float32(v)
	}
	return c, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
