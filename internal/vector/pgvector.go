package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorIndex implements Store on Postgres with the pgvector extension.
// It suits deployments that already run Postgres and want one fewer moving
// part than a dedicated vector database.
type PgvectorIndex struct {
	pool   *pgxpool.Pool
	dims   int
	logger *slog.Logger
}

// NewPgvectorIndex connects to Postgres and ensures the embeddings table
// exists.
func NewPgvectorIndex(ctx context.Context, dsn string, dims int, logger *slog.Logger) (*PgvectorIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("vector: connect to postgres: %w", err)
	}

	idx := &PgvectorIndex{pool: pool, dims: dims, logger: logger}
	if err := idx.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PgvectorIndex) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS decision_embeddings (
			decision_id  text PRIMARY KEY,
			agent_id     text NOT NULL DEFAULT '',
			category     text NOT NULL DEFAULT '',
			project      text NOT NULL DEFAULT '',
			created_unix bigint NOT NULL DEFAULT 0,
			embedding    vector(%d) NOT NULL
		)`, p.dims),
		`CREATE INDEX IF NOT EXISTS decision_embeddings_agent_idx ON decision_embeddings (agent_id)`,
		`CREATE INDEX IF NOT EXISTS decision_embeddings_category_idx ON decision_embeddings (category)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vector: ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or replaces embeddings, idempotent by decision id.
func (p *PgvectorIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, pt := range points {
		batch.Queue(`
			INSERT INTO decision_embeddings (decision_id, agent_id, category, project, created_unix, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (decision_id) DO UPDATE SET
				agent_id = EXCLUDED.agent_id,
				category = EXCLUDED.category,
				project = EXCLUDED.project,
				created_unix = EXCLUDED.created_unix,
				embedding = EXCLUDED.embedding`,
			pt.ID, pt.AgentID, pt.Category, pt.Project, pt.CreatedUnix, pgvector.NewVector(pt.Embedding))
	}

	br := p.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("vector: pgvector upsert: %w", err)
		}
	}
	return nil
}

// Search returns the limit nearest embeddings by cosine similarity.
func (p *PgvectorIndex) Search(ctx context.Context, embedding []float32, filter Filter, limit int) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		where []string
		args  []any
	)
	args = append(args, pgvector.NewVector(embedding))
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Project != "" {
		args = append(args, filter.Project)
		where = append(where, fmt.Sprintf("project = $%d", len(args)))
	}

	query := `SELECT decision_id, 1 - (embedding <=> $1) AS score FROM decision_embeddings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector: pgvector query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Score); err != nil {
			return nil, fmt.Errorf("vector: pgvector scan: %w", err)
		}
		if r.Score < 0 {
			r.Score = 0
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector: pgvector rows: %w", err)
	}
	return results, nil
}

// Delete removes embeddings by decision id.
func (p *PgvectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM decision_embeddings WHERE decision_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("vector: pgvector delete: %w", err)
	}
	return nil
}

// Count returns the number of stored embeddings.
func (p *PgvectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM decision_embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vector: pgvector count: %w", err)
	}
	return n, nil
}

// Reset truncates the embeddings table.
func (p *PgvectorIndex) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE decision_embeddings`); err != nil {
		return fmt.Errorf("vector: pgvector reset: %w", err)
	}
	return nil
}

// Healthy pings the pool with a short deadline.
func (p *PgvectorIndex) Healthy(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := p.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PgvectorIndex) Close() error {
	p.pool.Close()
	return nil
}
