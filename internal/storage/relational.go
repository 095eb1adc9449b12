package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bull/knograph/internal/knowledge"
)

// DBPool is the subset of pgxpool.Pool the adapter needs, kept narrow so
// tests can substitute a mock pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DocumentRow is the relational projection of a document, used both for
// structured search and for enriching vector/graph hits.
type DocumentRow struct {
	Key       string
	SourceURI string
	Language  string
	Status    knowledge.DocumentStatus
	Title     string
	Author    string
	Modality  knowledge.Modality
	CreatedAt time.Time
	UpdatedAt time.Time
}

// queryableColumns whitelists the columns structured predicates may
// filter on.
var queryableColumns = map[string]bool{
	"status":   true,
	"author":   true,
	"language": true,
	"modality": true,
	"title":    true,
}

// RelationalStorage stores document metadata in Postgres.
type RelationalStorage struct {
	pool DBPool
}

// NewRelationalStorage creates a connection pool for the given DSN.
func NewRelationalStorage(ctx context.Context, connString string) (*RelationalStorage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &RelationalStorage{pool: pool}, nil
}

// NewRelationalStorageWithPool wraps an existing pool. Useful for testing
// with mocks.
func NewRelationalStorageWithPool(pool DBPool) *RelationalStorage {
	return &RelationalStorage{pool: pool}
}

// InitSchema creates the documents table if it doesn't exist.
func (s *RelationalStorage) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS documents (
			key TEXT PRIMARY KEY,
			source_uri TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			modality TEXT NOT NULL DEFAULT 'text',
			chunk_count INTEGER NOT NULL DEFAULT 0,
			failed_stage TEXT NOT NULL DEFAULT '',
			failed_stores TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);
		CREATE INDEX IF NOT EXISTS idx_documents_author ON documents (author);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *RelationalStorage) Close() {
	s.pool.Close()
}

// UpsertDocumentMeta writes a document's metadata keyed by document key,
// idempotent under task redelivery.
func (s *RelationalStorage) UpsertDocumentMeta(ctx context.Context, doc *knowledge.Document) error {
	query := `
		INSERT INTO documents (key, source_uri, language, status, title, author, modality, chunk_count, failed_stage, failed_stores, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (key) DO UPDATE SET
			source_uri = EXCLUDED.source_uri,
			language = EXCLUDED.language,
			status = EXCLUDED.status,
			title = EXCLUDED.title,
			author = EXCLUDED.author,
			modality = EXCLUDED.modality,
			chunk_count = EXCLUDED.chunk_count,
			failed_stage = EXCLUDED.failed_stage,
			failed_stores = EXCLUDED.failed_stores,
			updated_at = EXCLUDED.updated_at
	`
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	failedStores := doc.FailedStores
	if failedStores == nil {
		failedStores = []string{}
	}

	_, err := s.pool.Exec(ctx, query,
		doc.ID,
		doc.SourceURI,
		doc.Language,
		string(doc.Status),
		doc.Title,
		doc.Author,
		string(doc.Modality),
		len(doc.ChunkIDs),
		doc.FailedStage,
		failedStores,
		createdAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// UpdateDocumentStatus records a lifecycle transition together with the
// failing stage and stores, for targeted retry.
func (s *RelationalStorage) UpdateDocumentStatus(ctx context.Context, key string, status knowledge.DocumentStatus, failedStage string, failedStores []string) error {
	if failedStores == nil {
		failedStores = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, failed_stage = $3, failed_stores = $4, updated_at = $5
		WHERE key = $1`,
		key, string(status), failedStage, failedStores, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, key)
	}
	return nil
}

// QueryDocuments runs a structured search over whitelisted columns.
// Predicate keys are ANDed; unknown keys are rejected.
func (s *RelationalStorage) QueryDocuments(ctx context.Context, predicate map[string]any, limit int) ([]DocumentRow, error) {
	if limit <= 0 {
		limit = 10
	}

	var clauses []string
	var args []any

	// Deterministic clause order regardless of map iteration.
	cols := make([]string, 0, len(predicate))
	for col := range predicate {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	for _, col := range cols {
		if !queryableColumns[col] {
			return nil, fmt.Errorf("predicate column %q is not queryable", col)
		}
		args = append(args, predicate[col])
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	query := "SELECT key, source_uri, language, status, title, author, modality, created_at, updated_at FROM documents"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY key ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("structured query: %w", err)
	}
	defer rows.Close()

	return scanDocumentRows(rows)
}

// FetchMetadata loads display metadata for a set of document keys in a
// single batched round trip, for the search engine's enrichment pass.
func (s *RelationalStorage) FetchMetadata(ctx context.Context, keys []string) (map[string]DocumentRow, error) {
	result := make(map[string]DocumentRow, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT key, source_uri, language, status, title, author, modality, created_at, updated_at
		FROM documents
		WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("metadata fetch: %w", err)
	}
	defer rows.Close()

	docRows, err := scanDocumentRows(rows)
	if err != nil {
		return nil, err
	}
	for _, row := range docRows {
		result[row.Key] = row
	}
	return result, nil
}

func scanDocumentRows(rows pgx.Rows) ([]DocumentRow, error) {
	var out []DocumentRow
	for rows.Next() {
		var row DocumentRow
		var status, modality string
		if err := rows.Scan(&row.Key, &row.SourceURI, &row.Language, &status,
			&row.Title, &row.Author, &modality, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		row.Status = knowledge.DocumentStatus(status)
		row.Modality = knowledge.Modality(modality)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return out, nil
}
