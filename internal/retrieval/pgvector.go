package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vecgate/internal/storage"
)

// Compile-time check that PGVectorStore implements VectorStore.
var _ VectorStore = (*PGVectorStore)(nil)

const (
	defaultInsertBatch       = 500
	defaultInsertConcurrency = 4
)

// PGVectorStore runs similarity search inside Postgres using the pgvector
// distance operators.
type PGVectorStore struct {
	db       *sql.DB
	tables   storage.Tables
	strategy DistanceStrategy

	batchSize   int
	concurrency int
}

// NewPGVectorStore wraps a pgx-backed *sql.DB. tables must already be
// validated (storage.Open does this).
func NewPGVectorStore(db *sql.DB, tables storage.Tables, strategy DistanceStrategy) *PGVectorStore {
	return &PGVectorStore{
		db:          db,
		tables:      tables,
		strategy:    strategy,
		batchSize:   defaultInsertBatch,
		concurrency: defaultInsertConcurrency,
	}
}

func (s *PGVectorStore) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	query, args := BuildSearchQuery(s.tables, s.strategy, q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", classifyPGError(err))
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var (
			m    Match
			doc  sql.NullString
			meta []byte
			vec  pgvector.Vector
		)
		dest := []any{&m.Document.ID, &doc, &meta, &m.Distance}
		if q.IncludeEmbedding {
			dest = append(dest, &vec)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		m.Document.PageContent = doc.String
		if m.Document.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("row %s: %w", m.Document.ID, err)
		}
		if q.IncludeEmbedding {
			m.Document.Embedding = vec.Slice()
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", classifyPGError(err))
	}
	return results, nil
}

// Insert writes records in batches. Batches run concurrently and each is a
// single statement, so a failure can leave earlier batches committed. Ids
// already used by another collection are rejected before anything is written.
func (s *PGVectorStore) Insert(ctx context.Context, collectionID string, records []Record) error {
	if err := s.checkOwnership(ctx, collectionID, records); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		batch := records[start:end]
		g.Go(func() error {
			return s.insertBatch(ctx, collectionID, batch)
		})
	}
	return g.Wait()
}

func (s *PGVectorStore) insertBatch(ctx context.Context, collectionID string, batch []Record) error {
	args := make([]any, 0, len(batch)*5)
	for _, r := range batch {
		meta, err := encodeMetadata(r.Metadata)
		if err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
		args = append(args, r.ID, collectionID, pgvector.NewVector(r.Embedding), r.Content, meta)
	}
	query := buildInsertQuery(s.tables, storage.DialectPostgres, len(batch))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("inserting %d records: %w", len(batch), classifyPGError(err))
	}
	// Rows claimed by another collection between the ownership check and
	// this statement are skipped by the upsert's WHERE clause.
	if n, err := res.RowsAffected(); err == nil && int(n) < len(batch) {
		return fmt.Errorf("%w: %d of %d ids", ErrDocumentConflict, len(batch)-int(n), len(batch))
	}
	return nil
}

func (s *PGVectorStore) checkOwnership(ctx context.Context, collectionID string, records []Record) error {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	var taken string
	err := s.db.QueryRowContext(ctx,
		"SELECT uuid::text FROM "+s.tables.QuotedEmbeddings()+" WHERE uuid = ANY($1::uuid[]) AND collection_id <> $2 LIMIT 1",
		ids, collectionID).Scan(&taken)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("checking document ownership: %w", err)
	default:
		return fmt.Errorf("%w: %s", ErrDocumentConflict, taken)
	}
}

// classifyPGError marks pgvector dimension errors as caller mistakes.
func classifyPGError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "22000" {
		return err
	}
	if strings.Contains(pgErr.Message, "different vector dimensions") ||
		strings.Contains(pgErr.Message, "dimensions, not") {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return err
}

func (s *PGVectorStore) Delete(ctx context.Context, collectionID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM "+s.tables.QuotedEmbeddings()+" WHERE collection_id = $1 AND uuid = ANY($2::uuid[])",
		collectionID, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
