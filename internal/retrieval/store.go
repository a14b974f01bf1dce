package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/kalambet/vecgate/internal/storage"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force similarity search
// backed by SQLite. Embeddings are stored as little-endian float32 blobs.
type SQLiteStore struct {
	db       *sql.DB
	tables   storage.Tables
	strategy DistanceStrategy
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The embeddings table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB, tables storage.Tables, strategy DistanceStrategy) *SQLiteStore {
	return &SQLiteStore{db: db, tables: tables, strategy: strategy}
}

// Insert upserts records in a single transaction.
func (s *SQLiteStore) Insert(ctx context.Context, collectionID string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, buildInsertQuery(s.tables, storage.DialectSQLite, 1))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		meta, err := encodeMetadata(r.Metadata)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
		res, err := stmt.ExecContext(ctx, r.ID, collectionID, encodeFloat32s(r.Embedding), r.Content, meta)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			tx.Rollback()
			return fmt.Errorf("%w: %s", ErrDocumentConflict, r.ID)
		}
	}

	return tx.Commit()
}

// idDistance holds only the ID and distance during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idDistance struct {
	ID       string
	Distance float64
}

// Search scans every row of the collection, keeping the K nearest in a
// bounded heap, then loads the winners.
func (s *SQLiteStore) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	if q.K <= 0 {
		return nil, nil
	}

	// Phase 1: scan id + embedding (+ metadata when filtering).
	cols := "uuid, embedding"
	if len(q.Filter) > 0 {
		cols += ", cmetadata"
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+cols+" FROM "+s.tables.QuotedEmbeddings()+" WHERE collection_id = ?", q.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idDistanceHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob, meta []byte
		dest := []any{&id, &blob}
		if len(q.Filter) > 0 {
			dest = append(dest, &meta)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		if len(q.Filter) > 0 {
			m, err := decodeMetadata(meta)
			if err != nil {
				return nil, fmt.Errorf("row %s: %w", id, err)
			}
			if !q.Filter.Matches(m) {
				continue
			}
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		d, err := s.strategy.Distance(q.Vector, buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		item := idDistance{ID: id, Distance: d}
		if h.Len() < q.K {
			heap.Push(h, item)
		} else if closer(item, (*h)[0]) {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	distances := make(map[string]float64, h.Len())
	queryArgs := make([]any, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idDistance)
		distances[item.ID] = item.Distance
		queryArgs = append(queryArgs, item.ID)
	}

	fullQuery := "SELECT uuid, document, cmetadata, embedding FROM " + s.tables.QuotedEmbeddings() +
		" WHERE uuid IN (?" + strings.Repeat(",?", len(queryArgs)-1) + ")"

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	results := make([]Match, 0, len(queryArgs))
	for fullRows.Next() {
		var m Match
		var doc sql.NullString
		var meta, blob []byte
		if err := fullRows.Scan(&m.Document.ID, &doc, &meta, &blob); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		m.Document.PageContent = doc.String
		if m.Document.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("row %s: %w", m.Document.ID, err)
		}
		if q.IncludeEmbedding {
			if m.Document.Embedding, err = decodeFloat32s(blob); err != nil {
				return nil, fmt.Errorf("decoding embedding for %s: %w", m.Document.ID, err)
			}
		}
		m.Distance = distances[m.Document.ID]
		results = append(results, m)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// IN query doesn't preserve order.
	sortByDistance(results)

	return results, nil
}

// closer orders by distance, breaking ties by ID so results are stable.
func closer(a, b idDistance) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// sortByDistance sorts matches ascending. Used for small slices (topK).
func sortByDistance(results []Match) {
	less := func(a, b Match) bool {
		return closer(idDistance{a.Document.ID, a.Distance}, idDistance{b.Document.ID, b.Distance})
	}
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Delete removes records of a collection by ID.
func (s *SQLiteStore) Delete(ctx context.Context, collectionID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, collectionID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM "+s.tables.QuotedEmbeddings()+" WHERE collection_id = ? AND uuid IN (?"+strings.Repeat(",?", len(ids)-1)+")",
		args...)
	if err != nil {
		return 0, fmt.Errorf("deleting records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// idDistanceHeap is a max-heap of idDistance: the root is the farthest of
// the current top-K candidates.
type idDistanceHeap []idDistance

func (h idDistanceHeap) Len() int           { return len(h) }
func (h idDistanceHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h idDistanceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idDistanceHeap) Push(x any)        { *h = append(*h, x.(idDistance)) }
func (h *idDistanceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
