package retrieval

import (
	"context"

	"github.com/kalambet/vecgate/internal/storage"
)

// VectorStore is the interface for similarity search backends.
//
// PGVectorStore delegates ranking to pgvector. SQLiteStore scans rows in
// process and is meant for local development and tests; it computes the
// same distances and applies the same filter semantics.
type VectorStore interface {
	// Search returns up to q.K rows of the collection ordered by ascending
	// distance from q.Vector.
	Search(ctx context.Context, q SearchQuery) ([]Match, error)

	// Insert upserts records into a collection.
	Insert(ctx context.Context, collectionID string, records []Record) error

	// Delete removes records of a collection by ID and reports how many
	// rows were removed.
	Delete(ctx context.Context, collectionID string, ids []string) (int, error)
}

// NewVectorStore picks the backend matching the store's dialect.
func NewVectorStore(st *storage.Store, strategy DistanceStrategy) VectorStore {
	if st.Dialect() == storage.DialectPostgres {
		return NewPGVectorStore(st.DB(), st.Tables(), strategy)
	}
	return NewSQLiteStore(st.DB(), st.Tables(), strategy)
}
