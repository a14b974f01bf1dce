package retrieval

import (
	"strconv"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/kalambet/vecgate/internal/storage"
)

// SearchQuery is a resolved similarity search against one collection.
type SearchQuery struct {
	CollectionID     string
	Vector           []float32
	K                int
	Filter           Filter
	IncludeEmbedding bool
}

// BuildSearchQuery renders the Postgres statement for q. Placeholders are
// numbered: $1 is the query vector, $2 the collection id, filter parameters
// follow, and the last one is the row limit. Metadata keys are bound as
// parameters; only the pre-validated table name is spliced in.
func BuildSearchQuery(tables storage.Tables, strategy DistanceStrategy, q SearchQuery) (string, []any) {
	args := []any{pgvector.NewVector(q.Vector), q.CollectionID}
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	var b strings.Builder
	b.WriteString("SELECT e.uuid, e.document, e.cmetadata, e.embedding ")
	b.WriteString(strategy.Operator())
	b.WriteString(" $1::vector AS distance")
	if q.IncludeEmbedding {
		b.WriteString(", e.embedding")
	}
	b.WriteString(" FROM ")
	b.WriteString(tables.QuotedEmbeddings())
	b.WriteString(" AS e WHERE e.collection_id = $2")

	for _, c := range q.Filter {
		b.WriteString(" AND ")
		switch c.Op {
		case OpIn:
			key := next(c.Key)
			b.WriteString("e.cmetadata->>" + key + "::text = ANY(" + next(c.Values) + "::text[])")
		case OpArrayContains:
			key := next(c.Key)
			b.WriteString("e.cmetadata->" + key + "::text ?| " + next(c.Values) + "::text[]")
		default:
			key := next(c.Key)
			b.WriteString("e.cmetadata->>" + key + "::text = " + next(c.Values[0]) + "::text")
		}
	}

	b.WriteString(" ORDER BY distance ASC, e.uuid ASC LIMIT ")
	b.WriteString(next(q.K))
	return b.String(), args
}

// buildInsertQuery renders a multi-row upsert for n records. Each row binds
// uuid, collection_id, embedding, document, cmetadata in that order. A
// conflicting row is only updated when it belongs to the same collection, so
// the affected row count falls short when an id is taken elsewhere.
func buildInsertQuery(tables storage.Tables, dialect storage.Dialect, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tables.QuotedEmbeddings())
	b.WriteString(" (uuid, collection_id, embedding, document, cmetadata) VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		if dialect == storage.DialectPostgres {
			b.WriteString("(?, ?, ?::vector, ?, ?::jsonb)")
		} else {
			b.WriteString("(?, ?, ?, ?, ?)")
		}
	}
	b.WriteString(" ON CONFLICT (uuid) DO UPDATE SET embedding = excluded.embedding, document = excluded.document, cmetadata = excluded.cmetadata WHERE ")
	b.WriteString(tables.QuotedEmbeddings())
	b.WriteString(".collection_id = excluded.collection_id")
	return storage.Rebind(dialect, b.String())
}
