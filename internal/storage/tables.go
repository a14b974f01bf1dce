package storage

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Tables names the embeddings and collections tables. Each name may be
// schema-qualified ("search.embeddings").
type Tables struct {
	Embeddings  string
	Collections string
}

// DefaultTables matches the layout LangChain's PGVector store creates.
var DefaultTables = Tables{
	Embeddings:  "langchain_pg_embedding",
	Collections: "langchain_pg_collection",
}

// Validate rejects table names that are not plain SQL identifiers.
func (t Tables) Validate() error {
	for _, name := range []string{t.Embeddings, t.Collections} {
		if _, err := splitIdent(name); err != nil {
			return err
		}
	}
	if t.Embeddings == t.Collections {
		return fmt.Errorf("embeddings and collections table must differ, both are %q", t.Embeddings)
	}
	return nil
}

// QuotedEmbeddings returns the embeddings table name quoted for SQL.
func (t Tables) QuotedEmbeddings() string { return quoteIdent(t.Embeddings) }

// QuotedCollections returns the collections table name quoted for SQL.
func (t Tables) QuotedCollections() string { return quoteIdent(t.Collections) }

func splitIdent(name string) (pgx.Identifier, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid table name %q: at most schema.table", name)
	}
	for _, p := range parts {
		if !identPattern.MatchString(p) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return pgx.Identifier(parts), nil
}

// quoteIdent assumes name already passed Validate.
func quoteIdent(name string) string {
	id, err := splitIdent(name)
	if err != nil {
		return pgx.Identifier{name}.Sanitize()
	}
	return id.Sanitize()
}

// indexName derives a quoted index name from a table name. Index names are
// never schema-qualified.
func indexName(table, suffix string) string {
	base := table
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[i+1:]
	}
	return pgx.Identifier{base + "_" + suffix}.Sanitize()
}

func (t Tables) migrationReplacer() *strings.Replacer {
	return strings.NewReplacer(
		"{{collections}}", t.QuotedCollections(),
		"{{embeddings}}", t.QuotedEmbeddings(),
		"{{embeddings_collection_idx}}", indexName(t.Embeddings, "collection_id_idx"),
		"{{embeddings_metadata_idx}}", indexName(t.Embeddings, "cmetadata_idx"),
	)
}
