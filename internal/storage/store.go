package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Options configures Open.
type Options struct {
	Driver       Dialect
	DSN          string // postgres connection string
	DataDir      string // sqlite only; ":memory:" for an in-memory database
	MaxOpenConns int
	Tables       Tables
	// Migrate applies embedded migrations on postgres. SQLite databases are
	// always migrated since vecgate owns them.
	Migrate bool
}

// Store wraps the database holding collections and embeddings.
type Store struct {
	db      *sql.DB
	dialect Dialect
	tables  Tables
}

// Open connects to the configured database and runs pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Tables == (Tables{}) {
		opts.Tables = DefaultTables
	}
	if err := opts.Tables.Validate(); err != nil {
		return nil, err
	}

	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case DialectPostgres:
		if opts.DSN == "" {
			return nil, errors.New("postgres DSN is required")
		}
		db, err = sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
			db.SetMaxIdleConns(opts.MaxOpenConns)
		}
	case DialectSQLite:
		db, err = openSQLite(opts.DataDir)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if opts.Driver == DialectSQLite {
		if err := configureSQLite(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{db: db, dialect: opts.Driver, tables: opts.Tables}
	if opts.Driver == DialectSQLite || opts.Migrate {
		if err := s.migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

func openSQLite(dataDir string) (*sql.DB, error) {
	var dsn string
	if dataDir == ":memory:" || dataDir == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vecgate.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)
	return db, nil
}

func configureSQLite(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for the vector stores.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports which SQL flavour the store speaks.
func (s *Store) Dialect() Dialect { return s.dialect }

// Tables returns the validated table names.
func (s *Store) Tables() Tables { return s.tables }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Rebind rewrites ?-style placeholders to $N for postgres.
func (s *Store) Rebind(query string) string {
	return Rebind(s.dialect, query)
}

// Rebind rewrites ?-style placeholders for the given dialect. Question marks
// inside single-quoted literals are left alone.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

const schemaVersionTable = "vecgate_schema_version"

// migrate reads embedded SQL migration files for the store's dialect and
// applies any that haven't been run yet.
func (s *Store) migrate(ctx context.Context) error {
	bootstrap := `CREATE TABLE IF NOT EXISTS ` + schemaVersionTable + ` (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.ExecContext(ctx, bootstrap); err != nil {
		return fmt.Errorf("creating %s table: %w", schemaVersionTable, err)
	}

	dir := "migrations/" + string(s.dialect)
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	replacer := s.tables.migrationReplacer()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, s.Rebind("SELECT COUNT(*) FROM "+schemaVersionTable+" WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, replacer.Replace(string(content))); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, s.Rebind("INSERT INTO "+schemaVersionTable+" (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM " + schemaVersionTable + " ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Collections ---

func (s *Store) ListCollections(ctx context.Context) ([]Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT uuid, name, cmetadata FROM "+s.tables.QuotedCollections()+" ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var results []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) GetCollection(ctx context.Context, name string) (Collection, error) {
	row := s.db.QueryRowContext(ctx, s.Rebind(
		"SELECT uuid, name, cmetadata FROM "+s.tables.QuotedCollections()+" WHERE name = ?"), name)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, ErrNotFound
	}
	return c, err
}

// CreateCollection inserts a collection unless one with the same name exists.
// The returned bool reports whether a row was created.
func (s *Store) CreateCollection(ctx context.Context, name string, metadata map[string]any) (Collection, bool, error) {
	if existing, err := s.GetCollection(ctx, name); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Collection{}, false, err
	}

	meta, err := marshalMetadata(metadata)
	if err != nil {
		return Collection{}, false, err
	}

	c := Collection{ID: uuid.New().String(), Name: name, Metadata: metadata}
	res, err := s.db.ExecContext(ctx, s.Rebind(
		"INSERT INTO "+s.tables.QuotedCollections()+" (uuid, name, cmetadata) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING"),
		c.ID, c.Name, meta)
	if err != nil {
		return Collection{}, false, fmt.Errorf("inserting collection %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost a race with a concurrent create.
		existing, err := s.GetCollection(ctx, name)
		return existing, false, err
	}
	return c, true, nil
}

// DeleteCollection removes a collection and all of its embeddings.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, s.Rebind(
		"SELECT uuid FROM "+s.tables.QuotedCollections()+" WHERE name = ?"), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.Rebind(
		"DELETE FROM "+s.tables.QuotedEmbeddings()+" WHERE collection_id = ?"), id); err != nil {
		return fmt.Errorf("deleting embeddings of %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, s.Rebind(
		"DELETE FROM "+s.tables.QuotedCollections()+" WHERE uuid = ?"), id); err != nil {
		return fmt.Errorf("deleting collection %q: %w", name, err)
	}

	return tx.Commit()
}

// CountEmbeddings returns the number of embedding rows in a collection.
func (s *Store) CountEmbeddings(ctx context.Context, collectionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.Rebind(
		"SELECT COUNT(*) FROM "+s.tables.QuotedEmbeddings()+" WHERE collection_id = ?"), collectionID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (Collection, error) {
	var c Collection
	var meta []byte
	if err := row.Scan(&c.ID, &c.Name, &meta); err != nil {
		return Collection{}, err
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return Collection{}, fmt.Errorf("decoding metadata of collection %q: %w", c.Name, err)
		}
	}
	return c, nil
}

// marshalMetadata encodes metadata as JSON text, or nil for an empty map.
func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}
