// Package sqlite is the default document store, a single SQLite file opened in
// WAL mode so queries keep reading committed rows while an ingest upsert runs.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlitedrv "modernc.org/sqlite"

	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	document_number  TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	publication_date TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL DEFAULT '',
	abstract         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_documents_publication_date ON documents(publication_date);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(type);
`

const upsertSQL = `
INSERT INTO documents (document_number, title, publication_date, type, abstract)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(document_number) DO UPDATE SET
	title = excluded.title,
	publication_date = excluded.publication_date,
	type = excluded.type,
	abstract = excluded.abstract`

// foldFunc lowercases with Go's Unicode tables; the built-in LOWER only folds ASCII.
const foldFunc = "casefold"

var registerFold = sync.OnceValue(func() error {
	return sqlitedrv.RegisterDeterministicScalarFunction(foldFunc, 1,
		func(_ *sqlitedrv.FunctionContext, args []driver.Value) (driver.Value, error) {
			switch v := args[0].(type) {
			case nil:
				return nil, nil
			case string:
				return strings.ToLower(v), nil
			case []byte:
				return strings.ToLower(string(v)), nil
			default:
				return v, nil
			}
		})
})

// Store is a SQLite-backed store.Store. Writes are serialized by writeMu.
type Store struct {
	db      *sql.DB
	log     *slog.Logger
	writeMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, store.Wrap("open", fmt.Errorf("create database directory: %w", err))
		}
	}

	if err := registerFold(); err != nil {
		return nil, store.Wrap("open", fmt.Errorf("register %s: %w", foldFunc, err))
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, store.Wrap("open", err)
	}

	s := &Store{db: db, log: logger}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// EnsureSchema creates the documents table and indexes if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return store.Wrap("ensure schema", err)
	}
	return nil
}

// Upsert writes docs in one transaction. Nothing is committed if any row fails.
func (s *Store) Upsert(ctx context.Context, docs []models.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.Wrap("upsert", fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return 0, store.Wrap("upsert", fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	for _, d := range docs {
		if _, err := stmt.ExecContext(ctx, d.DocumentNumber, d.Title, d.PublicationDate, d.Type, d.Abstract); err != nil {
			return 0, store.Wrap("upsert", fmt.Errorf("document %s: %w", d.DocumentNumber, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, store.Wrap("upsert", fmt.Errorf("commit: %w", err))
	}

	s.log.Debug("upserted documents", slog.Int("count", len(docs)))
	return len(docs), nil
}

// Query returns documents matching f in table order.
func (s *Store) Query(ctx context.Context, f store.Filters) ([]models.Document, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT document_number, title, publication_date, type, abstract
FROM documents
WHERE publication_date BETWEEN ? AND ?`)
	args := []any{f.Start, f.End}

	if f.Text != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Text)) + "%"
		sb.WriteString(` AND (` + foldFunc + `(title) LIKE ? ESCAPE '\' OR ` + foldFunc + `(abstract) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if f.Type != "" {
		sb.WriteString(` AND type = ?`)
		args = append(args, f.Type)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, store.Wrap("query", err)
	}
	defer rows.Close()

	out := []models.Document{}
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.DocumentNumber, &d.Title, &d.PublicationDate, &d.Type, &d.Abstract); err != nil {
			return nil, store.Wrap("query", fmt.Errorf("scan: %w", err))
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("query", err)
	}

	return out, nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, store.Wrap("count", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return store.Wrap("close", s.db.Close())
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
