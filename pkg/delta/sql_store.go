package delta

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and DDL syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps one row per gate key and category.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// OpenSQLStore opens dsn with the dialect's driver and migrates the table.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	driver := string(dialect)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported delta dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open delta db: %w", err)
	}
	if dialect == DialectSQLite {
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLStore wraps an open database and migrates the table.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate delta table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS speech_delta (
		gate_key TEXT NOT NULL,
		category TEXT NOT NULL,
		hash TEXT NOT NULL,
		at_ms BIGINT NOT NULL,
		PRIMARY KEY (gate_key, category)
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStore) Load(ctx context.Context, key string) (map[string]Entry, error) {
	query := "SELECT category, hash, at_ms FROM speech_delta WHERE gate_key = ?"
	if s.dialect == DialectPostgres {
		query = "SELECT category, hash, at_ms FROM speech_delta WHERE gate_key = $1"
	}
	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load delta: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Entry)
	for rows.Next() {
		var (
			cat string
			e   Entry
		)
		if err := rows.Scan(&cat, &e.Hash, &e.AtMs); err != nil {
			return nil, err
		}
		out[cat] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Save(ctx context.Context, key, category string, e Entry, _ map[string]Entry) error {
	query := `
		INSERT INTO speech_delta (gate_key, category, hash, at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (gate_key, category) DO UPDATE SET
			hash = excluded.hash,
			at_ms = excluded.at_ms`
	if s.dialect == DialectPostgres {
		query = `
		INSERT INTO speech_delta (gate_key, category, hash, at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (gate_key, category) DO UPDATE SET
			hash = EXCLUDED.hash,
			at_ms = EXCLUDED.at_ms`
	}
	if _, err := s.db.ExecContext(ctx, query, key, category, e.Hash, e.AtMs); err != nil {
		return fmt.Errorf("failed to persist delta: %w", err)
	}
	return nil
}

// Close closes the database when the store opened it.
func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
