package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore implements Store over sqlx for both SQLite and PostgreSQL.
// Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// Open opens the store for the configured database type.
func Open(ctx context.Context, dbType, sqlitePath, postgresURL string) (*SQLStore, error) {
	switch dbType {
	case DialectPostgres:
		return NewPostgresStore(ctx, postgresURL)
	case DialectSQLite, "":
		return NewSQLiteStore(ctx, sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// applies pending migrations. Use ":memory:" for tests.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: SQLite serialises writers anyway, and every
	// connection to ":memory:" would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLStore{db: db, dialect: DialectSQLite}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewPostgresStore connects to PostgreSQL and applies pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, dialect: DialectPostgres}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for maintenance tasks and tests.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

// Dialect reports "sqlite" or "postgres".
func (s *SQLStore) Dialect() string { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// migrate applies any unapplied migrations in order.
func (s *SQLStore) migrate(ctx context.Context) error {
	createVersions := `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`
	if _, err := s.db.ExecContext(ctx, createVersions); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		stmt := m.sqlite
		if s.dialect == DialectPostgres {
			stmt = m.postgres
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_versions`); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

var knownTables = map[string]bool{
	"conversations":          true,
	"messages":               true,
	"ai_models":              true,
	"user_model_permissions": true,
}

// TableColumns reads the column list of an empty result set so it works the
// same on every driver.
func (s *SQLStore) TableColumns(ctx context.Context, table string) ([]string, error) {
	if !knownTables[table] {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	defer metrics.ObserveQuery("table_columns", time.Now())

	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM "+table+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", table, err)
	}
	for i := range cols {
		cols[i] = strings.ToLower(cols[i])
	}
	return cols, nil
}
