// Package sqlstore implements audit.Store on database/sql. SQLite
// (modernc.org/sqlite, no CGO) is the embedded default; PostgreSQL is
// reached through the pgx stdlib driver. Both share one schema applied by
// golang-migrate, and queries are written with '?' placeholders and
// rebound per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrations embed.FS

// Dialect selects the SQL flavour.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect validates a configured driver name.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// Options configures Open.
type Options struct {
	Dialect Dialect
	// DSN is the PostgreSQL connection string.
	DSN string
	// Path is the SQLite database file.
	Path string
}

// Store implements audit.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *logrus.Logger
}

var _ audit.Store = (*Store)(nil)

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, opts Options, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	var (
		db  *sql.DB
		err error
	)
	switch opts.Dialect {
	case SQLite, "":
		opts.Dialect = SQLite
		if opts.Path == "" {
			return nil, errors.New("sqlite path is required")
		}
		db, err = sql.Open("sqlite", sqliteDSN(opts.Path))
		if err == nil {
			// One writer at a time; readers are served by WAL.
			db.SetMaxOpenConns(1)
		}
	case Postgres:
		if opts.DSN == "" {
			return nil, errors.New("postgres dsn is required")
		}
		db, err = sql.Open("pgx", opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", opts.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Dialect, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", opts.Dialect, err)
	}
	if err := migrateUp(db, opts.Dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.WithField("dialect", opts.Dialect).Info("Database ready")
	return New(db, opts.Dialect, logger)
}

// New wraps an open database without migrating it.
func New(db *sql.DB, dialect Dialect, logger *logrus.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Store{db: db, dialect: dialect, logger: logger}, nil
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func migrateUp(db *sql.DB, dialect Dialect) error {
	src, err := iofs.New(migrations, "migrations/"+string(dialect))
	if err != nil {
		return err
	}

	var m *migrate.Migrate
	switch dialect {
	case SQLite:
		driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return err
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", driver)
		if err != nil {
			return err
		}
	case Postgres:
		driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
		if err != nil {
			return err
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx", driver)
		if err != nil {
			return err
		}
	}

	// m.Close would close db, so the migrator is simply dropped.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, audit.ErrNotFound)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

type scanner interface {
	Scan(dest ...any) error
}
