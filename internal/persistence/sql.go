package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/abkit/internal/observability"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultTable = "ab_state"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config selects and configures a gateway.
type Config struct {
	Driver string // memory | sqlite | postgres
	DSN    string
	Table  string
}

// SQL is a Gateway backed by a single key/value table.
type SQL struct {
	db     *sql.DB
	driver string
	table  string
	now    func() time.Time
	tracer *observability.Tracer
}

// Open builds the gateway described by cfg. The returned close function
// releases the underlying database handle and is never nil.
func Open(ctx context.Context, cfg Config, tracer *observability.Tracer) (Gateway, func() error, error) {
	noop := func() error { return nil }
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverMemory:
		return NewMemory(), noop, nil
	case DriverSQLite, DriverPostgres:
	default:
		return nil, noop, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, noop, fmt.Errorf("storage dsn is required for driver %s", driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, noop, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY between overlapping saves.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, noop, fmt.Errorf("ping database: %w", err)
	}

	gw, err := NewSQL(db, driver, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, noop, err
	}
	gw.tracer = tracer
	if err := gw.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, noop, err
	}
	return gw, db.Close, nil
}

// NewSQL wraps an open database handle. driver selects the SQL dialect.
func NewSQL(db *sql.DB, driver, table string) (*SQL, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQL{db: db, driver: driver, table: table, now: time.Now}, nil
}

// Migrate creates the state table if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	blobType, timeType := "BLOB", "TIMESTAMP"
	if s.driver == DriverPostgres {
		blobType, timeType = "BYTEA", "TIMESTAMPTZ"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value %s NOT NULL,
			updated_at %s NOT NULL
		)
	`, s.table, blobType, timeType))
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	return nil
}

func (s *SQL) Save(ctx context.Context, key string, blob []byte) (err error) {
	ctx, span := s.tracer.Start(ctx, "persistence.save",
		attribute.String("key", key), attribute.Int("bytes", len(blob)))
	defer func() {
		s.tracer.RecordError(span, err)
		span.End()
	}()

	if key == "" {
		return errors.New("key is required")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES (%s, %s, %s)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, s.table, s.placeholder(1), s.placeholder(2), s.placeholder(3))
	if _, err = s.db.ExecContext(ctx, query, key, blob, s.now().UTC()); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Load(ctx context.Context, key string) (blob []byte, err error) {
	ctx, span := s.tracer.Start(ctx, "persistence.load", attribute.String("key", key))
	defer func() {
		if !errors.Is(err, ErrNotFound) {
			s.tracer.RecordError(span, err)
		}
		span.End()
	}()

	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = %s`, s.table, s.placeholder(1))
	err = s.db.QueryRowContext(ctx, query, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return blob, nil
}

func (s *SQL) placeholder(n int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
