/*
Package sqlite provides the SQLite-backed implementation of every store
interface in the engine.

INTERFACES IMPLEMENTED:

	ledger.Store / ledger.Tx:  entries + balance snapshots
	referral.Store:            sponsor links + closure
	tier.HoldingStore,
	tier.StatusStore,
	tier.CardStore:            the three badge sources
	milestone.Store:           trackers + claims
	commission.TraceStore:     decision traces
	audit.RunStore:            audit/reconciliation runs

APPEND-ONLY ENFORCEMENT:

	No UPDATE or DELETE statement touches ledger_entries. The unique index
	on idempotency_key turns a concurrent duplicate into
	ledger.ErrDuplicateIdempotencyKey.

CONCURRENCY:

	The pool is limited to one connection, so ":memory:" is one database
	and every transaction is serialized by database/sql itself. Methods on
	a transaction only ever use that transaction, never the pool, so a
	caller inside WithTx cannot wait on itself.

TIMESTAMPS:

	Stored as fixed-width UTC text (nanosecond precision), so string
	comparison in SQL is chronological comparison.

MIGRATIONS:

	Versioned goose migrations embedded from migrations/*.sql, applied on New().

SEE ALSO:
  - ledger/store: in-memory ledger store for unit tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its FS and dialect in package globals.
var migrateMu sync.Mutex

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

type Option func(*Store)

func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, log: logger.Discard()}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{log: s.log})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output to slog at debug level.
type gooseLogger struct {
	log *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "goose")
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "goose")
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by hand or by older tooling
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// asBusy tags lock contention from another process on the same file so
// callers can tell it apart from a real failure.
func asBusy(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrStoreBusy, err)
	}
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction on the single pooled connection.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", asBusy(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return asBusy(err)
	}
	return asBusy(tx.Commit())
}
