// Package pg is the Postgres implementation of staff.Store. Every workflow
// transaction maps to one database transaction; rows that a workflow reads
// before writing are locked with select ... for update.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/permitdesk/staffsec/internal/staff"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrSerializationFailed = "40001"
	pgErrDeadlockDetected    = "40P01"
)

type Store struct {
	db *sql.DB
}

var (
	_ staff.Store           = (*Store)(nil)
	_ staff.RetryClassifier = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn in a read-committed transaction. Commit hooks run after a
// successful commit, in registration order.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx staff.Tx) error) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	t := &pgTx{tx: sqlTx}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(err, "commit")
	}
	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

type pgTx struct {
	tx    *sql.Tx
	hooks []func()
}

func (t *pgTx) Accounts() staff.AccountStore       { return accounts{t.tx} }
func (t *pgTx) Transitions() staff.TransitionStore { return transitions{t.tx} }
func (t *pgTx) Recovery() staff.RecoveryStore      { return recoveries{t.tx} }
func (t *pgTx) Credentials() staff.CredentialStore { return credentials{t.tx} }
func (t *pgTx) Audit() staff.AuditStore            { return auditLog{t.tx} }
func (t *pgTx) OnCommit(fn func())                 { t.hooks = append(t.hooks, fn) }

// Retryable reports whether err is a transient conflict that a new attempt
// may not hit, or a failure that happened before anything reached the server.
func Retryable(err error) bool {
	pgErr, ok := maybePgError(err)
	if !ok {
		return pgconn.SafeToRetry(err)
	}
	return pgErr.Code == pgErrSerializationFailed || pgErr.Code == pgErrDeadlockDetected
}

// Retryable lets staff.RunInTx retry only serialization failures and deadlocks.
func (s *Store) Retryable(err error) bool { return Retryable(err) }

func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", staff.ErrNotFound, what)
	}
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: %s", staff.ErrConflict, what)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// rowCount maps an update that matched nothing to staff.ErrNotFound.
func rowCount(res sql.Result, err error, what string) error {
	if err != nil {
		return mapErr(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", staff.ErrNotFound, what)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeOf(n sql.NullTime) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return n.Time.UTC()
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

type scanner interface {
	Scan(dest ...any) error
}
