package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	SQLStateSerializationFailure = "40001"
	SQLStateDeadlockDetected     = "40P01"
	SQLStateUniqueViolation      = "23505"
	SQLStateForeignKeyViolation  = "23503"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// SQLState returns the PostgreSQL error code carried by err, or "" when err
// did not come from the server.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.SQLState()
	}
	return ""
}

// IsSerializationConflict reports whether err is a transient conflict that
// succeeds when the transaction is retried.
func IsSerializationConflict(err error) bool {
	switch SQLState(err) {
	case SQLStateSerializationFailure, SQLStateDeadlockDetected:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a statement that failed with err can be run
// again: a transient conflict, or a connection lost before anything was sent.
func IsRetryable(err error) bool {
	return IsSerializationConflict(err) || pgconn.SafeToRetry(err) || errors.Is(err, driver.ErrBadConn)
}
