package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"messageexchange/api/internal/store"
)

const (
	// DefaultMaxAttempts bounds the retries of one allocation.
	DefaultMaxAttempts = 5
	retryBackoff       = 10 * time.Millisecond
)

// PostgresAllocator keeps one message_sequences row per tenant. Every
// allocation commits in its own read-committed transaction, independent of
// the caller's work. The row lock taken by the upsert orders concurrent
// writers, so only deadlocks and dropped connections are retried.
type PostgresAllocator struct {
	db          *sql.DB
	maxAttempts int
	telemetry   instruments
	allocate    func(context.Context, TenantKey) (int64, error)
}

// NewPostgresAllocator returns an allocator over db. A maxAttempts below 1
// means DefaultMaxAttempts.
func NewPostgresAllocator(db *sql.DB, maxAttempts int, opts ...Option) *PostgresAllocator {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	o := buildOptions(opts)
	a := &PostgresAllocator{db: db, maxAttempts: maxAttempts, telemetry: o.instruments()}
	a.allocate = a.allocateOnce
	return a
}

func (a *PostgresAllocator) Next(ctx context.Context, tenant TenantKey) (int64, error) {
	attrs := tenantAttributes(tenant, "postgres")
	ctx, span := a.telemetry.tracer.Start(ctx, "sequence.Next", trace.WithAttributes(attrs...))
	defer span.End()

	value, err := withRetry(ctx, a.maxAttempts, func(ctx context.Context) (int64, error) {
		return a.allocate(ctx, tenant)
	}, func(attempt int, err error) {
		a.telemetry.conflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
		log.Printf("sequence: retrying allocation for %s (attempt %d/%d): %v", tenant, attempt, a.maxAttempts, err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocation failed")
		return 0, err
	}
	a.telemetry.allocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	return value, nil
}

func (a *PostgresAllocator) allocateOnce(ctx context.Context, tenant TenantKey) (int64, error) {
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin allocation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The first allocation for a tenant creates the row already holding 1.
	var value int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO message_sequences (namespace, municipality_id, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (namespace, municipality_id)
		DO UPDATE SET last_value = message_sequences.last_value + 1, updated_at = NOW()
		RETURNING last_value
	`, tenant.Namespace, tenant.MunicipalityID).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit allocation: %w", err)
	}
	return value, nil
}

// withRetry runs attempt until it succeeds, fails with an error that is not
// transient, or maxAttempts is spent. Every failure leaving this function
// wraps ErrStorageUnavailable.
func withRetry(ctx context.Context, maxAttempts int, attempt func(context.Context) (int64, error), onConflict func(int, error)) (int64, error) {
	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		value, err := attempt(ctx)
		if err == nil {
			if value <= 0 {
				return 0, fmt.Errorf("%w: non-positive sequence value %d", ErrStorageUnavailable, value)
			}
			return value, nil
		}
		if !store.IsRetryable(err) {
			return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		lastErr = err
		if onConflict != nil {
			onConflict(i, err)
		}
		if i == maxAttempts {
			break
		}

		timer := time.NewTimer(time.Duration(i) * retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return 0, fmt.Errorf("%w: gave up after %d attempts: %w", ErrStorageUnavailable, maxAttempts, lastErr)
}

// IsUnavailable reports whether err means no number was allocated.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
