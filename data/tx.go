package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultStatementTimeout = 30 * time.Second
	defaultLockTimeout      = 5 * time.Second
	defaultMaxRetries       = 3
	defaultRetryBaseDelay   = 100 * time.Millisecond
	maxRetryDelay           = 5 * time.Second
)

// TxOptions controls how ExecTx runs a unit of work. The zero value gives a
// read committed, read-write transaction with the default timeouts and retry
// budget.
type TxOptions struct {
	IsoLevel         pgx.TxIsoLevel
	ReadOnly         bool
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
}

// ExecTx runs fn inside a transaction and commits it. On a deadlock or
// serialization failure the transaction is rolled back and retried with
// exponential backoff up to MaxRetries; any other error rolls back and
// propagates immediately. fn may be executed more than once so it must not
// have side effects outside the transaction.
func ExecTx(ctx context.Context, pool *pgxpool.Pool, opts TxOptions, fn func(tx pgx.Tx) error) error {
	if opts.StatementTimeout == 0 {
		opts.StatementTimeout = defaultStatementTimeout
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = execTxOnce(ctx, pool, opts, fn)
		if err == nil {
			return nil
		}
		if !retryableTxError(err) || attempt >= opts.MaxRetries {
			return err
		}

		delay := opts.RetryBaseDelay << uint(attempt)
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func execTxOnce(ctx context.Context, pool *pgxpool.Pool, opts TxOptions, fn func(tx pgx.Tx) error) error {
	accessMode := pgx.ReadWrite
	if opts.ReadOnly {
		accessMode = pgx.ReadOnly
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: opts.IsoLevel, AccessMode: accessMode})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// set local cannot take bind parameters.
	_, err = tx.Exec(ctx, fmt.Sprintf("set local statement_timeout = '%dms'", opts.StatementTimeout.Milliseconds()))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, fmt.Sprintf("set local lock_timeout = '%dms'", opts.LockTimeout.Milliseconds()))
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// retryableTxError reports whether err is a serialization failure (40001) or
// deadlock (40P01) signal from the server.
func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
