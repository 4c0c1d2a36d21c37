package db

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const maxRetries = 10

var ErrMaxRetriesReached = errors.Base("max retries reached")

// RetryCounter counts the transaction attempts and serialization-failure
// retries of the RetryTransaction calls it is passed to (the Postgres
// binding keeps one per Binding), exposed for callers that want to surface
// it without depending on an HTTP-request-scoped metrics recorder.
type RetryCounter struct {
	attempts atomic.Int64
	retries  atomic.Int64
}

func (c *RetryCounter) Attempts() int64 { return c.attempts.Load() }
func (c *RetryCounter) Retries() int64  { return c.retries.Load() }

// See: https://github.com/jackc/pgx/issues/2001
type dbTx struct {
	Tx        pgx.Tx
	Callbacks []func()
}

func nestedTransaction(ctx context.Context, parentTx pgx.Tx, fn func(ctx context.Context, tx pgx.Tx) errors.E) (errE errors.E) { //nolint:nonamedreturns
	tx, err := parentTx.Begin(ctx)
	if err != nil {
		return WithPgxError(err)
	}
	defer func() {
		err = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			errE = errors.Join(errE, err)
		}
	}()

	errE = fn(ctx, tx)
	if errE != nil {
		return errE
	}

	err = tx.Commit(ctx)
	if err != nil && (errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback)) {
		// We allow for fn to commit or rollback already.
		return nil
	}
	return WithPgxError(err)
}

// RetryTransaction executes fn inside a serializable transaction, retrying on
// serialization failure or deadlock. If ctx already carries a transaction
// (a nested call from within another RetryTransaction), fn runs as a nested
// transaction against it instead of opening a new top-level one.
func RetryTransaction(
	ctx context.Context, dbpool *pgxpool.Pool, accessMode pgx.TxAccessMode, counter *RetryCounter,
	fn func(ctx context.Context, tx pgx.Tx) errors.E,
	afterCommitFn func(),
) errors.E {
	parentTx, ok := ctx.Value(transactionContextKey).(*dbTx)
	if ok {
		if afterCommitFn != nil {
			parentTx.Callbacks = append(parentTx.Callbacks, afterCommitFn)
		}
		return nestedTransaction(ctx, parentTx.Tx, fn)
	}

	// We make i match the counter. That means that when the loop reaches
	// maxRetries, the retry counter has advanced by maxRetries, too.
	for i := 0; i < maxRetries; i++ {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		if counter != nil {
			counter.attempts.Add(1)
		}

		var callbacks []func()

		errE := (func() (errE errors.E) { //nolint:nonamedreturns
			tx, err := dbpool.BeginTx(ctx, pgx.TxOptions{
				IsoLevel:       pgx.Serializable,
				AccessMode:     accessMode,
				DeferrableMode: pgx.NotDeferrable,
				BeginQuery:     "",
				CommitQuery:    "",
			})
			if err != nil {
				return WithPgxError(err)
			}
			defer func() {
				err = tx.Rollback(ctx)
				if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
					errE = errors.Join(errE, err)
				}
			}()

			parentTx := &dbTx{
				Tx:        tx,
				Callbacks: nil,
			}

			errE = fn(context.WithValue(ctx, transactionContextKey, parentTx), tx)
			if errE != nil {
				return errE
			}

			callbacks = parentTx.Callbacks

			err = tx.Commit(ctx)
			if err != nil && (errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback)) {
				// We allow for fn to commit or rollback already.
				return nil
			}
			return WithPgxError(err)
		})()

		if errE != nil {
			if errors.Is(errE, context.Canceled) || errors.Is(errE, context.DeadlineExceeded) {
				return errE
			}
			var safeToRetry interface{ SafeToRetry() bool }
			if errors.As(errE, &safeToRetry) && safeToRetry.SafeToRetry() {
				if counter != nil {
					counter.retries.Add(1)
				}
				zerolog.Ctx(ctx).Debug().Err(errE).Str(MetricDatabase, MetricDatabaseRetries).Int("attempt", i+1).Msg("retrying transaction")
				continue
			}
			var pgError *pgconn.PgError
			if errors.As(errE, &pgError) {
				// See: https://www.postgresql.org/docs/current/mvcc-serialization-failure-handling.html
				switch pgError.Code {
				case ErrorCodeSerializationFailure, ErrorCodeDeadlockDetected:
					if counter != nil {
						counter.retries.Add(1)
					}
					zerolog.Ctx(ctx).Debug().Err(errE).Str(MetricDatabase, MetricDatabaseRetries).Int("attempt", i+1).Msg("retrying transaction")
					continue
				}
			}
			// A non-retryable error.
			return errE
		}

		if afterCommitFn != nil {
			callbacks = append(callbacks, afterCommitFn)
		}
		slices.Reverse(callbacks)
		for _, fn := range callbacks {
			fn()
		}

		// No error.
		return nil
	}

	return errors.WithStack(ErrMaxRetriesReached)
}
