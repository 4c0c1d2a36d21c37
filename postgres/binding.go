// Package postgres provides a concrete rowsync.StoreBinding backed by
// PostgreSQL, using a trigger-maintained change ledger in place of the
// SQL-Server-style CHANGE_TRACKING facility the protocol core assumes.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	"gitlab.com/tozd/go/rowsync"
	"gitlab.com/tozd/go/rowsync/internal/db"
	"gitlab.com/tozd/go/rowsync/internal/reqid"
)

// Binding is a rowsync.StoreBinding backed by one PostgreSQL database.
type Binding struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
	Tables []TableSpec

	Retries *db.RetryCounter
}

// NewBinding opens a connection pool against databaseURI and returns a
// Binding ready for ApplyProvision. tables describes every table the engine
// will track; the Binding's Retries counter is allocated internally.
func NewBinding(ctx context.Context, databaseURI string, logger zerolog.Logger, tables []TableSpec) (*Binding, errors.E) {
	for _, t := range tables {
		if errE := t.validate(); errE != nil {
			return nil, errE
		}
	}

	counter := &db.RetryCounter{}
	pool, errE := db.InitPostgres(ctx, databaseURI, logger, func(ctx context.Context) string {
		if id, ok := ctx.Value(requestIDContextKey).(string); ok {
			return id
		}
		return reqid.New()
	}, func(_ context.Context, c *pgx.Conn) error {
		registerIdentifier(c.TypeMap())
		return nil
	})
	if errE != nil {
		return nil, errE
	}

	return &Binding{Pool: pool, Logger: logger, Tables: tables, Retries: counter}, nil
}

type contextKey struct{ name string }

var requestIDContextKey = &contextKey{"requestID"} //nolint:gochecknoglobals

// ApplyProvision creates the bookkeeping schema (if missing), one change
// ledger per configured table (if missing), and a durable StoreId (if one
// was not already generated).
func (b *Binding) ApplyProvision(ctx context.Context, tables []rowsync.TableConfig) error {
	specByName := make(map[string]TableSpec, len(b.Tables))
	for _, t := range b.Tables {
		specByName[t.Name] = t
	}

	return db.RetryTransaction(ctx, b.Pool, pgx.ReadWrite, b.Retries, func(ctx context.Context, tx pgx.Tx) errors.E {
		if _, errE := b.tryCreateBookkeeping(ctx, tx); errE != nil {
			return errE
		}

		var count int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM "_rowsync"."_identity"`).Scan(&count); err != nil {
			return db.WithPgxError(err)
		}
		if count == 0 {
			id := identifier.New()
			if _, err := tx.Exec(ctx, `INSERT INTO "_rowsync"."_identity" ("storeId") VALUES ($1)`, id); err != nil {
				return db.WithPgxError(err)
			}
		}

		for _, table := range tables {
			spec, ok := specByName[table.Name]
			if !ok {
				return errors.WrapWith(errors.Errorf("table %q has no registered TableSpec (primary key unknown)", table.Name), rowsync.ErrInvalidConfig)
			}
			if errE := b.tryCreateTableLedger(ctx, tx, spec); errE != nil {
				return errE
			}
		}
		return nil
	}, nil)
}

// RemoveProvision drops every configured table's ledger, trigger, and
// bookkeeping rows. It never touches tracked tables' own data.
func (b *Binding) RemoveProvision(ctx context.Context) error {
	return db.RetryTransaction(ctx, b.Pool, pgx.ReadWrite, b.Retries, func(ctx context.Context, tx pgx.Tx) errors.E {
		for _, t := range b.Tables {
			if errE := b.dropTableLedger(ctx, tx, t); errE != nil {
				return errE
			}
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM "_rowsync"."_remoteAnchors";
			DELETE FROM "_rowsync"."_identity";
		`)
		if err != nil {
			return db.WithPgxError(err)
		}
		return nil
	}, nil)
}

// StoreId returns this store's durable identity, or rowsync.ZeroStoreId if
// the identity table holds no row (e.g. after RemoveProvision). If
// ApplyProvision has never run, the identity table does not exist and the
// query's error is returned.
func (b *Binding) StoreId(ctx context.Context) (rowsync.StoreId, error) {
	var id rowsync.StoreId
	errE := db.RetryTransaction(ctx, b.Pool, pgx.ReadOnly, b.Retries, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `SELECT "storeId" FROM "_rowsync"."_identity" LIMIT 1`).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				id = rowsync.ZeroStoreId
				return nil
			}
			return db.WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return rowsync.ZeroStoreId, errE
	}
	return id, nil
}

// WithSession runs fn inside a single serializable transaction, retrying on
// serialization failure, per rowsync.StoreBinding.
func (b *Binding) WithSession(ctx context.Context, mode rowsync.TxMode, fn func(ctx context.Context, s rowsync.Session) error) error {
	accessMode := pgx.ReadOnly
	if mode == rowsync.ReadWrite {
		accessMode = pgx.ReadWrite
	}

	id := reqid.New()
	ctx = context.WithValue(ctx, requestIDContextKey, id)
	logger := b.Logger.With().Str("request", id).Logger()
	ctx = logger.WithContext(ctx)

	errE := db.RetryTransaction(ctx, b.Pool, accessMode, b.Retries, func(ctx context.Context, tx pgx.Tx) errors.E {
		s := &session{tx: tx, tables: b.Tables}
		if err := fn(ctx, s); err != nil {
			if errE, ok := err.(errors.E); ok { //nolint:errorlint
				return errE
			}
			return errors.WithStack(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return errE
	}
	return nil
}

// CompactLedger deletes ledger entries for table strictly older than
// horizon and advances MinValidVersion to horizon, bounding how far back
// ChangesSince can serve a delta. A peer whose last acknowledged anchor
// falls below the new horizon must re-sync from an initial snapshot
// (rowsync.ErrVersionTooOld). This is a Postgres-specific maintenance
// operation, not part of rowsync.StoreBinding: the protocol core has no
// opinion on retention policy.
func (b *Binding) CompactLedger(ctx context.Context, table rowsync.TableRef, horizon rowsync.Version) error {
	var spec TableSpec
	found := false
	for _, t := range b.Tables {
		if t.Name == table.Name {
			spec = t
			found = true
			break
		}
	}
	if !found {
		return errors.WrapWith(errors.Errorf("unknown table %q", table.Name), rowsync.ErrInvalidArgument)
	}

	return db.RetryTransaction(ctx, b.Pool, pgx.ReadWrite, b.Retries, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `DELETE FROM "_rowsync"."`+spec.ledgerName()+`" WHERE "version" < $1`, int64(horizon))
		if err != nil {
			return db.WithPgxError(err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE "_rowsync"."_horizon" SET "minValidVersion" = $1 WHERE "table" = $2 AND "minValidVersion" < $1
		`, int64(horizon), spec.ledgerName())
		if err != nil {
			return db.WithPgxError(err)
		}
		return nil
	}, nil)
}
