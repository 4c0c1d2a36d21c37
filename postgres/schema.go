package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/go/rowsync/internal/db"
)

// bookkeepingSchema holds everything the binding owns: the version
// sequence, the per-table change ledgers, the durable StoreId, and the
// remote anchor registry. Kept separate from tracked tables' own schemas the
// same way the teacher keeps its "changes"/"views" bookkeeping tables
// alongside, but distinct from, application data.
const bookkeepingSchema = "_rowsync"

const versionSequence = `"_rowsync"."_rowsyncVersion"`

func (b *Binding) tryCreateBookkeeping(ctx context.Context, tx pgx.Tx) (created bool, errE errors.E) { //nolint:nonamedreturns
	if errE := db.EnsureSchema(ctx, tx, bookkeepingSchema); errE != nil {
		return false, errE
	}

	_, err := tx.Exec(ctx, `
		CREATE SEQUENCE IF NOT EXISTS `+versionSequence+`;

		CREATE TABLE IF NOT EXISTS "_rowsync"."_identity" (
			"singleton" boolean PRIMARY KEY DEFAULT true,
			"storeId" uuid NOT NULL,
			CHECK ("singleton")
		);

		CREATE TABLE IF NOT EXISTS "_rowsync"."_remoteAnchors" (
			"peerId" uuid PRIMARY KEY,
			"version" bigint NOT NULL
		);

		CREATE TABLE IF NOT EXISTS "_rowsync"."_horizon" (
			"table" text PRIMARY KEY,
			"minValidVersion" bigint NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return false, db.WithPgxError(err)
	}
	return true, nil
}

// tryCreateTableLedger provisions the change ledger, trigger function, and
// combined trigger for one tracked table. It is idempotent: a ledger that
// already exists (duplicate table/function) is treated as already
// provisioned, not as an error, the same way the teacher's tryCreateSchema
// swallows the analogous race.
func (b *Binding) tryCreateTableLedger(ctx context.Context, tx pgx.Tx, t TableSpec) errors.E {
	ddl := fmt.Sprintf(`
		CREATE TABLE "_rowsync"."%[1]s" (
			"version" bigint NOT NULL,
			"pk" jsonb NOT NULL,
			"op" smallint NOT NULL,
			PRIMARY KEY ("version", "pk")
		);
		CREATE INDEX ON "_rowsync"."%[1]s" USING btree ("pk");

		CREATE FUNCTION "_rowsync"."%[2]s"()
			RETURNS TRIGGER LANGUAGE plpgsql AS $BODY$
			DECLARE
				_version bigint;
			BEGIN
				_version := nextval(%[3]s);
				IF TG_OP = 'DELETE' THEN
					INSERT INTO "_rowsync"."%[1]s" ("version", "pk", "op")
						SELECT _version, %[4]s, 2 FROM OLD_ROWS o;
				ELSIF TG_OP = 'UPDATE' THEN
					INSERT INTO "_rowsync"."%[1]s" ("version", "pk", "op")
						SELECT _version, %[5]s, 1 FROM NEW_ROWS n;
				ELSE
					INSERT INTO "_rowsync"."%[1]s" ("version", "pk", "op")
						SELECT _version, %[5]s, 0 FROM NEW_ROWS n;
				END IF;
				RETURN NULL;
			END;
			$BODY$;

		CREATE TRIGGER "_logChange" AFTER INSERT OR UPDATE OR DELETE ON %[6]s
			REFERENCING NEW TABLE AS NEW_ROWS OLD TABLE AS OLD_ROWS
			FOR EACH STATEMENT EXECUTE FUNCTION "_rowsync"."%[2]s"();

		INSERT INTO "_rowsync"."_horizon" ("table", "minValidVersion") VALUES (%[7]s, 0);
	`,
		t.ledgerName(), t.triggerFuncName(), pgQuoteLiteral(versionSequence),
		t.pkJSONExpr("o"), t.pkJSONExpr("n"), t.qualifiedName(), pgQuoteLiteral(t.ledgerName()),
	)

	// A savepoint keeps tx usable after a swallowed duplicate-object error,
	// which would otherwise abort the whole transaction.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return db.WithPgxError(err)
	}
	defer sp.Rollback(ctx) //nolint:errcheck

	_, err = sp.Exec(ctx, ddl)
	if err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) {
			switch pgError.Code {
			case db.ErrorCodeDuplicateTable, db.ErrorCodeDuplicateFunction, db.ErrorCodeUniqueViolation:
				return nil
			}
		}
		return db.WithPgxError(err)
	}
	if err := sp.Commit(ctx); err != nil {
		return db.WithPgxError(err)
	}
	return nil
}

func (b *Binding) dropTableLedger(ctx context.Context, tx pgx.Tx, t TableSpec) errors.E {
	ddl := fmt.Sprintf(`
		DROP TRIGGER IF EXISTS "_logChange" ON %s;
		DROP FUNCTION IF EXISTS "_rowsync"."%s"();
		DROP TABLE IF EXISTS "_rowsync"."%s";
		DELETE FROM "_rowsync"."_horizon" WHERE "table" = %s;
	`, t.qualifiedName(), t.triggerFuncName(), t.ledgerName(), pgQuoteLiteral(t.ledgerName()))
	_, err := tx.Exec(ctx, ddl)
	if err != nil {
		return db.WithPgxError(err)
	}
	return nil
}

func pgQuoteLiteral(s string) string {
	return "'" + s + "'"
}
