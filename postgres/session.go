package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/go/rowsync"
	"gitlab.com/tozd/go/rowsync/internal/db"
)

// session implements rowsync.Session against a single pgx.Tx, for the
// duration of one Binding.WithSession call.
type session struct {
	tx     pgx.Tx
	tables []TableSpec
}

func (s *session) spec(ref rowsync.TableRef) (TableSpec, error) {
	for _, t := range s.tables {
		if t.Name == ref.Name && (ref.Schema == "" || t.Schema == ref.Schema) {
			return t, nil
		}
	}
	return TableSpec{}, errors.WrapWith(errors.Errorf("unknown table %q", ref.Name), rowsync.ErrInvalidArgument)
}

// CurrentVersion returns the sequence's last value, i.e. the version the
// most recent tracked mutation (across every table) was stamped with. A
// never-incremented sequence (no mutation yet observed since provisioning)
// reports 0.
func (s *session) CurrentVersion(ctx context.Context) (rowsync.Version, error) {
	var v int64
	err := s.tx.QueryRow(ctx, `SELECT last_value * CASE WHEN is_called THEN 1 ELSE 0 END FROM `+versionSequence).Scan(&v)
	if err != nil {
		return 0, db.WithPgxError(err)
	}
	return rowsync.Version(v), nil
}

func (s *session) MinValidVersion(ctx context.Context, table rowsync.TableRef) (rowsync.Version, error) {
	spec, err := s.spec(table)
	if err != nil {
		return 0, err
	}
	var v int64
	err = s.tx.QueryRow(ctx, `SELECT "minValidVersion" FROM "_rowsync"."_horizon" WHERE "table" = $1`, spec.ledgerName()).Scan(&v)
	if err != nil {
		return 0, db.WithPgxError(err)
	}
	return rowsync.Version(v), nil
}
