package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/identifier"

	"gitlab.com/tozd/go/rowsync"
	"gitlab.com/tozd/go/rowsync/postgres"
)

func newBinding(t *testing.T, tables []postgres.TableSpec) (context.Context, *postgres.Binding) {
	t.Helper()

	if os.Getenv("POSTGRES") == "" {
		t.Skip("POSTGRES is not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()

	schema := identifier.New().String()
	for i, spec := range tables {
		tables[i] = postgres.TableSpec{
			TableConfig: rowsync.TableConfig{
				Name:      spec.Name,
				Schema:    schema,
				Direction: spec.Direction,
			},
			PrimaryKey: spec.PrimaryKey,
		}
	}

	b, errE := postgres.NewBinding(ctx, os.Getenv("POSTGRES"), logger, tables)
	require.NoError(t, errE, "% -+#.1v", errE)

	t.Cleanup(func() { b.Pool.Close() })

	return ctx, b
}

func widgetsTable() []postgres.TableSpec {
	return []postgres.TableSpec{
		{
			TableConfig: rowsync.TableConfig{Name: "widgets", Direction: rowsync.UploadAndDownload},
			PrimaryKey:  []string{"id"},
		},
	}
}

func setupWidgets(t *testing.T, ctx context.Context, b *postgres.Binding) { //nolint:revive
	t.Helper()

	_, err := b.Pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS "`+b.Tables[0].Schema+`"`)
	require.NoError(t, err)
	_, err = b.Pool.Exec(ctx, `CREATE TABLE "`+b.Tables[0].Schema+`"."widgets" ("id" bigint PRIMARY KEY, "name" text)`)
	require.NoError(t, err)
}

func TestApplyProvisionCreatesLedgerAndIdentity(t *testing.T) {
	t.Parallel()

	tables := widgetsTable()
	ctx, b := newBinding(t, tables)
	setupWidgets(t, ctx, b)

	errE := b.ApplyProvision(ctx, []rowsync.TableConfig{tables[0].TableConfig})
	require.NoError(t, errE)

	id, err := b.StoreId(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, rowsync.ZeroStoreId, id)

	// Re-running provisioning must be idempotent and must not mint a new
	// identity.
	errE = b.ApplyProvision(ctx, []rowsync.TableConfig{tables[0].TableConfig})
	require.NoError(t, errE)

	id2, err := b.StoreId(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestChangeLedgerTracksMutations(t *testing.T) {
	t.Parallel()

	tables := widgetsTable()
	ctx, b := newBinding(t, tables)
	setupWidgets(t, ctx, b)

	errE := b.ApplyProvision(ctx, []rowsync.TableConfig{tables[0].TableConfig})
	require.NoError(t, errE)

	_, err := b.Pool.Exec(ctx, `INSERT INTO "`+b.Tables[0].Schema+`"."widgets" ("id", "name") VALUES (1, 'gear')`)
	require.NoError(t, err)

	var rows []rowsync.ChangeRow
	errE = b.WithSession(ctx, rowsync.ReadOnly, func(ctx context.Context, s rowsync.Session) error {
		before, err := s.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		assert.Positive(t, before)

		return s.ChangesSince(ctx, rowsync.TableRef{Name: "widgets", Schema: b.Tables[0].Schema}, 0, func(row rowsync.ChangeRow) error {
			rows = append(rows, row)
			return nil
		})
	})
	require.NoError(t, errE)

	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Op)
	assert.Equal(t, rowsync.Insert, *rows[0].Op)
	assert.Equal(t, "gear", rows[0].Values["name"])
}

func TestApplyInsertThenUpdateRespectsVersionGate(t *testing.T) {
	t.Parallel()

	tables := widgetsTable()
	ctx, b := newBinding(t, tables)
	setupWidgets(t, ctx, b)

	errE := b.ApplyProvision(ctx, []rowsync.TableConfig{tables[0].TableConfig})
	require.NoError(t, errE)

	var insertedAt rowsync.Version
	errE = b.WithSession(ctx, rowsync.ReadWrite, func(ctx context.Context, s rowsync.Session) error {
		item := rowsync.SyncItem{
			Table:  rowsync.TableRef{Name: "widgets", Schema: b.Tables[0].Schema},
			Values: rowsync.Row{"id": int64(1), "name": "gear"},
		}
		affected, err := s.ApplyInsert(ctx, item)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, affected)

		insertedAt, err = s.CurrentVersion(ctx)
		return err
	})
	require.NoError(t, errE)

	// A local mutation advances the table past insertedAt via the trigger,
	// so an update claiming lastSyncVersion == insertedAt must be rejected
	// once the row has been locally touched again.
	_, err := b.Pool.Exec(ctx, `UPDATE "`+b.Tables[0].Schema+`"."widgets" SET "name" = 'sprocket' WHERE "id" = 1`)
	require.NoError(t, err)

	errE = b.WithSession(ctx, rowsync.ReadWrite, func(ctx context.Context, s rowsync.Session) error {
		item := rowsync.SyncItem{
			Table:  rowsync.TableRef{Name: "widgets", Schema: b.Tables[0].Schema},
			Values: rowsync.Row{"id": int64(1), "name": "cog"},
		}
		affected, err := s.ApplyUpdate(ctx, item, insertedAt, false)
		if err != nil {
			return err
		}
		assert.Equal(t, 0, affected, "update must be rejected once the row was touched after insertedAt")
		return nil
	})
	require.NoError(t, errE)
}

func TestCompactLedgerAdvancesHorizon(t *testing.T) {
	t.Parallel()

	tables := widgetsTable()
	ctx, b := newBinding(t, tables)
	setupWidgets(t, ctx, b)

	errE := b.ApplyProvision(ctx, []rowsync.TableConfig{tables[0].TableConfig})
	require.NoError(t, errE)

	_, err := b.Pool.Exec(ctx, `INSERT INTO "`+b.Tables[0].Schema+`"."widgets" ("id", "name") VALUES (1, 'gear')`)
	require.NoError(t, err)

	var current rowsync.Version
	errE = b.WithSession(ctx, rowsync.ReadOnly, func(ctx context.Context, s rowsync.Session) error {
		var err error
		current, err = s.CurrentVersion(ctx)
		return err
	})
	require.NoError(t, errE)

	ref := rowsync.TableRef{Name: "widgets", Schema: b.Tables[0].Schema}
	err = b.CompactLedger(ctx, ref, current)
	require.NoError(t, err)

	errE = b.WithSession(ctx, rowsync.ReadOnly, func(ctx context.Context, s rowsync.Session) error {
		min, err := s.MinValidVersion(ctx, ref)
		if err != nil {
			return err
		}
		assert.Equal(t, current, min)
		return nil
	})
	require.NoError(t, errE)
}

func TestChangesSinceDeleteCarriesPrimaryKey(t *testing.T) {
	t.Parallel()

	tables := widgetsTable()
	ctx, source := newBinding(t, tables)
	setupWidgets(t, ctx, source)

	errE := source.ApplyProvision(ctx, []rowsync.TableConfig{tables[0].TableConfig})
	require.NoError(t, errE)

	_, err := source.Pool.Exec(ctx, `INSERT INTO "`+source.Tables[0].Schema+`"."widgets" ("id", "name") VALUES (1, 'gear')`)
	require.NoError(t, err)

	_, err = source.Pool.Exec(ctx, `DELETE FROM "`+source.Tables[0].Schema+`"."widgets" WHERE "id" = 1`)
	require.NoError(t, err)

	var rows []rowsync.ChangeRow
	errE = source.WithSession(ctx, rowsync.ReadOnly, func(ctx context.Context, s rowsync.Session) error {
		return s.ChangesSince(ctx, rowsync.TableRef{Name: "widgets", Schema: source.Tables[0].Schema}, 0, func(row rowsync.ChangeRow) error {
			rows = append(rows, row)
			return nil
		})
	})
	require.NoError(t, errE)

	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Op)
	assert.Equal(t, rowsync.Delete, *rows[0].Op)
	require.Contains(t, rows[0].Values, "id")
	assert.EqualValues(t, 1, rows[0].Values["id"]) //nolint:testifylint

	// Feed the resulting item through ApplyDelete against a second binding
	// holding the same row, verifying the surviving primary key is enough
	// to actually delete it.
	targetTables := widgetsTable()
	targetCtx, target := newBinding(t, targetTables)
	setupWidgets(t, targetCtx, target)

	errE = target.ApplyProvision(targetCtx, []rowsync.TableConfig{targetTables[0].TableConfig})
	require.NoError(t, errE)

	_, err = target.Pool.Exec(targetCtx, `INSERT INTO "`+target.Tables[0].Schema+`"."widgets" ("id", "name") VALUES (1, 'gear')`)
	require.NoError(t, err)

	item := rowsync.SyncItem{
		Table:      rowsync.TableRef{Name: "widgets", Schema: target.Tables[0].Schema},
		ChangeType: *rows[0].Op,
		Values:     rows[0].Values,
	}

	errE = target.WithSession(targetCtx, rowsync.ReadWrite, func(ctx context.Context, s rowsync.Session) error {
		affected, err := s.ApplyDelete(ctx, item, 0, true)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, affected)
		return nil
	})
	require.NoError(t, errE)

	var count int
	err = target.Pool.QueryRow(targetCtx, `SELECT count(*) FROM "`+target.Tables[0].Schema+`"."widgets" WHERE "id" = 1`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRecordAndLookupAnchor(t *testing.T) {
	t.Parallel()

	tables := widgetsTable()
	ctx, b := newBinding(t, tables)
	setupWidgets(t, ctx, b)

	errE := b.ApplyProvision(ctx, []rowsync.TableConfig{tables[0].TableConfig})
	require.NoError(t, errE)

	peer := rowsync.StoreId{}

	errE = b.WithSession(ctx, rowsync.ReadWrite, func(ctx context.Context, s rowsync.Session) error {
		_, ok, err := s.LastAnchorOf(ctx, peer)
		if err != nil {
			return err
		}
		assert.False(t, ok)

		if err := s.RecordAnchor(ctx, peer, 42); err != nil {
			return err
		}
		if err := s.RecordAnchor(ctx, peer, 43); err != nil {
			return err
		}

		v, ok, err := s.LastAnchorOf(ctx, peer)
		if err != nil {
			return err
		}
		assert.True(t, ok)
		assert.Equal(t, rowsync.Version(43), v)
		return nil
	})
	require.NoError(t, errE)
}
