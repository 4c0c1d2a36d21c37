package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/go/rowsync"
	"gitlab.com/tozd/go/rowsync/internal/db"
)

// pkJSON extracts item's primary key columns from values into a stable JSON
// object, matching how the change ledger stores "pk" (jsonb equality does
// not depend on key order, so determinism here is only for readability, not
// correctness).
func pkJSON(spec TableSpec, values rowsync.Row) ([]byte, error) {
	pk := make(map[string]rowsync.Value, len(spec.PrimaryKey))
	for _, col := range spec.PrimaryKey {
		v, ok := values[col]
		if !ok {
			return nil, errors.Errorf("table %q: value missing primary key column %q", spec.Name, col)
		}
		pk[col] = v
	}
	return json.Marshal(pk)
}

func (s *session) ApplyInsert(ctx context.Context, item rowsync.SyncItem) (int, error) {
	spec, err := s.spec(item.Table)
	if err != nil {
		return 0, err
	}

	cols := sortedColumns(item.Values)
	if len(cols) == 0 {
		return 0, errors.WrapWith(errors.Errorf("table %q: insert item carries no columns", spec.Name), rowsync.ErrInvalidArgument)
	}

	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		quotedCols[i] = fmt.Sprintf(`"%s"`, col)
		placeholders[i] = fmt.Sprintf(`$%d`, i+1)
		args[i] = item.Values[col]
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`,
		spec.qualifiedName(), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "), quotedPrimaryKey(spec),
	)

	tag, err := s.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, db.WithPgxError(err)
	}
	return int(tag.RowsAffected()), nil
}

// pkWhereFromJSONParam builds a `t."col1"::text = ($1::jsonb->>'col1') AND
// ...` predicate against a jsonb query parameter (rather than against the
// ledger's own "latest" CTE, see pkWhereExpr in table.go for that variant).
func pkWhereFromJSONParam(spec TableSpec, tableAlias, param string) string {
	parts := make([]string, 0, len(spec.PrimaryKey))
	for _, col := range spec.PrimaryKey {
		parts = append(parts, fmt.Sprintf(`%s."%s"::text = (%s::jsonb->>'%s')`, tableAlias, col, param, col))
	}
	return strings.Join(parts, " AND ")
}

func (s *session) ApplyUpdate(ctx context.Context, item rowsync.SyncItem, lastSyncVersion rowsync.Version, forceWrite bool) (int, error) {
	spec, err := s.spec(item.Table)
	if err != nil {
		return 0, err
	}

	cols := sortedColumns(item.Values)
	setParts := make([]string, 0, len(cols))
	args := []interface{}{}
	// $1 is reserved for the primary key jsonb parameter consumed by
	// pkWhereFromJSONParam/the version gate; SET values start at $2.
	pk, err := pkJSON(spec, item.Values)
	if err != nil {
		return 0, err
	}
	args = append(args, pk)

	next := 2
	for _, col := range cols {
		setParts = append(setParts, fmt.Sprintf(`"%s" = $%d`, col, next))
		args = append(args, item.Values[col])
		next++
	}
	if len(setParts) == 0 {
		return 0, errors.WrapWith(errors.Errorf("table %q: update item carries no columns", spec.Name), rowsync.ErrInvalidArgument)
	}

	gate := ""
	if !forceWrite {
		gate = fmt.Sprintf(`AND NOT EXISTS (
			SELECT 1 FROM "_rowsync"."%s" l
			WHERE l."pk" = $1::jsonb AND l."version" > $%d
		)`, spec.ledgerName(), next)
		args = append(args, int64(lastSyncVersion))
	}

	query := fmt.Sprintf(`UPDATE %s t SET %s WHERE %s %s`,
		spec.qualifiedName(), strings.Join(setParts, ", "), pkWhereFromJSONParam(spec, "t", "$1"), gate)

	tag, err := s.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, db.WithPgxError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *session) ApplyDelete(ctx context.Context, item rowsync.SyncItem, lastSyncVersion rowsync.Version, forceWrite bool) (int, error) {
	spec, err := s.spec(item.Table)
	if err != nil {
		return 0, err
	}

	pk, err := pkJSON(spec, item.Values)
	if err != nil {
		return 0, err
	}
	args := []interface{}{pk}

	gate := ""
	if !forceWrite {
		gate = `AND NOT EXISTS (
			SELECT 1 FROM "_rowsync"."` + spec.ledgerName() + `" l
			WHERE l."pk" = $1::jsonb AND l."version" > $2
		)`
		args = append(args, int64(lastSyncVersion))
	}

	query := fmt.Sprintf(`DELETE FROM %s t WHERE %s %s`, spec.qualifiedName(), pkWhereFromJSONParam(spec, "t", "$1"), gate)

	tag, err := s.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, db.WithPgxError(err)
	}
	return int(tag.RowsAffected()), nil
}

func sortedColumns(values rowsync.Row) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func quotedPrimaryKey(spec TableSpec) string {
	parts := make([]string, len(spec.PrimaryKey))
	for i, col := range spec.PrimaryKey {
		parts[i] = fmt.Sprintf(`"%s"`, col)
	}
	return strings.Join(parts, ", ")
}
