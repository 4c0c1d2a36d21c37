package main

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/go/rowsync"
	"gitlab.com/tozd/go/rowsync/postgres"
)

func directionFromString(s string) (rowsync.SyncDirection, errors.E) {
	switch s {
	case "", "uploadAndDownload":
		return rowsync.UploadAndDownload, nil
	case "uploadOnly":
		return rowsync.UploadOnly, nil
	case "downloadOnly":
		return rowsync.DownloadOnly, nil
	default:
		return 0, errors.Errorf(`invalid table direction %q`, s)
	}
}

// parseTables turns the configured --table entries into postgres.TableSpecs,
// schema-qualified with globals.Postgres.Schema when a table does not name
// its own.
func parseTables(globals *Globals) ([]postgres.TableSpec, errors.E) {
	if len(globals.Tables) == 0 {
		return nil, errors.WithStack(errNoTables)
	}

	specs := make([]postgres.TableSpec, 0, len(globals.Tables))
	for _, t := range globals.Tables {
		if t.Name == "" {
			return nil, errors.New(`table entry is missing "name"`)
		}
		if len(t.PrimaryKey) == 0 {
			return nil, errors.Errorf(`table %q is missing "primaryKey"`, t.Name)
		}

		direction, errE := directionFromString(t.Direction)
		if errE != nil {
			return nil, errE
		}

		schema := t.Schema
		if schema == "" {
			schema = globals.Postgres.Schema
		}

		specs = append(specs, postgres.TableSpec{
			TableConfig: rowsync.TableConfig{
				Name:                t.Name,
				Schema:              schema,
				Direction:           direction,
				SkipInitialSnapshot: t.SkipInitialSnapshot,
			},
			PrimaryKey: t.PrimaryKey,
		})
	}
	return specs, nil
}

// newEngine opens the Postgres binding and constructs the engine those
// tables describe. Callers are responsible for closing the returned
// binding's pool once done (each command's Run does this).
func newEngine(ctx context.Context, globals *Globals) (*rowsync.Engine, *postgres.Binding, errors.E) {
	specs, errE := parseTables(globals)
	if errE != nil {
		return nil, nil, errE
	}

	binding, errE := postgres.NewBinding(ctx, string(globals.Postgres.URL), globals.Logger, specs)
	if errE != nil {
		return nil, nil, errE
	}

	tables := make([]rowsync.TableConfig, len(specs))
	for i, s := range specs {
		tables[i] = s.TableConfig
	}

	engine, errE := rowsync.NewEngine(binding, rowsync.EngineConfig{
		Connection: string(globals.Postgres.URL),
		Tables:     tables,
	})
	if errE != nil {
		return nil, binding, errE
	}
	return engine, binding, nil
}
