package main

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/go/rowsync"
	"gitlab.com/tozd/go/rowsync/transport"
)

// PullCommand reads a change-set from a file (or stdin if File is empty)
// and applies it, resolving conflicts per Policy ("skip" or "force").
type PullCommand struct {
	File   string `arg:"" default:""                    help:"Input file path, or stdin if omitted." optional:""`
	Policy string `default:"${defaultConflictPolicy}" help:"Conflict policy for locally modified rows: \"skip\" or \"force\"." enum:"skip,force"`
}

func (c *PullCommand) Run(globals *Globals) errors.E {
	ctx := context.Background()

	changeSet, errE := transport.ReadChangeSetFile(c.File)
	if errE != nil {
		return errE
	}

	engine, binding, errE := newEngine(ctx, globals)
	if errE != nil {
		return errE
	}
	defer binding.Pool.Close()

	action := rowsync.Skip
	if c.Policy == "force" {
		action = rowsync.ForceWrite
	}

	anchor, errE := engine.ApplyChanges(ctx, changeSet, func(rowsync.SyncItem) rowsync.ConflictAction {
		return action
	})
	if errE != nil {
		return errE
	}

	globals.Logger.Info().Str("storeId", anchor.StoreId.String()).Int64("version", int64(anchor.Version)).Msg("pulled")
	return nil
}
