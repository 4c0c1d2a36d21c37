package main

import (
	"context"

	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	"gitlab.com/tozd/go/rowsync/transport"
)

// PushCommand assembles a change-set for one peer and writes it to a file
// (or stdout if File is empty) via the file transport.
type PushCommand struct {
	Peer string `arg:"" help:"The peer store's id."`
	File string `arg:"" default:""   help:"Output file path, or stdout if omitted." optional:""`
}

func (c *PushCommand) Run(globals *Globals) errors.E {
	ctx := context.Background()

	peerId, errE := identifier.FromString(c.Peer)
	if errE != nil {
		return errE
	}

	engine, binding, errE := newEngine(ctx, globals)
	if errE != nil {
		return errE
	}
	defer binding.Pool.Close()

	changeSet, errE := engine.GetChanges(ctx, peerId)
	if errE != nil {
		return errE
	}

	if errE := transport.WriteChangeSetFile(c.File, changeSet); errE != nil {
		return errE
	}

	globals.Logger.Info().Int("items", len(changeSet.Items)).Msg("pushed")
	return nil
}
