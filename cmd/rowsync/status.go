package main

import (
	"context"

	"gitlab.com/tozd/go/errors"
)

// StatusCommand prints this store's id and every known peer anchor.
type StatusCommand struct{}

func (c *StatusCommand) Run(globals *Globals) errors.E {
	ctx := context.Background()

	engine, binding, errE := newEngine(ctx, globals)
	if errE != nil {
		return errE
	}
	defer binding.Pool.Close()

	id, errE := engine.GetStoreId(ctx)
	if errE != nil {
		return errE
	}
	globals.Logger.Info().Str("storeId", id.String()).Msg("store")

	anchors, err := binding.ListAnchors(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, a := range anchors {
		globals.Logger.Info().Str("peer", a.Peer.String()).Int64("version", int64(a.Version)).Msg("anchor")
	}
	return nil
}
