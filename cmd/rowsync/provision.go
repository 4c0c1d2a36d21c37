package main

import (
	"context"

	"gitlab.com/tozd/go/errors"
)

// ProvisionCommand creates or updates change tracking for every configured
// table and prints the store's (possibly freshly generated) id.
type ProvisionCommand struct{}

func (c *ProvisionCommand) Run(globals *Globals) errors.E {
	ctx := context.Background()

	engine, binding, errE := newEngine(ctx, globals)
	if errE != nil {
		return errE
	}
	defer binding.Pool.Close()

	if errE := engine.ApplyProvision(ctx); errE != nil {
		return errE
	}

	id, errE := engine.GetStoreId(ctx)
	if errE != nil {
		return errE
	}

	globals.Logger.Info().Str("storeId", id.String()).Msg("provisioned")
	return nil
}

// DeprovisionCommand removes change tracking without deleting user data.
type DeprovisionCommand struct{}

func (c *DeprovisionCommand) Run(globals *Globals) errors.E {
	ctx := context.Background()

	_, binding, errE := newEngine(ctx, globals)
	if errE != nil {
		return errE
	}
	defer binding.Pool.Close()

	if err := binding.RemoveProvision(ctx); err != nil {
		return errors.WithStack(err)
	}

	globals.Logger.Info().Msg("deprovisioned")
	return nil
}
