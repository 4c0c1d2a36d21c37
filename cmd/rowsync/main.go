// Command rowsync is a small command-line front-end for exercising the
// rowsync engine against a Postgres store from a shell. It is not part of
// the protocol core and carries no invariants of its own.
package main

import (
	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"
)

func main() {
	var config Config
	cli.Run(&config, kong.Vars{
		"defaultConflictPolicy": DefaultConflictPolicy,
	}, func(ctx *kong.Context) errors.E {
		return errors.WithStack(ctx.Run(&config.Globals))
	})
}
