package main

import (
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConflictPolicy is the default conflict action rowsync pull uses
	// when an incoming item collides with a locally newer row.
	DefaultConflictPolicy = "skip"
)

// PostgresConfig describes how to reach the Postgres store this CLI
// operates against.
//
//nolint:lll
type PostgresConfig struct {
	URL    kong.FileContentFlag `env:"URL_PATH" help:"File with PostgreSQL database URL." placeholder:"PATH" required:"" short:"d" yaml:"database"`
	Schema string               `help:"Name of PostgreSQL schema tracked tables live in, if not public."  placeholder:"NAME"           yaml:"schema"`
}

// TrackedTable is one --table flag value: a table name, its primary key
// columns, and its sync direction/snapshot settings. Decode accepts either
// JSON or YAML, the same way the teacher's Site.Decode does for its own
// --site flag, so a simple "{name: widgets, primaryKey: [id]}" and a fuller
// multi-line YAML block both work.
//
//nolint:lll
type TrackedTable struct {
	Name       string   `json:"name"             yaml:"name"`
	Schema     string   `json:"schema,omitempty" yaml:"schema,omitempty"`
	PrimaryKey []string `json:"primaryKey"       yaml:"primaryKey"`

	Direction           string `json:"direction,omitempty"           yaml:"direction,omitempty"`
	SkipInitialSnapshot bool   `json:"skipInitialSnapshot,omitempty" yaml:"skipInitialSnapshot,omitempty"`
}

// Decode implements kong.MapperValue, parsing a --table value as YAML (a
// strict superset of JSON), rejecting unknown fields.
func (t *TrackedTable) Decode(ctx *kong.DecodeContext) error {
	var value string
	if err := ctx.Scan.PopValueInto("value", &value); err != nil {
		return errors.WithStack(err)
	}

	decoder := yaml.NewDecoder(strings.NewReader(value))
	decoder.KnownFields(true)
	err := decoder.Decode(t)
	if err != nil {
		var yamlErr *yaml.TypeError
		if errors.As(err, &yamlErr) {
			e := "error"
			if len(yamlErr.Errors) > 1 {
				e = "errors"
			}
			return errors.Errorf("yaml: unmarshal %s: %s", e, strings.Join(yamlErr.Errors, "; "))
		} else if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.WithStack(err)
	}
	return nil
}

// Globals describes top-level (global) flags shared by every command.
//
//nolint:lll
type Globals struct {
	zerolog.LoggingConfig `yaml:",inline"`

	Version kong.VersionFlag `help:"Show program's version and exit."                                              short:"V" yaml:"-"`
	Config  cli.ConfigFlag   `help:"Load configuration from a JSON or YAML file." name:"config" placeholder:"PATH" short:"c" yaml:"-"`

	Postgres PostgresConfig `embed:"" envprefix:"POSTGRES_" prefix:"postgres." yaml:"postgres"`

	Tables []TrackedTable `help:"Tracked table configuration as JSON or YAML with fields \"name\", \"primaryKey\", \"schema\", \"direction\", and \"skipInitialSnapshot\". Can be provided multiple times." name:"table" placeholder:"TABLE" sep:"none" yaml:"tables"`
}

// Config provides configuration. It is also used as configuration for the
// Kong command-line parser.
type Config struct {
	Globals `yaml:"globals"`

	Provision   ProvisionCommand   `cmd:"" help:"Create or update change tracking for the configured tables."`
	Deprovision DeprovisionCommand `cmd:"" help:"Remove change tracking for the configured tables."`
	Status      StatusCommand      `cmd:"" help:"Print this store's id and known peer anchors."`
	Push        PushCommand        `cmd:"" help:"Assemble and write a change-set for a peer."`
	Pull        PullCommand        `cmd:"" help:"Read and apply a change-set from a peer."`
}

//nolint:gochecknoglobals
var errNoTables = errors.Base("at least one --table is required")
