package rowsync

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"gitlab.com/tozd/go/errors"
)

// SyncDirection controls whether a table participates in outgoing change-sets
// (upload), incoming change-sets (download), or both.
type SyncDirection int

const (
	// UploadAndDownload is the default: the table is both sent to peers and
	// accepted from peers.
	UploadAndDownload SyncDirection = iota
	// UploadOnly tables are sent to peers but never applied from an incoming
	// change-set (the applier refuses them, see Engine.ApplyChanges).
	UploadOnly
	// DownloadOnly tables are accepted from peers but are skipped by the
	// assembler when building outgoing change-sets.
	DownloadOnly
)

func (d SyncDirection) String() string {
	switch d {
	case UploadOnly:
		return "UploadOnly"
	case DownloadOnly:
		return "DownloadOnly"
	case UploadAndDownload:
		return "UploadAndDownload"
	default:
		return "Unknown"
	}
}

// TableConfig is per-tracked-table metadata. Immutable once the engine is
// initialized.
type TableConfig struct {
	// Name is the table's logical name. Required, unique among all
	// configured tables, and compared after trimming surrounding whitespace.
	Name string
	// Schema is the table's schema namespace, if the store binding uses one.
	Schema string
	// Direction controls upload/download eligibility, see SyncDirection.
	Direction SyncDirection
	// SkipInitialSnapshot, if true, excludes the table from the initial
	// (full scan) change-set sent to a peer with no prior anchor.
	SkipInitialSnapshot bool
	// RecordType is an optional descriptor used by higher layers (e.g. to
	// decode Values into a concrete Go struct). The engine never inspects it.
	RecordType any
}

func (t TableConfig) ref() TableRef {
	return TableRef{Name: t.Name, Schema: t.Schema}
}

// EngineConfig is supplied once at Engine construction.
type EngineConfig struct {
	// Connection is an opaque descriptor identifying the store's database. A
	// concrete StoreBinding interprets it (e.g. as a PostgreSQL connection
	// string); the engine only checks that it is non-empty and does not check
	// that it names a concrete database.
	Connection string
	// Tables is the ordered collection of tracked tables.
	Tables []TableConfig
}

// Validate checks EngineConfig invariants: the connection descriptor must be
// non-empty, and table names must be unique once trimmed. Mirrors the
// duplicate-name check the teacher performs over site domains in its own
// Globals.Validate, using the same mapset.ThreadUnsafeSet approach.
func (c *EngineConfig) Validate() error {
	if strings.TrimSpace(c.Connection) == "" {
		return errors.WrapWith(errors.New("connection descriptor is empty"), ErrInvalidConfig)
	}

	names := mapset.NewThreadUnsafeSet[string]()
	for i := range c.Tables {
		c.Tables[i].Name = strings.TrimSpace(c.Tables[i].Name)
		if c.Tables[i].Name == "" {
			return errors.Errorf(`table name is required for table at index %d`, i)
		}
		if !names.Add(c.Tables[i].Name) {
			return errors.Errorf(`duplicate table name "%s"`, c.Tables[i].Name)
		}
	}

	return nil
}

func (c *EngineConfig) tableByName(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}
