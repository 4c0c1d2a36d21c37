package rowsync

import "context"

// TxMode selects whether a Session only needs to read or also needs to
// write, mirroring pgx.TxAccessMode (pgx.ReadOnly / pgx.ReadWrite) which the
// Postgres binding passes straight through.
type TxMode int

const (
	// ReadOnly sessions back getChanges' incremental and initial paths.
	ReadOnly TxMode = iota
	// ReadWrite sessions back applyChanges.
	ReadWrite
)

// Row is a full row image, keyed by column name. A nil value under a present
// key is an explicit NULL.
type Row = map[string]Value

// ChangeRow is one row as reported by the change-tracking oracle for a given
// (table, version range): its current key and non-key values (NULL for
// deleted rows), and the operation code that produced it. Op is nil when the
// underlying facility cannot supply one — this is only valid for rows
// streamed by InitialSnapshot; ChangesSince must never report a nil Op for
// an incremental delta (see SPEC_FULL.md §9 on the source's Insert-fallback
// being narrowed to the initial path only).
type ChangeRow struct {
	Values Row
	Op     *ChangeType
}

// Provisioner is the one-time setup and teardown capability of a store
// binding (spec §4.1).
type Provisioner interface {
	// ApplyProvision idempotently ensures change tracking is enabled for
	// every table in tables, the bookkeeping tables exist, and a durable
	// StoreId has been generated if one was not already present.
	ApplyProvision(ctx context.Context, tables []TableConfig) error
	// RemoveProvision tears down change tracking and bookkeeping tables. It
	// does not delete user data.
	RemoveProvision(ctx context.Context) error
	// StoreId returns this store's durable identity. Only valid after
	// ApplyProvision has run at least once.
	StoreId(ctx context.Context) (StoreId, error)
}

// ChangeOracle reports what has changed in a tracked table (spec §4.1).
type ChangeOracle interface {
	// CurrentVersion returns the latest committed version across all
	// tracked tables, observed inside the session's transaction.
	CurrentVersion(ctx context.Context) (Version, error)
	// MinValidVersion returns the oldest version from which a delta for
	// table is still reconstructable.
	MinValidVersion(ctx context.Context, table TableRef) (Version, error)
	// ChangesSince invokes fn once for every row changed in (since, current].
	// It fails with ErrVersionTooOld if since is below MinValidVersion(table).
	ChangesSince(ctx context.Context, table TableRef, since Version, fn func(ChangeRow) error) error
	// InitialSnapshot invokes fn once for every row currently in table.
	InitialSnapshot(ctx context.Context, table TableRef, fn func(Row) error) error
}

// RowApplier performs conflict-aware row mutation (spec §4.1). affectedRows
// is the only conflict channel: 0 means the predicate did not match.
type RowApplier interface {
	// ApplyInsert inserts item's row only if no row with the same primary
	// key already exists. affectedRows == 0 means a row with that key
	// already exists.
	ApplyInsert(ctx context.Context, item SyncItem) (affectedRows int, err error)
	// ApplyUpdate updates item's row only if its current change-tracking
	// version is <= lastSyncVersion, or forceWrite is true. affectedRows == 0
	// means a concurrent local change occurred at a version greater than
	// lastSyncVersion, or the row no longer exists.
	ApplyUpdate(ctx context.Context, item SyncItem, lastSyncVersion Version, forceWrite bool) (affectedRows int, err error)
	// ApplyDelete uses the same predicate as ApplyUpdate.
	ApplyDelete(ctx context.Context, item SyncItem, lastSyncVersion Version, forceWrite bool) (affectedRows int, err error)
}

// AnchorRegistry is the durable StoreId -> Version mapping recording, for
// each known remote peer, the highest version of the local store that peer
// has confirmed applying (spec §4.2).
type AnchorRegistry interface {
	// LastAnchorOf returns the last recorded version for peer, or ok == false
	// if peer has never been recorded.
	LastAnchorOf(ctx context.Context, peer StoreId) (version Version, ok bool, err error)
	// RecordAnchor upserts the recorded version for peer.
	RecordAnchor(ctx context.Context, peer StoreId, version Version) error
}

// Session composes the three capabilities needed within a single
// snapshot-isolation transaction.
type Session interface {
	ChangeOracle
	RowApplier
	AnchorRegistry
}

// StoreBinding is the full per-store adapter the protocol core depends on.
// Concrete database drivers, SQL dialect generation, and connection pooling
// are its concern, not the core's (spec §1); see package postgres for one
// concrete binding.
type StoreBinding interface {
	Provisioner
	// WithSession runs fn within a single snapshot-isolation transaction (or
	// the store's equivalent multiversion read isolation). Implementations
	// are expected to retry on serialization failures, as
	// internal/db.RetryTransaction does for the Postgres binding. fn's
	// Session must not be retained beyond the call.
	WithSession(ctx context.Context, mode TxMode, fn func(ctx context.Context, s Session) error) error
}
