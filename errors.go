package rowsync

import "gitlab.com/tozd/go/errors"

// Error kinds surfaced to callers. Conflicts are not errors: they are
// resolved through the OnConflict callback passed to ApplyChanges.
var (
	// ErrInvalidArgument covers a zero store id, an unknown table, or an
	// incremental SyncItem missing its ChangeType.
	ErrInvalidArgument = errors.Base("invalid argument")

	// ErrNotInitialized is returned when an operation is attempted before
	// Engine.initialize has run (or has failed to run).
	ErrNotInitialized = errors.Base("not initialized")

	// ErrInvalidConfig is returned when the connection descriptor is empty,
	// the table configuration is invalid, or provisioning is otherwise
	// incomplete.
	ErrInvalidConfig = errors.Base("invalid configuration")

	// ErrVersionTooOld is returned when a requested or supplied anchor is
	// below a table's current minimum valid version: the change-tracking
	// horizon has moved past it and the caller must re-sync from an initial
	// snapshot.
	ErrVersionTooOld = errors.Base("version too old")

	// ErrWrongTarget is returned when a change-set's target anchor does not
	// name this store.
	ErrWrongTarget = errors.Base("change-set not addressed to this store")

	// ErrInvalidSyncOperation is returned when an Insert could not be applied
	// and is not a duplicate (a primary-key collision with different
	// non-key values). Its Details carry "suggestedAnchor".
	ErrInvalidSyncOperation = errors.Base("insert could not be reconciled")

	// ErrStoreIO wraps an underlying database failure; the enclosing
	// transaction has been rolled back.
	ErrStoreIO = errors.Base("store I/O error")
)

// SuggestedAnchor extracts the anchor a caller should resume from after an
// ErrInvalidSyncOperation, if errE wraps one.
func SuggestedAnchor(errE errors.E) (SyncAnchor, bool) {
	if errE == nil || !errors.Is(errE, ErrInvalidSyncOperation) {
		return SyncAnchor{}, false
	}
	anchor, ok := errors.Details(errE)["suggestedAnchor"].(SyncAnchor)
	return anchor, ok
}

// wrapBindingErr normalizes an error returned from a StoreBinding.WithSession
// callback. Sentinel errors raised by the engine itself (via errors.WithStack
// or errors.WrapWith against one of the Err* bases) already carry a kind and
// pass through unchanged; anything else is an opaque store failure.
func wrapBindingErr(err error) errors.E {
	if err == nil {
		return nil
	}
	errE, ok := err.(errors.E) //nolint:errorlint
	if ok {
		for _, base := range []error{
			ErrInvalidArgument, ErrNotInitialized, ErrInvalidConfig,
			ErrVersionTooOld, ErrWrongTarget, ErrInvalidSyncOperation, ErrStoreIO,
		} {
			if errors.Is(errE, base) {
				return errE
			}
		}
	}
	return errors.WrapWith(errors.WithStack(err), ErrStoreIO)
}
