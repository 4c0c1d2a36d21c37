package rowsync

import (
	"context"

	"gitlab.com/tozd/go/errors"
)

// ApplyChanges applies changeSet against this store inside a single
// snapshot-isolation transaction, resolving Update/Delete conflicts through
// onConflict, and returns the anchor the caller must report back to
// changeSet.SourceAnchor's store (spec §4.4).
//
// A nil onConflict always resolves to Skip, matching the default the source
// documents for an absent callback.
func (e *Engine) ApplyChanges(ctx context.Context, changeSet SyncChangeSet, onConflict OnConflict) (SyncAnchor, errors.E) {
	if errE := e.initialize(ctx); errE != nil {
		return SyncAnchor{}, errE
	}
	if changeSet.TargetAnchor.StoreId != e.storeId {
		return SyncAnchor{}, errors.WithStack(ErrWrongTarget)
	}
	if onConflict == nil {
		onConflict = func(SyncItem) ConflictAction { return Skip }
	}

	var newAnchor SyncAnchor
	errE := wrapBindingErr(e.binding.WithSession(ctx, ReadWrite, func(ctx context.Context, s Session) error {
		anchor, err := e.applyChangeSet(ctx, s, changeSet, onConflict)
		if err != nil {
			return err
		}
		newAnchor = anchor
		return nil
	}))
	if errE != nil {
		return SyncAnchor{}, errE
	}
	return newAnchor, nil
}

func (e *Engine) applyChangeSet(ctx context.Context, s Session, changeSet SyncChangeSet, onConflict OnConflict) (SyncAnchor, error) {
	vNow, err := s.CurrentVersion(ctx)
	if err != nil {
		return SyncAnchor{}, err
	}

	atLeastOneApplied := false
	for _, item := range changeSet.Items {
		table, ok := e.config.tableByName(item.Table.Name)
		if !ok {
			return SyncAnchor{}, errors.WrapWith(errors.Errorf("unknown table %q", item.Table.Name), ErrInvalidArgument)
		}
		if table.Direction == UploadOnly {
			return SyncAnchor{}, errors.WrapWith(errors.Errorf("table %q is upload-only, refusing incoming change", item.Table.Name), ErrInvalidArgument)
		}

		minValid, err := s.MinValidVersion(ctx, table.ref())
		if err != nil {
			return SyncAnchor{}, err
		}
		if minValid > changeSet.TargetAnchor.Version {
			return SyncAnchor{}, errors.WrapWith(errors.Errorf("table %q: target anchor %d below minimum valid version %d", table.Name, changeSet.TargetAnchor.Version, minValid), ErrVersionTooOld)
		}

		applied, err := e.applyItem(ctx, s, item, changeSet.TargetAnchor.Version, onConflict)
		if err != nil {
			return SyncAnchor{}, err
		}
		if applied {
			atLeastOneApplied = true
		}
	}

	newVersion := vNow
	if atLeastOneApplied {
		// Each applied mutation may have advanced the store's version, so
		// read where it stands now instead of assuming a single step.
		newVersion, err = s.CurrentVersion(ctx)
		if err != nil {
			return SyncAnchor{}, err
		}
	}
	newAnchor := SyncAnchor{StoreId: e.storeId, Version: newVersion}

	if err := s.RecordAnchor(ctx, changeSet.SourceAnchor.StoreId, newAnchor.Version); err != nil {
		return SyncAnchor{}, err
	}

	return newAnchor, nil
}

// applyItem runs the per-item state machine from spec §4.4 and reports
// whether the item ended up applied (true) or skipped (false). It returns an
// error only to abort the enclosing transaction (the Insert-collision case).
func (e *Engine) applyItem(ctx context.Context, s Session, item SyncItem, lastSyncVersion Version, onConflict OnConflict) (bool, error) {
	switch item.ChangeType {
	case Insert:
		affected, err := s.ApplyInsert(ctx, item)
		if err != nil {
			return false, err
		}
		if affected > 0 {
			return true, nil
		}
		errE := errors.WrapWith(errors.Errorf("insert of row in table %q could not be reconciled with an existing row", item.Table.Name), ErrInvalidSyncOperation)
		errors.Details(errE)["suggestedAnchor"] = SyncAnchor{StoreId: e.storeId, Version: lastSyncVersion + 1}
		return false, errE

	case Update:
		affected, err := s.ApplyUpdate(ctx, item, lastSyncVersion, false)
		if err != nil {
			return false, err
		}
		if affected > 0 {
			return true, nil
		}
		return e.resolveConflict(ctx, s, item, lastSyncVersion, onConflict)

	case Delete:
		affected, err := s.ApplyDelete(ctx, item, lastSyncVersion, false)
		if err != nil {
			return false, err
		}
		if affected > 0 {
			return true, nil
		}
		return e.resolveConflict(ctx, s, item, lastSyncVersion, onConflict)

	default:
		return false, errors.WrapWith(errors.Errorf("item for table %q has an unrecognized change type", item.Table.Name), ErrInvalidArgument)
	}
}

// resolveConflict handles the onConflict branch of the state machine for an
// Update or Delete whose non-forced apply affected no rows.
func (e *Engine) resolveConflict(ctx context.Context, s Session, item SyncItem, lastSyncVersion Version, onConflict OnConflict) (bool, error) {
	if onConflict(item) != ForceWrite {
		return false, nil
	}

	switch item.ChangeType {
	case Update:
		affected, err := s.ApplyUpdate(ctx, item, lastSyncVersion, true)
		if err != nil {
			return false, err
		}
		if affected > 0 {
			return true, nil
		}
		// The row is locally absent: escalate to a forced re-Insert,
		// reinstating it with the incoming values.
		affected, err = s.ApplyInsert(ctx, item)
		if err != nil {
			return false, err
		}
		return affected > 0, nil

	case Delete:
		affected, err := s.ApplyDelete(ctx, item, lastSyncVersion, true)
		if err != nil {
			return false, err
		}
		// affected == 0 here means the row was already gone: an idempotent
		// delete, accepted silently without counting as newly applied.
		return affected > 0, nil

	default:
		// Insert never reaches resolveConflict; its failure path aborts
		// the transaction directly in applyItem.
		return false, nil
	}
}
