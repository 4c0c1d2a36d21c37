package rowsync

import (
	"context"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// ConflictAction is the decision an OnConflict callback returns for a single
// conflicting item.
type ConflictAction int

const (
	// Skip leaves the row unchanged and moves on to the next item.
	Skip ConflictAction = iota
	// ForceWrite overrides the version predicate and retries the mutation.
	ForceWrite
)

// OnConflict is invoked for an incoming Update or Delete whose target row
// has been locally modified at a version past the change-set's target
// anchor. A nil OnConflict, or one that returns an unrecognized value, is
// treated as always returning Skip (spec §7). A panic in OnConflict is not
// recovered.
type OnConflict func(item SyncItem) ConflictAction

// Engine is the protocol core bound to one concrete StoreBinding and one
// fixed table configuration. It is safe for concurrent use: each public
// operation is an independent logical task against the underlying store: no
// in-memory locks are held across I/O (spec §5).
type Engine struct {
	binding StoreBinding
	config  EngineConfig

	initOnce sync.Once
	initErr  errors.E
	storeId  StoreId
}

// NewEngine constructs an Engine. Initialization (reading the durable
// StoreId) is deferred to the first call that needs it
// and is performed at most once, guarded by sync.Once rather than a plain
// boolean flag, so concurrent first calls from multiple goroutines are safe
// (spec §5, §9 "lazy one-shot initialization" redesign point).
func NewEngine(binding StoreBinding, config EngineConfig) (*Engine, errors.E) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapWith(errors.WithStack(err), ErrInvalidConfig)
	}
	return &Engine{binding: binding, config: config}, nil
}

// initialize is idempotent: once e.initOnce has fired, the recorded result
// (storeId or initErr) is reused until ApplyProvision resets e.initOnce. It
// does not re-provision on every
// call; provisioning itself is ApplyProvision's job. initialize only needs
// the store's identity, which must already exist once ApplyProvision has
// ever succeeded.
func (e *Engine) initialize(ctx context.Context) errors.E {
	e.initOnce.Do(func() {
		id, err := e.binding.StoreId(ctx)
		if err != nil {
			e.initErr = errors.WrapWith(errors.WithStack(err), ErrNotInitialized)
			return
		}
		if id == ZeroStoreId {
			e.initErr = errors.WithStack(ErrNotInitialized)
			return
		}
		e.storeId = id
	})
	return e.initErr
}

// GetStoreId returns this store's durable identity.
func (e *Engine) GetStoreId(ctx context.Context) (StoreId, errors.E) {
	if errE := e.initialize(ctx); errE != nil {
		return ZeroStoreId, errE
	}
	return e.storeId, nil
}

// ApplyProvision idempotently provisions the store binding for this
// Engine's configured tables and re-runs initialize so the next call
// observes the freshly generated StoreId.
func (e *Engine) ApplyProvision(ctx context.Context) errors.E {
	if err := e.binding.ApplyProvision(ctx, e.config.Tables); err != nil {
		return errors.WrapWith(errors.WithStack(err), ErrStoreIO)
	}
	// Force a fresh read: provisioning may have just generated the StoreId.
	e.initOnce = sync.Once{}
	e.initErr = nil
	return e.initialize(ctx)
}

// RemoveProvision tears down change tracking without deleting user data.
func (e *Engine) RemoveProvision(ctx context.Context) errors.E {
	if err := e.binding.RemoveProvision(ctx); err != nil {
		return errors.WrapWith(errors.WithStack(err), ErrStoreIO)
	}
	return nil
}
