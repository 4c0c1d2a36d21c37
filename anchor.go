// Package rowsync implements a bidirectional row-level synchronization
// protocol between peer relational stores.
package rowsync

import (
	"strconv"
	"strings"

	"gitlab.com/tozd/identifier"
)

// StoreId is a 128-bit opaque identifier naming a peer store. It is generated
// once per store on first provisioning and persisted durably (see
// Provisioner.ApplyProvision). The zero value names no store.
type StoreId = identifier.Identifier

// ZeroStoreId is the zero value of StoreId, used to detect a missing or
// not-yet-assigned store identity.
var ZeroStoreId StoreId //nolint:gochecknoglobals

// Version is a non-negative 64-bit counter, monotonically non-decreasing over
// the lifetime of a store. It advances whenever any tracked row changes.
type Version int64

// SyncAnchor is a point in a store's history: the version the named store had
// reached. Anchors are value-typed and immutable.
type SyncAnchor struct {
	StoreId StoreId `json:"storeId"`
	Version Version `json:"version"`
}

func (a SyncAnchor) String() string {
	s := new(strings.Builder)
	s.WriteString(a.StoreId.String())
	s.WriteString("@")
	s.WriteString(strconv.FormatInt(int64(a.Version), 10))
	return s.String()
}

// IsZero reports whether the anchor names no store (a sentinel "no prior
// anchor" value, distinct from a valid anchor at Version 0).
func (a SyncAnchor) IsZero() bool {
	return a.StoreId == ZeroStoreId
}
