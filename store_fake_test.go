package rowsync

import (
	"context"
	"fmt"

	"gitlab.com/tozd/identifier"
)

// fakeTable is one table's in-memory state: current row values, the version
// each row was last touched at, and an append-only change log used to
// materialize ChangesSince.
type fakeTable struct {
	rows       map[string]Row
	rowVersion map[string]Version
	log        []fakeLogEntry
	minValid   Version
}

type fakeLogEntry struct {
	pk      string
	version Version
	op      ChangeType
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		rows:       map[string]Row{},
		rowVersion: map[string]Version{},
	}
}

func (t *fakeTable) clone() *fakeTable {
	c := newFakeTable()
	for k, v := range t.rows {
		c.rows[k] = cloneRow(v)
	}
	for k, v := range t.rowVersion {
		c.rowVersion[k] = v
	}
	c.log = append([]fakeLogEntry(nil), t.log...)
	c.minValid = t.minValid
	return c
}

func cloneRow(r Row) Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

func extractPK(values Row) string {
	return fmt.Sprintf("%v", values["id"])
}

// fakeBinding is an in-memory, single-goroutine StoreBinding used to
// exercise the engine's assembler and applier against realistic conflict
// scenarios without a real database (spec §8's scenarios). It is not safe
// for concurrent use; every test here drives it from a single goroutine.
type fakeBinding struct {
	storeId       StoreId
	version       Version
	tables        map[string]*fakeTable
	remoteAnchors map[StoreId]Version
}

func newFakeBinding() *fakeBinding {
	return &fakeBinding{
		tables:        map[string]*fakeTable{},
		remoteAnchors: map[StoreId]Version{},
	}
}

type fakeSnapshot struct {
	version       Version
	tables        map[string]*fakeTable
	remoteAnchors map[StoreId]Version
}

func (b *fakeBinding) snapshot() *fakeSnapshot {
	tables := make(map[string]*fakeTable, len(b.tables))
	for name, t := range b.tables {
		tables[name] = t.clone()
	}
	anchors := make(map[StoreId]Version, len(b.remoteAnchors))
	for k, v := range b.remoteAnchors {
		anchors[k] = v
	}
	return &fakeSnapshot{version: b.version, tables: tables, remoteAnchors: anchors}
}

func (b *fakeBinding) restore(s *fakeSnapshot) {
	b.version = s.version
	b.tables = s.tables
	b.remoteAnchors = s.remoteAnchors
}

func (b *fakeBinding) ApplyProvision(ctx context.Context, tables []TableConfig) error {
	if b.storeId == ZeroStoreId {
		b.storeId = identifier.New()
	}
	for _, table := range tables {
		if _, ok := b.tables[table.Name]; !ok {
			b.tables[table.Name] = newFakeTable()
		}
	}
	return nil
}

func (b *fakeBinding) RemoveProvision(ctx context.Context) error {
	b.tables = map[string]*fakeTable{}
	b.remoteAnchors = map[StoreId]Version{}
	b.version = 0
	return nil
}

func (b *fakeBinding) StoreId(ctx context.Context) (StoreId, error) {
	return b.storeId, nil
}

func (b *fakeBinding) WithSession(ctx context.Context, mode TxMode, fn func(ctx context.Context, s Session) error) error {
	var snap *fakeSnapshot
	if mode == ReadWrite {
		snap = b.snapshot()
	}
	err := fn(ctx, &fakeSession{b: b})
	if err != nil && mode == ReadWrite {
		b.restore(snap)
	}
	return err
}

// fakeSession implements Session over a fakeBinding for the duration of one
// WithSession call. It takes no lock; like fakeBinding, it is single-threaded
// and test-only.
type fakeSession struct {
	b *fakeBinding
}

func (s *fakeSession) CurrentVersion(ctx context.Context) (Version, error) {
	return s.b.version, nil
}

func (s *fakeSession) MinValidVersion(ctx context.Context, table TableRef) (Version, error) {
	t, ok := s.b.tables[table.Name]
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table.Name)
	}
	return t.minValid, nil
}

func (s *fakeSession) ChangesSince(ctx context.Context, table TableRef, since Version, fn func(ChangeRow) error) error {
	t, ok := s.b.tables[table.Name]
	if !ok {
		return fmt.Errorf("unknown table %q", table.Name)
	}
	if since < t.minValid {
		return ErrVersionTooOld
	}
	seen := map[string]bool{}
	var rows []ChangeRow
	for i := len(t.log) - 1; i >= 0; i-- {
		entry := t.log[i]
		if entry.version <= since {
			break
		}
		if seen[entry.pk] {
			continue
		}
		seen[entry.pk] = true
		op := entry.op
		values, exists := t.rows[entry.pk]
		if exists {
			rows = append(rows, ChangeRow{Values: cloneRow(values), Op: &op})
		} else {
			rows = append(rows, ChangeRow{Values: Row{"id": entry.pk}, Op: &op})
		}
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if err := fn(rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) InitialSnapshot(ctx context.Context, table TableRef, fn func(Row) error) error {
	t, ok := s.b.tables[table.Name]
	if !ok {
		return fmt.Errorf("unknown table %q", table.Name)
	}
	for _, values := range t.rows {
		if err := fn(cloneRow(values)); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) ApplyInsert(ctx context.Context, item SyncItem) (int, error) {
	t, ok := s.b.tables[item.Table.Name]
	if !ok {
		return 0, fmt.Errorf("unknown table %q", item.Table.Name)
	}
	pk := extractPK(item.Values)
	if _, exists := t.rows[pk]; exists {
		return 0, nil
	}
	s.b.version++
	t.rows[pk] = cloneRow(item.Values)
	t.rowVersion[pk] = s.b.version
	t.log = append(t.log, fakeLogEntry{pk: pk, version: s.b.version, op: Insert})
	return 1, nil
}

func (s *fakeSession) ApplyUpdate(ctx context.Context, item SyncItem, lastSyncVersion Version, forceWrite bool) (int, error) {
	t, ok := s.b.tables[item.Table.Name]
	if !ok {
		return 0, fmt.Errorf("unknown table %q", item.Table.Name)
	}
	pk := extractPK(item.Values)
	current, exists := t.rows[pk]
	if !exists {
		return 0, nil
	}
	_ = current
	if !forceWrite && t.rowVersion[pk] > lastSyncVersion {
		return 0, nil
	}
	s.b.version++
	t.rows[pk] = cloneRow(item.Values)
	t.rowVersion[pk] = s.b.version
	t.log = append(t.log, fakeLogEntry{pk: pk, version: s.b.version, op: Update})
	return 1, nil
}

func (s *fakeSession) ApplyDelete(ctx context.Context, item SyncItem, lastSyncVersion Version, forceWrite bool) (int, error) {
	t, ok := s.b.tables[item.Table.Name]
	if !ok {
		return 0, fmt.Errorf("unknown table %q", item.Table.Name)
	}
	pk := extractPK(item.Values)
	_, exists := t.rows[pk]
	if !exists {
		return 0, nil
	}
	if !forceWrite && t.rowVersion[pk] > lastSyncVersion {
		return 0, nil
	}
	s.b.version++
	delete(t.rows, pk)
	t.rowVersion[pk] = s.b.version
	t.log = append(t.log, fakeLogEntry{pk: pk, version: s.b.version, op: Delete})
	return 1, nil
}

func (s *fakeSession) LastAnchorOf(ctx context.Context, peer StoreId) (Version, bool, error) {
	v, ok := s.b.remoteAnchors[peer]
	return v, ok, nil
}

func (s *fakeSession) RecordAnchor(ctx context.Context, peer StoreId, version Version) error {
	s.b.remoteAnchors[peer] = version
	return nil
}
