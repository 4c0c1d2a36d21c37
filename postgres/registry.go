package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/go/rowsync"
	"gitlab.com/tozd/go/rowsync/internal/db"
)

// LastAnchorOf returns the last version recorded for peer in this store's
// _remoteAnchors bookkeeping table, i.e. the remote anchor registry of
// spec §4.1.
func (s *session) LastAnchorOf(ctx context.Context, peer rowsync.StoreId) (rowsync.Version, bool, error) {
	var v int64
	err := s.tx.QueryRow(ctx, `SELECT "version" FROM "_rowsync"."_remoteAnchors" WHERE "peerId" = $1`, peer).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, db.WithPgxError(err)
	}
	return rowsync.Version(v), true, nil
}

// KnownAnchor is one row of Binding.ListAnchors.
type KnownAnchor struct {
	Peer    rowsync.StoreId
	Version rowsync.Version
}

// ListAnchors returns every peer anchor this store has recorded, for the
// status CLI command. Not part of rowsync.AnchorRegistry: the protocol core
// only ever needs one peer's anchor at a time.
func (b *Binding) ListAnchors(ctx context.Context) ([]KnownAnchor, error) {
	rows, err := b.Pool.Query(ctx, `SELECT "peerId", "version" FROM "_rowsync"."_remoteAnchors" ORDER BY "peerId"`)
	if err != nil {
		return nil, db.WithPgxError(err)
	}
	defer rows.Close()

	var anchors []KnownAnchor
	for rows.Next() {
		var a KnownAnchor
		var v int64
		if err := rows.Scan(&a.Peer, &v); err != nil {
			return nil, db.WithPgxError(err)
		}
		a.Version = rowsync.Version(v)
		anchors = append(anchors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, db.WithPgxError(err)
	}
	return anchors, nil
}

// RecordAnchor upserts peer's last recorded version.
func (s *session) RecordAnchor(ctx context.Context, peer rowsync.StoreId, version rowsync.Version) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO "_rowsync"."_remoteAnchors" ("peerId", "version") VALUES ($1, $2)
		ON CONFLICT ("peerId") DO UPDATE SET "version" = EXCLUDED."version"
	`, peer, int64(version))
	if err != nil {
		return db.WithPgxError(err)
	}
	return nil
}
