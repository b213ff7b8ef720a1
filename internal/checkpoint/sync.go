// Package checkpoint holds the two key-value stores sync and derivation
// progress persist through: a SQLite-backed sync checkpoint store sharing
// the target store's own storedb.DB, and a disk-KV derivation checkpoint
// store under internal/checkpoint/derivationkv.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
	"github.com/skygent-io/skygent/internal/storedb"
)

// SyncCheckpoint records how far a sync(source, store, ...) run has
// progressed, keyed by (Store, Source).
type SyncCheckpoint struct {
	Store       post.StoreName
	Source      string
	Cursor      string
	FilterHash  string
	LastEventID post.EventID
	UpdatedAt   post.Timestamp
}

// SyncStore persists SyncCheckpoints in the sync_checkpoints table of the
// store's own storedb.DB — sync checkpoints travel with the store they
// belong to, the way the teacher keeps ingestion offsets alongside the data
// they gate rather than in a separate control-plane database.
type SyncStore struct {
	db *storedb.DB
}

// NewSyncStore builds a SyncStore over db.
func NewSyncStore(db *storedb.DB) *SyncStore {
	return &SyncStore{db: db}
}

// Load returns the checkpoint for (store, source), or ok=false if none has
// been saved yet.
func (s *SyncStore) Load(ctx context.Context, store post.StoreName, source string) (SyncCheckpoint, bool, error) {
	row := s.db.QueryRow(ctx,
		`SELECT store, source, cursor, filter_hash, last_event_id, updated_at
		 FROM sync_checkpoints WHERE store = ? AND source = ?`,
		string(store), source,
	)

	var (
		cp        SyncCheckpoint
		updatedAt string
	)

	err := row.Scan(&cp.Store, &cp.Source, &cp.Cursor, &cp.FilterHash, &cp.LastEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncCheckpoint{}, false, nil
	}

	if err != nil {
		return SyncCheckpoint{}, false, skyerr.Wrap(skyerr.KindStoreIO, "load sync checkpoint", err)
	}

	if err := (&cp.UpdatedAt).UnmarshalJSON([]byte(`"` + updatedAt + `"`)); err != nil {
		return SyncCheckpoint{}, false, skyerr.Wrap(skyerr.KindStoreIO, "parse sync checkpoint timestamp", err)
	}

	return cp, true, nil
}

// Save upserts cp, overwriting any existing checkpoint for the same
// (Store, Source) — last-write-wins per the checkpoint contract.
func (s *SyncStore) Save(ctx context.Context, cp SyncCheckpoint) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_checkpoints (store, source, cursor, filter_hash, last_event_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(store, source) DO UPDATE SET
				cursor = excluded.cursor,
				filter_hash = excluded.filter_hash,
				last_event_id = excluded.last_event_id,
				updated_at = excluded.updated_at`,
			string(cp.Store), cp.Source, cp.Cursor, cp.FilterHash, string(cp.LastEventID), cp.UpdatedAt.String(),
		)
		if err != nil {
			return fmt.Errorf("upsert sync checkpoint: %w", err)
		}

		return nil
	})
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "save sync checkpoint", err)
	}

	return nil
}

// Remove deletes the checkpoint for (store, source), if any.
func (s *SyncStore) Remove(ctx context.Context, store post.StoreName, source string) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE store = ? AND source = ?`, string(store), source)
		if err != nil {
			return fmt.Errorf("delete sync checkpoint: %w", err)
		}

		return nil
	})
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "remove sync checkpoint", err)
	}

	return nil
}
