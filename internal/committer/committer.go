// Package committer is the single narrow waist through which the sync
// engine and derivation engine write to a store: every append goes through
// here so URI-dedup is enforced in exactly one place.
package committer

import (
	"context"
	"database/sql"

	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/eventlog"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
	"github.com/skygent-io/skygent/internal/storedb"
	"github.com/skygent-io/skygent/internal/storeindex"
)

// Committer appends events to the log and projects them into the index,
// in that order, so a crash between the two never leaves the index ahead
// of the log (EnsureBootstrapped's rebuild-on-mismatch rule covers the
// reverse case). Every method runs under db.WithTx, which holds the
// store's single write mutex for its duration, so this is also the
// store's single-writer choke point: no two committer calls for the same
// store ever interleave.
type Committer struct {
	db    *storedb.DB
	log   *eventlog.Log
	index *storeindex.Index
}

// New constructs a Committer over log and index, which must belong to the
// same store.
func New(log *eventlog.Log, index *storeindex.Index) *Committer {
	return &Committer{db: index.DB(), log: log, index: index}
}

// AppendUpsert appends a PostUpsert event unconditionally and projects it,
// in one transaction.
func (c *Committer) AppendUpsert(ctx context.Context, ev event.Event) (event.Record, error) {
	return c.appendAndApply(ctx, ev)
}

func (c *Committer) appendAndApply(ctx context.Context, ev event.Event) (event.Record, error) {
	var record event.Record

	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		rec, err := c.log.AppendTx(ctx, tx, ev)
		if err != nil {
			return err
		}

		if err := c.index.ApplyTx(ctx, tx, rec); err != nil {
			return err
		}

		record = rec

		return nil
	})
	if err != nil {
		return event.Record{}, skyerr.Wrap(skyerr.KindStoreIndex, "append and apply", err)
	}

	return record, nil
}

// AppendUpsertIfMissing appends and applies ev only if no live row already
// exists for its post's URI, returning ok=false when it was a dedup skip.
// The URI check, the append, and the projection all run inside one
// transaction, so two concurrent dispatches for the same URI can never
// both observe "missing" and both append.
func (c *Committer) AppendUpsertIfMissing(ctx context.Context, ev event.Event) (event.Record, bool, error) {
	if ev.Kind != event.KindPostUpsert || ev.Post == nil {
		return event.Record{}, false, skyerr.New(skyerr.KindInput, "appendUpsertIfMissing requires a post_upsert event")
	}

	var (
		record  event.Record
		applied bool
	)

	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		exists, err := c.index.HasURITx(ctx, tx, ev.Post.URI)
		if err != nil {
			return err
		}

		if exists {
			return nil
		}

		rec, err := c.log.AppendTx(ctx, tx, ev)
		if err != nil {
			return err
		}

		if err := c.index.ApplyTx(ctx, tx, rec); err != nil {
			return err
		}

		record = rec
		applied = true

		return nil
	})
	if err != nil {
		return event.Record{}, false, skyerr.Wrap(skyerr.KindStoreIndex, "append upsert if missing", err)
	}

	return record, applied, nil
}

// AppendDelete appends and applies a single PostDelete event, in one
// transaction.
func (c *Committer) AppendDelete(ctx context.Context, uri post.PostURI, meta event.Meta) (event.Record, error) {
	return c.appendAndApply(ctx, event.NewPostDelete(uri, meta))
}

// AppendDeletes appends and applies one PostDelete event per uri, all in a
// single outer transaction: either every delete in the batch lands, or (on
// a failure partway through) none of them do.
func (c *Committer) AppendDeletes(ctx context.Context, uris []post.PostURI, meta event.Meta) ([]event.Record, error) {
	records := make([]event.Record, 0, len(uris))

	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, uri := range uris {
			rec, err := c.log.AppendTx(ctx, tx, event.NewPostDelete(uri, meta))
			if err != nil {
				return err
			}

			if err := c.index.ApplyTx(ctx, tx, rec); err != nil {
				return err
			}

			records = append(records, rec)
		}

		return nil
	})
	if err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "append deletes", err)
	}

	return records, nil
}
