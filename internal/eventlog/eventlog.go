// Package eventlog owns the append-only event_log table: id generation,
// append, ascending stream, clear, and last-id lookup.
package eventlog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
	"github.com/skygent-io/skygent/internal/storedb"
)

const pageSize = 500

// Log appends and streams the event_log of one store. It owns a monotonic
// ULID source so ids strictly increase in append order, per spec's id
// generation invariant: given clock t, if t <= last.t, reuse last.t and
// increment the random bits, carrying into t+1 on overflow. AppendTx applies
// this against the last_event_id stored in event_log_meta, with
// ulid.Monotonic's entropy source doing the increment within a millisecond.
type Log struct {
	db      *storedb.DB
	entropy io.Reader
}

// New constructs a Log over db. The monotonic entropy source is seeded from
// crypto/rand and is safe to share across the store's single writer because
// every append happens inside db.WithTx, which already serializes writers.
func New(db *storedb.DB) *Log {
	return &Log{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Append generates the next EventId, wraps ev in a Record, inserts it, and
// upserts event_log_meta.last_event_id, all in one transaction.
func (l *Log) Append(ctx context.Context, ev event.Event) (event.Record, error) {
	var record event.Record

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		rec, err := l.AppendTx(ctx, tx, ev)
		if err != nil {
			return err
		}

		record = rec

		return nil
	})
	if err != nil {
		return event.Record{}, skyerr.Wrap(skyerr.KindStoreIO, "append event", err)
	}

	return record, nil
}

// AppendTx is Append's logic run against a caller-supplied transaction, so
// callers that need the append to be atomic with other reads/writes (the
// committer's check-then-append-then-apply) can fold it into their own
// single transaction instead of opening a second one.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, ev event.Event) (event.Record, error) {
	if err := ev.Validate(); err != nil {
		return event.Record{}, fmt.Errorf("%w: %v", skyerr.New(skyerr.KindInput, "invalid event"), err)
	}

	var lastID string
	if err := tx.QueryRowContext(ctx, "SELECT value FROM event_log_meta WHERE key = 'last_event_id'").Scan(&lastID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return event.Record{}, fmt.Errorf("read last event id: %w", err)
	}

	last, parseErr := ulid.ParseStrict(lastID)
	hasLast := parseErr == nil
	ms := ulid.Timestamp(time.Now())
	if hasLast && ms < last.Time() {
		ms = last.Time()
	}

	id, err := ulid.New(ms, l.entropy)
	if hasLast && (errors.Is(err, ulid.ErrMonotonicOverflow) || (err == nil && id.Compare(last) <= 0)) {
		id, err = ulid.New(ms+1, l.entropy)
	}
	if err != nil {
		return event.Record{}, fmt.Errorf("generate event id: %w", err)
	}

	record := event.NewRecord(post.EventID(id.String()), ev)

	payload, err := json.Marshal(record.Event)
	if err != nil {
		return event.Record{}, fmt.Errorf("encode event payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO event_log (event_id, kind, payload, created_at) VALUES (?, ?, ?, ?)",
		string(record.ID), string(ev.Kind), string(payload), ev.Meta.CreatedAt.String(),
	)
	if err != nil {
		return event.Record{}, fmt.Errorf("insert event_log row: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO event_log_meta (key, value) VALUES ('last_event_id', ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		string(record.ID),
	)
	if err != nil {
		return event.Record{}, fmt.Errorf("upsert last_event_id: %w", err)
	}

	return record, nil
}

// Stream emits every record with event_id > afterID (pass "" for the full
// log), in ascending event_id order, page by page (pageSize rows at a
// time), invoking visit for each decoded record. Returning a non-nil error
// from visit stops the stream and is returned from Stream.
func (l *Log) Stream(ctx context.Context, afterID post.EventID, visit func(event.Record) error) error {
	cursor := string(afterID)

	for {
		rows, err := l.db.Query(ctx,
			"SELECT event_id, payload FROM event_log WHERE event_id > ? ORDER BY event_id ASC LIMIT ?",
			cursor, pageSize,
		)
		if err != nil {
			return skyerr.Wrap(skyerr.KindStoreIO, "stream event log", err)
		}

		n := 0

		for rows.Next() {
			var (
				id      string
				payload string
			)

			if err := rows.Scan(&id, &payload); err != nil {
				_ = rows.Close()

				return skyerr.Wrap(skyerr.KindStoreIO, "scan event log row", err)
			}

			var ev event.Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				_ = rows.Close()

				return skyerr.Wrap(skyerr.KindStoreIO, "decode event payload", err)
			}

			if err := visit(event.Record{ID: post.EventID(id), Version: 1, Event: ev}); err != nil {
				_ = rows.Close()

				return err
			}

			cursor = id
			n++
		}

		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return skyerr.Wrap(skyerr.KindStoreIO, "iterate event log", err)
		}

		if closeErr != nil {
			return skyerr.Wrap(skyerr.KindStoreIO, "close event log rows", closeErr)
		}

		if n < pageSize {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stream cancelled: %w", err)
		}
	}
}

// Clear deletes every row in event_log and event_log_meta, in one
// transaction. Used only by the admin reset path.
func (l *Log) Clear(ctx context.Context) error {
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM event_log"); err != nil {
			return fmt.Errorf("clear event_log: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM event_log_meta"); err != nil {
			return fmt.Errorf("clear event_log_meta: %w", err)
		}

		return nil
	})
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "clear event log", err)
	}

	return nil
}

// GetLastEventID reads event_log_meta's last_event_id, falling back to
// MAX(event_id) if the meta row is absent, and reporting ok=false if the
// log is empty.
func (l *Log) GetLastEventID(ctx context.Context) (post.EventID, bool, error) {
	var id sql.NullString

	row := l.db.QueryRow(ctx, "SELECT value FROM event_log_meta WHERE key = 'last_event_id'")
	if err := row.Scan(&id); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, skyerr.Wrap(skyerr.KindStoreIO, "read last event id", err)
		}
	} else if id.Valid {
		return post.EventID(id.String), true, nil
	}

	row = l.db.QueryRow(ctx, "SELECT MAX(event_id) FROM event_log")
	if err := row.Scan(&id); err != nil {
		return "", false, skyerr.Wrap(skyerr.KindStoreIO, "read max event id", err)
	}

	if !id.Valid {
		return "", false, nil
	}

	return post.EventID(id.String), true, nil
}
