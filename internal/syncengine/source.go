package syncengine

import (
	"context"

	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/post"
)

// RawPost is one item produced by a DataSource before it has been parsed.
// PageCursor is non-nil exactly on the item that closes a page boundary,
// mirroring the `_pageCursor` sentinel used throughout the DataSource
// contract: most items carry a nil cursor, and the sync engine only
// persists a checkpoint when it sees one set.
type RawPost struct {
	Payload    []byte
	PageCursor *string
}

// ParseResult is a parse outcome: either a post to upsert, or a URI to
// delete (a firehose "delete" commit never carries post content).
type ParseResult struct {
	Kind event.Kind
	Post post.Post    // populated when Kind == event.KindPostUpsert
	URI  post.PostURI // populated when Kind == event.KindPostDelete
}

// Parser turns a RawPost's raw payload into a ParseResult. The one concrete
// implementation wired end-to-end is JetstreamParser (see jetstream_parser.go);
// other DataSource variants (timeline, notifications, feed-by-URI,
// author-feed, post-thread, thread) are test-double-only per the
// transport-layer Non-goal.
type Parser interface {
	Parse(raw RawPost) (ParseResult, error)
}

// DataSource is the external-collaborator interface sync/watch pull raw
// items from. Seek resumes a resumable source from a previously-saved
// cursor; sources that cannot resume (e.g. a pure test double) may treat it
// as a reset-to-start no-op. Next returns ok=false once a finite source is
// exhausted; an infinite source (jetstream) never returns ok=false under
// normal operation.
type DataSource interface {
	Name() string
	Seek(ctx context.Context, cursor string) error
	Next(ctx context.Context) (RawPost, bool, error)
	Close() error
}
