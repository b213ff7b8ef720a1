// Package event defines the tagged Event union appended to a store's event
// log, and the EventRecord envelope that wraps it for the wire/on-disk
// format.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skygent-io/skygent/internal/post"
)

// Kind discriminates the closed set of event variants. A closed enum plus a
// single Event struct (rather than an interface implemented by two types)
// matches the teacher's EventType-discriminated RunEvent/Dataset style in
// internal/ingestion, adapted from OpenLineage's run-state union to
// skygent's post-upsert/post-delete union.
type Kind string

const (
	KindPostUpsert Kind = "post_upsert"
	KindPostDelete Kind = "post_delete"
)

// ErrUnknownEventKind is returned when decoding an EventRecord whose Kind
// does not match a known variant.
var ErrUnknownEventKind = errors.New("unknown event kind")

// Meta carries the provenance of an event: which collaborator produced it,
// which CLI invocation (if any) triggered it, and when.
type Meta struct {
	Source      string         `json:"source"`
	Command     string         `json:"command,omitempty"`
	CreatedAt   post.Timestamp `json:"createdAt"`
	SourceStore post.StoreName `json:"sourceStore,omitempty"`
}

// Event is the tagged union appended to a store's log. Exactly one of Post
// or (for a delete) URI is meaningful, selected by Kind.
type Event struct {
	Kind Kind `json:"kind"`

	// Post is populated for KindPostUpsert.
	Post *post.Post `json:"post,omitempty"`

	// URI is populated for KindPostDelete.
	URI post.PostURI `json:"uri,omitempty"`

	Meta Meta `json:"meta"`
}

// NewPostUpsert constructs a KindPostUpsert event for p.
func NewPostUpsert(p post.Post, meta Meta) Event {
	return Event{Kind: KindPostUpsert, Post: &p, Meta: meta}
}

// NewPostDelete constructs a KindPostDelete event for uri.
func NewPostDelete(uri post.PostURI, meta Meta) Event {
	return Event{Kind: KindPostDelete, URI: uri, Meta: meta}
}

// Validate checks that the event is internally consistent with its Kind.
func (e Event) Validate() error {
	switch e.Kind {
	case KindPostUpsert:
		if e.Post == nil {
			return fmt.Errorf("%w: post_upsert event missing post payload", ErrUnknownEventKind)
		}
	case KindPostDelete:
		if e.URI == "" {
			return fmt.Errorf("%w: post_delete event missing uri", ErrUnknownEventKind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventKind, e.Kind)
	}

	if e.Meta.Source == "" {
		return errors.New("event meta.source cannot be empty")
	}

	return nil
}

// recordWireVersion is the EventRecord wire-format version, not the post's
// own revision. Bumping it would require a migration; it has never moved.
const recordWireVersion = 1

// Record is the envelope every event is wrapped in before being appended to
// the log or emitted on the wire: {id, version, event}.
type Record struct {
	ID      post.EventID `json:"id"`
	Version int          `json:"version"`
	Event   Event        `json:"event"`
}

// NewRecord wraps ev with id at the current wire version.
func NewRecord(id post.EventID, ev Event) Record {
	return Record{ID: id, Version: recordWireVersion, Event: ev}
}

// MarshalJSON implements json.Marshaler, always emitting the current wire
// version regardless of what r.Version was set to, so a Record built via
// struct literal (rather than NewRecord) still round-trips correctly.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record

	out := alias(r)
	out.Version = recordWireVersion

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal event record: %w", err)
	}

	return data, nil
}
