package syncengine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/post"
)

// jetstreamEnvelope is the bridge's wire shape for one firehose commit:
// a DID-scoped operation against a single record collection. Only
// app.bsky.feed.post commits are relevant here; JetstreamParser rejects a
// commit against any other collection with ErrUnsupportedCollection.
type jetstreamEnvelope struct {
	Did    string `json:"did"`
	Kind   string `json:"kind"`
	Commit struct {
		Operation  string          `json:"operation"`
		Collection string          `json:"collection"`
		RKey       string          `json:"rkey"`
		Record     json.RawMessage `json:"record"`
	} `json:"commit"`
}

// jetstreamRecord is the subset of an app.bsky.feed.post record this
// parser extracts. Facet-derived fields (hashtags, mentions, links) are
// expected pre-extracted by the bridge, matching the real jetstream
// firehose convention of shipping the raw lexicon record rather than a
// pre-parsed Post.
type jetstreamRecord struct {
	Text      string   `json:"text"`
	CreatedAt string   `json:"createdAt"`
	Langs     []string `json:"langs"`
	Hashtags  []string `json:"hashtags"`
	Mentions  []string `json:"mentions"`
	Links     []string `json:"links"`
	Reply     *struct {
		Root   post.StrongRef `json:"root"`
		Parent post.StrongRef `json:"parent"`
	} `json:"reply"`
}

const postCollection = "app.bsky.feed.post"

// ErrUnsupportedCollection is returned by JetstreamParser for a commit
// against any collection other than app.bsky.feed.post.
var ErrUnsupportedCollection = fmt.Errorf("jetstream: unsupported collection")

// JetstreamParser implements Parser against JetstreamSource's wire format.
type JetstreamParser struct{}

// Parse decodes raw.Payload as a jetstreamEnvelope and maps it to a
// ParseResult.
func (JetstreamParser) Parse(raw RawPost) (ParseResult, error) {
	var envelope jetstreamEnvelope
	if err := json.Unmarshal(raw.Payload, &envelope); err != nil {
		return ParseResult{}, fmt.Errorf("decode jetstream envelope: %w", err)
	}

	if envelope.Commit.Collection != postCollection {
		return ParseResult{}, fmt.Errorf("%w: %q", ErrUnsupportedCollection, envelope.Commit.Collection)
	}

	did, err := post.ParseDid(envelope.Did)
	if err != nil {
		return ParseResult{}, fmt.Errorf("parse jetstream did: %w", err)
	}

	uri := post.PostURI(fmt.Sprintf("at://%s/%s/%s", did, postCollection, envelope.Commit.RKey))

	if envelope.Commit.Operation == "delete" {
		return ParseResult{Kind: event.KindPostDelete, URI: uri}, nil
	}

	var rec jetstreamRecord
	if err := json.Unmarshal(envelope.Commit.Record, &rec); err != nil {
		return ParseResult{}, fmt.Errorf("decode jetstream post record: %w", err)
	}

	createdAt, err := parseRecordTimestamp(rec.CreatedAt)
	if err != nil {
		return ParseResult{}, fmt.Errorf("parse jetstream record createdAt: %w", err)
	}

	hashtags := make([]post.Hashtag, 0, len(rec.Hashtags))

	for _, tag := range rec.Hashtags {
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}

		parsed, err := post.ParseHashtag(tag)
		if err != nil {
			continue
		}

		hashtags = append(hashtags, parsed)
	}

	p := post.Post{
		URI: uri,
		// Author (handle) is left empty here: the firehose only carries the
		// DID, and resolving it to a handle is internal/identity's job, run
		// as a separate enrichment pass over newly-committed posts.
		AuthorDid: did,
		Text:      rec.Text,
		CreatedAt: createdAt,
		Hashtags:  hashtags,
		Links:     rec.Links,
		Langs:     rec.Langs,
		IndexedAt: post.Now(),
	}

	if rec.Reply != nil {
		p.Reply = &post.Reply{Root: rec.Reply.Root, Parent: rec.Reply.Parent}
	}

	return ParseResult{Kind: event.KindPostUpsert, Post: p}, nil
}

func parseRecordTimestamp(s string) (post.Timestamp, error) {
	var t post.Timestamp
	if err := (&t).UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
		return post.Timestamp{}, err
	}

	return t, nil
}
