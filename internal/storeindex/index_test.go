package storeindex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/eventlog"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/storedb"
	"github.com/skygent-io/skygent/internal/storeindex"
)

func newTestIndex(t *testing.T) (*storeindex.Index, *eventlog.Log) {
	t.Helper()

	ctx := context.Background()
	db, err := storedb.Open(ctx, t.TempDir(), post.StoreName("test"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	log := eventlog.New(db)

	return storeindex.New(db, log), log
}

func TestApply_UpsertThenGetByHashtagAndDate(t *testing.T) {
	idx, log := newTestIndex(t)
	ctx := context.Background()

	p := post.Post{
		URI:       "at://x/app.bsky.feed.post/1",
		Author:    "alice.bsky",
		Text:      "Hello #effect",
		CreatedAt: mustTimestamp(t, "2026-01-01T00:00:00Z"),
		IndexedAt: mustTimestamp(t, "2026-01-01T00:00:00Z"),
		Hashtags:  []post.Hashtag{"#effect"},
	}

	record, err := log.Append(ctx, event.NewPostUpsert(p, event.Meta{Source: "test", CreatedAt: p.CreatedAt}))
	require.NoError(t, err)

	require.NoError(t, idx.Apply(ctx, record))

	byTag, err := idx.GetByHashtag(ctx, "#effect")
	require.NoError(t, err)
	require.Equal(t, []post.PostURI{"at://x/app.bsky.feed.post/1"}, byTag)

	byDate, err := idx.GetByDate(ctx, "2026-01-01")
	require.NoError(t, err)
	require.Equal(t, []post.PostURI{"at://x/app.bsky.feed.post/1"}, byDate)
}

func TestApply_DeleteRemovesRow(t *testing.T) {
	idx, log := newTestIndex(t)
	ctx := context.Background()

	p := post.Post{
		URI:       "at://x/app.bsky.feed.post/1",
		Author:    "alice.bsky",
		Text:      "hello",
		CreatedAt: post.Now(),
		IndexedAt: post.Now(),
	}

	upsertRec, err := log.Append(ctx, event.NewPostUpsert(p, event.Meta{Source: "test", CreatedAt: post.Now()}))
	require.NoError(t, err)
	require.NoError(t, idx.Apply(ctx, upsertRec))

	deleteRec, err := log.Append(ctx, event.NewPostDelete(p.URI, event.Meta{Source: "test", CreatedAt: post.Now()}))
	require.NoError(t, err)
	require.NoError(t, idx.Apply(ctx, deleteRec))

	has, err := idx.HasURI(ctx, p.URI)
	require.NoError(t, err)
	require.False(t, has)
}

func TestEnsureBootstrapped_RebuildsFromLog(t *testing.T) {
	idx, log := newTestIndex(t)
	ctx := context.Background()

	p := post.Post{
		URI:       "at://x/app.bsky.feed.post/1",
		Author:    "alice.bsky",
		Text:      "hello",
		CreatedAt: post.Now(),
		IndexedAt: post.Now(),
	}

	_, err := log.Append(ctx, event.NewPostUpsert(p, event.Meta{Source: "test", CreatedAt: post.Now()}))
	require.NoError(t, err)

	// Index never applied the append above: bootstrap must notice the
	// mismatch between posts count (0) and PostUpsert event count (1).
	require.NoError(t, idx.EnsureBootstrapped(ctx))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func mustTimestamp(t *testing.T, s string) post.Timestamp {
	t.Helper()

	var ts post.Timestamp
	require.NoError(t, ts.UnmarshalJSON([]byte(`"`+s+`"`)))

	return ts
}
