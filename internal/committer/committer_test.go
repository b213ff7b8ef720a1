package committer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/committer"
	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/eventlog"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/storedb"
	"github.com/skygent-io/skygent/internal/storeindex"
)

func newTestCommitter(t *testing.T) *committer.Committer {
	t.Helper()

	ctx := context.Background()
	db, err := storedb.Open(ctx, t.TempDir(), post.StoreName("test"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	log := eventlog.New(db)
	index := storeindex.New(db, log)

	return committer.New(log, index)
}

func TestAppendUpsertIfMissing_DedupsByURI(t *testing.T) {
	c := newTestCommitter(t)
	ctx := context.Background()

	p := post.Post{
		URI:       "at://x/app.bsky.feed.post/1",
		Author:    "alice.bsky",
		Text:      "hello",
		CreatedAt: post.Now(),
		IndexedAt: post.Now(),
	}
	ev := event.NewPostUpsert(p, event.Meta{Source: "test", CreatedAt: post.Now()})

	_, inserted, err := c.AppendUpsertIfMissing(ctx, ev)
	require.NoError(t, err)
	require.True(t, inserted)

	_, insertedAgain, err := c.AppendUpsertIfMissing(ctx, ev)
	require.NoError(t, err)
	require.False(t, insertedAgain)
}

func TestAppendDeletes_AppendsOnePerURI(t *testing.T) {
	c := newTestCommitter(t)
	ctx := context.Background()

	meta := event.Meta{Source: "test", CreatedAt: post.Now()}

	for i, uri := range []post.PostURI{"at://x/app.bsky.feed.post/1", "at://x/app.bsky.feed.post/2"} {
		p := post.Post{URI: uri, Author: "alice.bsky", Text: "hi", CreatedAt: post.Now(), IndexedAt: post.Now()}
		_, _, err := c.AppendUpsertIfMissing(ctx, event.NewPostUpsert(p, meta))
		require.NoError(t, err, "seed post %d", i)
	}

	records, err := c.AppendDeletes(ctx, []post.PostURI{
		"at://x/app.bsky.feed.post/1",
		"at://x/app.bsky.feed.post/2",
	}, meta)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotEqual(t, records[0].ID, records[1].ID)
}
