package syncengine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/checkpoint"
	"github.com/skygent-io/skygent/internal/committer"
	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/eventlog"
	"github.com/skygent-io/skygent/internal/filter"
	"github.com/skygent-io/skygent/internal/filterrt"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/storedb"
	"github.com/skygent-io/skygent/internal/storeindex"
	"github.com/skygent-io/skygent/internal/syncengine"
)

type fakeSource struct {
	name  string
	items []syncengine.RawPost
	pos   int
	seeks []string
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Seek(_ context.Context, cursor string) error {
	f.seeks = append(f.seeks, cursor)

	for i, item := range f.items {
		if item.PageCursor != nil && *item.PageCursor == cursor {
			f.pos = i + 1
			return nil
		}
	}

	return nil
}

func (f *fakeSource) Next(_ context.Context) (syncengine.RawPost, bool, error) {
	if f.pos >= len(f.items) {
		return syncengine.RawPost{}, false, nil
	}

	item := f.items[f.pos]
	f.pos++

	return item, true, nil
}

func (f *fakeSource) Close() error { return nil }

type fakeParser struct {
	results map[string]syncengine.ParseResult
	errs    map[string]error
}

func (f *fakeParser) Parse(raw syncengine.RawPost) (syncengine.ParseResult, error) {
	key := string(raw.Payload)
	if err, ok := f.errs[key]; ok {
		return syncengine.ParseResult{}, err
	}

	return f.results[key], nil
}

func cursorPtr(s string) *string { return &s }

func testPost(t *testing.T, uri string) post.Post {
	t.Helper()

	handle, err := post.ParseHandle("alice.bsky.social")
	require.NoError(t, err)

	return post.Post{
		URI:       post.PostURI(uri),
		Author:    handle,
		Text:      "hello",
		CreatedAt: post.Now(),
	}
}

type testHarness struct {
	engine      *syncengine.Engine
	checkpoints *checkpoint.SyncStore
	store       post.StoreName
}

func newHarness(t *testing.T) testHarness {
	t.Helper()

	name, err := post.ParseStoreName("test-store")
	require.NoError(t, err)

	db, err := storedb.Open(context.Background(), t.TempDir(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := eventlog.New(db)
	index := storeindex.New(db, log)
	c := committer.New(log, index)
	checkpoints := checkpoint.NewSyncStore(db)
	runtime := filterrt.New(filterrt.Providers{}, 0)

	return testHarness{
		engine:      syncengine.New(checkpoints, c, index, runtime, nil),
		checkpoints: checkpoints,
		store:       name,
	}
}

func TestSync_DedupePolicySkipsAlreadyIndexedURI(t *testing.T) {
	h := newHarness(t)

	p := testPost(t, "at://did:plc:alice/app.bsky.feed.post/a")

	source := &fakeSource{name: "test", items: []syncengine.RawPost{
		{Payload: []byte("a"), PageCursor: cursorPtr("1")},
		{Payload: []byte("a"), PageCursor: cursorPtr("2")},
	}}
	parser := &fakeParser{results: map[string]syncengine.ParseResult{
		"a": {Kind: event.KindPostUpsert, Post: p},
	}}

	result, err := h.engine.Sync(context.Background(), h.store, source, parser, filter.All(), syncengine.Options{Policy: syncengine.PolicyDedupe})
	require.NoError(t, err)
	require.Equal(t, 1, result.PostsAdded)
	require.Equal(t, 1, result.PostsSkipped)
}

func TestSync_RefreshPolicyAlwaysAdds(t *testing.T) {
	h := newHarness(t)

	p1 := testPost(t, "at://did:plc:alice/app.bsky.feed.post/a")
	p2 := testPost(t, "at://did:plc:alice/app.bsky.feed.post/b")

	source := &fakeSource{name: "test", items: []syncengine.RawPost{
		{Payload: []byte("a"), PageCursor: cursorPtr("1")},
		{Payload: []byte("b"), PageCursor: cursorPtr("2")},
	}}
	parser := &fakeParser{results: map[string]syncengine.ParseResult{
		"a": {Kind: event.KindPostUpsert, Post: p1},
		"b": {Kind: event.KindPostUpsert, Post: p2},
	}}

	result, err := h.engine.Sync(context.Background(), h.store, source, parser, filter.All(), syncengine.Options{Policy: syncengine.PolicyRefresh})
	require.NoError(t, err)
	require.Equal(t, 2, result.PostsAdded)
}

func TestSync_FilterExcludesNonMatchingPosts(t *testing.T) {
	h := newHarness(t)

	p := testPost(t, "at://did:plc:alice/app.bsky.feed.post/a")

	source := &fakeSource{name: "test", items: []syncengine.RawPost{
		{Payload: []byte("a"), PageCursor: cursorPtr("1")},
	}}
	parser := &fakeParser{results: map[string]syncengine.ParseResult{
		"a": {Kind: event.KindPostUpsert, Post: p},
	}}

	result, err := h.engine.Sync(context.Background(), h.store, source, parser, filter.None(), syncengine.Options{Policy: syncengine.PolicyDedupe})
	require.NoError(t, err)
	require.Equal(t, 0, result.PostsAdded)
	require.Equal(t, 1, result.PostsSkipped)
}

func TestSync_SavesCheckpointOnPageBoundaryAndResumesNextRun(t *testing.T) {
	h := newHarness(t)

	p1 := testPost(t, "at://did:plc:alice/app.bsky.feed.post/a")
	p2 := testPost(t, "at://did:plc:alice/app.bsky.feed.post/b")

	source := &fakeSource{name: "test", items: []syncengine.RawPost{
		{Payload: []byte("a"), PageCursor: cursorPtr("1")},
		{Payload: []byte("b"), PageCursor: cursorPtr("2")},
	}}
	parser := &fakeParser{results: map[string]syncengine.ParseResult{
		"a": {Kind: event.KindPostUpsert, Post: p1},
		"b": {Kind: event.KindPostUpsert, Post: p2},
	}}

	_, err := h.engine.Sync(context.Background(), h.store, source, parser, filter.All(), syncengine.Options{Policy: syncengine.PolicyDedupe})
	require.NoError(t, err)

	cp, ok, err := h.checkpoints.Load(context.Background(), h.store, "test")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", cp.Cursor)

	// A second run with the same filter should seek using the saved cursor.
	source2 := &fakeSource{name: "test", items: source.items}
	_, err = h.engine.Sync(context.Background(), h.store, source2, parser, filter.All(), syncengine.Options{Policy: syncengine.PolicyDedupe})
	require.NoError(t, err)
	require.Equal(t, []string{"2"}, source2.seeks)
}

func TestSync_StopsOnParseErrorWhenStrict(t *testing.T) {
	h := newHarness(t)

	boom := errors.New("boom")

	source := &fakeSource{name: "test", items: []syncengine.RawPost{
		{Payload: []byte("bad"), PageCursor: cursorPtr("1")},
		{Payload: []byte("a"), PageCursor: cursorPtr("2")},
	}}
	parser := &fakeParser{
		results: map[string]syncengine.ParseResult{"a": {Kind: event.KindPostUpsert, Post: testPost(t, "at://did:plc:alice/app.bsky.feed.post/a")}},
		errs:    map[string]error{"bad": boom},
	}

	result, err := h.engine.Sync(context.Background(), h.store, source, parser, filter.All(), syncengine.Options{Strict: true, Policy: syncengine.PolicyDedupe})
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	require.Equal(t, 0, result.PostsAdded)

	// checkpoint must not advance past the failing item
	_, ok, err := h.checkpoints.Load(context.Background(), h.store, "test")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSync_FlushesFinalCheckpointEvenWhenNothingMatched(t *testing.T) {
	h := newHarness(t)

	source := &fakeSource{name: "test", items: nil}
	parser := &fakeParser{results: map[string]syncengine.ParseResult{}}

	_, err := h.engine.Sync(context.Background(), h.store, source, parser, filter.All(), syncengine.Options{Policy: syncengine.PolicyDedupe})
	require.NoError(t, err)

	_, ok, err := h.checkpoints.Load(context.Background(), h.store, "test")
	require.NoError(t, err)
	require.True(t, ok)
}
