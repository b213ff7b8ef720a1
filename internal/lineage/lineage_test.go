package lineage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/filter"
	"github.com/skygent-io/skygent/internal/lineage"
	"github.com/skygent-io/skygent/internal/post"
)

func TestGet_MissingReturnsNotOK(t *testing.T) {
	s := lineage.New(t.TempDir(), nil)

	_, ok, err := s.Get(context.Background(), post.StoreName("derived"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsert_CreatesThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := lineage.New(t.TempDir(), nil)

	err := s.Upsert(ctx, post.StoreName("derived"), post.StoreName("raw"), filter.All(), "hash-1", "event_time", post.Now())
	require.NoError(t, err)

	lin, ok, err := s.Get(ctx, post.StoreName("derived"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, lin.IsDerived)
	require.Len(t, lin.Sources, 1)
	require.Equal(t, post.StoreName("raw"), lin.Sources[0].StoreName)
	require.Equal(t, "hash-1", lin.Sources[0].FilterHash)
}

func TestUpsert_SameSourceReplacesRatherThanAppends(t *testing.T) {
	ctx := context.Background()
	s := lineage.New(t.TempDir(), nil)

	require.NoError(t, s.Upsert(ctx, post.StoreName("derived"), post.StoreName("raw"), filter.All(), "hash-1", "event_time", post.Now()))
	require.NoError(t, s.Upsert(ctx, post.StoreName("derived"), post.StoreName("raw"), filter.None(), "hash-2", "event_time", post.Now()))

	lin, ok, err := s.Get(ctx, post.StoreName("derived"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, lin.Sources, 1)
	require.Equal(t, "hash-2", lin.Sources[0].FilterHash)
}

func TestUpsert_MultipleSourcesAccumulate(t *testing.T) {
	ctx := context.Background()
	s := lineage.New(t.TempDir(), nil)

	require.NoError(t, s.Upsert(ctx, post.StoreName("derived"), post.StoreName("raw-a"), filter.All(), "hash-a", "event_time", post.Now()))
	require.NoError(t, s.Upsert(ctx, post.StoreName("derived"), post.StoreName("raw-b"), filter.All(), "hash-b", "event_time", post.Now()))

	lin, ok, err := s.Get(ctx, post.StoreName("derived"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, lin.Sources, 2)
}

func TestRemove_DeletesRecord(t *testing.T) {
	ctx := context.Background()
	s := lineage.New(t.TempDir(), nil)

	require.NoError(t, s.Upsert(ctx, post.StoreName("derived"), post.StoreName("raw"), filter.All(), "hash-1", "event_time", post.Now()))
	require.NoError(t, s.Remove(ctx, post.StoreName("derived")))

	_, ok, err := s.Get(ctx, post.StoreName("derived"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemove_MissingIsNoop(t *testing.T) {
	s := lineage.New(t.TempDir(), nil)

	require.NoError(t, s.Remove(context.Background(), post.StoreName("nope")))
}

func TestRenameSource_RewritesReferencingLineages(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := lineage.New(root, nil)

	require.NoError(t, s.Upsert(ctx, post.StoreName("derived-1"), post.StoreName("raw"), filter.All(), "hash-1", "event_time", post.Now()))
	require.NoError(t, s.Upsert(ctx, post.StoreName("derived-2"), post.StoreName("raw"), filter.None(), "hash-2", "event_time", post.Now()))

	require.NoError(t, s.RenameSource(ctx, post.StoreName("raw"), post.StoreName("raw-renamed")))

	lin1, ok, err := s.Get(ctx, post.StoreName("derived-1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, post.StoreName("raw-renamed"), lin1.Sources[0].StoreName)

	lin2, ok, err := s.Get(ctx, post.StoreName("derived-2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, post.StoreName("raw-renamed"), lin2.Sources[0].StoreName)
}

func TestRenameSource_RewritesOwnRecordWhenDerivedStoreItselfRenamed(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := lineage.New(root, nil)

	require.NoError(t, s.Upsert(ctx, post.StoreName("derived"), post.StoreName("raw"), filter.All(), "hash-1", "event_time", post.Now()))

	require.NoError(t, s.RenameSource(ctx, post.StoreName("derived"), post.StoreName("derived-renamed")))

	_, ok, err := s.Get(ctx, post.StoreName("derived"))
	require.NoError(t, err)
	require.False(t, ok)

	lin, ok, err := s.Get(ctx, post.StoreName("derived-renamed"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, post.StoreName("derived-renamed"), lin.StoreName)
}

func TestStale_ComparesEventIDs(t *testing.T) {
	require.True(t, lineage.Stale(post.EventID("02B"), post.EventID("02A")))
	require.False(t, lineage.Stale(post.EventID("02A"), post.EventID("02A")))
}

func TestStartSweep_RemovesLineageForDeletedStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := lineage.New(root, nil)

	require.NoError(t, s.Upsert(ctx, post.StoreName("gone"), post.StoreName("raw"), filter.All(), "hash-1", "event_time", post.Now()))

	// Only "gone" has a lineage file, and no store.db is ever created under
	// root/stores/gone, so a sweep should remove it.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stores", "gone"), 0o755))

	s.StartSweep(10 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })

	require.Eventually(t, func() bool {
		_, ok, err := s.Get(ctx, post.StoreName("gone"))
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)
}
