package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/identity"
	"github.com/skygent-io/skygent/internal/post"
)

func newTestStore(t *testing.T) *identity.Store {
	t.Helper()

	s, err := identity.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestLookupHandle_MissingReturnsNotOK(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LookupHandle(context.Background(), post.Did("did:plc:alice"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertThenLookupHandle_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, post.Did("did:plc:alice"), post.Handle("alice.bsky.social"), true, identity.SourceResolveIdentity, post.Now()))

	rec, ok, err := s.LookupHandle(ctx, post.Did("did:plc:alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, post.Handle("alice.bsky.social"), rec.Handle)
	require.True(t, rec.Verified)
	require.Equal(t, identity.SourceResolveIdentity, rec.Source)
}

func TestUpsert_OverwritesPriorRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, post.Did("did:plc:alice"), post.Handle("alice-old.bsky.social"), false, identity.SourceGetProfiles, post.Now()))
	require.NoError(t, s.Upsert(ctx, post.Did("did:plc:alice"), post.Handle("alice-new.bsky.social"), true, identity.SourceResolveIdentity, post.Now()))

	rec, ok, err := s.LookupHandle(ctx, post.Did("did:plc:alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, post.Handle("alice-new.bsky.social"), rec.Handle)
	require.True(t, rec.Verified)
}

func TestLookupDid_FindsByHandle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, post.Did("did:plc:alice"), post.Handle("alice.bsky.social"), true, identity.SourceResolveIdentity, post.Now()))

	rec, ok, err := s.LookupDid(ctx, post.Handle("alice.bsky.social"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, post.Did("did:plc:alice"), rec.Did)
}
