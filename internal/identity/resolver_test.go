package identity_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/identity"
	"github.com/skygent-io/skygent/internal/post"
)

type fakeProfileSource struct {
	mu          sync.Mutex
	batches     [][]post.Did
	profiles    map[post.Did]post.Handle
	getCalls    int32
	resolveCall int32
	err         error
}

func (f *fakeProfileSource) GetProfiles(_ context.Context, dids []post.Did) (map[post.Did]post.Handle, error) {
	atomic.AddInt32(&f.getCalls, 1)

	f.mu.Lock()
	f.batches = append(f.batches, append([]post.Did(nil), dids...))
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	out := make(map[post.Did]post.Handle, len(dids))

	for _, did := range dids {
		if handle, ok := f.profiles[did]; ok {
			out[did] = handle
		}
	}

	return out, nil
}

func (f *fakeProfileSource) ResolveIdentity(_ context.Context, did post.Did) (post.Handle, error) {
	atomic.AddInt32(&f.resolveCall, 1)

	if handle, ok := f.profiles[did]; ok {
		return handle, nil
	}

	return "", fmt.Errorf("not found: %s", did)
}

func newTestResolver(t *testing.T, source *fakeProfileSource, cfg identity.Config) (*identity.Resolver, *identity.Store) {
	t.Helper()

	store, err := identity.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := identity.New(store, source, cfg, nil)
	t.Cleanup(func() { _ = r.Close() })

	return r, store
}

func TestHandleForDid_ResolvesViaGetProfilesAndPopulatesL1(t *testing.T) {
	source := &fakeProfileSource{profiles: map[post.Did]post.Handle{
		"did:plc:alice": "alice.bsky.social",
	}}

	r, store := newTestResolver(t, source, identity.Config{Window: time.Millisecond})

	handle, err := r.HandleForDid(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	require.Equal(t, post.Handle("alice.bsky.social"), handle)

	rec, ok, err := store.LookupHandle(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, identity.SourceGetProfiles, rec.Source)
	require.False(t, rec.Verified)
}

func TestHandleForDid_MissingProfileReturnsNotFoundError(t *testing.T) {
	source := &fakeProfileSource{profiles: map[post.Did]post.Handle{}}
	r, _ := newTestResolver(t, source, identity.Config{Window: time.Millisecond})

	_, err := r.HandleForDid(context.Background(), "did:plc:ghost")
	require.ErrorIs(t, err, identity.ErrProfileNotFound)
}

func TestHandleForDid_ConcurrentCallsForSameDidCoalesceViaSingleflight(t *testing.T) {
	source := &fakeProfileSource{profiles: map[post.Did]post.Handle{
		"did:plc:alice": "alice.bsky.social",
	}}
	r, _ := newTestResolver(t, source, identity.Config{Window: 50 * time.Millisecond})

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			handle, err := r.HandleForDid(context.Background(), "did:plc:alice")
			require.NoError(t, err)
			require.Equal(t, post.Handle("alice.bsky.social"), handle)
		}()
	}

	wg.Wait()

	require.LessOrEqual(t, int(atomic.LoadInt32(&source.getCalls)), 1)
}

func TestHandleForDid_BatchesManyDistinctDidsIntoFewRequests(t *testing.T) {
	profiles := make(map[post.Did]post.Handle, 60)

	for i := 0; i < 60; i++ {
		did := post.Did(fmt.Sprintf("did:plc:user%d", i))
		profiles[did] = post.Handle(fmt.Sprintf("user%d.bsky.social", i))
	}

	source := &fakeProfileSource{profiles: profiles}
	r, _ := newTestResolver(t, source, identity.Config{Window: 200 * time.Millisecond, MaxBatch: 25})

	var wg sync.WaitGroup

	for did := range profiles {
		wg.Add(1)

		go func(did post.Did) {
			defer wg.Done()

			_, err := r.HandleForDid(context.Background(), did)
			require.NoError(t, err)
		}(did)
	}

	wg.Wait()

	// ceil(60/25) = 3
	require.LessOrEqual(t, int(atomic.LoadInt32(&source.getCalls)), 3)
}

func TestHandleForDid_StrictModeUsesResolveIdentityPerDid(t *testing.T) {
	source := &fakeProfileSource{profiles: map[post.Did]post.Handle{
		"did:plc:alice": "alice.bsky.social",
	}}
	r, store := newTestResolver(t, source, identity.Config{Window: time.Millisecond, Strict: true})

	handle, err := r.HandleForDid(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	require.Equal(t, post.Handle("alice.bsky.social"), handle)
	require.EqualValues(t, 0, atomic.LoadInt32(&source.getCalls))
	require.EqualValues(t, 1, atomic.LoadInt32(&source.resolveCall))

	rec, ok, err := store.LookupHandle(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Verified)
}

func TestHandleForDid_CacheHitAvoidsSource(t *testing.T) {
	source := &fakeProfileSource{profiles: map[post.Did]post.Handle{
		"did:plc:alice": "alice.bsky.social",
	}}
	r, _ := newTestResolver(t, source, identity.Config{Window: time.Millisecond})

	_, err := r.HandleForDid(context.Background(), "did:plc:alice")
	require.NoError(t, err)

	_, err = r.HandleForDid(context.Background(), "did:plc:alice")
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt32(&source.getCalls))
}
