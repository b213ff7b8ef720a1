package imagecache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/imagecache"
)

func imageServer(t *testing.T, body []byte, contentType string) (*httptest.Server, *int32) {
	t.Helper()

	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func TestGet_FetchesAndCachesToDisk(t *testing.T) {
	srv, calls := imageServer(t, []byte("fake-png-bytes"), "image/png")

	c := imagecache.New(t.TempDir(), imagecache.Config{}, nil)

	path, err := c.Get(context.Background(), srv.URL, "original")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "fake-png-bytes", string(data))
	require.EqualValues(t, 2, atomic.LoadInt32(calls)) // HEAD+GET of one fetch
}

func TestGet_SecondCallWithinTTLReusesCache(t *testing.T) {
	srv, calls := imageServer(t, []byte("fake-png-bytes"), "image/png")

	c := imagecache.New(t.TempDir(), imagecache.Config{CacheTTL: time.Hour}, nil)

	_, err := c.Get(context.Background(), srv.URL, "original")
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL, "original")
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(calls)) // HEAD+GET of the first call only
}

func TestGet_RejectsNonImageContentType(t *testing.T) {
	srv, _ := imageServer(t, []byte("<html></html>"), "text/html")

	c := imagecache.New(t.TempDir(), imagecache.Config{}, nil)

	_, err := c.Get(context.Background(), srv.URL, "original")
	require.ErrorIs(t, err, imagecache.ErrContentTypeNotImage)
}

func TestGet_EnforcesMaxBytes(t *testing.T) {
	srv, _ := imageServer(t, []byte("0123456789"), "image/png")

	c := imagecache.New(t.TempDir(), imagecache.Config{MaxBytes: 4}, nil)

	_, err := c.Get(context.Background(), srv.URL, "original")
	require.ErrorIs(t, err, imagecache.ErrTooLarge)
}

func TestGet_FailureIsNegativelyCachedWithinFailureTTL(t *testing.T) {
	srv, calls := imageServer(t, []byte("<html></html>"), "text/html")

	c := imagecache.New(t.TempDir(), imagecache.Config{FailureTTL: time.Hour}, nil)

	_, err := c.Get(context.Background(), srv.URL, "original")
	require.Error(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(calls)) // HEAD+GET of one fetch

	_, err = c.Get(context.Background(), srv.URL, "original")
	require.ErrorIs(t, err, imagecache.ErrNegativeCached)
	require.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestGet_ConcurrentCallsForSameURLCoalesce(t *testing.T) {
	srv, calls := imageServer(t, []byte("fake-png-bytes"), "image/png")

	c := imagecache.New(t.TempDir(), imagecache.Config{}, nil)

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := c.Get(context.Background(), srv.URL, "original")
			require.NoError(t, err)
		}()
	}

	wg.Wait()

	require.LessOrEqual(t, int(atomic.LoadInt32(calls)), 2) // HEAD+GET on one coalesced fetch
}

func TestTTLSweep_RemovesExpiredVariantsAndEmptyMeta(t *testing.T) {
	srv, _ := imageServer(t, []byte("fake-png-bytes"), "image/png")

	root := t.TempDir()
	c := imagecache.New(root, imagecache.Config{CacheTTL: time.Hour}, nil)

	path, err := c.Get(context.Background(), srv.URL, "original")
	require.NoError(t, err)
	require.FileExists(t, path)

	result, err := c.TTLSweep(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesRemoved)
	require.Equal(t, 1, result.MetaRemoved)
	require.NoFileExists(t, path)
}

func TestOrphanSweep_RemovesUnreferencedKeysWhenRemoveTrue(t *testing.T) {
	srv, _ := imageServer(t, []byte("fake-png-bytes"), "image/png")

	root := t.TempDir()
	c := imagecache.New(root, imagecache.Config{}, nil)

	path, err := c.Get(context.Background(), srv.URL, "original")
	require.NoError(t, err)

	orphaned, err := c.OrphanSweep(context.Background(), map[string]struct{}{}, true)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.NoFileExists(t, path)
}

func TestOrphanSweep_KeepsReferencedKeys(t *testing.T) {
	srv, _ := imageServer(t, []byte("fake-png-bytes"), "image/png")

	root := t.TempDir()
	c := imagecache.New(root, imagecache.Config{}, nil)

	path, err := c.Get(context.Background(), srv.URL, "original")
	require.NoError(t, err)

	refKey := filepath.Base(filepath.Dir(path))

	orphaned, err := c.OrphanSweep(context.Background(), map[string]struct{}{refKey: {}}, true)
	require.NoError(t, err)
	require.Empty(t, orphaned)
	require.FileExists(t, path)
}
