// Package imagecache implements the content-addressed image cache: bytes
// under originals/<sha256>/<variant> (and thumb/<sha256>/<variant>), a
// parallel meta/<sha256>.json metadata record per asset, request-scoped
// coalescing of concurrent fetches for the same URL, and TTL/orphan sweeps.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
)

// ErrNegativeCached is returned by Get when a prior fetch for url failed
// recently enough that failureTTL has not yet elapsed.
var ErrNegativeCached = skyerr.New(skyerr.KindSource, "image fetch previously failed, negative cache still warm")

// ErrContentTypeNotImage is returned when a fetch succeeds but the
// response's content type does not start with "image/".
var ErrContentTypeNotImage = skyerr.New(skyerr.KindSource, "fetched content is not an image")

// ErrTooLarge is returned when a fetch's body exceeds maxBytes.
var ErrTooLarge = skyerr.New(skyerr.KindSource, "fetched image exceeds the configured size cap")

// VariantMeta is the per-variant metadata stored inside one asset's
// meta/<sha256>.json record.
type VariantMeta struct {
	ContentType string         `json:"contentType"`
	Bytes       int64          `json:"bytes"`
	FetchedAt   post.Timestamp `json:"fetchedAt"`
	Mime        string         `json:"mime"`
}

// Metadata is the full per-asset record: one URL, every variant fetched for
// it so far, and (if the most recent fetch failed) a negative-cache stamp.
type Metadata struct {
	URL               string                 `json:"url"`
	Variants          map[string]VariantMeta `json:"variants"`
	Negative          bool                   `json:"negative,omitempty"`
	NegativeFetchedAt post.Timestamp         `json:"negativeFetchedAt,omitempty"`
}

// Config tunes a Cache's fetch and retention behavior.
type Config struct {
	MaxBytes        int64
	CacheTTL        time.Duration
	FailureTTL      time.Duration
	FetchConcurrency int
}

// Cache is the content-addressed on-disk image cache rooted at cacheRoot.
type Cache struct {
	root       string
	maxBytes   int64
	cacheTTL   time.Duration
	failureTTL time.Duration
	logger     *slog.Logger

	client  *http.Client
	sf      singleflight.Group
	limiter *rate.Limiter

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New constructs a Cache. A positive Config.FetchConcurrency limits fetches
// to that many starts per second (burst 1); it does not cap how many fetches
// are in flight at once. A zero FetchConcurrency disables rate limiting; a
// zero MaxBytes defaults to 10MB; a
// zero CacheTTL/FailureTTL default to 24h/10m respectively. A nil logger
// falls back to slog.Default().
func New(cacheRoot string, cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}

	failureTTL := cfg.FailureTTL
	if failureTTL <= 0 {
		failureTTL = 10 * time.Minute
	}

	limit := rate.Inf
	if cfg.FetchConcurrency > 0 {
		limit = rate.Limit(cfg.FetchConcurrency)
	}

	return &Cache{
		root:       cacheRoot,
		maxBytes:   maxBytes,
		cacheTTL:   cacheTTL,
		failureTTL: failureTTL,
		logger:     logger,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// StartTTLSweep launches a background goroutine that runs TTLSweep every
// interval, logging what it removes. Grounded on the same
// cleanupStop/cleanupDone/sync.Once lifecycle lineage.Store's sweep uses.
func (c *Cache) StartTTLSweep(interval time.Duration) {
	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})

	c.logger.Info("image cache TTL sweep started", slog.Duration("interval", interval))

	go c.runTTLSweep(interval)
}

func (c *Cache) runTTLSweep(interval time.Duration) {
	defer close(c.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			result, err := c.TTLSweep(context.Background(), c.cacheTTL)
			if err != nil {
				c.logger.Warn("image cache TTL sweep failed", slog.String("error", err.Error()))
				continue
			}

			if result.FilesRemoved > 0 || result.MetaRemoved > 0 {
				c.logger.Info("image cache TTL sweep completed",
					slog.Int("files_removed", result.FilesRemoved),
					slog.Int("meta_removed", result.MetaRemoved))
			}
		}
	}
}

// Close stops a running TTL sweep goroutine, if one was started, and waits
// for it to exit. Safe to call multiple times or when no sweep was started.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		if c.sweepStop == nil {
			return
		}

		close(c.sweepStop)
		<-c.sweepDone
		c.logger.Info("image cache TTL sweep stopped")
	})

	return nil
}

func key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) metaPath(k string) string {
	return filepath.Join(c.root, "meta", k+".json")
}

func (c *Cache) originalPath(k, variant string) string {
	return filepath.Join(c.root, "originals", k, variant)
}

// Get returns the on-disk path to url's variant, fetching (or reusing a
// cached copy of) it as needed. Concurrent Get calls for the same
// (url, variant) coalesce into a single fetch.
func (c *Cache) Get(ctx context.Context, url, variant string) (string, error) {
	k := key(url)

	meta, ok, err := c.readMeta(k)
	if err != nil {
		return "", err
	}

	now := post.Now()

	if ok {
		if meta.Negative && time.Time(meta.NegativeFetchedAt).Add(c.failureTTL).After(time.Time(now)) {
			return "", ErrNegativeCached
		}

		if vm, vok := meta.Variants[variant]; vok {
			path := c.originalPath(k, variant)

			if _, statErr := os.Stat(path); statErr == nil && time.Time(vm.FetchedAt).Add(c.cacheTTL).After(time.Time(now)) {
				return path, nil
			}
		}
	}

	v, err, _ := c.sf.Do(k+"|"+variant, func() (interface{}, error) {
		return c.fetchAndStore(ctx, url, variant, k)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (c *Cache) fetchAndStore(ctx context.Context, url, variant, k string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for fetch slot: %w", err)
	}

	contentType, body, size, err := c.fetch(ctx, url)
	if err != nil {
		_ = c.recordFailure(k, url)
		return "", err
	}
	defer body.Close()

	if !strings.HasPrefix(contentType, "image/") {
		_ = c.recordFailure(k, url)
		return "", fmt.Errorf("%w: %q", ErrContentTypeNotImage, contentType)
	}

	path := c.originalPath(k, variant)

	written, err := writeAtomic(path, body, c.maxBytes)
	if err != nil {
		_ = c.recordFailure(k, url)
		return "", err
	}

	if size <= 0 {
		size = written
	}

	if err := c.writeVariantMeta(k, url, variant, VariantMeta{
		ContentType: contentType,
		Bytes:       size,
		FetchedAt:   post.Now(),
		Mime:        contentType,
	}); err != nil {
		return "", err
	}

	return path, nil
}

// fetch performs a HEAD request (best-effort content negotiation) followed
// by the GET that actually retrieves the body, per spec's "HEAD→GET
// fallback". A HEAD failure is not fatal — some origins don't support it —
// the GET response's own headers are authoritative either way.
func (c *Cache) fetch(ctx context.Context, url string) (contentType string, body io.ReadCloser, size int64, err error) {
	if headReq, headErr := http.NewRequestWithContext(ctx, http.MethodHead, url, nil); headErr == nil {
		if resp, err := c.client.Do(headReq); err == nil {
			_ = resp.Body.Close()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, 0, fmt.Errorf("build image fetch request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, 0, fmt.Errorf("fetch image: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return "", nil, 0, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}

	return resp.Header.Get("Content-Type"), resp.Body, resp.ContentLength, nil
}

func writeAtomic(path string, body io.Reader, maxBytes int64) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, skyerr.Wrap(skyerr.KindStoreIO, "create image cache directory", err)
	}

	tmp, err := os.CreateTemp(dir, "fetch-*.tmp")
	if err != nil {
		return 0, skyerr.Wrap(skyerr.KindStoreIO, "create image temp file", err)
	}

	tmpPath := tmp.Name()

	limited := io.LimitReader(body, maxBytes+1)

	n, err := io.Copy(tmp, limited)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return 0, skyerr.Wrap(skyerr.KindStoreIO, "write image bytes", err)
	}

	if n > maxBytes {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return 0, ErrTooLarge
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return 0, skyerr.Wrap(skyerr.KindStoreIO, "close image temp file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return 0, skyerr.Wrap(skyerr.KindStoreIO, "rename image temp file", err)
	}

	return n, nil
}

func (c *Cache) readMeta(k string) (Metadata, bool, error) {
	data, err := os.ReadFile(c.metaPath(k))
	if errors.Is(err, os.ErrNotExist) {
		return Metadata{}, false, nil
	}

	if err != nil {
		return Metadata{}, false, skyerr.Wrap(skyerr.KindStoreIO, "read image meta", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, false, skyerr.Wrap(skyerr.KindStoreIO, "decode image meta", err)
	}

	return meta, true, nil
}

func (c *Cache) writeMeta(k string, meta Metadata) error {
	dir := filepath.Join(c.root, "meta")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create image meta directory", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "encode image meta", err)
	}

	tmp, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create image meta temp file", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "write image meta temp file", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "close image meta temp file", err)
	}

	if err := os.Rename(tmpPath, c.metaPath(k)); err != nil {
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "rename image meta temp file", err)
	}

	return nil
}

func (c *Cache) writeVariantMeta(k, url, variant string, vm VariantMeta) error {
	meta, ok, err := c.readMeta(k)
	if err != nil {
		return err
	}

	if !ok {
		meta = Metadata{URL: url, Variants: map[string]VariantMeta{}}
	}

	if meta.Variants == nil {
		meta.Variants = map[string]VariantMeta{}
	}

	meta.Negative = false
	meta.Variants[variant] = vm

	return c.writeMeta(k, meta)
}

func (c *Cache) recordFailure(k, url string) error {
	meta, ok, err := c.readMeta(k)
	if err != nil || !ok {
		meta = Metadata{URL: url, Variants: map[string]VariantMeta{}}
	}

	meta.Negative = true
	meta.NegativeFetchedAt = post.Now()

	return c.writeMeta(k, meta)
}
