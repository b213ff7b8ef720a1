package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
)

const (
	defaultMaxBatch    = 25
	defaultBatchWindow = 10 * time.Millisecond
)

// ProfileSource is the upstream capability a Resolver batches requests
// against: a strict-mode per-DID authoritative resolve, and a batch
// profile-fetch used otherwise.
type ProfileSource interface {
	// ResolveIdentity authoritatively resolves one DID, used in strict mode
	// (one outbound request per DID, no batching benefit but correctness
	// guaranteed).
	ResolveIdentity(ctx context.Context, did post.Did) (post.Handle, error)
	// GetProfiles resolves a batch of DIDs at once, returning a map of
	// whichever were found; DIDs absent from the result are reported as
	// ErrProfileNotFound to their callers.
	GetProfiles(ctx context.Context, dids []post.Did) (map[post.Did]post.Handle, error)
}

// ErrProfileNotFound is returned by HandleForDid when a batch response
// omits the requested DID.
var ErrProfileNotFound = skyerr.New(skyerr.KindSource, "profile not found for did")

type batchRequest struct {
	did      post.Did
	resultCh chan batchResult
}

type batchResult struct {
	handle post.Handle
	err    error
}

// Resolver implements handleForDid(did): L2 (in-memory LRU+TTL) in front of
// L1 (persistent, Store) in front of a batching request resolver that
// coalesces outstanding lookups into GetProfiles calls of at most
// maxBatch DIDs.
type Resolver struct {
	l1     *Store
	l2     *expirable.LRU[post.Did, post.Handle]
	source ProfileSource
	strict bool
	logger *slog.Logger

	sf singleflight.Group

	maxBatch int
	window   time.Duration

	reqCh     chan batchRequest
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Config tunes a Resolver's cache sizes and batching behavior. Zero values
// fall back to the spec defaults (L2 capacity 5000, TTL 6h, batch size 25).
type Config struct {
	L2Capacity int
	L2TTL      time.Duration
	MaxBatch   int
	Window     time.Duration
	Strict     bool
}

// New constructs a Resolver and starts its batching goroutine. A nil logger
// falls back to slog.Default().
func New(l1 *Store, source ProfileSource, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	capacity := cfg.L2Capacity
	if capacity <= 0 {
		capacity = 5000
	}

	ttl := cfg.L2TTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}

	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}

	window := cfg.Window
	if window <= 0 {
		window = defaultBatchWindow
	}

	r := &Resolver{
		l1:       l1,
		l2:       expirable.NewLRU[post.Did, post.Handle](capacity, nil, ttl),
		source:   source,
		strict:   cfg.Strict,
		logger:   logger,
		maxBatch: maxBatch,
		window:   window,
		reqCh:    make(chan batchRequest),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go r.run()

	return r
}

// HandleForDid resolves did to a handle, checking L2, then L1, then
// dispatching to the batching resolver. Concurrent calls for the same did
// coalesce onto a single in-flight request via singleflight.
func (r *Resolver) HandleForDid(ctx context.Context, did post.Did) (post.Handle, error) {
	if handle, ok := r.l2.Get(did); ok {
		return handle, nil
	}

	rec, ok, err := r.l1.LookupHandle(ctx, did)
	if err != nil {
		return "", err
	}

	if ok {
		r.l2.Add(did, rec.Handle)
		return rec.Handle, nil
	}

	v, err, _ := r.sf.Do(string(did), func() (interface{}, error) {
		resultCh := make(chan batchResult, 1)

		select {
		case r.reqCh <- batchRequest{did: did, resultCh: resultCh}:
		case <-ctx.Done():
			return post.Handle(""), ctx.Err()
		case <-r.stopCh:
			return post.Handle(""), fmt.Errorf("identity resolver closed")
		}

		select {
		case res := <-resultCh:
			if res.err != nil {
				return post.Handle(""), res.err
			}

			return res.handle, nil
		case <-ctx.Done():
			return post.Handle(""), ctx.Err()
		}
	})
	if err != nil {
		return "", err
	}

	handle := v.(post.Handle)
	r.l2.Add(did, handle)

	return handle, nil
}

// Close stops the batching goroutine, failing any in-flight requests.
func (r *Resolver) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
		r.logger.Info("identity resolver stopped")
	})

	return nil
}

func (r *Resolver) run() {
	defer close(r.doneCh)

	var (
		pending []batchRequest
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-r.stopCh:
			for _, req := range pending {
				req.resultCh <- batchResult{err: fmt.Errorf("identity resolver closed")}
			}

			return

		case req := <-r.reqCh:
			pending = append(pending, req)

			if timer == nil {
				timer = time.NewTimer(r.window)
				timerC = timer.C
			}

			if len(pending) >= r.maxBatch {
				stopTimer()
				r.flush(pending)
				pending = nil
			}

		case <-timerC:
			stopTimer()
			r.flush(pending)
			pending = nil
		}
	}
}

// flush resolves one batch of pending requests and dispatches results.
func (r *Resolver) flush(batch []batchRequest) {
	if len(batch) == 0 {
		return
	}

	ctx := context.Background()
	now := post.Now()

	if r.strict {
		for _, req := range batch {
			handle, err := r.source.ResolveIdentity(ctx, req.did)
			if err != nil {
				req.resultCh <- batchResult{err: err}
				continue
			}

			_ = r.l1.Upsert(ctx, req.did, handle, true, SourceResolveIdentity, now)
			req.resultCh <- batchResult{handle: handle}
		}

		return
	}

	dids := make([]post.Did, len(batch))
	for i, req := range batch {
		dids[i] = req.did
	}

	resolved, err := r.source.GetProfiles(ctx, dids)
	if err != nil {
		r.logger.Warn("profile batch fetch failed", slog.Int("batch_size", len(batch)), slog.String("error", err.Error()))

		for _, req := range batch {
			req.resultCh <- batchResult{err: err}
		}

		return
	}

	for _, req := range batch {
		handle, ok := resolved[req.did]
		if !ok {
			req.resultCh <- batchResult{err: fmt.Errorf("%w: %s", ErrProfileNotFound, req.did)}
			continue
		}

		_ = r.l1.Upsert(ctx, req.did, handle, false, SourceGetProfiles, now)
		req.resultCh <- batchResult{handle: handle}
	}
}
