package syncengine

import (
	"context"
	"time"

	"github.com/skygent-io/skygent/internal/filter"
	"github.com/skygent-io/skygent/internal/post"
)

// WatchConfig configures a repeating sync loop.
type WatchConfig struct {
	Store      post.StoreName
	FilterExpr filter.Expr
	Interval   time.Duration
	Options    Options
}

// SyncEvent is one tick of a Watch loop: the result of the sync pass that
// just ran, or the error it failed with.
type SyncEvent struct {
	Result SyncResult
	Err    error
}

// Watch emits a SyncEvent every cfg.Interval by invoking Sync against
// source/parser, until ctx is cancelled. Cancellation is cooperative at the
// boundary between sync passes (never mid-pass, never mid-transaction):
// the caller controls "take N" or "stop after duration" by cancelling ctx
// from the outside, e.g. via context.WithTimeout or context.WithCancel
// plus an external signal. The returned channel is closed when ctx is
// cancelled, after any in-flight pass completes. With cfg.Options.Strict
// set, a pass that returns an error also ends the loop: its SyncEvent is
// emitted and the channel is closed.
func (e *Engine) Watch(ctx context.Context, source DataSource, parser Parser, cfg WatchConfig) <-chan SyncEvent {
	events := make(chan SyncEvent)

	go func() {
		defer close(events)

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			result, err := e.Sync(ctx, cfg.Store, source, parser, cfg.FilterExpr, cfg.Options)

			select {
			case events <- SyncEvent{Result: result, Err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil && cfg.Options.Strict {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return events
}
