// Package syncengine implements sync(source, store, filterExpr, options)
// and watch(...): pulling RawPost items from a DataSource, parsing and
// filtering them, and dispatching matches to the committer, with
// checkpoint persistence between pages.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/skygent-io/skygent/internal/checkpoint"
	"github.com/skygent-io/skygent/internal/committer"
	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/filter"
	"github.com/skygent-io/skygent/internal/filterrt"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
	"github.com/skygent-io/skygent/internal/storeindex"
)

// Policy selects how matched posts are dispatched to the committer.
type Policy string

const (
	// PolicyDedupe is the default: appendUpsertIfMissing, URI-dedup skip.
	PolicyDedupe Policy = "dedupe"
	// PolicyRefresh appends unconditionally.
	PolicyRefresh Policy = "refresh"
)

// Stage classifies which part of the pipeline a SyncError came from.
type Stage string

const (
	StageSource Stage = "source"
	StageFilter Stage = "filter"
	StageStore  Stage = "store"
)

// SyncError is one classified pipeline failure.
type SyncError struct {
	Stage Stage
	Cause error
}

func (e SyncError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
}

// Options configures one sync run.
type Options struct {
	Strict    bool
	MaxErrors int
	Policy    Policy
}

// SyncResult is the tally sync() returns once the source stream ends or the
// run is stopped early by an error budget.
type SyncResult struct {
	PostsAdded   int
	PostsDeleted int
	PostsSkipped int
	Errors       []SyncError
}

// Engine runs sync/watch against one open store's committer, index, and
// checkpoint store.
type Engine struct {
	checkpoints *checkpoint.SyncStore
	committer   *committer.Committer
	index       *storeindex.Index
	runtime     *filterrt.Runtime
	logger      *slog.Logger
}

// New constructs an Engine. logger is stored on the Engine; Sync and Watch
// do not log through it, so a nil logger is accepted.
func New(checkpoints *checkpoint.SyncStore, c *committer.Committer, index *storeindex.Index, runtime *filterrt.Runtime, logger *slog.Logger) *Engine {
	return &Engine{checkpoints: checkpoints, committer: c, index: index, runtime: runtime, logger: logger}
}

// Sync runs one sync pass: resume-or-fresh from the checkpoint, stream raw
// items through parser and filterExpr, dispatch matches per opts.Policy,
// and checkpoint progress at each page boundary.
func (e *Engine) Sync(ctx context.Context, store post.StoreName, source DataSource, parser Parser, filterExpr filter.Expr, opts Options) (SyncResult, error) {
	filterHash, err := filter.Signature(filterExpr)
	if err != nil {
		return SyncResult{}, skyerr.Wrap(skyerr.KindFilterCompile, "compute filter signature", err)
	}

	cursor, err := e.resumeCursor(ctx, store, source, filterHash)
	if err != nil {
		return SyncResult{}, err
	}

	if cursor != "" {
		if err := source.Seek(ctx, cursor); err != nil {
			return SyncResult{}, skyerr.Wrap(skyerr.KindSource, "seek data source to checkpoint cursor", err)
		}
	}

	var (
		result         SyncResult
		lastEventID    post.EventID
		stoppedOnError bool
	)

	for {
		if ctx.Err() != nil {
			break
		}

		raw, ok, err := source.Next(ctx)
		if err != nil {
			result.Errors = append(result.Errors, SyncError{Stage: StageSource, Cause: err})

			if opts.Strict || len(result.Errors) > opts.MaxErrors {
				stoppedOnError = true
				break
			}

			continue
		}

		if !ok {
			break
		}

		added, deleted, skipped, stageErr := e.processOne(ctx, store, raw, parser, filterExpr, opts.Policy, &lastEventID)

		result.PostsAdded += added
		result.PostsDeleted += deleted
		result.PostsSkipped += skipped

		if stageErr != nil {
			result.Errors = append(result.Errors, *stageErr)

			if opts.Strict || len(result.Errors) > opts.MaxErrors {
				stoppedOnError = true
				break
			}

			continue
		}

		if raw.PageCursor != nil {
			cursor = *raw.PageCursor

			if err := e.saveCheckpoint(ctx, store, source.Name(), cursor, filterHash, lastEventID); err != nil {
				return result, err
			}
		}
	}

	// Flush a final checkpoint even if zero posts matched, so ingest
	// advances through empty filter results — unless the run stopped
	// mid-page on a failing item, in which case the checkpoint must not
	// advance past the failure.
	if !stoppedOnError {
		if err := e.saveCheckpoint(ctx, store, source.Name(), cursor, filterHash, lastEventID); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (e *Engine) resumeCursor(ctx context.Context, store post.StoreName, source DataSource, filterHash string) (string, error) {
	cp, ok, err := e.checkpoints.Load(ctx, store, source.Name())
	if err != nil {
		return "", err
	}

	if !ok || cp.FilterHash != filterHash {
		return "", nil
	}

	return cp.Cursor, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, store post.StoreName, source, cursor, filterHash string, lastEventID post.EventID) error {
	return e.checkpoints.Save(ctx, checkpoint.SyncCheckpoint{
		Store:       store,
		Source:      source,
		Cursor:      cursor,
		FilterHash:  filterHash,
		LastEventID: lastEventID,
		UpdatedAt:   post.Now(),
	})
}

// processOne parses, filters, and dispatches one raw item, returning tallies
// and a classified SyncError if any stage failed.
func (e *Engine) processOne(ctx context.Context, store post.StoreName, raw RawPost, parser Parser, filterExpr filter.Expr, policy Policy, lastEventID *post.EventID) (added, deleted, skipped int, syncErr *SyncError) {
	parsed, err := parser.Parse(raw)
	if err != nil {
		return 0, 0, 0, &SyncError{Stage: StageSource, Cause: err}
	}

	meta := event.Meta{Source: "sync", Command: "sync", CreatedAt: post.Now()}

	if parsed.Kind == event.KindPostDelete {
		record, err := e.committer.AppendDelete(ctx, parsed.URI, meta)
		if err != nil {
			return 0, 0, 0, &SyncError{Stage: StageStore, Cause: err}
		}

		*lastEventID = record.ID

		return 0, 1, 0, nil
	}

	ok, err := e.runtime.Evaluate(ctx, filterExpr, parsed.Post)
	if err != nil {
		return 0, 0, 0, &SyncError{Stage: StageFilter, Cause: err}
	}

	if !ok {
		return 0, 0, 1, nil
	}

	ev := event.NewPostUpsert(parsed.Post, meta)

	switch policy {
	case PolicyRefresh:
		record, err := e.committer.AppendUpsert(ctx, ev)
		if err != nil {
			return 0, 0, 0, &SyncError{Stage: StageStore, Cause: err}
		}

		*lastEventID = record.ID

		return 1, 0, 0, nil

	default: // PolicyDedupe
		record, added, err := e.committer.AppendUpsertIfMissing(ctx, ev)
		if err != nil {
			return 0, 0, 0, &SyncError{Stage: StageStore, Cause: err}
		}

		if !added {
			return 0, 0, 1, nil
		}

		*lastEventID = record.ID

		return 1, 0, 0, nil
	}
}

// ErrWatchStopped names a watch loop that ended normally rather than on a
// sync error. Nothing in this package returns it: Watch reports a clean stop
// by closing its event channel.
var ErrWatchStopped = errors.New("watch stopped")
