// Package derive implements derive(sourceRef, targetRef, filterExpr,
// options): building (or incrementally refreshing) a target store's content
// as a filtered view over a source store's event log.
package derive

import (
	"context"
	"fmt"
	"time"

	"github.com/skygent-io/skygent/internal/checkpoint/derivationkv"
	"github.com/skygent-io/skygent/internal/committer"
	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/eventlog"
	"github.com/skygent-io/skygent/internal/filter"
	"github.com/skygent-io/skygent/internal/filterrt"
	"github.com/skygent-io/skygent/internal/lineage"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
	"github.com/skygent-io/skygent/internal/storeindex"
)

const (
	defaultCheckpointEvery    = 100
	defaultCheckpointInterval = 5 * time.Second
)

// Mode selects whether effectful filters (HasValidLinks, Trending, Llm, ...)
// are permitted during derivation.
type Mode string

const (
	// EventTime derives over pure filters only, treating each source event
	// independently of wall-clock time.
	EventTime Mode = "event_time"
	// DeriveTime permits effectful filters; results are non-deterministic
	// across runs since they depend on provider state at derive time.
	DeriveTime Mode = "derive_time"
)

// Options configures one derive run.
type Options struct {
	Mode  Mode
	Reset bool
}

// Result tallies one derive run.
type Result struct {
	EventsProcessed   int64
	EventsMatched     int64
	DeletesPropagated int64
}

// Source is the read side of the upstream store a derive reads from: its
// event log (to stream) and its own last-event-id (for the staleness
// predicate surfaced by store-stats).
type Source struct {
	Name post.StoreName
	Log  *eventlog.Log
}

// Target is the write side of the downstream store a derive writes into.
type Target struct {
	Name      post.StoreName
	Log       *eventlog.Log
	Index     *storeindex.Index
	Committer *committer.Committer
}

// Engine runs derive against a shared checkpoint and lineage store.
type Engine struct {
	checkpoints *derivationkv.Store
	lineage     *lineage.Store
	runtime     *filterrt.Runtime

	checkpointEvery    int
	checkpointInterval time.Duration
}

// New constructs an Engine. checkpointEvery and checkpointInterval set the
// "every N events OR every M ms, whichever comes first" periodic checkpoint
// cadence during a long derive run (config's SKYGENT_DERIVATION_CHECKPOINT_*
// settings); a value <= 0 falls back to the documented default.
func New(checkpoints *derivationkv.Store, lin *lineage.Store, runtime *filterrt.Runtime, checkpointEvery int, checkpointInterval time.Duration) *Engine {
	if checkpointEvery <= 0 {
		checkpointEvery = defaultCheckpointEvery
	}

	if checkpointInterval <= 0 {
		checkpointInterval = defaultCheckpointInterval
	}

	return &Engine{
		checkpoints:        checkpoints,
		lineage:            lin,
		runtime:            runtime,
		checkpointEvery:    checkpointEvery,
		checkpointInterval: checkpointInterval,
	}
}

// DerivationError reports a derive precondition or checkpoint-compatibility
// failure — the cases spec'd to fail fast rather than silently diverge.
func DerivationError(message string) error {
	return skyerr.New(skyerr.KindDerivation, message)
}

// Derive runs one derive pass of source into target under filterExpr and
// opts, resuming from (or validating against) the saved derivation
// checkpoint.
func (e *Engine) Derive(ctx context.Context, source Source, target Target, filterExpr filter.Expr, opts Options) (Result, error) {
	if source.Name == target.Name {
		return Result{}, DerivationError("source and target must be different stores")
	}

	if opts.Mode == EventTime && filter.IsEffectful(filterExpr) {
		return Result{}, DerivationError("EventTime derivation mode does not permit effectful filters")
	}

	compiled, err := filter.Compile(filterExpr)
	if err != nil {
		return Result{}, skyerr.Wrap(skyerr.KindFilterCompile, "compile derivation filter", err)
	}

	filterHash, err := filter.Signature(compiled)
	if err != nil {
		return Result{}, skyerr.Wrap(skyerr.KindFilterCompile, "compute derivation filter signature", err)
	}

	if opts.Reset {
		if err := e.reset(ctx, source, target); err != nil {
			return Result{}, err
		}
	}

	cp, hasCheckpoint, err := e.checkpoints.Load(ctx, target.Name, source.Name)
	if err != nil {
		return Result{}, err
	}

	if hasCheckpoint {
		if cp.FilterHash != filterHash || cp.EvaluationMode != string(opts.Mode) {
			return Result{}, DerivationError("settings changed, use --reset")
		}
	} else {
		count, err := target.Index.Count(ctx)
		if err != nil {
			return Result{}, err
		}

		if count > 0 {
			return Result{}, DerivationError("settings changed, use --reset")
		}
	}

	var result Result

	afterID := cp.LastSourceEventID
	eventsSinceCheckpoint := 0
	lastCheckpoint := time.Now()

	streamErr := source.Log.Stream(ctx, afterID, func(record event.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		deleted, matched, err := e.processRecord(ctx, source.Name, target, compiled, record)
		if err != nil {
			return err
		}

		result.EventsProcessed++
		result.DeletesPropagated += int64(deleted)
		result.EventsMatched += int64(matched)
		eventsSinceCheckpoint++

		afterID = record.ID

		if eventsSinceCheckpoint >= e.checkpointEvery || time.Since(lastCheckpoint) >= e.checkpointInterval {
			if err := e.saveCheckpoint(ctx, source, target, filterHash, string(opts.Mode), afterID, cp, result); err != nil {
				return err
			}

			eventsSinceCheckpoint = 0
			lastCheckpoint = time.Now()
		}

		return nil
	})
	if streamErr != nil {
		return result, fmt.Errorf("stream source event log: %w", streamErr)
	}

	if saveErr := e.saveCheckpoint(ctx, source, target, filterHash, string(opts.Mode), afterID, cp, result); saveErr != nil {
		return result, saveErr
	}

	lineageErr := e.lineage.Upsert(ctx, target.Name, source.Name, filterExpr, filterHash, string(opts.Mode), post.Now())
	if lineageErr != nil {
		return result, lineageErr
	}

	return result, nil
}

// saveCheckpoint persists cp's base tallies plus result's tallies so far,
// at afterID. Called both mid-stream (periodic checkpointing, every N
// events or M ms) and once more after the stream finishes, so a crash
// partway through a long derive resumes near where it left off instead of
// from the last full run's end.
func (e *Engine) saveCheckpoint(ctx context.Context, source Source, target Target, filterHash, mode string, afterID post.EventID, cp derivationkv.Checkpoint, result Result) error {
	return e.checkpoints.Save(ctx, derivationkv.Checkpoint{
		ViewName:          target.Name,
		SourceStore:       source.Name,
		TargetStore:       target.Name,
		FilterHash:        filterHash,
		EvaluationMode:    mode,
		LastSourceEventID: afterID,
		EventsProcessed:   cp.EventsProcessed + result.EventsProcessed,
		EventsMatched:     cp.EventsMatched + result.EventsMatched,
		DeletesPropagated: cp.DeletesPropagated + result.DeletesPropagated,
		UpdatedAt:         post.Now(),
	})
}

// processRecord dispatches one source event_log record into target,
// returning (deleted, matched).
func (e *Engine) processRecord(ctx context.Context, source post.StoreName, target Target, filterExpr filter.Expr, record event.Record) (deleted, matched int, err error) {
	meta := event.Meta{Source: "derive", Command: "derive", CreatedAt: post.Now(), SourceStore: source}

	if record.Event.Kind == event.KindPostDelete {
		if _, err := target.Committer.AppendDelete(ctx, record.Event.URI, meta); err != nil {
			return 0, 0, err
		}

		return 1, 0, nil
	}

	if record.Event.Post == nil {
		return 0, 0, nil
	}

	has, err := target.Index.HasURI(ctx, record.Event.Post.URI)
	if err != nil {
		return 0, 0, err
	}

	if has {
		return 0, 0, nil
	}

	ok, err := e.runtime.Evaluate(ctx, filterExpr, *record.Event.Post)
	if err != nil {
		return 0, 0, err
	}

	if !ok {
		return 0, 0, nil
	}

	ev := event.NewPostUpsert(*record.Event.Post, meta)

	_, applied, err := target.Committer.AppendUpsertIfMissing(ctx, ev)
	if err != nil {
		return 0, 0, err
	}

	if !applied {
		return 0, 0, nil
	}

	return 0, 1, nil
}

func (e *Engine) reset(ctx context.Context, source Source, target Target) error {
	if err := target.Log.Clear(ctx); err != nil {
		return err
	}

	if err := target.Index.Rebuild(ctx); err != nil {
		return err
	}

	return e.checkpoints.Remove(ctx, target.Name, source.Name)
}
