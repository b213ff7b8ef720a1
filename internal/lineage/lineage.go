// Package lineage owns the derived-store provenance record for one store
// root: which stores are derived, from which sources, under which filter,
// and when. It is a disk-resident KV, one JSON file per store, mirroring
// the on-disk layout's stores/<name>/lineage.json — deliberately not
// SQLite-backed, since lineage must survive (and be inspectable after) a
// store's own database being dropped and rebuilt by a derive --reset.
package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skygent-io/skygent/internal/filter"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
)

// Source describes one upstream store a derived store was built from.
type Source struct {
	StoreName      post.StoreName `json:"storeName"`
	Filter         filter.Expr    `json:"filter"`
	FilterHash     string         `json:"filterHash"`
	EvaluationMode string         `json:"evaluationMode"`
	DerivedAt      post.Timestamp `json:"derivedAt"`
}

// Lineage is the provenance record for one store: whether it is derived,
// and if so, the sources it was derived from.
type Lineage struct {
	StoreName post.StoreName `json:"storeName"`
	IsDerived bool           `json:"isDerived"`
	Sources   []Source       `json:"sources"`
	UpdatedAt post.Timestamp `json:"updatedAt"`
}

// Store is a disk-resident KV of Lineage records, one file per store, under
// storeRoot/stores/<name>/lineage.json.
type Store struct {
	storeRoot string
	logger    *slog.Logger

	cleanupStop chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// New constructs a Store rooted at storeRoot (the same root all per-store
// SQLite databases live under). A nil logger falls back to slog.Default().
func New(storeRoot string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{storeRoot: storeRoot, logger: logger}
}

func (s *Store) path(name post.StoreName) string {
	return filepath.Join(s.storeRoot, "stores", string(name), "lineage.json")
}

// Get loads the Lineage record for name, reporting ok=false if none exists
// (the common case for a non-derived store).
func (s *Store) Get(_ context.Context, name post.StoreName) (Lineage, bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Lineage{}, false, nil
		}

		return Lineage{}, false, skyerr.Wrap(skyerr.KindStoreIO, "read lineage record", err)
	}

	var lin Lineage
	if err := json.Unmarshal(data, &lin); err != nil {
		return Lineage{}, false, skyerr.Wrap(skyerr.KindStoreIO, "decode lineage record", err)
	}

	return lin, true, nil
}

// Save writes lin atomically (temp file + rename) to its store's
// lineage.json.
func (s *Store) Save(_ context.Context, lin Lineage) error {
	path := s.path(lin.StoreName)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create lineage directory", err)
	}

	data, err := json.MarshalIndent(lin, "", "  ")
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "encode lineage record", err)
	}

	tmp, err := os.CreateTemp(dir, "lineage-*.tmp")
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create lineage temp file", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "write lineage temp file", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "close lineage temp file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "rename lineage temp file", err)
	}

	return nil
}

// Remove deletes name's lineage record, tolerating it not existing.
func (s *Store) Remove(_ context.Context, name post.StoreName) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return skyerr.Wrap(skyerr.KindStoreIO, "remove lineage record", err)
	}

	return nil
}

// Upsert records that target was derived from source under filterExpr, at
// evaluationMode, appending to (or replacing, for the same source) target's
// source list and stamping updatedAt.
func (s *Store) Upsert(ctx context.Context, target, source post.StoreName, filterExpr filter.Expr, filterHash, evaluationMode string, now post.Timestamp) error {
	lin, ok, err := s.Get(ctx, target)
	if err != nil {
		return err
	}

	if !ok {
		lin = Lineage{StoreName: target, IsDerived: true}
	}

	lin.IsDerived = true

	replaced := false

	for i, src := range lin.Sources {
		if src.StoreName == source {
			lin.Sources[i] = Source{StoreName: source, Filter: filterExpr, FilterHash: filterHash, EvaluationMode: evaluationMode, DerivedAt: now}
			replaced = true

			break
		}
	}

	if !replaced {
		lin.Sources = append(lin.Sources, Source{StoreName: source, Filter: filterExpr, FilterHash: filterHash, EvaluationMode: evaluationMode, DerivedAt: now})
	}

	lin.UpdatedAt = now

	return s.Save(ctx, lin)
}

// RenameSource rewrites every lineage record across storeRoot whose sources
// reference oldName, replacing it with newName. This is the lineage half of
// a store rename; the caller is responsible for also rewriting the
// derivation checkpoints keyed by the old source name (see
// internal/checkpoint/derivationkv), so the two updates land as one logical
// operation from the admin command's point of view.
func (s *Store) RenameSource(ctx context.Context, oldName, newName post.StoreName) error {
	storesDir := filepath.Join(s.storeRoot, "stores")

	entries, err := os.ReadDir(storesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return skyerr.Wrap(skyerr.KindStoreIO, "list stores for lineage rename", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := post.StoreName(entry.Name())

		lin, ok, err := s.Get(ctx, name)
		if err != nil {
			return err
		}

		if !ok {
			continue
		}

		changed := false

		for i, src := range lin.Sources {
			if src.StoreName == oldName {
				lin.Sources[i].StoreName = newName
				changed = true
			}
		}

		if name == oldName {
			lin.StoreName = newName
			changed = true
		}

		if !changed {
			continue
		}

		if name == oldName {
			if err := s.Save(ctx, lin); err != nil {
				return err
			}

			if err := s.Remove(ctx, oldName); err != nil {
				return err
			}

			continue
		}

		if err := s.Save(ctx, lin); err != nil {
			return err
		}
	}

	return nil
}

// Stale reports whether a derived store needs re-deriving from one source:
// true if the source store's last event id is greater than the event id the
// derivation checkpoint last consumed.
// sourceLastEventID/checkpointLastEventID are supplied by the caller (the
// derive package and a store-stats command both already hold these), since
// lineage itself only tracks "derived from what filter", not live
// checkpoint state.
func Stale(sourceLastEventID, checkpointLastEventID post.EventID) bool {
	return sourceLastEventID > checkpointLastEventID
}

// StartSweep launches a background goroutine that periodically removes
// lineage records for stores no longer present under storeRoot/stores
// (e.g. left behind by a store delete that didn't also clean up lineage).
// Grounded on the teacher's lineage-store cleanup-goroutine lifecycle:
// a stop channel, a done channel signaled on exit, and a sync.Once guarding
// Close so it is safe to call from multiple places.
func (s *Store) StartSweep(interval time.Duration) {
	s.cleanupStop = make(chan struct{})
	s.cleanupDone = make(chan struct{})

	s.logger.Info("lineage sweep started", slog.Duration("interval", interval))

	go s.runSweep(interval)
}

func (s *Store) runSweep(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			_ = s.sweepOnce()
		}
	}
}

func (s *Store) sweepOnce() error {
	storesDir := filepath.Join(s.storeRoot, "stores")

	entries, err := os.ReadDir(storesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return skyerr.Wrap(skyerr.KindStoreIO, "list stores for lineage sweep", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dbPath := filepath.Join(storesDir, entry.Name(), "store.db")

		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			_ = s.Remove(context.Background(), post.StoreName(entry.Name()))
		}
	}

	return nil
}

// Close stops a running sweep goroutine, if one was started, and waits for
// it to exit. Safe to call multiple times or when no sweep was started.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.cleanupStop == nil {
			return
		}

		close(s.cleanupStop)
		<-s.cleanupDone
		s.logger.Info("lineage sweep stopped")
	})

	return nil
}
