// Package derivationkv is a disk-backed key-value store for derivation
// checkpoints: one JSON file per (store, source) pair, written atomically
// (temp file + rename) so a crash mid-write never leaves a corrupt
// checkpoint behind.
package derivationkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
)

// Checkpoint records how far a derive(sourceRef, targetRef, ...) run has
// progressed, keyed by (ViewName, SourceStore).
type Checkpoint struct {
	ViewName          post.StoreName `json:"viewName"` // target store
	SourceStore       post.StoreName `json:"sourceStore"`
	TargetStore       post.StoreName `json:"targetStore"`
	FilterHash        string         `json:"filterHash"`
	EvaluationMode    string         `json:"evaluationMode"` // "event_time" | "derive_time"
	LastSourceEventID post.EventID   `json:"lastSourceEventId"`
	EventsProcessed   int64          `json:"eventsProcessed"`
	EventsMatched     int64          `json:"eventsMatched"`
	DeletesPropagated int64          `json:"deletesPropagated"`
	UpdatedAt         post.Timestamp `json:"updatedAt"`
}

// Store is a disk KV rooted at <storeRoot>/stores/<target>/checkpoints/,
// one file per source store, named "<source>.json". This gives a derived
// store's checkpoint a different, independently-inspectable on-disk
// artifact from its sync checkpoint (a `derive --reset` can delete exactly
// one file without touching the target's own SQLite store).
type Store struct {
	storeRoot string
}

// New builds a Store rooted at storeRoot.
func New(storeRoot string) *Store {
	return &Store{storeRoot: storeRoot}
}

func (s *Store) path(target, source post.StoreName) string {
	return filepath.Join(s.storeRoot, "stores", string(target), "checkpoints", string(source)+".json")
}

// Load returns the checkpoint for (target, source), or ok=false if none has
// been saved yet.
func (s *Store) Load(_ context.Context, target, source post.StoreName) (Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path(target, source))
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}

	if err != nil {
		return Checkpoint{}, false, skyerr.Wrap(skyerr.KindStoreIO, "read derivation checkpoint", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, skyerr.Wrap(skyerr.KindStoreIO, "decode derivation checkpoint", err)
	}

	return cp, true, nil
}

// Save writes cp atomically (temp file + rename), overwriting any existing
// checkpoint for the same (target, source).
func (s *Store) Save(_ context.Context, cp Checkpoint) error {
	dir := filepath.Join(s.storeRoot, "stores", string(cp.TargetStore), "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create checkpoint directory", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "encode derivation checkpoint", err)
	}

	target := s.path(cp.TargetStore, cp.SourceStore)

	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create temp checkpoint file", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "write temp checkpoint file", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "close temp checkpoint file", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, fmt.Sprintf("rename checkpoint into place %q", target), err)
	}

	return nil
}

// Remove deletes the checkpoint file for (target, source), if any.
func (s *Store) Remove(_ context.Context, target, source post.StoreName) error {
	err := os.Remove(s.path(target, source))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return skyerr.Wrap(skyerr.KindStoreIO, "remove derivation checkpoint", err)
	}

	return nil
}
