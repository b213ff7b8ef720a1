package imagecache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skygent-io/skygent/internal/skyerr"
)

// SweepResult tallies what a sweep removed.
type SweepResult struct {
	FilesRemoved int
	MetaRemoved  int
}

// TTLSweep walks every cached asset and deletes variants whose fetchedAt
// has aged past cacheTTL (ttl of 0 deletes every variant unconditionally,
// matching "ttl=0 => delete all"). A meta record with no variants left
// after the sweep is itself removed.
func (c *Cache) TTLSweep(ctx context.Context, ttl time.Duration) (SweepResult, error) {
	var result SweepResult

	metaDir := filepath.Join(c.root, "meta")

	entries, err := os.ReadDir(metaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}

		return result, skyerr.Wrap(skyerr.KindStoreIO, "list image meta directory", err)
	}

	now := time.Now()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		k := strings.TrimSuffix(entry.Name(), ".json")

		meta, ok, err := c.readMeta(k)
		if err != nil || !ok {
			continue
		}

		for variant, vm := range meta.Variants {
			expired := ttl == 0 || time.Time(vm.FetchedAt).Add(ttl).Before(now)
			if !expired {
				continue
			}

			path := c.originalPath(k, variant)
			if err := os.Remove(path); err == nil {
				result.FilesRemoved++
			}

			_ = os.Remove(filepath.Join(c.root, "thumb", k, variant))

			delete(meta.Variants, variant)
		}

		if len(meta.Variants) == 0 && !meta.Negative {
			if err := os.Remove(c.metaPath(k)); err == nil {
				result.MetaRemoved++
			}

			continue
		}

		if err := c.writeMeta(k, meta); err != nil {
			return result, err
		}
	}

	return result, nil
}

// OrphanSweep diffs cached original files against referencedKeys (the
// sha256 keys a caller derived by scanning its store's PostUpsert events
// for embed image URLs) and deletes any asset directory whose key is not
// referenced, when remove is true. It always returns the list of orphaned
// keys, so a caller can report them without deleting (a dry run) by passing
// remove=false.
func (c *Cache) OrphanSweep(ctx context.Context, referencedKeys map[string]struct{}, remove bool) ([]string, error) {
	originalsDir := filepath.Join(c.root, "originals")

	entries, err := os.ReadDir(originalsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, skyerr.Wrap(skyerr.KindStoreIO, "list image originals directory", err)
	}

	var orphaned []string

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return orphaned, err
		}

		if !entry.IsDir() {
			continue
		}

		k := entry.Name()
		if _, referenced := referencedKeys[k]; referenced {
			continue
		}

		orphaned = append(orphaned, k)

		if !remove {
			continue
		}

		_ = os.RemoveAll(filepath.Join(originalsDir, k))
		_ = os.RemoveAll(filepath.Join(c.root, "thumb", k))
		_ = os.Remove(c.metaPath(k))
	}

	return orphaned, nil
}
