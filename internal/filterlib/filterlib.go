// Package filterlib persists named filters under <storeRoot>/filters/: the
// canonical JSON form is the source of truth filterExprSignature hashes
// over, with an optional YAML sibling as an authoring convenience.
package filterlib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skygent-io/skygent/internal/filter"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
)

// Library is a directory of named, compiled filter expressions.
type Library struct {
	dir string
}

// New constructs a Library rooted at <storeRoot>/filters.
func New(storeRoot string) *Library {
	return &Library{dir: filepath.Join(storeRoot, "filters")}
}

func (l *Library) jsonPath(name string) string {
	return filepath.Join(l.dir, name+".json")
}

func (l *Library) yamlPath(name string) string {
	return filepath.Join(l.dir, name+".yaml")
}

// List returns every saved filter name, sorted.
func (l *Library) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, skyerr.Wrap(skyerr.KindStoreIO, "list filter library", err)
	}

	names := make(map[string]struct{})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		switch {
		case strings.HasSuffix(name, ".json"):
			names[strings.TrimSuffix(name, ".json")] = struct{}{}
		case strings.HasSuffix(name, ".yaml"):
			names[strings.TrimSuffix(name, ".yaml")] = struct{}{}
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}

	sort.Strings(out)

	return out, nil
}

// Get loads name's filter expression from its canonical JSON file.
func (l *Library) Get(_ context.Context, name string) (filter.Expr, bool, error) {
	data, err := os.ReadFile(l.jsonPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return filter.Expr{}, false, nil
	}

	if err != nil {
		return filter.Expr{}, false, skyerr.Wrap(skyerr.KindStoreIO, "read named filter", err)
	}

	var expr filter.Expr
	if err := json.Unmarshal(data, &expr); err != nil {
		return filter.Expr{}, false, skyerr.Wrap(skyerr.KindStoreIO, "decode named filter", err)
	}

	return expr, true, nil
}

// Save compiles expr and writes it as the canonical JSON form, failing
// validateName/compile checks before ever touching disk.
func (l *Library) Save(_ context.Context, name string, expr filter.Expr) error {
	if err := validateName(name); err != nil {
		return err
	}

	compiled, err := filter.Compile(expr)
	if err != nil {
		return skyerr.Wrap(skyerr.KindFilterCompile, "compile named filter", err)
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create filter library directory", err)
	}

	data, err := json.MarshalIndent(compiled, "", "  ")
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "encode named filter", err)
	}

	return writeAtomicFile(l.jsonPath(name), data)
}

// Remove deletes name's JSON (and, if present, YAML) file.
func (l *Library) Remove(_ context.Context, name string) error {
	if err := os.Remove(l.jsonPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return skyerr.Wrap(skyerr.KindStoreIO, "remove named filter", err)
	}

	if err := os.Remove(l.yamlPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return skyerr.Wrap(skyerr.KindStoreIO, "remove named filter yaml", err)
	}

	return nil
}

// ValidateAll compiles every saved filter, collecting a FilterCompileError
// per failure rather than stopping at the first one, so `filter validate
// --all` can report everything wrong in one pass.
func (l *Library) ValidateAll(ctx context.Context) map[string]error {
	names, err := l.List(ctx)
	if err != nil {
		return map[string]error{"*": err}
	}

	failures := make(map[string]error)

	for _, name := range names {
		expr, ok, err := l.Get(ctx, name)
		if err != nil {
			failures[name] = err
			continue
		}

		if !ok {
			continue
		}

		if _, err := filter.Compile(expr); err != nil {
			failures[name] = skyerr.Wrap(skyerr.KindFilterCompile, fmt.Sprintf("filter %q", name), err)
		}
	}

	return failures
}

// ExportYAML writes name's filter (already saved as canonical JSON) to its
// YAML sibling, as an authoring/readability convenience.
func (l *Library) ExportYAML(ctx context.Context, name string) error {
	expr, ok, err := l.Get(ctx, name)
	if err != nil {
		return err
	}

	if !ok {
		return skyerr.New(skyerr.KindInput, fmt.Sprintf("filter %q not found", name))
	}

	data, err := yaml.Marshal(expr)
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "encode named filter yaml", err)
	}

	return writeAtomicFile(l.yamlPath(name), data)
}

// ImportYAML decodes name's YAML sibling into a filter.Expr and saves it
// through Save, so the persisted signature is always computed from the
// canonical JSON re-encoding, never from the YAML bytes directly.
func (l *Library) ImportYAML(ctx context.Context, name string) error {
	data, err := os.ReadFile(l.yamlPath(name))
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "read named filter yaml", err)
	}

	var expr filter.Expr
	if err := yaml.Unmarshal(data, &expr); err != nil {
		return skyerr.Wrap(skyerr.KindFilterCompile, "decode named filter yaml", err)
	}

	return l.Save(ctx, name, expr)
}

// validateName enforces "names must match StoreName" per spec.
func validateName(name string) error {
	if _, err := post.ParseStoreName(name); err != nil {
		return skyerr.Wrap(skyerr.KindInput, "filter name must be a valid store name", err)
	}

	return nil
}

func writeAtomicFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create filter library directory", err)
	}

	tmp, err := os.CreateTemp(dir, "filter-*.tmp")
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "create filter temp file", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "write filter temp file", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "close filter temp file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return skyerr.Wrap(skyerr.KindStoreIO, "rename filter temp file", err)
	}

	return nil
}
