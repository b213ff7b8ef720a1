// Package identity resolves AT-Proto DIDs to handles: a persistent L1
// cache backed by a store-root-scoped SQLite database (not one of the
// per-store databases under stores/<name>/), an in-memory L2 LRU+TTL cache,
// and a batching resolver that coalesces concurrent lookups against the
// upstream profile-fetch capability.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
)

// Source classifies how an identity record was learned, per the
// authoritative-vs-opportunistic distinction the resolver must preserve.
type Source string

const (
	SourceResolveIdentity Source = "resolveIdentity"
	SourceGetProfiles     Source = "getProfiles"
	SourceObservation     Source = "observation"
)

// Record is one did<->handle mapping as persisted in L1.
type Record struct {
	Did       post.Did
	Handle    post.Handle
	Verified  bool
	Source    Source
	UpdatedAt post.Timestamp
}

type sqlite3Conn struct {
	db   *sql.DB
	path string
}

// Store is the L1 persistent cache: one SQLite database per store root,
// shared across every post store under that root (identity is a property
// of the AT-Proto network, not of any one local store).
type Store struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if absent) storeRoot/identity.db, applies pragmas,
// and runs the embedded migrations. Grounded on storedb.Open's pragma/DSN
// conventions, duplicated rather than shared since this database lives at
// the store-root level and carries its own (much smaller, single-table)
// schema rather than the per-post-store schema storedb.Open migrates.
func Open(ctx context.Context, storeRoot string) (*Store, error) {
	if err := os.MkdirAll(storeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create store root %q: %w", storeRoot, err)
	}

	path := filepath.Join(storeRoot, "identity.db")

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL&_busy_timeout=5000",
		path,
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open identity db %q: %w", path, err)
	}

	conn.SetMaxOpenConns(8)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("ping identity db %q: %w", path, err)
	}

	migrator, err := newMigrate(&sqlite3Conn{db: conn, path: path})
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("prepare identity migrations: %w", err)
	}

	if err := runMigrations(migrator); err != nil {
		_ = conn.Close()

		return nil, err
	}

	return &Store{conn: conn, path: path}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close identity db %q: %w", s.path, err)
	}

	return nil
}

// LookupHandle returns the cached handle for did, or ok=false on a miss.
func (s *Store) LookupHandle(ctx context.Context, did post.Did) (Record, bool, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT did, handle, verified, source, updated_at FROM identities WHERE did = ?",
		string(did),
	)

	return scanRecord(row)
}

// LookupDid returns the cached did for handle, or ok=false on a miss.
func (s *Store) LookupDid(ctx context.Context, handle post.Handle) (Record, bool, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT did, handle, verified, source, updated_at FROM identities WHERE handle = ? ORDER BY updated_at DESC LIMIT 1",
		string(handle),
	)

	return scanRecord(row)
}

func scanRecord(row *sql.Row) (Record, bool, error) {
	var (
		rec       Record
		verified  int
		source    string
		updatedAt string
	)

	err := row.Scan(&rec.Did, &rec.Handle, &verified, &source, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, skyerr.Wrap(skyerr.KindStoreIO, "scan identity record", err)
	}

	rec.Verified = verified != 0
	rec.Source = Source(source)

	if err := (&rec.UpdatedAt).UnmarshalJSON([]byte(`"` + updatedAt + `"`)); err != nil {
		return Record{}, false, skyerr.Wrap(skyerr.KindStoreIO, "parse identity record timestamp", err)
	}

	return rec, true, nil
}

// Upsert records that did maps to handle, learned via source, overwriting
// any prior record for the same did — last-write-wins, matching every
// other checkpoint/lineage store's persistence contract.
func (s *Store) Upsert(ctx context.Context, did post.Did, handle post.Handle, verified bool, source Source, now post.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	verifiedInt := 0
	if verified {
		verifiedInt = 1
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO identities (did, handle, verified, source, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(did) DO UPDATE SET
			handle = excluded.handle,
			verified = excluded.verified,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		string(did), string(handle), verifiedInt, string(source), now.String(),
	)
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIO, "upsert identity record", err)
	}

	return nil
}
