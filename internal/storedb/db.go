// Package storedb owns the per-store SQLite handle: opening the file,
// applying pragmas, bootstrapping schema via embedded migrations, and
// serializing writes the way spec §5 requires (one writer at a time per
// store, held across the whole committer transaction).
package storedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"github.com/skygent-io/skygent/internal/post"
)

// sqlite3Conn is the thin handle golang-migrate's sqlite3 driver needs: a
// live *sql.DB plus the file path it was opened against.
type sqlite3Conn struct {
	db   *sql.DB
	path string
}

// DB is one store's SQLite connection: the pooled *sql.DB plus the
// per-store write mutex every mutating operation must hold, per spec §5's
// single-writer ordering guarantee.
type DB struct {
	conn *sql.DB
	path string

	// writeMu serializes every write transaction against this store,
	// including ULID generation so event ids never race within a store.
	writeMu sync.Mutex
}

// Open opens (creating if absent) the SQLite file for store name under
// storeRoot, applies pragmas, and runs the embedded migrations. It is safe
// to call Open repeatedly for the same store from different processes; the
// migration run is a no-op once the schema is current.
func Open(ctx context.Context, storeRoot string, name post.StoreName) (*DB, error) {
	dir := filepath.Join(storeRoot, "stores", string(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %q: %w", dir, err)
	}

	path := filepath.Join(dir, "store.db")

	// Pragmas are passed as DSN parameters, not ExecContext calls, because
	// mattn/go-sqlite3 applies per-connection settings on every new pooled
	// connection it opens; an Exec against the *sql.DB handle would only
	// ever hit whichever single connection served that call.
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL&_busy_timeout=5000",
		path,
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db %q: %w", path, err)
	}

	// WAL mode lets readers run concurrently with the single in-flight
	// writer; writeMu (not the connection pool) is what serializes writers.
	conn.SetMaxOpenConns(8)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("ping store db %q: %w", path, err)
	}

	migrator, err := newMigrate(&sqlite3Conn{db: conn, path: path})
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("prepare migrations for %q: %w", path, err)
	}

	if err := runMigrations(migrator); err != nil {
		_ = conn.Close()

		return nil, err
	}

	return &DB{conn: conn, path: path}, nil
}

// Path returns the filesystem path of the store's SQLite file.
func (d *DB) Path() string {
	return d.path
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("close store db %q: %w", d.path, err)
	}

	return nil
}

// WithTx runs fn inside a transaction, holding the store's write mutex for
// the duration so callers never need to reason about interleaving writes
// themselves. fn's transaction is committed on a nil return and rolled back
// otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Query runs a read-only query against the store. Reads do not take
// writeMu: SQLite's own MVCC (WAL mode) lets readers proceed concurrently
// with a single in-flight writer.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	return rows, nil
}

// QueryRow runs a read-only single-row query against the store.
func (d *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.conn.QueryRowContext(ctx, query, args...)
}
