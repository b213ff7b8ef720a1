package storedb

import (
	"embed"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrateLogger adapts the standard logger to migrate.Logger, the way the
// teacher's cmd/migrator/runner.go bridges log.Printf into golang-migrate's
// logging hook.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool {
	return false
}

// runMigrations applies every embedded migration to db, idempotently. It is
// called once per Open, so "lazily creates schema on first open" holds even
// though every open pays the (cheap, no-op-if-current) cost of checking.
func runMigrations(db *migrate.Migrate) error {
	db.Log = migrateLogger{}

	err := db.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply store migrations: %w", err)
	}

	return nil
}

// newMigrate builds a migrate.Migrate instance bound to conn via the sqlite3
// driver and the embedded migration source.
func newMigrate(conn *sqlite3Conn) (*migrate.Migrate, error) {
	driver, err := sqlite3.WithInstance(conn.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite3 migrate driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("build migrate instance: %w", err)
	}

	return m, nil
}
