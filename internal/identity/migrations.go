package identity

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

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool {
	return false
}

func runMigrations(m *migrate.Migrate) error {
	m.Log = migrateLogger{}

	err := m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply identity store migrations: %w", err)
	}

	return nil
}

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
