package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// openMigrator returns a migrate instance for the Postgres database at dsn
// and a func releasing its connection.
func openMigrator(migrationsDir, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, func() { m.Close() }, nil
}

// ApplyMigrations runs all pending up migrations from migrationsDir.
func ApplyMigrations(migrationsDir, dsn string, log *zap.Logger) error {
	m, done, err := openMigrator(migrationsDir, dsn)
	if err != nil {
		return err
	}
	defer done()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d). Manual intervention required", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("database is up to date", zap.Uint("version", version))
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	if newVersion != version {
		log.Info("migrated database", zap.Uint("from", version), zap.Uint("to", newVersion))
	}
	return nil
}

// MigrateSteps applies n migrations, or rolls back -n when n is negative.
func MigrateSteps(migrationsDir, dsn string, n int) error {
	m, done, err := openMigrator(migrationsDir, dsn)
	if err != nil {
		return err
	}
	defer done()
	if err := m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration.
func MigrateDown(migrationsDir, dsn string) error {
	m, done, err := openMigrator(migrationsDir, dsn)
	if err != nil {
		return err
	}
	defer done()
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the current migration version.
func MigrationVersion(migrationsDir, dsn string) (uint, bool, error) {
	m, done, err := openMigrator(migrationsDir, dsn)
	if err != nil {
		return 0, false, err
	}
	defer done()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// ForceVersion sets the version without running migrations, clearing the
// dirty flag.
func ForceVersion(migrationsDir, dsn string, version int) error {
	m, done, err := openMigrator(migrationsDir, dsn)
	if err != nil {
		return err
	}
	defer done()
	if err := m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}
