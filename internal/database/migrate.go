package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migrations/*.up.sql file under path. The
// schema_migrations table records the applied version.
func Migrate(db *sql.DB, path string) error {
	sourceURL, err := migrationsURL(path)
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{SchemaName: "public"})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	return classifyMigrationError(m.Up())
}

// classifyMigrationError maps the outcome of Up to the error Open reports.
// An up to date schema and a missing migrations directory are not failures.
func classifyMigrationError(err error) error {
	if err == nil {
		log.Println("[DB] Migrations applied")
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("[DB] No new migrations")
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Println("[DB] No migration files found, skipping")
		return nil
	}

	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return fmt.Errorf("migration failed: dirty database version %d, fix it and force the version", dirty.Version)
	}
	return fmt.Errorf("migration failed: %w", err)
}

// migrationsURL turns a directory into a file:// source URL, refusing
// paths that climb out with "..".
func migrationsURL(path string) (string, error) {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}
