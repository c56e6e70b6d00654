package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending schema migration.
func Migrate(connString string, log *slog.Logger) error {
	m, closeFn, err := newMigrator(connString)
	if err != nil {
		return err
	}
	defer closeFn()

	migrateErr := m.Up()

	var fields []any
	version, dirty, versionErr := m.Version()
	if versionErr == nil {
		fields = append(fields, "version", version, "dirty", dirty)
	} else if !errors.Is(versionErr, migrate.ErrNilVersion) {
		log.Warn("Failed to fetch migration version", "error", versionErr)
	}

	if migrateErr != nil {
		if !errors.Is(migrateErr, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", migrateErr)
		}
		log.Info("No migrations to apply", fields...)
		return nil
	}

	log.Info("DB is migrated", fields...)
	return nil
}

// newMigrator returns a migrator over the embedded migrations and a function releasing it.
func newMigrator(connString string) (*migrate.Migrate, func(), error) {
	conn, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("open DB: %w", err)
	}

	dbInstance, err := pgx.WithInstance(conn, &pgx.Config{})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create DB instance: %w", err)
	}

	srcInstance, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		dbInstance.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("create source instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcInstance, "pgx", dbInstance)
	if err != nil {
		dbInstance.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, func() {
		m.Close()
		conn.Close()
	}, nil
}
