package db

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsDir = "migrations"

func useEmbeddedMigrations() error {
	goose.SetBaseFS(migrationFiles)
	return goose.SetDialect("postgres")
}

// RunMigrations applies the embedded project, chunk, batch job and artifact migrations.
// A nil database (memory mode) is a no-op.
func RunMigrations(ctx context.Context, database *sql.DB) error {
	if database == nil {
		return nil
	}
	if err := useEmbeddedMigrations(); err != nil {
		return err
	}
	return goose.UpContext(ctx, database, migrationsDir)
}

// SchemaVersion reports the latest applied migration version.
func SchemaVersion(database *sql.DB) (int64, error) {
	if database == nil {
		return 0, nil
	}
	if err := useEmbeddedMigrations(); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(database)
}
