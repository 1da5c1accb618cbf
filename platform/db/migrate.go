// Package db provides database connection infrastructure.
// This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"strings"

	"leadflow_backend/migrations"
	"leadflow_backend/platform/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending migrations. The embedded migration set is
// used unless the config points at an on-disk directory.
func RunMigrations(ctx context.Context, cfg config.MigrationConfig) error {
	var fsys fs.FS = migrations.FS
	if dir := strings.TrimSpace(cfg.GetMigrationsDir()); dir != "" {
		fsys = os.DirFS(dir)
	}

	sqlDB, err := sql.Open("pgx", cfg.GetDatabaseURL())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		return err
	}

	_, err = provider.Up(ctx)
	return err
}
