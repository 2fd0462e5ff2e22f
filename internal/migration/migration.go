// Package migration applies golang-migrate migrations to an engine's database.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/lucasew/dbregistry/internal/errutil"
)

// Up applies every pending migration from sourceURL to databaseURL using a
// dedicated connection, so the engine's own pool is untouched.
func Up(ctx context.Context, sourceURL, databaseURL string) error {
	if databaseURL == "" {
		return errors.New("no migration url for this engine")
	}

	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		errutil.LogMsg(srcErr, "Failed to close migration source", "source", sourceURL)
		errutil.LogMsg(dbErr, "Failed to close migration database")
	}()

	stop := context.AfterFunc(ctx, func() {
		select {
		case m.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Debug("Migrations already applied", "source", sourceURL)
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("Migrations applied", "source", sourceURL, "version", version, "dirty", dirty)
	return nil
}
