package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"ledger/internal/config"
	"ledger/internal/db"
	"ledger/internal/logging"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the .up.sql and .down.sql files")
	down := flag.Bool("down", false, "roll back the most recent migration")
	flag.Parse()

	cfg := config.Load()
	logger, err := logging.New(cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.Close()

	driver, err := postgres.WithInstance(database.DB, &postgres.Config{})
	if err != nil {
		logger.Fatal("failed to create postgres driver", zap.Error(err))
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL(*dir), "postgres", driver)
	if err != nil {
		logger.Fatal("failed to load migrations", zap.String("dir", *dir), zap.Error(err))
	}

	if err := apply(m, *down, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}

type migrator interface {
	Up() error
	Steps(n int) error
	Version() (uint, bool, error)
}

// apply runs every pending migration, or rolls back one when down is set.
// Having nothing to do is not an error.
func apply(m migrator, down bool, logger *zap.Logger) error {
	var err error
	if down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to apply")
		return nil
	}
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return fmt.Errorf("database is dirty at version %d, fix it by hand and force the version", dirty.Version)
	}
	if err != nil {
		return err
	}

	version, _, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("all migrations rolled back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	logger.Info("migrations applied", zap.Uint("version", version), zap.Bool("down", down))
	return nil
}

func sourceURL(dir string) string {
	return "file://" + filepath.ToSlash(dir)
}
