// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"

	"github.com/social-monitor/internal/config"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		steps  = flag.Int("steps", 1, "Number of migrations to roll back with -action=down")
		path   = flag.String("path", "", "Migrations directory (default MIGRATIONS_PATH)")
	)
	flag.Parse()

	logger := logging.GetGlobalLogger().Component("migrate")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatalf("Failed to load config")
	}

	migrationsPath := cfg.Database.MigrationsPath
	if *path != "" {
		migrationsPath = *path
	}

	if err := run(cfg.Database.Postgres.URL(), migrationsPath, *action, *steps, logger); err != nil {
		logger.WithError(err).WithField("action", *action).Fatalf("Migration failed")
	}
}

func run(databaseURL, migrationsPath, action string, steps int, logger *logging.Logger) error {
	switch action {
	case "up":
		logger.Info("Running migrations")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Migrations completed")

	case "down":
		logger.WithField("steps", steps).Info("Rolling back migrations")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath, steps); err != nil {
			return err
		}
		logger.Info("Rollback completed")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		logger.WithFields(logging.Fields{"version": version, "dirty": dirty}).Info("Current migration version")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}
