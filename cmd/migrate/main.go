package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/pkg/logger"
)

const migrationsDir = "./internal/database/migrations"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{Level: "info", Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "create" {
		if len(os.Args) < 3 {
			logger.FatalGlobal().Msg("Usage: migrate create <migration_name>")
		}
		createMigration(migrationsDir, os.Args[2])
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to load config")
	}

	db, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	switch command {
	case "up":
		logger.InfoGlobal().Msg("Running migrations...")
		if err := database.RunMigrations(db); err != nil {
			logger.FatalGlobal().Err(err).Msg("Migration failed")
		}
		logger.InfoGlobal().Msg("Migrations completed successfully")

	case "down":
		logger.InfoGlobal().Msg("Rolling back last migration...")
		if err := database.RollbackMigration(db); err != nil {
			logger.FatalGlobal().Err(err).Msg("Rollback failed")
		}
		logger.InfoGlobal().Msg("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db)
		if err != nil {
			logger.FatalGlobal().Err(err).Msg("Failed to get version")
		}
		if dirty {
			logger.WarnGlobal().Uint("version", version).Msg("Current version is DIRTY and needs manual intervention")
		} else {
			logger.InfoGlobal().Uint("version", version).Msg("Current version")
		}

	default:
		logger.ErrorGlobal().Str("command", command).Msg("Unknown command")
		printUsage()
		os.Exit(1)
	}
}

// nextVersion returns one past the highest numbered migration in dir.
func nextVersion(dir string) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".up.sql") {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(file.Name(), "%06d_", &v); err == nil && v > highest {
			highest = v
		}
	}
	return highest + 1, nil
}

func createMigration(dir, name string) {
	version, err := nextVersion(dir)
	if err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to read migrations directory")
	}

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", version, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", version, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n-- Add your SQL here\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to create up migration")
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		logger.FatalGlobal().Err(err).Msg("Failed to create down migration")
	}

	logger.InfoGlobal().Str("up", upFile).Str("down", downFile).Msg("Created migration files")
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: crashdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_SCHEMA     Search path (default: public)")
}
