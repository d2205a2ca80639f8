// Command migrate applies or rolls back the PostgreSQL schema.
//
//	migrate up          apply every pending migration
//	migrate down [n]    roll back n migrations (default 1)
//	migrate version     print the current version
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/whisper/buddy-chat/internal/config"
	"github.com/whisper/buddy-chat/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	m, err := storage.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to initialize migrator: %v", err)
	}
	defer m.Close()

	switch os.Args[1] {
	case "up":
		err = m.Up()
	case "down":
		steps := 1
		if len(os.Args) > 2 {
			if steps, err = strconv.Atoi(os.Args[2]); err != nil || steps <= 0 {
				log.Fatalf("invalid step count %q", os.Args[2])
			}
		}
		err = m.Steps(-steps)
	case "version":
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migrate %s failed: %v", os.Args[1], err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Println("schema has no migrations applied")
	case err != nil:
		log.Fatalf("failed to read schema version: %v", err)
	default:
		log.Printf("schema at version %d (dirty=%v)", version, dirty)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate <up|down [n]|version>")
}
