package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	"github.com/pressly/goose/v3"

	"github.com/leafsii/stash/internal/config"
	"github.com/leafsii/stash/migrations"
	"github.com/leafsii/stash/pkg/kv"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	flags = flag.NewFlagSet("migrate", flag.ExitOnError)
	dir   = flags.String("dir", "", "directory with migration files (default: embedded, or STASH_MIGRATIONS_DIR)")
)

func main() {
	flags.Parse(os.Args[1:])
	args := flags.Args()

	if len(args) < 1 {
		log.Fatal("Usage: migrate [-dir DIR] COMMAND\n\nCommands:\n  up\n  down\n  status")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	backend, dsn, err := kv.ParseURI(cfg.Store.URI)
	if err != nil {
		log.Fatalf("Invalid STASH_URI: %v", err)
	}
	if backend != kv.BackendPostgres {
		log.Fatalf("Migrations only apply to postgres, STASH_URI selects %s", backend)
	}

	migrationsDir := "."
	switch {
	case *dir != "":
		migrationsDir = *dir
	case cfg.Migration.Dir != "":
		migrationsDir = cfg.Migration.Dir
	default:
		goose.SetBaseFS(migrations.FS)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	command := args[0]
	switch command {
	case "up":
		if err := goose.Up(db, migrationsDir); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
	case "down":
		if err := goose.Down(db, migrationsDir); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "status":
		if err := goose.Status(db, migrationsDir); err != nil {
			log.Fatalf("Migration status failed: %v", err)
		}
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}
