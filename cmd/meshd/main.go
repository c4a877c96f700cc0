// Package main is the entrypoint for meshd, the component mesh process.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/morezero/component-mesh/internal/config"
	"github.com/morezero/component-mesh/internal/server"
	"github.com/morezero/component-mesh/pkg/bootstrap"
	"github.com/morezero/component-mesh/pkg/discovery/pgcatalog"
)

const usage = `Usage: meshd [command]
       meshd serve              Start the mesh (discovery backend, NATS route subjects, HTTP).
       meshd migrate up         Create or update the Postgres catalog schema.
       meshd migrate down       Roll back (not supported; migrations are forward-only).
       meshd migrate status     Show migration status.
       meshd ensure-db [name]   Create database if missing (default name: mesh_test). Uses DATABASE_URL host/user.
       meshd clear              Truncate the catalog tables; schema is preserved.
       meshd manifest [file]    Validate a route manifest and print the effective routes as YAML.

Commands:
  serve           (default) Start meshd.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration (not supported).
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. mesh_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate catalog data; schema preserved.
  manifest [file] Load the manifest like serve does (file, MESH_MANIFEST_FILE, defaults) and print it.

Environment: MESH_BACKEND (nats|postgres|memory), COMMS_URL, DATABASE_URL (postgres backend and DB commands),
MIGRATION_PATH, MESH_MANIFEST_FILE, HTTP_PORT or MESH_HTTP_ADDR. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("meshd migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := withPool(runMigrateUp); err != nil {
				log.Fatalf("meshd migrate up: %v", err)
			}
		case "status":
			if err := withPool(runMigrateStatus); err != nil {
				log.Fatalf("meshd migrate status: %v", err)
			}
		case "down":
			if err := pgcatalog.MigrationDown(os.Stdout); err != nil {
				log.Fatalf("meshd migrate down: %v", err)
			}
		default:
			log.Fatalf("meshd migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := withPool(runClear); err != nil {
			log.Fatalf("meshd clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "mesh_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("meshd ensure-db: %v", err)
		}
		return
	case "manifest":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		if err := runManifest(file, os.Stdout); err != nil {
			log.Fatalf("meshd manifest: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("meshd: %v", err)
	}
}

// withPool loads config, connects to DATABASE_URL and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := pgcatalog.NewPool(ctx, cfg.DatabaseURL, pgcatalog.PoolOptions{MaxConns: 2})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := pgcatalog.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := pgcatalog.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	return pgcatalog.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
}

func runClear(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
	if err := pgcatalog.Clear(ctx, pool); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := databaseURLFor(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := pgcatalog.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// databaseURLFor replaces the database name of databaseURL; query (e.g. sslmode) is kept.
func databaseURLFor(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

// runManifest loads the manifest the way serve does and writes it to w as YAML.
func runManifest(file string, w io.Writer) error {
	m, err := bootstrap.LoadManifest(file)
	if err != nil {
		return err
	}
	if err := m.Check(); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return enc.Close()
}
