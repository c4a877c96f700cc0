package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/component-mesh/internal/config"
	"github.com/morezero/component-mesh/pkg/discovery"
	"github.com/morezero/component-mesh/pkg/discovery/memory"
	"github.com/morezero/component-mesh/pkg/discovery/natskv"
	"github.com/morezero/component-mesh/pkg/discovery/pgcatalog"
)

const backendLogPrefix = "server:backend"

// openBackend builds the discovery backend selected by MESH_BACKEND. A postgres backend
// keeps its pool on s so Shutdown can close it.
func (s *Server) openBackend(ctx context.Context) (discovery.Backend, error) {
	cfg := s.cfg
	switch cfg.Backend {
	case config.BackendNATS:
		if s.nc == nil {
			return nil, fmt.Errorf("%s - MESH_BACKEND=nats needs COMMS_URL", backendLogPrefix)
		}
		slog.Info(fmt.Sprintf("%s - Using JetStream KV bucket %s", backendLogPrefix, cfg.KVBucket))
		return natskv.New(s.nc, natskv.Options{Bucket: cfg.KVBucket, TTL: cfg.RegistrationTTL}), nil

	case config.BackendPostgres:
		pool, err := pgcatalog.NewPool(ctx, cfg.DatabaseURL, pgcatalog.PoolOptions{})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", backendLogPrefix, err)
		}
		s.pool = pool

		if cfg.RunMigrations {
			migrations, err := pgcatalog.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				return nil, fmt.Errorf("%s - failed to load migrations: %w", backendLogPrefix, err)
			}
			if err := pgcatalog.RunMigrations(ctx, pool, migrations); err != nil {
				return nil, fmt.Errorf("%s - failed to run migrations: %w", backendLogPrefix, err)
			}
		}
		slog.Info(fmt.Sprintf("%s - Using Postgres catalog", backendLogPrefix))
		return pgcatalog.New(pool, pgcatalog.Options{TTL: cfg.RegistrationTTL}), nil

	case config.BackendMemory:
		slog.Info(fmt.Sprintf("%s - Using in-memory registry; registrations are not shared between processes", backendLogPrefix))
		return memory.New(memory.WithTTL(cfg.RegistrationTTL)), nil

	default:
		return nil, fmt.Errorf("%s - unknown MESH_BACKEND %q", backendLogPrefix, cfg.Backend)
	}
}
