// Package pgcatalog is a discovery backend on PostgreSQL. Registrations are rows of
// mesh_registrations keyed by instance ID; an expires_at column gives them a TTL that
// every Register and SetHealth call pushes forward. The package also carries the pool,
// migration, ensure-db and clear helpers the meshd subcommands use.
package pgcatalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/discovery"
)

const logPrefix = "pgcatalog:backend"

const (
	registrationsTable = "mesh_registrations"
	configTable        = "mesh_config"

	DefaultTTL = 30 * time.Second
)

const selectColumns = `instance_id, descriptor, endpoints, health, tags, manifest, registered_at, updated_at`

// Options configures a Backend. Zero values use defaults.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

// Backend implements discovery.Backend on a pgx pool owned by the caller.
type Backend struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// New creates a Backend. The schema must already be migrated.
func New(pool *pgxpool.Pool, opts Options) *Backend {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Backend{pool: pool, ttl: opts.TTL, now: opts.Now}
}

// classify maps pgx errors onto the discovery error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s - %s: %w", logPrefix, op, discovery.ErrNotFound)
	}
	if unavailable(err) {
		return discovery.Unavailable(logPrefix+" - "+op, err)
	}
	return fmt.Errorf("%s - %s: %w", logPrefix, op, err)
}

func unavailable(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || discovery.IsUnavailable(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01-57P03 are shutdown and cannot-connect-now.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	return strings.Contains(err.Error(), "closed pool")
}

func (b *Backend) expiry(now time.Time) time.Time {
	return now.Add(b.ttl)
}

// Register implements discovery.Backend. A re-registration keeps the original
// registered_at unless the previous row had already expired.
func (b *Backend) Register(ctx context.Context, desc component.Descriptor, instanceID string, endpoints []string, meta map[string]string) (component.Registration, error) {
	now := b.now().UTC()
	reg := discovery.NewRegistration(desc, instanceID, endpoints, meta, now)

	descJSON, err := json.Marshal(reg.Descriptor)
	if err != nil {
		return component.Registration{}, fmt.Errorf("%s - encode descriptor %s: %w", logPrefix, instanceID, err)
	}
	manifestJSON, err := json.Marshal(reg.Manifest)
	if err != nil {
		return component.Registration{}, fmt.Errorf("%s - encode manifest %s: %w", logPrefix, instanceID, err)
	}

	if _, err := b.pool.Exec(ctx, `DELETE FROM `+registrationsTable+` WHERE expires_at <= $1`, now); err != nil {
		return component.Registration{}, classify("prune", err)
	}

	row := b.pool.QueryRow(ctx,
		`INSERT INTO `+registrationsTable+` (instance_id, name, tier, startup_policy, version, descriptor,
		        endpoints, health, tags, manifest, registered_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $12)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   tier = EXCLUDED.tier,
		   startup_policy = EXCLUDED.startup_policy,
		   version = EXCLUDED.version,
		   descriptor = EXCLUDED.descriptor,
		   endpoints = EXCLUDED.endpoints,
		   health = EXCLUDED.health,
		   tags = EXCLUDED.tags,
		   manifest = EXCLUDED.manifest,
		   updated_at = EXCLUDED.updated_at,
		   expires_at = EXCLUDED.expires_at
		 RETURNING registered_at`,
		instanceID, reg.Descriptor.Name, string(reg.Descriptor.Tier), string(reg.Descriptor.StartupPolicy),
		reg.Descriptor.Version, descJSON, reg.Endpoints, string(reg.Health), reg.Tags, manifestJSON,
		now, b.expiry(now))

	if err := row.Scan(&reg.RegisteredAt); err != nil {
		return component.Registration{}, classify("upsert "+instanceID, err)
	}
	reg.RegisteredAt = reg.RegisteredAt.UTC()

	slog.Debug(fmt.Sprintf("%s - Registered %s (%s)", logPrefix, reg.Name(), instanceID))
	return reg, nil
}

// List implements discovery.Backend.
func (b *Backend) List(ctx context.Context) ([]component.Registration, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM `+registrationsTable+`
		 WHERE expires_at > $1
		 ORDER BY name, instance_id`, b.now().UTC())
	if err != nil {
		return nil, classify("list", err)
	}
	return collect(rows)
}

// Lookup implements discovery.Backend.
func (b *Backend) Lookup(ctx context.Context, name string) ([]component.Registration, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM `+registrationsTable+`
		 WHERE name = $1 AND expires_at > $2
		 ORDER BY instance_id`, name, b.now().UTC())
	if err != nil {
		return nil, classify("lookup "+name, err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]component.Registration, error) {
	defer rows.Close()
	var out []component.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan", err)
	}
	return out, nil
}

func scanRegistration(row pgx.Row) (component.Registration, error) {
	var (
		reg          component.Registration
		descJSON     []byte
		manifestJSON []byte
		health       string
	)
	if err := row.Scan(&reg.InstanceID, &descJSON, &reg.Endpoints, &health, &reg.Tags,
		&manifestJSON, &reg.RegisteredAt, &reg.UpdatedAt); err != nil {
		return component.Registration{}, classify("scan", err)
	}
	return decodeRow(reg, descJSON, manifestJSON, health)
}

func decodeRow(reg component.Registration, descJSON, manifestJSON []byte, health string) (component.Registration, error) {
	if err := json.Unmarshal(descJSON, &reg.Descriptor); err != nil {
		return component.Registration{}, fmt.Errorf("%s - decode descriptor %s: %w", logPrefix, reg.InstanceID, err)
	}
	if len(manifestJSON) > 0 {
		if err := json.Unmarshal(manifestJSON, &reg.Manifest); err != nil {
			return component.Registration{}, fmt.Errorf("%s - decode manifest %s: %w", logPrefix, reg.InstanceID, err)
		}
	}
	reg.Health = component.Health(health)
	if !reg.Health.Valid() {
		reg.Health = component.HealthUnreachable
	}
	reg.RegisteredAt = reg.RegisteredAt.UTC()
	reg.UpdatedAt = reg.UpdatedAt.UTC()
	return reg, nil
}

// Deregister implements discovery.Backend.
func (b *Backend) Deregister(ctx context.Context, instanceID string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM `+registrationsTable+` WHERE instance_id = $1`, instanceID); err != nil {
		return classify("delete "+instanceID, err)
	}
	return nil
}

// HealthOf implements discovery.Backend.
func (b *Backend) HealthOf(ctx context.Context, name string) (component.Health, error) {
	regs, err := b.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	return discovery.BestHealth(regs)
}

// SetHealth implements discovery.Backend. It also extends the row's expiry.
func (b *Backend) SetHealth(ctx context.Context, instanceID string, health component.Health) error {
	now := b.now().UTC()
	tag, err := b.pool.Exec(ctx,
		`UPDATE `+registrationsTable+` SET health = $2, updated_at = $3, expires_at = $4
		 WHERE instance_id = $1 AND expires_at > $3`,
		instanceID, string(health), now, b.expiry(now))
	if err != nil {
		return classify("set health "+instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s - set health %s: %w", logPrefix, instanceID, discovery.ErrNotFound)
	}
	return nil
}

// Ping implements discovery.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return discovery.Unavailable(logPrefix+" - ping", err)
	}
	return nil
}

// Close implements discovery.Backend. The pool belongs to the caller.
func (b *Backend) Close() error {
	return nil
}

// PutConfig implements discovery.ConfigStore.
func (b *Backend) PutConfig(ctx context.Context, key string, value []byte) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO `+configTable+` (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, b.now().UTC())
	if err != nil {
		return classify("put config "+key, err)
	}
	return nil
}

// GetConfig implements discovery.ConfigStore.
func (b *Backend) GetConfig(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.pool.QueryRow(ctx, `SELECT value FROM `+configTable+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s - config %s: %w", logPrefix, key, discovery.ErrConfigNotFound)
	}
	if err != nil {
		return nil, classify("get config "+key, err)
	}
	return value, nil
}

// DeleteConfig implements discovery.ConfigStore.
func (b *Backend) DeleteConfig(ctx context.Context, key string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM `+configTable+` WHERE key = $1`, key); err != nil {
		return classify("delete config "+key, err)
	}
	return nil
}

var _ discovery.Backend = (*Backend)(nil)
