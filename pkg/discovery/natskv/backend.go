// Package natskv is a discovery backend on NATS JetStream key/value buckets. Each
// registration is one key (the instance ID) holding the JSON registration; the bucket
// TTL expires instances that stop heartbeating. Configuration lives in a second bucket.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/morezero/component-mesh/pkg/commsutil"
	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/discovery"
)

const logPrefix = "natskv:backend"

const (
	DefaultBucket       = "mesh_registrations"
	DefaultConfigBucket = "mesh_config"
	DefaultTTL          = 30 * time.Second
)

// Options configures a Backend. Zero values use defaults.
type Options struct {
	Bucket       string
	ConfigBucket string
	// TTL is the registration bucket's max age.
	TTL      time.Duration
	Replicas int
}

// Backend stores registrations in a JetStream KV bucket. Buckets are opened (or created)
// on first use, so a Backend can be built before the server is reachable.
type Backend struct {
	nc   *comms.Conn
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	regs   jetstream.KeyValue
	config jetstream.KeyValue
}

// New creates a Backend on an existing connection.
func New(nc *comms.Conn, opts Options) *Backend {
	if opts.Bucket == "" {
		opts.Bucket = DefaultBucket
	}
	if opts.ConfigBucket == "" {
		opts.ConfigBucket = DefaultConfigBucket
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}
	return &Backend{nc: nc, opts: opts, now: time.Now}
}

// buckets returns both buckets, opening or creating them if needed.
func (b *Backend) buckets(ctx context.Context) (jetstream.KeyValue, jetstream.KeyValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regs != nil && b.config != nil {
		return b.regs, b.config, nil
	}
	if b.nc == nil || !b.nc.IsConnected() {
		return nil, nil, discovery.Unavailable(logPrefix, errors.New("not connected"))
	}
	js, err := commsutil.JetStream(b.nc)
	if err != nil {
		return nil, nil, classify("jetstream", err)
	}
	regs, err := openBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      b.opts.Bucket,
		Description: "component mesh registrations",
		TTL:         b.opts.TTL,
		History:     1,
		Replicas:    b.opts.Replicas,
	})
	if err != nil {
		return nil, nil, classify("open "+b.opts.Bucket, err)
	}
	config, err := openBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      b.opts.ConfigBucket,
		Description: "component mesh configuration",
		History:     5,
		Replicas:    b.opts.Replicas,
	})
	if err != nil {
		return nil, nil, classify("open "+b.opts.ConfigBucket, err)
	}
	b.regs, b.config = regs, config
	return regs, config, nil
}

func openBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			return js.KeyValue(ctx, cfg.Bucket)
		}
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Created KV bucket %s", logPrefix, cfg.Bucket))
	return kv, nil
}

// classify maps NATS errors onto the discovery error taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return fmt.Errorf("%s - %s: %w", logPrefix, op, discovery.ErrNotFound)
	case errors.Is(err, comms.ErrConnectionClosed),
		errors.Is(err, comms.ErrNoServers),
		errors.Is(err, comms.ErrTimeout),
		errors.Is(err, comms.ErrNoResponders),
		errors.Is(err, comms.ErrConnectionReconnecting),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled),
		errors.Is(err, context.DeadlineExceeded),
		discovery.IsUnavailable(err):
		return discovery.Unavailable(logPrefix+" - "+op, err)
	default:
		return fmt.Errorf("%s - %s: %w", logPrefix, op, err)
	}
}

func (b *Backend) get(ctx context.Context, kv jetstream.KeyValue, instanceID string) (component.Registration, uint64, error) {
	entry, err := kv.Get(ctx, instanceID)
	if err != nil {
		return component.Registration{}, 0, classify("get "+instanceID, err)
	}
	reg, err := commsutil.Decode[component.Registration](entry.Value())
	if err != nil {
		return component.Registration{}, 0, fmt.Errorf("%s - decode %s: %w", logPrefix, instanceID, err)
	}
	return reg, entry.Revision(), nil
}

// Register implements discovery.Backend.
func (b *Backend) Register(ctx context.Context, desc component.Descriptor, instanceID string, endpoints []string, meta map[string]string) (component.Registration, error) {
	kv, _, err := b.buckets(ctx)
	if err != nil {
		return component.Registration{}, err
	}
	reg := discovery.NewRegistration(desc, instanceID, endpoints, meta, b.now())
	if prev, _, err := b.get(ctx, kv, instanceID); err == nil {
		reg.RegisteredAt = prev.RegisteredAt
	} else if !errors.Is(err, discovery.ErrNotFound) {
		return component.Registration{}, err
	}

	data, err := commsutil.EncodePayload(reg)
	if err != nil {
		return component.Registration{}, fmt.Errorf("%s - encode %s: %w", logPrefix, instanceID, err)
	}
	if _, err := kv.Put(ctx, instanceID, data); err != nil {
		return component.Registration{}, classify("put "+instanceID, err)
	}
	return reg, nil
}

// List implements discovery.Backend.
func (b *Backend) List(ctx context.Context) ([]component.Registration, error) {
	kv, _, err := b.buckets(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, classify("keys", err)
	}
	out := make([]component.Registration, 0, len(keys))
	for _, key := range keys {
		reg, _, err := b.get(ctx, kv, key)
		if errors.Is(err, discovery.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	discovery.SortRegistrations(out)
	return out, nil
}

// Lookup implements discovery.Backend.
func (b *Backend) Lookup(ctx context.Context, name string) ([]component.Registration, error) {
	all, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []component.Registration
	for _, r := range all {
		if r.Name() == name {
			out = append(out, r)
		}
	}
	return out, nil
}

// Deregister implements discovery.Backend.
func (b *Backend) Deregister(ctx context.Context, instanceID string) error {
	kv, _, err := b.buckets(ctx)
	if err != nil {
		return err
	}
	if err := kv.Purge(ctx, instanceID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return classify("purge "+instanceID, err)
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

// SetHealth implements discovery.Backend. The write is a compare-and-set on the entry
// revision and also refreshes the key's age.
func (b *Backend) SetHealth(ctx context.Context, instanceID string, health component.Health) error {
	kv, _, err := b.buckets(ctx)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		reg, rev, err := b.get(ctx, kv, instanceID)
		if err != nil {
			return err
		}
		reg.Health = health
		reg.UpdatedAt = b.now().UTC()
		data, err := commsutil.EncodePayload(reg)
		if err != nil {
			return fmt.Errorf("%s - encode %s: %w", logPrefix, instanceID, err)
		}
		_, err = kv.Update(ctx, instanceID, data, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return classify("update "+instanceID, err)
		}
	}
	return fmt.Errorf("%s - update %s: too many concurrent writers", logPrefix, instanceID)
}

// Ping implements discovery.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if b.nc == nil || !b.nc.IsConnected() {
		return discovery.Unavailable(logPrefix+" - ping", errors.New("not connected"))
	}
	if _, _, err := b.buckets(ctx); err != nil {
		return err
	}
	js, err := commsutil.JetStream(b.nc)
	if err != nil {
		return classify("ping", err)
	}
	if _, err := js.AccountInfo(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close implements discovery.Backend. The connection belongs to the caller.
func (b *Backend) Close() error {
	return nil
}

// PutConfig implements discovery.ConfigStore.
func (b *Backend) PutConfig(ctx context.Context, key string, value []byte) error {
	_, kv, err := b.buckets(ctx)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, key, value); err != nil {
		return classify("put config "+key, err)
	}
	return nil
}

// GetConfig implements discovery.ConfigStore.
func (b *Backend) GetConfig(ctx context.Context, key string) ([]byte, error) {
	_, kv, err := b.buckets(ctx)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s - config %s: %w", logPrefix, key, discovery.ErrConfigNotFound)
		}
		return nil, classify("get config "+key, err)
	}
	return entry.Value(), nil
}

// DeleteConfig implements discovery.ConfigStore.
func (b *Backend) DeleteConfig(ctx context.Context, key string) error {
	_, kv, err := b.buckets(ctx)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return classify("delete config "+key, err)
	}
	return nil
}

var _ discovery.Backend = (*Backend)(nil)
