package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/morezero/component-mesh/pkg/discovery"
	"github.com/morezero/component-mesh/pkg/router"
)

const logPrefix = "bootstrap:loader"

// StoreKey is the config store key the active manifest is published under.
const StoreKey = "mesh.manifest"

// LoadManifest loads the route manifest from file paths or environment.
// It tries paths in order: first any paths passed in, then MESH_MANIFEST_FILE, then
// defaults. Files that cannot be read or parsed are skipped; when none loads the
// built-in default manifest is returned.
func LoadManifest(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+5)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("MESH_MANIFEST_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/mesh.yaml", "config/mesh.json", "mesh.yaml", "mesh.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		m, err := ParseManifest(data, formatOf(p))
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse manifest file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded manifest %s@%s from %s (%d routes)", logPrefix, m.Name, m.Version, p, len(m.Routes)))
		return m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default manifest", logPrefix))
	return DefaultManifest(), nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// ParseManifest decodes a manifest in format "json" or "yaml" and checks every route.
func ParseManifest(data []byte, format string) (*Manifest, error) {
	var m Manifest
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%s - decode yaml: %w", logPrefix, err)
		}
	default:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%s - decode json: %w", logPrefix, err)
		}
	}
	if err := m.Check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Check validates every route and alias.
func (m *Manifest) Check() error {
	if _, err := m.RouteTable(); err != nil {
		return err
	}
	return nil
}

// RouteTable builds the router table for the manifest. Each alias gets a copy of its
// target's schema under the alias name.
func (m *Manifest) RouteTable() (*router.Routes, error) {
	routes, err := router.NewRoutes(m.Routes...)
	if err != nil {
		return nil, fmt.Errorf("%s - manifest %s: %w", logPrefix, m.Name, err)
	}
	for alias, target := range m.Aliases {
		s, ok := routes.Lookup(target)
		if !ok {
			return nil, fmt.Errorf("%s - manifest %s: alias %s points at unknown endpoint %s", logPrefix, m.Name, alias, target)
		}
		s.Endpoint = alias
		if err := routes.Add(s); err != nil {
			return nil, fmt.Errorf("%s - manifest %s: alias %s: %w", logPrefix, m.Name, alias, err)
		}
	}
	return routes, nil
}

// DefaultManifest returns the built-in route manifest of the platform components.
func DefaultManifest() *Manifest {
	return &Manifest{
		Name:        "component-mesh",
		Version:     "1.0.0",
		Description: "Default platform routes",
		Routes: []router.EndpointSchema{
			{
				Endpoint:    "analyze",
				Methods:     []string{"POST"},
				Capability:  "analyze",
				Operation:   "analyze",
				Description: "Word statistics and data quality findings for a text or a stored document",
				Fields: map[string]router.FieldSchema{
					"text":       {Type: router.TypeString, MaxLength: intPtr(1 << 20)},
					"documentId": {Type: router.TypeString, MinLength: intPtr(1)},
					"top":        {Type: router.TypeInteger, Minimum: floatPtr(1), Maximum: floatPtr(50)},
				},
			},
			{
				Endpoint:    "content/upload",
				Methods:     []string{"POST", "PUT"},
				Capability:  "content",
				Operation:   "upload",
				Description: "Parse and store a document",
				Fields: map[string]router.FieldSchema{
					"name":   {Type: router.TypeString, Required: true, MinLength: intPtr(1), MaxLength: intPtr(200)},
					"text":   {Type: router.TypeString, Required: true, MaxLength: intPtr(1 << 20)},
					"format": {Type: router.TypeString, Enum: []any{"text", "markdown", "csv"}},
				},
			},
			{
				Endpoint:    "content/documents",
				Methods:     []string{"GET"},
				Component:   "PlatformGateway",
				Operation:   "list",
				Description: "List stored documents",
			},
			{
				Endpoint:    "delivery/run",
				Methods:     []string{"POST"},
				Capability:  "delivery",
				Operation:   "run",
				Description: "Upload a document and analyze it in one call",
				Fields: map[string]router.FieldSchema{
					"name": {Type: router.TypeString, Required: true, MinLength: intPtr(1), MaxLength: intPtr(200)},
					"text": {Type: router.TypeString, Required: true, MinLength: intPtr(1), MaxLength: intPtr(1 << 20)},
					"top":  {Type: router.TypeInteger, Minimum: floatPtr(1), Maximum: floatPtr(50)},
				},
			},
		},
		Aliases: map[string]string{
			"insights": "analyze",
		},
		ChangeEvents: ChangeEventSubjects{
			Global:  "mesh.changed",
			Pattern: "mesh.changed.{component}",
		},
	}
}

// MergeManifests merges an override manifest into a base manifest. Routes are replaced
// by endpoint.
func MergeManifests(base, override *Manifest) *Manifest {
	merged := *base

	byEndpoint := make(map[string]int, len(base.Routes))
	merged.Routes = append([]router.EndpointSchema(nil), base.Routes...)
	for i, r := range merged.Routes {
		byEndpoint[router.NormalizeEndpoint(r.Endpoint)] = i
	}
	for _, r := range override.Routes {
		if i, ok := byEndpoint[router.NormalizeEndpoint(r.Endpoint)]; ok {
			merged.Routes[i] = r
			continue
		}
		byEndpoint[router.NormalizeEndpoint(r.Endpoint)] = len(merged.Routes)
		merged.Routes = append(merged.Routes, r)
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	// Override change events if set
	if override.ChangeEvents.Global != "" {
		merged.ChangeEvents.Global = override.ChangeEvents.Global
	}
	if override.ChangeEvents.Pattern != "" {
		merged.ChangeEvents.Pattern = override.ChangeEvents.Pattern
	}
	if override.Version != "" {
		merged.Version = override.Version
	}

	return &merged
}

// Publish stores the manifest in the backend's config store so other processes and
// operators can read the active routes.
func Publish(ctx context.Context, store discovery.ConfigStore, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%s - encode manifest: %w", logPrefix, err)
	}
	if err := store.PutConfig(ctx, StoreKey, data); err != nil {
		return fmt.Errorf("%s - publish manifest: %w", logPrefix, err)
	}
	return nil
}

// Fetch reads the manifest published under StoreKey. It returns discovery.ErrConfigNotFound
// when none was published.
func Fetch(ctx context.Context, store discovery.ConfigStore) (*Manifest, error) {
	data, err := store.GetConfig(ctx, StoreKey)
	if err != nil {
		if errors.Is(err, discovery.ErrConfigNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%s - fetch manifest: %w", logPrefix, err)
	}
	return ParseManifest(data, "json")
}

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }
