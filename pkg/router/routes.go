package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const routesLogPrefix = "router:routes"

// ErrDuplicateEndpoint is returned when an endpoint is declared twice.
var ErrDuplicateEndpoint = errors.New("endpoint already declared")

// Routes is the endpoint schema table shared by every transport.
type Routes struct {
	mu     sync.RWMutex
	byName map[string]EndpointSchema
}

// NewRoutes creates a table holding schemas.
func NewRoutes(schemas ...EndpointSchema) (*Routes, error) {
	r := &Routes{byName: make(map[string]EndpointSchema)}
	for _, s := range schemas {
		if err := r.Add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add declares an endpoint.
func (r *Routes) Add(s EndpointSchema) error {
	if err := s.Check(); err != nil {
		return fmt.Errorf("%s - %w", routesLogPrefix, err)
	}
	s.Endpoint = NormalizeEndpoint(s.Endpoint)
	s.Methods = append([]string(nil), s.Methods...)
	for i, m := range s.Methods {
		s.Methods[i] = strings.ToUpper(m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[s.Endpoint]; ok {
		return fmt.Errorf("%s - %s: %w", routesLogPrefix, s.Endpoint, ErrDuplicateEndpoint)
	}
	r.byName[s.Endpoint] = s
	return nil
}

// Lookup returns the schema of endpoint.
func (r *Routes) Lookup(endpoint string) (EndpointSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[NormalizeEndpoint(endpoint)]
	return s, ok
}

// List returns every schema ordered by endpoint.
func (r *Routes) List() []EndpointSchema {
	r.mu.RLock()
	out := make([]EndpointSchema, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Len returns the number of declared endpoints.
func (r *Routes) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
