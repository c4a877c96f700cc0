package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
)

const storeLogPrefix = "platform:publicworks"

// Document is one stored upload.
type Document struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Name      string    `json:"name"`
	Format    string    `json:"format"`
	Text      string    `json:"text"`
	Parsed    *Parsed   `json:"parsed,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary is a Document without its content.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Format    string    `json:"format"`
	Words     int       `json:"words"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the foundation component: tenant-scoped document storage.
type Store struct {
	base

	mu      sync.RWMutex
	docs    map[string]Document
	closed  bool
	maxDocs int
}

const defaultMaxDocs = 10000

func newPublicWorks(desc component.Descriptor) orchestrator.Factory {
	return func(context.Context, orchestrator.Dependencies) (component.Instance, error) {
		return NewStore(desc, defaultMaxDocs), nil
	}
}

// NewStore returns a store holding at most maxDocs documents.
func NewStore(desc component.Descriptor, maxDocs int) *Store {
	return &Store{
		base:    base{desc: desc, operations: []string{"put", "get", "list"}},
		maxDocs: maxDocs,
	}
}

func (s *Store) Initialize(context.Context) error {
	s.mu.Lock()
	s.docs = make(map[string]Document)
	s.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - Document store ready (max %d documents)", storeLogPrefix, s.maxDocs))
	return nil
}

// Put stores doc under a new ID.
func (s *Store) Put(doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.docs == nil {
		return Document{}, fmt.Errorf("%s - store is not open", storeLogPrefix)
	}
	if len(s.docs) >= s.maxDocs {
		return Document{}, fmt.Errorf("%s - store is full (%d documents)", storeLogPrefix, s.maxDocs)
	}
	doc.ID = uuid.NewString()
	doc.CreatedAt = time.Now().UTC()
	s.docs[doc.ID] = doc
	return doc, nil
}

// Get returns the document id of tenant.
func (s *Store) Get(tenant, id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok || doc.Tenant != tenant {
		return Document{}, false
	}
	return doc, true
}

// List returns the documents of tenant, oldest first.
func (s *Store) List(tenant string) []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.docs))
	for _, d := range s.docs {
		if d.Tenant != tenant {
			continue
		}
		sum := Summary{ID: d.ID, Name: d.Name, Format: d.Format, CreatedAt: d.CreatedAt}
		if d.Parsed != nil {
			sum.Words = d.Parsed.Words
		}
		out = append(out, sum)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HealthCheck reports degraded once the store is nearly full.
func (s *Store) HealthCheck(context.Context) component.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.closed:
		return component.HealthUnreachable
	case len(s.docs)*10 >= s.maxDocs*9:
		return component.HealthDegraded
	default:
		return component.HealthHealthy
	}
}

func (s *Store) Shutdown(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.docs = nil
	s.mu.Unlock()
	return nil
}
