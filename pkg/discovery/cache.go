package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/morezero/component-mesh/pkg/component"
)

// Cache maps component names to their last known registrations. Each name has its own
// lock, so readers of one name never wait on writers of another.
type Cache struct {
	slots sync.Map // name -> *cacheSlot
	ttl   time.Duration
	now   func() time.Time
}

type cacheSlot struct {
	mu       sync.RWMutex
	regs     map[string]component.Registration
	storedAt time.Time
}

// NewCache creates a cache whose entries are fresh for ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

func (c *Cache) slot(name string) *cacheSlot {
	if v, ok := c.slots.Load(name); ok {
		return v.(*cacheSlot)
	}
	v, _ := c.slots.LoadOrStore(name, &cacheSlot{regs: make(map[string]component.Registration)})
	return v.(*cacheSlot)
}

// Replace sets the registrations of name to exactly regs.
func (c *Cache) Replace(name string, regs []component.Registration) {
	s := c.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs = make(map[string]component.Registration, len(regs))
	for _, r := range regs {
		s.regs[r.InstanceID] = r
	}
	s.storedAt = c.now()
}

// Sync replaces the whole cache with a full listing.
func (c *Cache) Sync(all []component.Registration) {
	byName := make(map[string][]component.Registration)
	for _, r := range all {
		byName[r.Name()] = append(byName[r.Name()], r)
	}
	c.slots.Range(func(k, _ any) bool {
		if _, ok := byName[k.(string)]; !ok {
			c.Replace(k.(string), nil)
		}
		return true
	})
	for name, regs := range byName {
		c.Replace(name, regs)
	}
}

// Upsert stores one registration, replacing any entry with the same instance ID.
func (c *Cache) Upsert(reg component.Registration) {
	c.RemoveInstance(reg.InstanceID)
	s := c.slot(reg.Name())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.InstanceID] = reg
	s.storedAt = c.now()
}

// RemoveInstance drops an instance wherever it is cached and reports its name.
func (c *Cache) RemoveInstance(instanceID string) (string, bool) {
	var found string
	c.slots.Range(func(k, v any) bool {
		s := v.(*cacheSlot)
		s.mu.Lock()
		_, ok := s.regs[instanceID]
		if ok {
			delete(s.regs, instanceID)
			found = k.(string)
		}
		s.mu.Unlock()
		return !ok
	})
	return found, found != ""
}

// Update applies fn to the cached copy of an instance.
func (c *Cache) Update(instanceID string, fn func(r *component.Registration)) bool {
	updated := false
	c.slots.Range(func(_, v any) bool {
		s := v.(*cacheSlot)
		s.mu.Lock()
		if r, ok := s.regs[instanceID]; ok {
			fn(&r)
			s.regs[instanceID] = r
			updated = true
		}
		s.mu.Unlock()
		return !updated
	})
	return updated
}

// Get returns the cached registrations of name, whether they are younger than the TTL,
// and whether any exist.
func (c *Cache) Get(name string) ([]component.Registration, bool, bool) {
	v, ok := c.slots.Load(name)
	if !ok {
		return nil, false, false
	}
	s := v.(*cacheSlot)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.regs) == 0 {
		return nil, false, false
	}
	out := make([]component.Registration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, r)
	}
	SortRegistrations(out)
	fresh := c.ttl > 0 && c.now().Sub(s.storedAt) < c.ttl
	return out, fresh, true
}

// All returns every cached registration.
func (c *Cache) All() []component.Registration {
	var out []component.Registration
	c.slots.Range(func(_, v any) bool {
		s := v.(*cacheSlot)
		s.mu.RLock()
		for _, r := range s.regs {
			out = append(out, r)
		}
		s.mu.RUnlock()
		return true
	})
	SortRegistrations(out)
	return out
}

// Len returns the number of names with at least one cached registration.
func (c *Cache) Len() int {
	n := 0
	c.slots.Range(func(_, v any) bool {
		s := v.(*cacheSlot)
		s.mu.RLock()
		if len(s.regs) > 0 {
			n++
		}
		s.mu.RUnlock()
		return true
	})
	return n
}

// SortRegistrations orders by name, then registration time, then instance ID.
func SortRegistrations(regs []component.Registration) {
	sort.Slice(regs, func(i, j int) bool {
		a, b := regs[i], regs[j]
		if a.Name() != b.Name() {
			return a.Name() < b.Name()
		}
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.InstanceID < b.InstanceID
	})
}
