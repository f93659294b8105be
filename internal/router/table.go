package router

import (
	"slices"
	"sync"
	"time"

	"github.com/danmuck/portroute/internal/address"
)

// Entry is one live route. ID is unique per table and identifies this
// registration even when the same handler is registered again.
type Entry struct {
	ID           uint64
	Address      address.Address
	Handler      Handler
	RegisteredAt time.Time
}

// RouteTable maps addresses to their current inbound handler. At most one
// entry exists per address.
type RouteTable struct {
	mu      sync.RWMutex
	entries map[address.Address]Entry
	nextID  uint64
	now     func() time.Time
}

func NewRouteTable() *RouteTable {
	return &RouteTable{
		entries: make(map[address.Address]Entry),
		now:     time.Now,
	}
}

// Register installs h for addr. It returns the new entry's id and the handler
// it replaced, if any.
func (t *RouteTable) Register(addr address.Address, h Handler) (uint64, Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.entries[addr]
	t.nextID++
	t.entries[addr] = Entry{ID: t.nextID, Address: addr, Handler: h, RegisteredAt: t.now()}
	return t.nextID, prev.Handler, ok
}

// Unregister removes the entry for addr. Lookups that start after it returns
// never observe the removed handler.
func (t *RouteTable) Unregister(addr address.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; !ok {
		return false
	}
	delete(t.entries, addr)
	return true
}

// UnregisterID removes the entry for addr only while it is still the entry
// registered under id. Handlers are never compared, so any handler type works.
func (t *RouteTable) UnregisterID(addr address.Address, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.entries[addr]
	if !ok || cur.ID != id {
		return false
	}
	delete(t.entries, addr)
	return true
}

func (t *RouteTable) Lookup(addr address.Address) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[addr]
	return e.Handler, ok
}

// Get returns the full entry for addr.
func (t *RouteTable) Get(addr address.Address) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[addr]
	return e, ok
}

// Snapshot returns all entries ordered by address.
func (t *RouteTable) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry) int {
		return a.Address.Compare(b.Address)
	})
	return out
}

func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Clear drops every entry and returns how many were removed.
func (t *RouteTable) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	clear(t.entries)
	return n
}
