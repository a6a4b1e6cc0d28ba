package routetable

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrDuplicateHost is returned by Insert when the host already has a route.
// Given the supervisor invariant (one insert per entry into Running) a
// duplicate indicates a configuration or logic defect, not a runtime
// condition to recover from.
var ErrDuplicateHost = errors.New("host already routed")

// Target is what a host resolves to: either a backend socket address, or
// the built-in dashboard.
type Target struct {
	Addr      string
	Dashboard bool
}

// Table maps normalized virtual hosts to backend targets. Supervisors insert
// and remove entries at lifecycle edges; the proxy dispatcher looks up on
// every inbound request. Lookups read an immutable snapshot through an
// atomic pointer and never contend with writers; writers copy the map under
// a mutex and swap the pointer.
type Table struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[map[string]Target]
}

// New returns a Table. If dashboardHost is non-empty it is seeded as the
// reserved dashboard route.
func New(dashboardHost string) *Table {
	t := &Table{}
	m := make(map[string]Target)
	if dashboardHost != "" {
		m[Normalize(dashboardHost)] = Target{Dashboard: true}
	}
	t.snap.Store(&m)
	return t
}

// Lookup resolves a host (which may still carry a port or user-info
// component) to its target. It is safe for any number of concurrent callers
// and does not block on writers.
func (t *Table) Lookup(host string) (Target, bool) {
	m := *t.snap.Load()
	tgt, ok := m[Normalize(host)]
	return tgt, ok
}

// Insert adds a route for host. It fails with ErrDuplicateHost if the host
// is already present, including the reserved dashboard host.
func (t *Table) Insert(host, addr string) error {
	key := Normalize(host)
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snap.Load()
	if _, ok := cur[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHost, key)
	}
	next := make(map[string]Target, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = Target{Addr: addr}
	t.snap.Store(&next)
	return nil
}

// Remove deletes the route for host. Removing an absent host is a no-op;
// the dashboard route cannot be removed.
func (t *Table) Remove(host string) {
	key := Normalize(host)
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snap.Load()
	existing, ok := cur[key]
	if !ok || existing.Dashboard {
		return
	}
	next := make(map[string]Target, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	t.snap.Store(&next)
}

// Len returns the number of routes, the dashboard route included.
func (t *Table) Len() int {
	return len(*t.snap.Load())
}

// Snapshot returns a copy of the current routes keyed by normalized host.
func (t *Table) Snapshot() map[string]Target {
	cur := *t.snap.Load()
	out := make(map[string]Target, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}
