// Package allocator hands out exclusive resource units (GPU devices) to
// running jobs. A unit is held by at most one job at a time.
package allocator

import (
	"sort"
	"sync"
)

// Allocator owns a fixed pool of named units. The zero value is an empty pool.
type Allocator struct {
	mu       sync.Mutex
	names    []string
	occupied map[string]bool
}

// New builds an allocator over names, dropping any name in excluded. Order of
// names is the acquisition order.
func New(names []string, excluded []string) *Allocator {
	skip := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		skip[e] = true
	}
	a := &Allocator{occupied: make(map[string]bool, len(names))}
	for _, n := range names {
		if skip[n] {
			continue
		}
		if _, dup := a.occupied[n]; dup {
			continue
		}
		a.names = append(a.names, n)
		a.occupied[n] = false
	}
	return a
}

// Acquire claims the lowest-indexed free unit. ok is false when every unit is
// occupied or the pool is empty.
func (a *Allocator) Acquire() (name string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.names {
		if !a.occupied[n] {
			a.occupied[n] = true
			return n, true
		}
	}
	return "", false
}

// Release frees name. Releasing a free or unknown unit is a no-op.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, known := a.occupied[name]; known {
		a.occupied[name] = false
	}
}

// Usage returns a snapshot of unit name to occupied flag.
func (a *Allocator) Usage() map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]bool, len(a.occupied))
	for n, o := range a.occupied {
		out[n] = o
	}
	return out
}

// Names returns the pool's unit names in acquisition order.
func (a *Allocator) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.names...)
}

// Size is the number of units in the pool.
func (a *Allocator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.names)
}

// Free is the number of unoccupied units.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := 0
	for _, o := range a.occupied {
		if !o {
			free++
		}
	}
	return free
}

// Occupied returns the sorted names of held units.
func (a *Allocator) Occupied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for n, o := range a.occupied {
		if o {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
