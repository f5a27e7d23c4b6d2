// Package identity assigns device identities to simulated clients.
//
// Two strategies are supported:
//   - random: each client gets a base ID plus a collision-resistant suffix,
//     requiring no coordination between clients
//   - pool: clients check identities out of a fixed, pre-seeded pool, so the
//     same device IDs recur across runs and metrics can be compared over time
package identity

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned by Checkout when every pool entry is claimed.
// After a successful worker-count validation this is unreachable; seeing it
// mid-run means checkout and validation disagree about the pool size.
var ErrPoolExhausted = errors.New("identity pool exhausted")

// Entry is a single pooled device identity with its requirement overrides.
type Entry struct {
	// DeviceID is the stable identity handed to a simulated client.
	DeviceID string

	// Requirements describes the simulated hardware profile for this
	// device (flavour, geolocation, ...). Opaque to the pool.
	Requirements map[string]any
}

// Pool hands out device identities from a fixed seed list, each at most once
// per run. Checkout is safe for many clients racing at run start; ReleaseAll
// makes every identity available again for the next run.
type Pool struct {
	mu      sync.Mutex
	entries []Entry
	claimed []bool
	cursor  int
}

// NewPool creates a pool seeded with the given entries, in order.
func NewPool(entries []Entry) *Pool {
	p := &Pool{
		entries: make([]Entry, len(entries)),
		claimed: make([]bool, len(entries)),
	}
	copy(p.entries, entries)
	return p
}

// Checkout claims the next unclaimed entry in seed order.
// Returns ErrPoolExhausted if every entry is already claimed.
func (p *Pool) Checkout() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// The cursor only moves forward between releases, so the scan is
	// amortized O(1) even with many clients racing.
	for p.cursor < len(p.entries) {
		i := p.cursor
		p.cursor++
		if !p.claimed[i] {
			p.claimed[i] = true
			return p.entries[i], nil
		}
	}
	return Entry{}, ErrPoolExhausted
}

// ReleaseAll clears every claim, making all entries available for the next
// run. Safe to call repeatedly; must not race with Checkout (the coordinator
// only calls it after all workers have stopped).
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.claimed {
		p.claimed[i] = false
	}
	p.cursor = 0
}

// Size returns the number of seeded entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Available returns the number of entries currently checkoutable.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.claimed {
		if !c {
			n++
		}
	}
	return n
}
