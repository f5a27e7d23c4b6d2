package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// Mode selects the identity assignment strategy.
type Mode string

const (
	// ModeRandom generates a fresh identity per client from the base ID
	// plus a random suffix. Any worker count is valid.
	ModeRandom Mode = "random"

	// ModePool checks identities out of a fixed pool. The worker count
	// must exactly match the pool size.
	ModePool Mode = "pool"
)

// MismatchError reports a pool size that disagrees with the configured
// worker count. The run must not start when this is returned.
type MismatchError struct {
	PoolSize int
	Workers  int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("identity pool has %d entries but %d workers are configured; pool mode requires an exact match", e.PoolSize, e.Workers)
}

// Allocator yields device identities for simulated clients, either randomized
// or drawn from a Pool depending on the configured mode.
type Allocator struct {
	mode   Mode
	baseID string
	reqs   map[string]any
	pool   *Pool
}

// NewRandomAllocator returns an allocator that derives identities from baseID
// plus a UUID suffix. baseReqs is attached to every identity unchanged.
func NewRandomAllocator(baseID string, baseReqs map[string]any) *Allocator {
	return &Allocator{mode: ModeRandom, baseID: baseID, reqs: baseReqs}
}

// NewPoolAllocator returns an allocator backed by the given pool.
func NewPoolAllocator(pool *Pool) *Allocator {
	return &Allocator{mode: ModePool, pool: pool}
}

// Mode returns the configured assignment strategy.
func (a *Allocator) Mode() Mode {
	return a.mode
}

// Validate checks that the allocator can serve exactly workers clients.
// In pool mode it fails with a MismatchError unless the pool size equals the
// worker count; in random mode any count is valid. Must be called before any
// worker starts so a misconfigured run never partially executes.
func (a *Allocator) Validate(workers int) error {
	if a.mode != ModePool {
		return nil
	}
	if size := a.pool.Size(); size != workers {
		return &MismatchError{PoolSize: size, Workers: workers}
	}
	return nil
}

// NextIdentity yields the identity for the next starting client.
//
// Random mode needs no coordination: the UUID suffix makes collisions a
// non-case. Pool mode delegates to Pool.Checkout and inherits its
// exactly-once guarantee.
func (a *Allocator) NextIdentity() (Entry, error) {
	if a.mode == ModePool {
		return a.pool.Checkout()
	}
	return Entry{
		DeviceID:     fmt.Sprintf("%s-%s", a.baseID, uuid.NewString()),
		Requirements: a.reqs,
	}, nil
}

// Reset releases all pooled identities for reuse in the next run.
// No-op in random mode.
func (a *Allocator) Reset() {
	if a.mode == ModePool {
		a.pool.ReleaseAll()
	}
}

// PoolSize returns the pool size, or 0 in random mode.
func (a *Allocator) PoolSize() int {
	if a.mode != ModePool {
		return 0
	}
	return a.pool.Size()
}
