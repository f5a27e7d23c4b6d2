package identity

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEntries(n int) []Entry {
	entries := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(entries, Entry{
			DeviceID: fmt.Sprintf("device-pool-%02d", i),
			Requirements: map[string]any{
				"FLAVOUR": "GlobalOptimizer",
			},
		})
	}
	return entries
}

func TestPoolCheckoutSeedOrder(t *testing.T) {
	pool := NewPool(seedEntries(3))

	for i := 1; i <= 3; i++ {
		entry, err := pool.Checkout()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("device-pool-%02d", i), entry.DeviceID)
	}

	_, err := pool.Checkout()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPoolCheckoutEmpty(t *testing.T) {
	pool := NewPool(nil)

	assert.Equal(t, 0, pool.Size())
	_, err := pool.Checkout()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPoolReleaseAllRestoresSeedSet(t *testing.T) {
	pool := NewPool(seedEntries(5))

	first := make(map[string]bool)
	for i := 0; i < 5; i++ {
		entry, err := pool.Checkout()
		require.NoError(t, err)
		first[entry.DeviceID] = true
	}
	assert.Equal(t, 0, pool.Available())

	pool.ReleaseAll()
	assert.Equal(t, 5, pool.Available())

	second := make(map[string]bool)
	for i := 0; i < 5; i++ {
		entry, err := pool.Checkout()
		require.NoError(t, err)
		second[entry.DeviceID] = true
	}

	assert.Equal(t, first, second, "second run should see the original seed set")
}

func TestPoolReleaseAllIdempotent(t *testing.T) {
	pool := NewPool(seedEntries(4))

	_, err := pool.Checkout()
	require.NoError(t, err)

	pool.ReleaseAll()
	pool.ReleaseAll()

	assert.Equal(t, 4, pool.Available())
}

func TestPoolConcurrentCheckout(t *testing.T) {
	const workers = 100
	pool := NewPool(seedEntries(workers))

	var wg sync.WaitGroup
	results := make(chan string, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := pool.Checkout()
			if err != nil {
				errs <- err
				return
			}
			results <- entry.DeviceID
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected checkout error: %v", err)
	}

	seen := make(map[string]bool)
	for id := range results {
		assert.False(t, seen[id], "device ID %s checked out twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)
	assert.Equal(t, 0, pool.Available())
}

func TestPoolConcurrentCheckoutOversubscribed(t *testing.T) {
	const size = 10
	const callers = 25
	pool := NewPool(seedEntries(size))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, exhausted int

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Checkout()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				exhausted++
			} else {
				ok++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, size, ok, "successful checkouts must equal pool size")
	assert.Equal(t, callers-size, exhausted)
}
