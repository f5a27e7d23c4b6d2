package run

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgesim/loadbench/internal/identity"
	"github.com/edgesim/loadbench/internal/offload"
	"github.com/edgesim/loadbench/internal/stats"
	"github.com/edgesim/loadbench/internal/store"
)

func poolEntries(n int) []identity.Entry {
	entries := make([]identity.Entry, 0, n)
	for i := 1; i <= n; i++ {
		flavour := "GlobalOptimizer"
		if i%2 == 0 {
			flavour = "HighPerformance"
		}
		entries = append(entries, identity.Entry{
			DeviceID:     fmt.Sprintf("device-pool-%02d", i),
			Requirements: map[string]any{"FLAVOUR": flavour},
		})
	}
	return entries
}

func TestCoordinatorPooledRun(t *testing.T) {
	s := openTestStore(t)
	alloc := identity.NewPoolAllocator(identity.NewPool(poolEntries(10)))

	coord, err := NewCoordinator(Options{
		ScenarioName: "device-pool",
		Workers:      10,
		Tasks:        []Task{{Name: "compute-metrics", Weight: 1}},
		Workload:     instantWorkload(10*time.Millisecond, nil),
		Allocator:    alloc,
		Metrics:      s,
		WaitMin:      5 * time.Millisecond,
		WaitMax:      10 * time.Millisecond,
	})
	require.NoError(t, err)

	runCtx, err := coord.Start(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, runCtx.RunID)
	assert.Equal(t, StateRunning, coord.State())

	require.Eventually(t, func() bool {
		return coord.Iterations() >= 10 && len(coord.Workers()) == 10
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, coord.Stop())
	assert.Equal(t, StateIdle, coord.State())
	assert.Nil(t, coord.RunContext())

	rows, err := s.Query(context.Background(), store.Filter{RunID: runCtx.RunID})
	require.NoError(t, err)
	defer rows.Close()

	devices := make(map[string]bool)
	for rows.Next() {
		rec := rows.Record()
		assert.Equal(t, runCtx.RunID, rec.RunID)
		assert.Equal(t, "device-pool", rec.ScenarioName)
		assert.Equal(t, store.StatusSuccess, rec.Status)
		devices[rec.DeviceID] = true
	}
	require.NoError(t, rows.Err())
	assert.Len(t, devices, 10, "all 10 pooled identities must appear")
}

func TestCoordinatorMismatchNeverStartsWorkers(t *testing.T) {
	s := openTestStore(t)
	alloc := identity.NewPoolAllocator(identity.NewPool(poolEntries(10)))

	var executed bool
	workload := func(ctx context.Context, deviceID string, reqs map[string]any, task Task) Outcome {
		executed = true
		return Outcome{}
	}

	coord, err := NewCoordinator(Options{
		ScenarioName: "device-pool",
		Workers:      5,
		Tasks:        []Task{{Name: "t", Weight: 1}},
		Workload:     workload,
		Allocator:    alloc,
		Metrics:      s,
	})
	require.NoError(t, err)

	_, err = coord.Start(context.Background())
	require.Error(t, err)

	var mismatch *identity.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, err.Error(), "10")
	assert.Contains(t, err.Error(), "5")

	assert.Equal(t, StateIdle, coord.State(), "failed validation returns to idle")
	assert.Empty(t, coord.Workers())
	assert.False(t, executed, "no workload may run after failed validation")

	count, err := s.Count(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, count, "metric store must remain unchanged")
}

func TestCoordinatorIdentityReuseAcrossRuns(t *testing.T) {
	s := openTestStore(t)
	pool := identity.NewPool(poolEntries(3))
	alloc := identity.NewPoolAllocator(pool)

	coord, err := NewCoordinator(Options{
		ScenarioName: "device-pool",
		Workers:      3,
		Tasks:        []Task{{Name: "t", Weight: 1}},
		Workload:     instantWorkload(time.Millisecond, nil),
		Allocator:    alloc,
		Metrics:      s,
	})
	require.NoError(t, err)

	runIDs := make(map[string]bool)
	for i := 0; i < 2; i++ {
		runCtx, err := coord.Start(context.Background())
		require.NoError(t, err, "run %d must start: pooled identities were released", i)
		runIDs[runCtx.RunID] = true

		require.Eventually(t, func() bool {
			return coord.Iterations() >= 3
		}, 5*time.Second, time.Millisecond)
		require.NoError(t, coord.Stop())
		assert.Equal(t, 3, pool.Available(), "pool fully released after run %d", i)
	}
	assert.Len(t, runIDs, 2, "each run gets a fresh run ID")
}

func TestCoordinatorDrainTimeoutKeepsPoolClaimed(t *testing.T) {
	s := openTestStore(t)
	pool := identity.NewPool(poolEntries(1))
	alloc := identity.NewPoolAllocator(pool)

	// The workload blocks on a channel instead of ctx, so it outlives the
	// graceful-stop window.
	release := make(chan struct{})
	workload := func(ctx context.Context, deviceID string, reqs map[string]any, task Task) Outcome {
		<-release
		return Outcome{Latency: time.Millisecond}
	}

	coord, err := NewCoordinator(Options{
		ScenarioName: "device-pool",
		Workers:      1,
		Tasks:        []Task{{Name: "t", Weight: 1}},
		Workload:     workload,
		Allocator:    alloc,
		Metrics:      s,
		GracefulStop: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = coord.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(coord.Workers()) == 1
	}, 5*time.Second, time.Millisecond)

	err = coord.Stop()
	require.Error(t, err, "drain must time out while the workload blocks")

	// The straggler still holds device-pool-01: the pool must stay
	// claimed and a new run must be refused until it finishes.
	assert.Equal(t, 0, pool.Available(), "pooled identity released while its worker is still live")
	assert.Equal(t, StateDraining, coord.State())
	_, err = coord.Start(context.Background())
	assert.Error(t, err, "start must be refused while a worker still holds a pooled identity")

	close(release)

	require.Eventually(t, func() bool {
		return coord.State() == StateIdle && pool.Available() == 1
	}, 5*time.Second, time.Millisecond, "coordinator must recover once the straggler stops")

	// With the straggler gone the identity is safe to hand out again.
	_, err = coord.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, coord.Stop())
}

func TestCoordinatorStartWhileRunning(t *testing.T) {
	s := openTestStore(t)
	alloc := identity.NewRandomAllocator("device", nil)

	coord, err := NewCoordinator(Options{
		ScenarioName: "s",
		Workers:      2,
		Tasks:        []Task{{Name: "t", Weight: 1}},
		Workload:     instantWorkload(time.Millisecond, nil),
		Allocator:    alloc,
		Metrics:      s,
	})
	require.NoError(t, err)

	_, err = coord.Start(context.Background())
	require.NoError(t, err)
	defer coord.Stop()

	_, err = coord.Start(context.Background())
	assert.Error(t, err, "second start while running must fail")
}

func TestCoordinatorStopWhenIdle(t *testing.T) {
	s := openTestStore(t)

	coord, err := NewCoordinator(Options{
		ScenarioName: "s",
		Workers:      1,
		Tasks:        []Task{{Name: "t", Weight: 1}},
		Workload:     instantWorkload(time.Millisecond, nil),
		Allocator:    identity.NewRandomAllocator("device", nil),
		Metrics:      s,
	})
	require.NoError(t, err)

	assert.NoError(t, coord.Stop(), "stop when idle is a no-op")
}

func TestCoordinatorSpawnRate(t *testing.T) {
	s := openTestStore(t)

	coord, err := NewCoordinator(Options{
		ScenarioName: "s",
		Workers:      4,
		SpawnRate:    20, // 50ms apart
		Tasks:        []Task{{Name: "t", Weight: 1}},
		Workload:     instantWorkload(time.Millisecond, nil),
		Allocator:    identity.NewRandomAllocator("device", nil),
		Metrics:      s,
		WaitMin:      time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = coord.Start(context.Background())
	require.NoError(t, err)
	defer coord.Stop()

	// All 4 spawned, but not instantly: 3 gaps of 50ms.
	require.Eventually(t, func() bool {
		return len(coord.Workers()) == 4
	}, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestCoordinatorRunBounded(t *testing.T) {
	s := openTestStore(t)

	coord, err := NewCoordinator(Options{
		ScenarioName: "s",
		Workers:      2,
		Tasks:        []Task{{Name: "t", Weight: 1}},
		Workload:     instantWorkload(time.Millisecond, nil),
		Allocator:    identity.NewRandomAllocator("device", nil),
		Metrics:      s,
	})
	require.NoError(t, err)

	runCtx, err := coord.Run(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, runCtx)
	assert.Equal(t, StateIdle, coord.State())

	count, err := s.Count(context.Background(), store.Filter{RunID: runCtx.RunID})
	require.NoError(t, err)
	assert.Positive(t, count)
}

// End-to-end over the real offload client: 10 pooled devices against an
// httptest platform, one run, every record SUCCESS with an extracted metric.
func TestCoordinatorEndToEndOffload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":{"operations":1000,"avg_throughput":500.0}}`))
	}))
	defer server.Close()

	s := openTestStore(t)
	live := stats.NewEngine()
	alloc := identity.NewPoolAllocator(identity.NewPool(poolEntries(10)))
	client := offload.NewClient(server.URL, offload.WithTimeout(5*time.Second))

	coord, err := NewCoordinator(Options{
		ScenarioName: "device-pool",
		Workers:      10,
		Tasks:        []Task{{Name: "compute-metrics", Weight: 1, MetricPath: "result.avg_throughput"}},
		Workload:     OffloadWorkload(client),
		Allocator:    alloc,
		Metrics:      s,
		Live:         live,
		WaitMin:      20 * time.Millisecond,
		WaitMax:      40 * time.Millisecond,
	})
	require.NoError(t, err)

	runCtx, err := coord.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return coord.Iterations() >= 10
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, coord.Stop())

	rows, err := s.Query(context.Background(), store.Filter{RunID: runCtx.RunID})
	require.NoError(t, err)
	defer rows.Close()

	devices := make(map[string]bool)
	records := 0
	for rows.Next() {
		rec := rows.Record()
		records++
		devices[rec.DeviceID] = true
		assert.Equal(t, store.StatusSuccess, rec.Status)
		assert.GreaterOrEqual(t, rec.Latency, 5*time.Millisecond)
		require.NotNil(t, rec.MetricValue)
		assert.Equal(t, 500.0, *rec.MetricValue)
	}
	require.NoError(t, rows.Err())
	assert.GreaterOrEqual(t, records, 10)
	assert.Len(t, devices, 10)

	snap := live.Snapshot()
	assert.EqualValues(t, records, snap.TotalTasks)
	assert.Zero(t, snap.FailedTasks)
}

// A refused connection must surface as FAILURE records, not crashed workers.
func TestCoordinatorEndToEndTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	s := openTestStore(t)
	client := offload.NewClient(server.URL, offload.WithTimeout(time.Second))

	coord, err := NewCoordinator(Options{
		ScenarioName: "s",
		Workers:      2,
		Tasks:        []Task{{Name: "t", Weight: 1}},
		Workload:     OffloadWorkload(client),
		Allocator:    identity.NewRandomAllocator("device", nil),
		Metrics:      s,
		WaitMin:      5 * time.Millisecond,
	})
	require.NoError(t, err)

	runCtx, err := coord.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return coord.Iterations() >= 4
	}, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, coord.Stop())

	rows, err := s.Query(context.Background(), store.Filter{RunID: runCtx.RunID})
	require.NoError(t, err)
	defer rows.Close()

	n := 0
	for rows.Next() {
		rec := rows.Record()
		n++
		assert.Equal(t, store.StatusFailure, rec.Status)
		assert.NotEmpty(t, rec.ErrorMessage)
	}
	require.NoError(t, rows.Err())
	assert.GreaterOrEqual(t, n, 4, "workers kept executing tasks despite transport failures")
}
