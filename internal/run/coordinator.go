package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edgesim/loadbench/internal/identity"
	"github.com/edgesim/loadbench/internal/stats"
	"github.com/edgesim/loadbench/internal/store"
)

// State is the coordinator's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Context describes one run from start signal to stop signal.
type Context struct {
	RunID           string
	ScenarioName    string
	ExpectedWorkers int
	StartedAt       time.Time
}

// Options configures a Coordinator.
type Options struct {
	ScenarioName string
	Workers      int

	// SpawnRate is workers started per second; 0 starts all at once.
	SpawnRate float64

	WaitMin time.Duration
	WaitMax time.Duration

	Tasks    []Task
	Workload Workload

	Allocator *identity.Allocator
	Metrics   *store.Store
	Live      *stats.Engine
	Logger    *slog.Logger

	// GracefulStop bounds how long draining waits for workers.
	GracefulStop time.Duration
}

// Coordinator owns the run lifecycle: it validates identity configuration
// before any worker starts, assigns the run identifier, spawns workers at
// the configured rate, and drains them on stop before releasing pooled
// identities for the next run.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	runCtx  *Context
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator in the idle state.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be > 0, got %d", opts.Workers)
	}
	if len(opts.Tasks) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}
	if opts.Workload == nil {
		return nil, fmt.Errorf("a workload is required")
	}
	if opts.Allocator == nil {
		return nil, fmt.Errorf("an identity allocator is required")
	}
	if opts.Metrics == nil {
		return nil, fmt.Errorf("a metric store is required")
	}
	if opts.GracefulStop == 0 {
		opts.GracefulStop = 30 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{opts: opts, logger: logger}, nil
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// RunContext returns the active run's context, or nil when idle.
func (c *Coordinator) RunContext() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCtx
}

// Start validates the configuration and starts workers.
//
// Validation failures (pool/worker-count mismatch) return the coordinator to
// idle without starting any worker. On success the run is live and Start
// returns its context immediately; call Stop to drain it.
func (c *Coordinator) Start(ctx context.Context) (*Context, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateValidating)) {
		return nil, fmt.Errorf("run already in progress (state %s)", c.State())
	}

	runCtx := &Context{
		RunID:           uuid.NewString(),
		ScenarioName:    c.opts.ScenarioName,
		ExpectedWorkers: c.opts.Workers,
		StartedAt:       time.Now(),
	}

	if err := c.opts.Allocator.Validate(c.opts.Workers); err != nil {
		c.state.Store(int32(StateIdle))
		return nil, fmt.Errorf("run configuration invalid: %w", err)
	}

	spawnCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.runCtx = runCtx
	c.workers = nil
	c.cancel = cancel
	c.mu.Unlock()

	c.state.Store(int32(StateRunning))
	c.logger.Info("run started",
		"run_id", runCtx.RunID,
		"scenario", runCtx.ScenarioName,
		"workers", c.opts.Workers,
		"identity_mode", string(c.opts.Allocator.Mode()))

	c.wg.Add(1)
	go c.spawnWorkers(spawnCtx, runCtx)

	return runCtx, nil
}

// spawnWorkers starts workers at the configured spawn rate. Each worker
// obtains its device identity before executing any task.
func (c *Coordinator) spawnWorkers(ctx context.Context, runCtx *Context) {
	defer c.wg.Done()

	var interval time.Duration
	if c.opts.SpawnRate > 0 {
		interval = time.Duration(float64(time.Second) / c.opts.SpawnRate)
	}

	for i := 0; i < c.opts.Workers; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := c.opts.Allocator.NextIdentity()
		if err != nil {
			// Unreachable after successful validation; a mid-run
			// exhaustion means the pool and validation disagree.
			c.logger.Error("identity allocation failed", "worker", i, "error", err)
			return
		}

		worker := NewWorker(WorkerConfig{
			ID:       i,
			Identity: entry,
			RunID:    runCtx.RunID,
			Scenario: runCtx.ScenarioName,
			Tasks:    c.opts.Tasks,
			Workload: c.opts.Workload,
			Metrics:  c.opts.Metrics,
			Live:     c.opts.Live,
			Logger:   c.logger,
			WaitMin:  c.opts.WaitMin,
			WaitMax:  c.opts.WaitMax,
		})

		c.mu.Lock()
		c.workers = append(c.workers, worker)
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			worker.Run(ctx)
		}()

		if interval > 0 && i < c.opts.Workers-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// Stop drains the run: no new tasks start, in-flight records flush, and
// pooled identities are released once every worker has stopped. Safe to
// call when idle.
//
// If the drain times out, Stop returns an error and the coordinator stays
// in the draining state with the pool still claimed; it returns to idle
// only once the stragglers actually finish. Until then Start is refused,
// so two runs can never hold the same pooled identity at once.
func (c *Coordinator) Stop() error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	workers := make([]*Worker, len(c.workers))
	copy(workers, c.workers)
	runCtx := c.runCtx
	c.mu.Unlock()

	for _, w := range workers {
		w.RequestStop()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.opts.GracefulStop):
		// Stragglers still hold their identities. Releasing the pool
		// now would let the next run check out a device ID that is
		// still live, so stay in draining until they finish.
		c.logger.Warn("drain timed out, waiting for stragglers", "timeout", c.opts.GracefulStop)
		go func() {
			<-done
			c.finishDrain(runCtx)
		}()
		return fmt.Errorf("drain timed out after %v", c.opts.GracefulStop)
	}

	c.finishDrain(runCtx)
	return nil
}

// finishDrain releases pooled identities and returns the coordinator to
// idle. Must only run once every worker has stopped issuing identity and
// record calls.
func (c *Coordinator) finishDrain(runCtx *Context) {
	c.opts.Allocator.Reset()

	c.mu.Lock()
	c.runCtx = nil
	c.workers = nil
	c.cancel = nil
	c.mu.Unlock()

	c.state.Store(int32(StateIdle))
	if runCtx != nil {
		c.logger.Info("run stopped", "run_id", runCtx.RunID, "elapsed", time.Since(runCtx.StartedAt))
	}
}

// Workers returns the live workers, for progress reporting.
func (c *Coordinator) Workers() []*Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Worker, len(c.workers))
	copy(out, c.workers)
	return out
}

// Iterations returns the total tasks completed across all workers.
func (c *Coordinator) Iterations() int64 {
	var total int64
	for _, w := range c.Workers() {
		total += w.Iterations()
	}
	return total
}

// Run executes a complete bounded run: Start, wait for the duration (or
// ctx cancellation, whichever comes first), then Stop. A zero duration
// runs until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, duration time.Duration) (*Context, error) {
	runCtx, err := c.Start(ctx)
	if err != nil {
		return nil, err
	}

	if duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(duration):
		}
	} else {
		<-ctx.Done()
	}

	return runCtx, c.Stop()
}
