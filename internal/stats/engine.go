// Package stats aggregates in-memory run statistics for live console output.
// It is independent of the durable metric store: the store keeps one row per
// task for post-hoc analysis, while this engine keeps histograms and counters
// for what the operator sees during the run.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Engine collects latency and outcome statistics from concurrent workers.
//
// Counters use atomics; histogram updates take a mutex because HDR histogram
// RecordValue is not safe for concurrent use.
type Engine struct {
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	taskHists   map[string]*hdrhistogram.Histogram
	taskHistsMu sync.Mutex

	totalTasks   atomic.Int64
	successTasks atomic.Int64
	failedTasks  atomic.Int64

	activeDevices atomic.Int32

	startTime time.Time
}

// Histograms cover 1 microsecond to 1 hour at 3 significant figures.
const (
	histMin     = 1
	histMax     = 3600000000
	histSigFigs = 3
)

// NewEngine creates an engine ready to record.
func NewEngine() *Engine {
	return &Engine{
		latencyHist: hdrhistogram.New(histMin, histMax, histSigFigs),
		taskHists:   make(map[string]*hdrhistogram.Histogram),
		startTime:   time.Now(),
	}
}

// RecordTask records one completed task outcome.
func (e *Engine) RecordTask(taskName string, latency time.Duration, success bool) {
	micros := latency.Microseconds()
	if micros < histMin {
		micros = histMin
	}
	if micros > histMax {
		micros = histMax
	}

	e.latencyHistMu.Lock()
	_ = e.latencyHist.RecordValue(micros)
	e.latencyHistMu.Unlock()

	if taskName != "" {
		e.taskHistsMu.Lock()
		hist, ok := e.taskHists[taskName]
		if !ok {
			hist = hdrhistogram.New(histMin, histMax, histSigFigs)
			e.taskHists[taskName] = hist
		}
		_ = hist.RecordValue(micros)
		e.taskHistsMu.Unlock()
	}

	e.totalTasks.Add(1)
	if success {
		e.successTasks.Add(1)
	} else {
		e.failedTasks.Add(1)
	}
}

// DeviceStarted increments the active device gauge.
func (e *Engine) DeviceStarted() {
	e.activeDevices.Add(1)
}

// DeviceStopped decrements the active device gauge.
func (e *Engine) DeviceStopped() {
	e.activeDevices.Add(-1)
}

// ActiveDevices returns the current active device count.
func (e *Engine) ActiveDevices() int {
	return int(e.activeDevices.Load())
}

// LatencyStats summarizes a latency distribution.
type LatencyStats struct {
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
	Count  int64
	StdDev time.Duration
}

// Snapshot is a point-in-time view of run statistics.
type Snapshot struct {
	TotalTasks    int64
	SuccessTasks  int64
	FailedTasks   int64
	ErrorRate     float64
	TasksPerSec   float64
	ActiveDevices int
	Latency       LatencyStats
	Elapsed       time.Duration
}

// Snapshot returns the current aggregated statistics.
func (e *Engine) Snapshot() Snapshot {
	e.latencyHistMu.Lock()
	latency := statsFromHist(e.latencyHist)
	e.latencyHistMu.Unlock()

	elapsed := time.Since(e.startTime)
	total := e.totalTasks.Load()
	failed := e.failedTasks.Load()

	var rate, errorRate float64
	if elapsed.Seconds() > 0 {
		rate = float64(total) / elapsed.Seconds()
	}
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	return Snapshot{
		TotalTasks:    total,
		SuccessTasks:  e.successTasks.Load(),
		FailedTasks:   failed,
		ErrorRate:     errorRate,
		TasksPerSec:   rate,
		ActiveDevices: e.ActiveDevices(),
		Latency:       latency,
		Elapsed:       elapsed,
	}
}

// TaskStats returns per-task latency statistics.
func (e *Engine) TaskStats() map[string]LatencyStats {
	e.taskHistsMu.Lock()
	defer e.taskHistsMu.Unlock()

	result := make(map[string]LatencyStats, len(e.taskHists))
	for name, hist := range e.taskHists {
		result[name] = statsFromHist(hist)
	}
	return result
}

func statsFromHist(hist *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    time.Duration(hist.Min()) * time.Microsecond,
		Max:    time.Duration(hist.Max()) * time.Microsecond,
		Mean:   time.Duration(hist.Mean()) * time.Microsecond,
		P50:    time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
		P95:    time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond,
		Count:  hist.TotalCount(),
		StdDev: time.Duration(hist.StdDev()) * time.Microsecond,
	}
}

// Reset clears all statistics for a new run.
func (e *Engine) Reset() {
	e.latencyHistMu.Lock()
	e.latencyHist.Reset()
	e.latencyHistMu.Unlock()

	e.taskHistsMu.Lock()
	e.taskHists = make(map[string]*hdrhistogram.Histogram)
	e.taskHistsMu.Unlock()

	e.totalTasks.Store(0)
	e.successTasks.Store(0)
	e.failedTasks.Store(0)
	e.activeDevices.Store(0)
	e.startTime = time.Now()
}
