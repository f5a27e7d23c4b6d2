// Package run coordinates a load-test run: it validates identity
// configuration, spawns simulated device workers, records every completed
// task into the metric store, and drains workers on stop so pooled
// identities can be reused by the next run.
package run

import (
	"context"
	"time"

	"github.com/edgesim/loadbench/internal/offload"
)

// Task is one workload a device cycles through.
type Task struct {
	// Name tags metric records produced by this task.
	Name string

	// Weight biases selection relative to the device's other tasks.
	Weight int

	// Parameters is the opaque workload descriptor sent to the platform.
	Parameters map[string]any

	// MetricPath optionally extracts a numeric result from the offload
	// response (gjson path).
	MetricPath string
}

// Outcome is the result of one workload execution.
type Outcome struct {
	Latency     time.Duration
	MetricValue *float64

	// Err is the transport or platform failure, nil on success. Workers
	// absorb it into a FAILURE record and continue.
	Err error
}

// Workload executes one task on behalf of a device and reports its timed
// outcome. Scenario-specific behavior is injected here rather than baked
// into the worker.
type Workload func(ctx context.Context, deviceID string, requirements map[string]any, task Task) Outcome

// OffloadWorkload builds a Workload backed by the remote offload client.
func OffloadWorkload(client *offload.Client) Workload {
	return func(ctx context.Context, deviceID string, requirements map[string]any, task Task) Outcome {
		result, err := client.Execute(ctx, offload.Request{
			DeviceID:     deviceID,
			Requirements: requirements,
			TaskName:     task.Name,
			Parameters:   task.Parameters,
		})
		if err != nil {
			out := Outcome{Err: err}
			if result != nil {
				out.Latency = result.Latency
			}
			return out
		}

		out := Outcome{Latency: result.Latency}
		if task.MetricPath != "" {
			if value, err := result.ExtractMetric(task.MetricPath); err == nil {
				out.MetricValue = &value
			}
		}
		return out
	}
}
