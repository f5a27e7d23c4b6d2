// Package config parses and validates scenario files for the harness.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is the root of a scenario file.
//
// Example YAML:
//
//	name: device-pool
//	offload:
//	  endpoint: http://localhost:8000/v1/offload
//	  timeout: 30s
//	store:
//	  path: results/metrics.db
//	identity:
//	  mode: pool
//	  pool:
//	    - deviceId: device-pool-01
//	      requirements: {FLAVOUR: GlobalOptimizer}
//	load:
//	  workers: 10
//	  spawnRate: 2
//	  duration: 2m
//	  waitTime: {min: 2s, max: 4s}
//	tasks:
//	  - name: compute-metrics
//	    parameters: {duration: 2}
//	    metricPath: result.avg_throughput
type Scenario struct {
	// Name tags every metric record written during the run.
	Name string `json:"name" yaml:"name"`

	// Description is free text for reporting.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Offload configures the remote execution endpoint.
	Offload OffloadConfig `json:"offload" yaml:"offload"`

	// Store configures the durable metric store.
	Store StoreConfig `json:"store,omitempty" yaml:"store,omitempty"`

	// Identity configures device identity assignment.
	Identity IdentityConfig `json:"identity" yaml:"identity"`

	// Load configures worker count, spawn rate, and pacing.
	Load LoadConfig `json:"load" yaml:"load"`

	// Tasks are the workloads each device cycles through, weighted.
	Tasks []TaskConfig `json:"tasks" yaml:"tasks"`
}

// OffloadConfig describes the remote execution platform boundary.
type OffloadConfig struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Timeout  Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// StoreConfig describes the metric store location.
type StoreConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// IdentityMode selects random or pooled device identities.
type IdentityMode string

const (
	IdentityRandom IdentityMode = "random"
	IdentityPool   IdentityMode = "pool"
)

// IdentityConfig configures device identity assignment.
type IdentityConfig struct {
	// Mode is "random" or "pool".
	Mode IdentityMode `json:"mode" yaml:"mode"`

	// BaseID prefixes randomized identities (random mode).
	BaseID string `json:"baseId,omitempty" yaml:"baseId,omitempty"`

	// Requirements is the hardware profile attached to every randomized
	// identity (random mode).
	Requirements map[string]any `json:"requirements,omitempty" yaml:"requirements,omitempty"`

	// Pool seeds the identity pool (pool mode). Order is checkout order.
	Pool []PoolEntryConfig `json:"pool,omitempty" yaml:"pool,omitempty"`
}

// PoolEntryConfig is one seeded pool identity.
type PoolEntryConfig struct {
	DeviceID     string         `json:"deviceId" yaml:"deviceId"`
	Requirements map[string]any `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// LoadConfig shapes the generated load.
type LoadConfig struct {
	// Workers is the number of simulated devices.
	Workers int `json:"workers" yaml:"workers"`

	// SpawnRate is devices started per second (0 = all at once).
	SpawnRate float64 `json:"spawnRate,omitempty" yaml:"spawnRate,omitempty"`

	// Duration bounds the run (0 = until interrupted).
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// WaitTime paces each device between tasks.
	WaitTime WaitTimeConfig `json:"waitTime,omitempty" yaml:"waitTime,omitempty"`
}

// WaitTimeConfig is a uniform random pause between a device's tasks.
type WaitTimeConfig struct {
	Min Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// TaskConfig is one workload a device can execute.
type TaskConfig struct {
	// Name tags metric records for this task.
	Name string `json:"name" yaml:"name"`

	// Weight biases task selection (default 1).
	Weight int `json:"weight,omitempty" yaml:"weight,omitempty"`

	// Parameters is the opaque workload descriptor sent on offload.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// MetricPath optionally extracts a numeric value from the offload
	// response (gjson path) into the record's metric_value column.
	MetricPath string `json:"metricPath,omitempty" yaml:"metricPath,omitempty"`
}

// Load reads, parses, validates, and applies defaults to a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML scenario document.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	ApplyDefaults(&sc)

	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ApplyDefaults fills unset optional fields.
func ApplyDefaults(sc *Scenario) {
	if sc.Store.Path == "" {
		sc.Store.Path = "results/metrics.db"
	}
	if sc.Offload.Timeout == 0 {
		sc.Offload.Timeout = Duration(30 * time.Second)
	}
	for i := range sc.Tasks {
		if sc.Tasks[i].Weight == 0 {
			sc.Tasks[i].Weight = 1
		}
	}
	if sc.Identity.Mode == "" {
		sc.Identity.Mode = IdentityRandom
	}
	if sc.Identity.BaseID == "" {
		sc.Identity.BaseID = "device"
	}
}

// Duration is a time.Duration that unmarshals from YAML/JSON strings
// like "30s" or "1h30m".
type Duration time.Duration

// GetDuration returns the duration or a default if unset.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// String returns the duration in time.Duration notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}
