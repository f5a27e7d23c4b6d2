package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ValidationError reports one invalid scenario field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors collects every problem found in a scenario file so the
// operator sees them all at once.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add appends an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors reports whether any error was collected.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks semantic constraints the JSON schema cannot express.
func (sc *Scenario) Validate() error {
	errs := &ValidationErrors{}

	if sc.Name == "" {
		errs.Add("name", "scenario name is required")
	}

	if sc.Offload.Endpoint == "" {
		errs.Add("offload.endpoint", "offload endpoint is required")
	} else if u, err := url.Parse(sc.Offload.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs.Add("offload.endpoint", "offload endpoint must be an absolute URL")
	}

	switch sc.Identity.Mode {
	case IdentityRandom:
		if len(sc.Identity.Pool) > 0 {
			errs.Add("identity.pool", "pool entries are only valid in pool mode")
		}
	case IdentityPool:
		if len(sc.Identity.Pool) == 0 {
			errs.Add("identity.pool", "pool mode requires at least one pool entry")
		}
		seen := make(map[string]bool)
		for i, entry := range sc.Identity.Pool {
			if entry.DeviceID == "" {
				errs.Add(fmt.Sprintf("identity.pool[%d].deviceId", i), "device ID is required")
				continue
			}
			if seen[entry.DeviceID] {
				errs.Add(fmt.Sprintf("identity.pool[%d].deviceId", i), fmt.Sprintf("duplicate device ID %q", entry.DeviceID))
			}
			seen[entry.DeviceID] = true
		}
	default:
		errs.Add("identity.mode", fmt.Sprintf("unknown identity mode %q (want \"random\" or \"pool\")", sc.Identity.Mode))
	}

	if sc.Load.Workers <= 0 {
		errs.Add("load.workers", "workers must be > 0")
	}
	if sc.Load.SpawnRate < 0 {
		errs.Add("load.spawnRate", "spawnRate must be >= 0")
	}
	if sc.Load.WaitTime.Max != 0 && sc.Load.WaitTime.Max < sc.Load.WaitTime.Min {
		errs.Add("load.waitTime", "waitTime.max must be >= waitTime.min")
	}

	if len(sc.Tasks) == 0 {
		errs.Add("tasks", "at least one task is required")
	}
	taskNames := make(map[string]bool)
	for i, task := range sc.Tasks {
		if task.Name == "" {
			errs.Add(fmt.Sprintf("tasks[%d].name", i), "task name is required")
			continue
		}
		if taskNames[task.Name] {
			errs.Add(fmt.Sprintf("tasks[%d].name", i), fmt.Sprintf("duplicate task name %q", task.Name))
		}
		taskNames[task.Name] = true
		if task.Weight < 0 {
			errs.Add(fmt.Sprintf("tasks[%d].weight", i), "weight must be >= 0")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// scenarioSchema catches structural mistakes (wrong types, misspelled
// modes) before semantic validation runs.
const scenarioSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "offload", "identity", "load", "tasks"],
	"properties": {
		"name": {"type": "string"},
		"description": {"type": "string"},
		"offload": {
			"type": "object",
			"required": ["endpoint"],
			"properties": {
				"endpoint": {"type": "string"},
				"timeout": {"type": "string"},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}}
			}
		},
		"store": {
			"type": "object",
			"properties": {"path": {"type": "string"}}
		},
		"identity": {
			"type": "object",
			"properties": {
				"mode": {"enum": ["random", "pool"]},
				"baseId": {"type": "string"},
				"requirements": {"type": "object"},
				"pool": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["deviceId"],
						"properties": {
							"deviceId": {"type": "string"},
							"requirements": {"type": "object"}
						}
					}
				}
			}
		},
		"load": {
			"type": "object",
			"required": ["workers"],
			"properties": {
				"workers": {"type": "integer"},
				"spawnRate": {"type": "number"},
				"duration": {"type": "string"},
				"waitTime": {
					"type": "object",
					"properties": {
						"min": {"type": "string"},
						"max": {"type": "string"}
					}
				}
			}
		},
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"weight": {"type": "integer"},
					"parameters": {"type": "object"},
					"metricPath": {"type": "string"}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("scenario.json", scenarioSchema)

// validateSchema checks the raw YAML document against the scenario schema.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing scenario file: %w", err)
	}

	// Round-trip through JSON so the schema library sees JSON-typed values.
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalizing scenario file: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return fmt.Errorf("normalizing scenario file: %w", err)
	}

	if err := compiledSchema.Validate(normalized); err != nil {
		return fmt.Errorf("scenario file does not match schema: %w", err)
	}
	return nil
}
