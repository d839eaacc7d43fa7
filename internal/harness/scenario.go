package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a commit scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is inline CUE source with document mappings.
	Schema string `yaml:"schema,omitempty"`

	// SchemaFiles lists CUE files with document mappings.
	// Paths are relative to the scenario file location.
	SchemaFiles []string `yaml:"schema_files,omitempty"`

	// Tenant is the default tenant of every session.
	Tenant string `yaml:"tenant,omitempty"`

	// BatchSize caps operations per batch. Zero uses the session default.
	BatchSize int `yaml:"batch_size,omitempty"`

	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, document,
	// stream, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one session call.
type Step struct {
	Op string `yaml:"op"`

	// Session names the session the step runs in. Defaults to "main".
	Session string `yaml:"session,omitempty"`

	Type string `yaml:"type,omitempty"`
	ID   string `yaml:"id,omitempty"`

	// Tenant overrides the session tenant for document steps.
	Tenant string `yaml:"tenant,omitempty"`

	// Refs assigns reference fields, e.g. { AssigneeID: u1 }.
	Refs map[string]string `yaml:"refs,omitempty"`

	// Fields assigns free-form document data.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Set maps JSON paths to values for patch steps.
	Set map[string]any `yaml:"set,omitempty"`

	Stream    string `yaml:"stream,omitempty"`
	Aggregate string `yaml:"aggregate,omitempty"`

	// ExpectedVersion makes an append conditional on the stream version.
	ExpectedVersion int64 `yaml:"expected_version,omitempty"`

	Events []EventStep `yaml:"events,omitempty"`

	// Expect is the outcome a commit step must have. Defaults to "ok".
	Expect string `yaml:"expect,omitempty"`
}

// EventStep is one event of a start or append step.
type EventStep struct {
	Type string         `yaml:"type"`
	Data map[string]any `yaml:"data,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check an operation appears in the trace
	// - "trace_order": Check operations appear in order
	// - "trace_count": Check an operation appears exactly N times
	// - "document": Load a document and compare fields, or check it is missing
	// - "stream": Check a stream's version and event types
	// - "final_state": Query a table and verify expected values
	Type string `yaml:"type"`

	// Operation is rendered as in the trace, e.g. "insert Issue/i1".
	Operation string `yaml:"operation,omitempty"`

	// Operations is the expected order (used by trace_order).
	Operations []string `yaml:"operations,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	DocType string `yaml:"doc_type,omitempty"`
	ID      string `yaml:"id,omitempty"`

	// Missing asserts the document does not exist (used by document).
	Missing bool `yaml:"missing,omitempty"`

	// Version is the expected stored version of a document or stream.
	// Zero skips the check.
	Version int64 `yaml:"version,omitempty"`

	// Refs and Fields are subset matches (used by document).
	Refs   map[string]string `yaml:"refs,omitempty"`
	Fields map[string]any    `yaml:"fields,omitempty"`

	Stream string `yaml:"stream,omitempty"`

	// EventTypes is the expected type of every stored event, in order.
	EventTypes []string `yaml:"event_types,omitempty"`

	// Table is the table name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (used by final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertDocument      = "document"
	AssertStream        = "stream"
	AssertFinalState    = "final_state"
)

// Step ops.
const (
	OpInsert = "insert"
	OpStore  = "store"
	OpUpdate = "update"
	OpDelete = "delete"
	OpPatch  = "patch"
	OpLoad   = "load"
	OpModify = "modify"
	OpStart  = "start"
	OpAppend = "append"
	OpCommit = "commit"
)

var knownOps = []string{OpInsert, OpStore, OpUpdate, OpDelete, OpPatch, OpLoad, OpModify, OpStart, OpAppend, OpCommit}

// LoadScenario reads and parses a scenario YAML file. Schema file paths
// are resolved relative to the scenario's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving schema paths relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	for i, schemaPath := range scenario.SchemaFiles {
		if !filepath.IsAbs(schemaPath) && basePath != "" {
			scenario.SchemaFiles[i] = filepath.Join(basePath, schemaPath)
		}
	}
	return scenario, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Schema == "" && len(s.SchemaFiles) == 0 {
		return fmt.Errorf("schema or schema_files is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if s.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if !slices.Contains(knownOps, step.Op) {
		return fmt.Errorf("unknown op %q", step.Op)
	}

	switch step.Op {
	case OpInsert, OpStore, OpUpdate, OpDelete, OpLoad, OpModify:
		if step.Type == "" || step.ID == "" {
			return fmt.Errorf("%s requires type and id", step.Op)
		}
	case OpPatch:
		if step.Type == "" || step.ID == "" || len(step.Set) == 0 {
			return fmt.Errorf("patch requires type, id and set")
		}
	case OpStart, OpAppend:
		if step.Stream == "" {
			return fmt.Errorf("%s requires stream", step.Op)
		}
		for j, e := range step.Events {
			if e.Type == "" {
				return fmt.Errorf("event %d: type is required", j)
			}
		}
	}

	if step.Expect != "" {
		if step.Op != OpCommit {
			return fmt.Errorf("expect is only valid on commit steps")
		}
		if !slices.Contains(knownOutcomes, step.Expect) {
			return fmt.Errorf("unknown outcome %q", step.Expect)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Operation == "" {
			return fmt.Errorf("%s requires operation", a.Type)
		}
	case AssertTraceOrder:
		if len(a.Operations) < 2 {
			return fmt.Errorf("trace_order requires at least two operations")
		}
	case AssertDocument:
		if a.DocType == "" || a.ID == "" {
			return fmt.Errorf("document requires doc_type and id")
		}
	case AssertStream:
		if a.Stream == "" {
			return fmt.Errorf("stream requires stream")
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("final_state requires table")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
