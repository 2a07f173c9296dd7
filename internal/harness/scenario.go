package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/mutq/internal/request"
)

// Scenario defines a queue conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Setup is persisted state left behind by an earlier process.
	Setup *Setup `yaml:"setup,omitempty"`

	// Flow is the sequence of operations to execute.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Setup seeds the store before the first manager opens.
type Setup struct {
	Queue   []RequestSpec `yaml:"queue,omitempty"`
	Ongoing *RequestSpec  `yaml:"ongoing,omitempty"`
}

// RequestSpec is a request as written in scenario files.
type RequestSpec struct {
	Command   string         `yaml:"command"`
	RequestID int64          `yaml:"request_id"`
	Data      map[string]any `yaml:"data,omitempty"`
}

// Request builds the request.Request described by s.
func (s RequestSpec) Request() (request.Request, error) {
	r := request.Request{Command: s.Command, RequestID: s.RequestID}
	if s.Data != nil {
		b, err := json.Marshal(s.Data)
		if err != nil {
			return request.Request{}, fmt.Errorf("request %d data: %w", s.RequestID, err)
		}
		r.Data = b
	}
	return r, nil
}

// FlowStep is one operation in the flow. Which fields apply depends on Op.
type FlowStep struct {
	Op        string        `yaml:"op"`
	Request   *RequestSpec  `yaml:"request,omitempty"`    // enqueue, update_at
	RequestID int64         `yaml:"request_id,omitempty"` // complete, return_to_head
	Index     int           `yaml:"index,omitempty"`      // update_at
	Command   string        `yaml:"command,omitempty"`    // remove
	Queue     []RequestSpec `yaml:"queue,omitempty"`      // external_write
	Ongoing   *RequestSpec  `yaml:"ongoing,omitempty"`    // external_write
	Count     int           `yaml:"count,omitempty"`      // fail_writes
	Expect    *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause checks the outcome of a single step.
type ExpectClause struct {
	// RequestID is the request take_next must return; 0 means none.
	RequestID *int64 `yaml:"request_id,omitempty"`

	// Removed is the count remove must report.
	Removed *int `yaml:"removed,omitempty"`

	// Error states whether the step must fail.
	Error *bool `yaml:"error,omitempty"`

	// Queue is the in-memory queue right after the step.
	Queue []int64 `yaml:"queue,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	Type      string   `yaml:"type"`
	IDs       []int64  `yaml:"ids,omitempty"`        // queue, persisted_queue
	ID        int64    `yaml:"id,omitempty"`         // ongoing, persisted_ongoing
	Value     *bool    `yaml:"value,omitempty"`      // degraded
	Op        string   `yaml:"op,omitempty"`         // trace_contains, trace_count
	RequestID int64    `yaml:"request_id,omitempty"` // trace_contains
	Ops       []string `yaml:"ops,omitempty"`        // trace_order
	Count     int      `yaml:"count,omitempty"`      // trace_count
}

// Flow operations.
const (
	OpEnqueue       = "enqueue"
	OpTakeNext      = "take_next"
	OpComplete      = "complete"
	OpReturnToHead  = "return_to_head"
	OpUpdateAt      = "update_at"
	OpRemove        = "remove"
	OpClear         = "clear"
	OpRestart       = "restart"
	OpExternalWrite = "external_write"
	OpFailWrites    = "fail_writes"
	OpFlush         = "flush"
)

// Assertion type constants.
const (
	AssertQueue            = "queue"
	AssertPersistedQueue   = "persisted_queue"
	AssertOngoing          = "ongoing"
	AssertPersistedOngoing = "persisted_ongoing"
	AssertConverged        = "converged"
	AssertDegraded         = "degraded"
	AssertTraceContains    = "trace_contains"
	AssertTraceOrder       = "trace_order"
	AssertTraceCount       = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
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

// FindScenarios returns the .yaml/.yml files under dir, sorted.
// filter is an optional glob matched against the base name without extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step *FlowStep) error {
	switch step.Op {
	case OpEnqueue, OpUpdateAt:
		if step.Request == nil {
			return fmt.Errorf("flow[%d]: request is required for %s", i, step.Op)
		}
	case OpComplete, OpReturnToHead:
		if step.RequestID <= 0 {
			return fmt.Errorf("flow[%d]: request_id is required for %s", i, step.Op)
		}
	case OpRemove:
		if step.Command == "" {
			return fmt.Errorf("flow[%d]: command is required for remove", i)
		}
	case OpFailWrites:
		if step.Count <= 0 {
			return fmt.Errorf("flow[%d]: count must be positive for fail_writes", i)
		}
	case OpTakeNext, OpClear, OpRestart, OpExternalWrite, OpFlush:
	case "":
		return fmt.Errorf("flow[%d]: op is required", i)
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertQueue, AssertPersistedQueue, AssertOngoing, AssertPersistedOngoing, AssertConverged:
	case AssertDegraded:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for degraded", index)
		}
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
