package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statekit/internal/demo"
	"github.com/roach88/statekit/internal/engine"
)

// Scenario defines a test scenario.
// A scenario installs a demo catalog into a fresh Dispatcher, dispatches a
// flow of actions and asserts on the resulting trace and state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog names the demo catalog to install (see demo.Names).
	Catalog string `yaml:"catalog"`

	// Setup contains actions dispatched before the flow. Their dispatches
	// and notifications are not part of the result.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the actions under test, dispatched in order. Side
	// effects are drained after every step.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`

	// FlowToken is the base for the generated flow tokens: the nth root
	// dispatch runs in flow "<flow_token>-n". Defaults to "test-flow".
	FlowToken string `yaml:"flow_token,omitempty"`
}

// Step is a single root dispatch.
type Step struct {
	// Dispatch is the action kind.
	Dispatch engine.Kind `yaml:"dispatch"`

	// Args holds the action's fields, decoded with demo.Decode.
	Args map[string]any `yaml:"args,omitempty"`
}

// Action decodes the step into an action.
func (s Step) Action() (engine.Action, error) {
	return demo.Decode(s.Dispatch, s.Args)
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a dispatch of Action with Args (subset) exists
	// - "trace_order": Actions are first dispatched in this order
	// - "trace_count": Action is dispatched exactly Count times
	// - "final_state": Service's final state contains Expect
	// - "notifications": Service's observers saw Expect, or Count notifications
	// - "hook_calls": Service's counting middleware ran Before/After times
	Type string `yaml:"type"`

	// Action is the action kind (trace_contains, trace_count).
	Action engine.Kind `yaml:"action,omitempty"`

	// Args are the expected fields (trace_contains). Subset match.
	Args map[string]any `yaml:"args,omitempty"`

	// Cause optionally restricts trace_contains to one dispatch cause.
	Cause engine.Cause `yaml:"cause,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []engine.Kind `yaml:"actions,omitempty"`

	// Count is the expected number of occurrences (trace_count,
	// notifications without Expect).
	Count int `yaml:"count,omitempty"`

	// Service names the service (final_state, notifications, hook_calls).
	Service engine.ServiceID `yaml:"service,omitempty"`

	// Expect is the expected state (final_state) or list of notified
	// states (notifications). Objects match as subsets.
	Expect any `yaml:"expect,omitempty"`

	// Before and After are the expected hook counts (hook_calls).
	Before *int64 `yaml:"before,omitempty"`
	After  *int64 `yaml:"after,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertNotifications = "notifications"
	AssertHookCalls     = "hook_calls"
)

// ErrInvalidScenario is wrapped by every scenario validation error.
var ErrInvalidScenario = errors.New("invalid scenario")

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under dir, sorted. A
// non-empty filter is a glob matched against the file name without its
// extension.
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

// Validate checks required fields, the catalog name and that every step
// decodes into a known action.
func (s *Scenario) Validate() error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	return nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if _, err := demo.Lookup(s.Catalog); err != nil {
		return err
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.Dispatch == "" {
		return fmt.Errorf("dispatch is required")
	}
	_, err := step.Action()
	return err
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Service == "" {
			return fmt.Errorf("assertions[%d]: service is required for final_state", index)
		}
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertNotifications:
		if a.Service == "" {
			return fmt.Errorf("assertions[%d]: service is required for notifications", index)
		}
		if a.Expect != nil {
			if _, ok := a.Expect.([]any); !ok {
				return fmt.Errorf("assertions[%d]: expect must be a list for notifications", index)
			}
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for notifications", index)
		}
	case AssertHookCalls:
		if a.Service == "" {
			return fmt.Errorf("assertions[%d]: service is required for hook_calls", index)
		}
		if a.Before == nil && a.After == nil {
			return fmt.Errorf("assertions[%d]: before or after is required for hook_calls", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
