package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/statekit/internal/canon"
)

// GoldenDir is the fixture directory for golden traces, relative to the
// test's package.
const GoldenDir = "testdata/golden"

// TraceSnapshot captures the complete trace for a scenario execution.
type TraceSnapshot struct {
	Scenario  string       `json:"scenario"`
	FlowToken string       `json:"flow_token,omitempty"`
	Trace     []TraceEvent `json:"trace"`
}

// Snapshot renders the canonical JSON golden form of a result's trace.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	return canon.Marshal(TraceSnapshot{
		Scenario:  scenario.Name,
		FlowToken: scenario.FlowToken,
		Trace:     result.Trace,
	})
}

// RunWithGolden executes a scenario and compares the trace against a golden
// file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so the caller can check assertions as well. Test
// failure (via goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against the golden file
// named after the scenario.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
