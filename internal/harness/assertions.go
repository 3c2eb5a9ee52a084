package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/statekit/internal/canon"
	"github.com/roach88/statekit/internal/engine"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventDispatch {
				fmt.Fprintf(&buf, "  [%d] %s %s %v\n", event.Seq, event.Cause, event.Kind, event.Fields)
			}
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains a dispatch matching
// the specified kind and fields (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type != EventDispatch || event.Kind != assertion.Action {
			continue
		}
		if assertion.Cause != "" && event.Cause != assertion.Cause {
			continue
		}
		if matchArgs(event.Fields, assertion.Args) {
			return nil
		}
	}

	expected := fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args)
	if assertion.Cause != "" {
		expected += fmt.Sprintf(" caused by %s", assertion.Cause)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions are first dispatched in the specified
// order. Actions don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[engine.Kind]int)
	for i, event := range trace {
		if event.Type != EventDispatch {
			continue
		}
		if _, seen := positions[event.Kind]; !seen {
			positions[event.Kind] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the action is dispatched exactly the specified
// number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventDispatch && event.Kind == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks a service's final state against Expect using
// subset semantics.
func assertFinalState(result *Result, assertion Assertion) error {
	actual, ok := result.State[assertion.Service]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("state of service %q", assertion.Service),
			Actual:   "service not installed",
		}
	}
	if !canon.Subset(actual, assertion.Expect) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s state %s", assertion.Service, describe(assertion.Expect)),
			Actual:   describe(actual),
		}
	}
	return nil
}

// assertNotifications checks the states a service's observers received.
// With Expect, the notifications must match the list element-wise;
// otherwise their number must equal Count.
func assertNotifications(result *Result, assertion Assertion) error {
	if _, ok := result.State[assertion.Service]; !ok {
		return &AssertionError{
			Type:     AssertNotifications,
			Expected: fmt.Sprintf("notifications of service %q", assertion.Service),
			Actual:   "service not installed",
		}
	}
	got := result.Notifications[assertion.Service]
	if got == nil {
		got = []any{}
	}

	if assertion.Expect != nil {
		if !canon.Subset(got, assertion.Expect) {
			return &AssertionError{
				Type:     AssertNotifications,
				Expected: fmt.Sprintf("%s notified with %s", assertion.Service, describe(assertion.Expect)),
				Actual:   describe(got),
			}
		}
		return nil
	}

	if len(got) != assertion.Count {
		return &AssertionError{
			Type:     AssertNotifications,
			Expected: fmt.Sprintf("%d notifications of %s", assertion.Count, assertion.Service),
			Actual:   fmt.Sprintf("%d notifications: %s", len(got), describe(got)),
		}
	}
	return nil
}

// assertHookCalls checks the counting middleware of a service.
func assertHookCalls(result *Result, assertion Assertion) error {
	calls, ok := result.Hooks[assertion.Service]
	if !ok {
		return &AssertionError{
			Type:     AssertHookCalls,
			Expected: fmt.Sprintf("counting middleware on service %q", assertion.Service),
			Actual:   "no counting middleware installed",
		}
	}
	if assertion.Before != nil && *assertion.Before != calls.Before {
		return &AssertionError{
			Type:     AssertHookCalls,
			Expected: fmt.Sprintf("%d pre-hook calls on %s", *assertion.Before, assertion.Service),
			Actual:   fmt.Sprintf("%d calls", calls.Before),
		}
	}
	if assertion.After != nil && *assertion.After != calls.After {
		return &AssertionError{
			Type:     AssertHookCalls,
			Expected: fmt.Sprintf("%d post-hook calls on %s", *assertion.After, assertion.Service),
			Actual:   fmt.Sprintf("%d calls", calls.After),
		}
	}
	return nil
}

// matchArgs checks if actual fields contain all expected args (subset match).
func matchArgs(actual map[string]any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	if actual == nil {
		return false
	}
	return canon.Subset(actual, expected)
}

// describe renders v as canonical JSON for error messages.
func describe(v any) string {
	b, err := canon.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		case AssertNotifications:
			err = assertNotifications(result, assertion)
		case AssertHookCalls:
			err = assertHookCalls(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
