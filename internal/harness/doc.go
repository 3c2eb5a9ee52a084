// Package harness runs YAML scenarios against the demo catalogs and checks
// the resulting trace and state.
//
// # Scenario Format
//
//	name: counter
//	description: "Counter reduces two increments"
//	catalog: counter
//	flow_token: counter
//	setup:
//	  - dispatch: counter.reset
//	flow:
//	  - dispatch: counter.increment
//	    args: { by: 5 }
//	assertions:
//	  - type: trace_contains
//	    action: counter.increment
//	    args: { by: 5 }
//	  - type: final_state
//	    service: counter
//	    expect: 5
//
// # Assertion Types
//
//   - trace_contains: a dispatch of action with matching args (subset), optionally with a given cause
//   - trace_order: actions are first dispatched in the given order
//   - trace_count: an action is dispatched exactly count times
//   - final_state: a service's final state contains expect (subset)
//   - notifications: a service's observers received expect, or count notifications
//   - hook_calls: a service's counting middleware ran before/after times
//
// # Deterministic Testing
//
// Every run gets a fresh Dispatcher without a worker pool: side effects run
// inside Drain after each step on the calling goroutine. The logical clock
// starts at zero and the nth root dispatch runs in flow "<flow_token>-n".
// Running a scenario twice therefore yields byte-identical traces, which
// RunWithGolden compares against testdata/golden.
package harness
