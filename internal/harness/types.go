package harness

import (
	"cmp"
	"slices"

	"github.com/roach88/statekit/internal/engine"
)

// Trace event types.
const (
	EventDispatch = "dispatch"
	EventEffect   = "effect"
)

// TraceEvent is one dispatch or side-effect outcome, in seq order.
//
// Content-addressed IDs are replaced by seq numbers (Parent, Dispatch) so
// that golden files stay readable and stable under hashing changes.
type TraceEvent struct {
	Type  string      `json:"type"`
	Seq   int64       `json:"seq"`
	Flow  string      `json:"flow"`
	Kind  engine.Kind `json:"kind"`
	Depth int         `json:"depth"`

	// Dispatch events.
	Fields   map[string]any     `json:"fields,omitempty"`
	Cause    engine.Cause       `json:"cause,omitempty"`
	Parent   int64              `json:"parent,omitempty"`
	Services []engine.ServiceID `json:"services,omitempty"`

	// Effect events.
	Dispatch   int64            `json:"dispatch,omitempty"`
	Service    engine.ServiceID `json:"service,omitempty"`
	Outcome    engine.Outcome   `json:"outcome,omitempty"`
	Error      string           `json:"error,omitempty"`
	Corrective engine.Kind      `json:"corrective,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds the dispatches and effect outcomes of the flow steps.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds each installed service's final state.
	State map[engine.ServiceID]any `json:"state,omitempty"`

	// Notifications holds every observer notification per service, in
	// delivery order.
	Notifications map[engine.ServiceID][]any `json:"notifications,omitempty"`

	// Hooks holds middleware call counts per service that has counting
	// middleware installed.
	Hooks map[engine.ServiceID]HookCalls `json:"hooks,omitempty"`
}

// HookCalls counts middleware invocations.
type HookCalls struct {
	Before int64 `json:"before"`
	After  int64 `json:"after"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:          true,
		Trace:         []TraceEvent{},
		Errors:        []string{},
		State:         make(map[engine.ServiceID]any),
		Notifications: make(map[engine.ServiceID][]any),
		Hooks:         make(map[engine.ServiceID]HookCalls),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Dispatches returns the dispatch events of the trace.
func (r *Result) Dispatches() []TraceEvent {
	return slices.DeleteFunc(slices.Clone(r.Trace), func(e TraceEvent) bool {
		return e.Type != EventDispatch
	})
}

// BuildTrace merges recorded dispatches and effects into one seq-ordered
// trace.
func BuildTrace(dispatches []engine.DispatchRecord, effects []engine.EffectRecord) []TraceEvent {
	seqOf := make(map[string]int64, len(dispatches))
	depthOf := make(map[string]int, len(dispatches))
	for _, d := range dispatches {
		seqOf[d.ID] = d.Seq
		depthOf[d.ID] = d.Depth
	}

	trace := make([]TraceEvent, 0, len(dispatches)+len(effects))
	for _, d := range dispatches {
		trace = append(trace, TraceEvent{
			Type:     EventDispatch,
			Seq:      d.Seq,
			Flow:     d.FlowToken,
			Kind:     d.Kind,
			Depth:    d.Depth,
			Fields:   d.Fields,
			Cause:    d.Cause,
			Parent:   seqOf[d.ParentID],
			Services: d.Services,
		})
	}
	for _, e := range effects {
		trace = append(trace, TraceEvent{
			Type:       EventEffect,
			Seq:        e.Seq,
			Flow:       e.FlowToken,
			Kind:       e.Kind,
			Depth:      depthOf[e.DispatchID],
			Dispatch:   seqOf[e.DispatchID],
			Service:    e.Service,
			Outcome:    e.Outcome,
			Error:      e.Error,
			Corrective: e.Corrective,
		})
	}
	slices.SortFunc(trace, func(a, b TraceEvent) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return trace
}
