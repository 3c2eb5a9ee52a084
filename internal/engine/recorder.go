package engine

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
)

// Outcome is the result of running one side effect.
type Outcome string

const (
	// OutcomeOK means the effect returned nil.
	OutcomeOK Outcome = "ok"
	// OutcomeFailed means the effect failed and its corrective action was
	// dispatched.
	OutcomeFailed Outcome = "failed"
	// OutcomeDropped means the effect failed and its corrective action was
	// dropped by the depth bound or cycle detection.
	OutcomeDropped Outcome = "dropped"
)

// DispatchRecord describes one routed action.
type DispatchRecord struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	FlowToken string         `json:"flow_token"`
	ParentID  string         `json:"parent_id,omitempty"`
	Kind      Kind           `json:"kind"`
	Fields    map[string]any `json:"fields"`
	Depth     int            `json:"depth"`
	Cause     Cause          `json:"cause"`
	Services  []ServiceID    `json:"services"`
}

// EffectRecord describes the outcome of one side effect.
type EffectRecord struct {
	Seq        int64     `json:"seq"`
	FlowToken  string    `json:"flow_token"`
	DispatchID string    `json:"dispatch_id"`
	Service    ServiceID `json:"service"`
	Index      int       `json:"index"`
	Kind       Kind      `json:"kind"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Corrective Kind      `json:"corrective,omitempty"`
}

// Recorder receives the dispatch trace. Implementations must be safe for
// concurrent use; failures are logged by the Dispatcher and never affect
// dispatching.
type Recorder interface {
	RecordDispatch(ctx context.Context, rec DispatchRecord) error
	RecordEffect(ctx context.Context, rec EffectRecord) error
}

type nopRecorder struct{}

func (nopRecorder) RecordDispatch(context.Context, DispatchRecord) error { return nil }
func (nopRecorder) RecordEffect(context.Context, EffectRecord) error     { return nil }

// Tee returns a Recorder that records to every r in order. A failing
// recorder does not stop the others; their errors are joined.
func Tee(recorders ...Recorder) Recorder {
	return tee(recorders)
}

type tee []Recorder

func (t tee) RecordDispatch(ctx context.Context, rec DispatchRecord) error {
	var errs []error
	for _, r := range t {
		if err := r.RecordDispatch(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) RecordEffect(ctx context.Context, rec EffectRecord) error {
	var errs []error
	for _, r := range t {
		if err := r.RecordEffect(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryRecorder keeps the trace in memory.
type MemoryRecorder struct {
	mu         sync.Mutex
	dispatches []DispatchRecord
	effects    []EffectRecord
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// RecordDispatch implements Recorder.
func (r *MemoryRecorder) RecordDispatch(_ context.Context, rec DispatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches = append(r.dispatches, rec)
	return nil
}

// RecordEffect implements Recorder.
func (r *MemoryRecorder) RecordEffect(_ context.Context, rec EffectRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, rec)
	return nil
}

// Dispatches returns dispatch records ordered by seq.
func (r *MemoryRecorder) Dispatches() []DispatchRecord {
	r.mu.Lock()
	out := slices.Clone(r.dispatches)
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b DispatchRecord) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Effects returns effect records ordered by seq.
func (r *MemoryRecorder) Effects() []EffectRecord {
	r.mu.Lock()
	out := slices.Clone(r.effects)
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b EffectRecord) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Kinds returns the kinds of all dispatches in seq order.
func (r *MemoryRecorder) Kinds() []Kind {
	records := r.Dispatches()
	kinds := make([]Kind, len(records))
	for i, rec := range records {
		kinds[i] = rec.Kind
	}
	return kinds
}

// Reset discards all records.
func (r *MemoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches = nil
	r.effects = nil
}
