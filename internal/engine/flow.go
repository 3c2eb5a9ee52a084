package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FlowTokenGenerator generates unique flow tokens.
//
// A flow groups a root dispatch with everything it causes: middleware
// substitutions, dispatches made by its side effects and corrective actions.
type FlowTokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 flow tokens.
//
// UUIDv7 embeds a timestamp in the most significant bits, so journal rows
// keyed by flow token sort by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails.
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined flow tokens for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
//
//	gen := NewFixedGenerator("flow-1", "flow-2")
//	gen.Generate() // "flow-1"
//	gen.Generate() // "flow-2"
//	gen.Generate() // panic: all tokens exhausted
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next predetermined token.
// Panics if all tokens have been consumed, which catches a test creating
// more flows than it expected.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}

// Cause records why a dispatch happened.
type Cause string

const (
	// CauseRoot is a Mutate call made outside any flow.
	CauseRoot Cause = "root"
	// CauseSubstitute is an action returned by a middleware pre-hook.
	CauseSubstitute Cause = "substitute"
	// CauseEffect is a Mutate call made by a running side effect.
	CauseEffect Cause = "effect"
	// CauseRecover is a corrective action produced by ErrorToAction.
	CauseRecover Cause = "recover"
)

// frame is the flow position carried in a context.
type frame struct {
	flow   string
	depth  int
	parent string // dispatch ID that caused this work
	cause  Cause
}

func (f frame) with(cause Cause, parent string) frame {
	f.cause = cause
	f.parent = parent
	return f
}

type frameKey struct{}

func withFrame(ctx context.Context, f frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

func frameFrom(ctx context.Context) (frame, bool) {
	if ctx == nil {
		return frame{}, false
	}
	f, ok := ctx.Value(frameKey{}).(frame)
	return f, ok
}

// FlowToken returns the flow token carried by ctx. Side effects can use it
// to correlate their own logs with the dispatch trace.
func FlowToken(ctx context.Context) (string, bool) {
	f, ok := frameFrom(ctx)
	return f.flow, ok
}

// Depth returns the error-transform depth carried by ctx; 0 outside a flow.
func Depth(ctx context.Context) int {
	f, _ := frameFrom(ctx)
	return f.depth
}

// flowTable holds per-flow bookkeeping. A flow stays open while any dispatch
// or queued task references it.
type flowTable struct {
	mu       sync.Mutex
	maxSteps int
	flows    map[string]*flowState
}

type flowState struct {
	refs  int
	quota *QuotaEnforcer
}

func newFlowTable(maxSteps int) *flowTable {
	return &flowTable{
		maxSteps: maxSteps,
		flows:    make(map[string]*flowState),
	}
}

// acquire takes a reference on the flow, opening it if needed.
func (t *flowTable) acquire(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fs := t.flows[token]
	if fs == nil {
		fs = &flowState{quota: NewQuotaEnforcer(t.maxSteps)}
		t.flows[token] = fs
	}
	fs.refs++
}

// release drops a reference and reports whether the flow closed.
func (t *flowTable) release(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	fs := t.flows[token]
	if fs == nil {
		return false
	}
	fs.refs--
	if fs.refs > 0 {
		return false
	}
	delete(t.flows, token)
	return true
}

// step counts one substitute or corrective dispatch against the flow's quota.
// The flow must be held. Exceeding the quota yields a QUOTA_EXCEEDED
// RuntimeError wrapping the StepsExceededError.
func (t *flowTable) step(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fs := t.flows[token]
	if fs == nil {
		return nil
	}
	err := fs.quota.Check(token)
	se, ok := err.(*StepsExceededError)
	if !ok {
		return err
	}
	qe := NewQuotaError(token, se.Steps, se.Limit)
	qe.cause = se
	return qe
}

// open returns the number of open flows.
func (t *flowTable) open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}
