package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/statekit/internal/engine"
)

// DefaultFlowBase is the flow token base used when a scenario names none.
const DefaultFlowBase = "test-flow"

// SequentialFlowGenerator numbers flow tokens from a fixed base:
// "<base>-1", "<base>-2", and so on.
//
// Every root dispatch opens a new flow, so a scenario with three steps yields
// three tokens. The same scenario always yields the same tokens, which keeps
// golden traces byte-identical across runs.
//
// Thread-safety: SequentialFlowGenerator is safe for concurrent use.
type SequentialFlowGenerator struct {
	mu   sync.Mutex
	base string
	n    int
}

var _ engine.FlowTokenGenerator = (*SequentialFlowGenerator)(nil)

// NewSequentialFlowGenerator creates a generator for base.
// If base is empty, DefaultFlowBase is used.
func NewSequentialFlowGenerator(base string) *SequentialFlowGenerator {
	if base == "" {
		base = DefaultFlowBase
	}
	return &SequentialFlowGenerator{base: base}
}

// Generate returns the next token.
func (g *SequentialFlowGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.base, g.n)
}

// Issued returns how many tokens have been generated.
func (g *SequentialFlowGenerator) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// Reset restarts numbering at 1.
func (g *SequentialFlowGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
