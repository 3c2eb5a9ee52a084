package engine

import "sync"

// CycleDetector tracks corrective actions per flow.
//
// A cycle is an error transform producing the same corrective action twice
// in one flow, identified by (kind, fields hash). A fetch effect whose
// failure maps to a retry that fails the same way is the typical case:
//
//	Fetch fails -> Retry{id:1} -> effect fails -> Retry{id:1} <- CYCLE DETECTED
//
// Depth limits already guarantee termination; the detector cuts such loops
// at the first repetition instead of at MaxDepth.
type CycleDetector struct {
	mu      sync.Mutex
	history map[string]map[string]bool // map[flow_token]map[cycle_key]bool
}

// NewCycleDetector creates a new cycle detector.
func NewCycleDetector() *CycleDetector {
	return &CycleDetector{
		history: make(map[string]map[string]bool),
	}
}

// WouldCycle reports whether (kind, fieldsHash) was already recorded for
// the flow.
func (c *CycleDetector) WouldCycle(flowToken string, kind Kind, fieldsHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.history[flowToken] == nil {
		return false
	}
	return c.history[flowToken][cycleKey(kind, fieldsHash)]
}

// Record marks (kind, fieldsHash) as produced in the flow.
func (c *CycleDetector) Record(flowToken string, kind Kind, fieldsHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.history[flowToken] == nil {
		c.history[flowToken] = make(map[string]bool)
	}
	c.history[flowToken][cycleKey(kind, fieldsHash)] = true
}

// CheckAndRecord records (kind, fieldsHash) and reports whether it had
// already been seen, in one critical section.
func (c *CycleDetector) CheckAndRecord(flowToken string, kind Kind, fieldsHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := c.history[flowToken]
	if seen == nil {
		seen = make(map[string]bool)
		c.history[flowToken] = seen
	}
	key := cycleKey(kind, fieldsHash)
	if seen[key] {
		return true
	}
	seen[key] = true
	return false
}

// Clear removes all history for a flow token.
func (c *CycleDetector) Clear(flowToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.history, flowToken)
}

// HistorySize returns the number of flows with tracked history.
func (c *CycleDetector) HistorySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.history)
}

// FlowHistorySize returns the number of corrective actions tracked for a flow.
func (c *CycleDetector) FlowHistorySize(flowToken string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.history[flowToken])
}

func cycleKey(kind Kind, fieldsHash string) string {
	return string(kind) + ":" + fieldsHash
}
