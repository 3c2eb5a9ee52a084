package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/statekit/internal/demo"
	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/testutil"
)

// DefaultDrainTimeout bounds how long a step waits for its side effects.
const DefaultDrainTimeout = 5 * time.Second

// Option configures a scenario run.
type Option func(*runConfig)

type runConfig struct {
	logger       *slog.Logger
	recorder     engine.Recorder
	drainTimeout time.Duration
	engineOpts   []engine.Option
}

// WithLogger sets the dispatcher logger. Runs discard logs by default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder tees the trace into r, such as a journal, in addition to the
// in-memory trace the assertions run against. Setup steps are recorded too.
func WithRecorder(r engine.Recorder) Option {
	return func(c *runConfig) {
		c.recorder = r
	}
}

// WithDrainTimeout bounds the wait for side effects after each step.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// WithEngineOptions passes extra options to the Dispatcher, after the
// harness defaults. Passing engine.WithWorkers(n) with n > 0 runs side
// effects on a worker pool; traces are then no longer byte-stable.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *runConfig) {
		c.engineOpts = append(c.engineOpts, opts...)
	}
}

// Harness runs one scenario against a fresh Dispatcher.
type Harness struct {
	scenario   *Scenario
	cfg        runConfig
	dispatcher *engine.Dispatcher
	install    *demo.Installation
	trace      *engine.MemoryRecorder
	clock      *testutil.DeterministicClock
	flowGen    *testutil.SequentialFlowGenerator

	mu            sync.Mutex
	observing     bool
	notifications map[engine.ServiceID][]any
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against fresh service instances. Side effects execute
// inside Drain on the calling goroutine, the logical clock starts at zero
// and flow tokens are numbered from the scenario's flow_token, so the same
// scenario always produces the same trace.
//
// Execution flow:
//  1. Install the scenario's catalog into a new Dispatcher
//  2. Dispatch and drain the setup steps, then reset the trace
//  3. Dispatch the flow steps, draining after each
//  4. Collect final state and hook counts, evaluate assertions
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h, err := New(scenario, opts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(context.Background())
}

// New prepares a Harness for scenario.
func New(scenario *Scenario, opts ...Option) (*Harness, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	catalog, err := demo.Lookup(scenario.Catalog)
	if err != nil {
		return nil, err
	}

	cfg := runConfig{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		drainTimeout: DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Harness{
		scenario:      scenario,
		cfg:           cfg,
		trace:         engine.NewMemoryRecorder(),
		clock:         testutil.NewDeterministicClock(),
		flowGen:       testutil.NewSequentialFlowGenerator(scenario.FlowToken),
		notifications: make(map[engine.ServiceID][]any),
	}

	var recorder engine.Recorder = h.trace
	if cfg.recorder != nil {
		recorder = engine.Tee(h.trace, cfg.recorder)
	}
	engineOpts := []engine.Option{
		engine.WithLogger(cfg.logger),
		engine.WithWorkers(0),
		engine.WithClock(h.clock),
		engine.WithFlowGenerator(h.flowGen),
		engine.WithRecorder(recorder),
	}
	h.dispatcher = engine.New(append(engineOpts, cfg.engineOpts...)...)

	h.install, err = catalog.Install(h.dispatcher)
	if err != nil {
		h.Close()
		return nil, err
	}
	for _, id := range h.install.Services() {
		if _, err := h.dispatcher.WatchState(id, h.observer(id)); err != nil {
			h.Close()
			return nil, fmt.Errorf("watch %s: %w", id, err)
		}
	}
	return h, nil
}

// Dispatcher returns the Dispatcher the scenario runs against.
func (h *Harness) Dispatcher() *engine.Dispatcher {
	return h.dispatcher
}

func (h *Harness) observer(id engine.ServiceID) func(any) {
	return func(state any) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.observing {
			h.notifications[id] = append(h.notifications[id], state)
		}
	}
}

// Run dispatches the setup and flow steps and evaluates the assertions.
// Errors are returned for steps that cannot run, not for failed assertions.
func (h *Harness) Run(ctx context.Context) (*Result, error) {
	for i, step := range h.scenario.Setup {
		if err := h.step(ctx, step); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	h.trace.Reset()

	h.mu.Lock()
	h.observing = true
	h.mu.Unlock()

	for i, step := range h.scenario.Flow {
		if err := h.step(ctx, step); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	h.mu.Lock()
	h.observing = false
	h.mu.Unlock()

	result := NewResult()
	result.Trace = BuildTrace(h.trace.Dispatches(), h.trace.Effects())
	for _, id := range h.install.Services() {
		state, err := h.dispatcher.State(id)
		if err != nil {
			return nil, err
		}
		result.State[id] = state
	}
	h.mu.Lock()
	for id, states := range h.notifications {
		result.Notifications[id] = append([]any(nil), states...)
	}
	h.mu.Unlock()
	for id, hooks := range h.install.Hooks {
		result.Hooks[id] = HookCalls{Before: hooks.Before(), After: hooks.After()}
	}

	for _, msg := range EvaluateAssertions(result, h.scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) step(ctx context.Context, step Step) error {
	action, err := step.Action()
	if err != nil {
		return err
	}
	h.dispatcher.Mutate(ctx, action)

	drainCtx, cancel := context.WithTimeout(ctx, h.cfg.drainTimeout)
	defer cancel()
	if err := h.dispatcher.Drain(drainCtx); err != nil {
		return fmt.Errorf("drain after %s: %w", step.Dispatch, err)
	}
	return nil
}

// Close releases the installed services and closes the Dispatcher.
func (h *Harness) Close() error {
	if h.install != nil {
		h.install.Release()
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.drainTimeout)
	defer cancel()
	return h.dispatcher.Close(ctx)
}
