package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/statekit/internal/canon"
)

const (
	// DefaultMaxDepth bounds the error->action chain of one flow.
	DefaultMaxDepth = 16

	// DefaultMaxSteps is the default maximum number of substitute and
	// corrective dispatches per flow.
	DefaultMaxSteps = 1000

	// DefaultWorkers is the default size of the side-effect worker pool.
	DefaultWorkers = 8
)

// Dispatcher routes actions to registered Services and runs the side effects
// their reducers return.
//
// Thread-safety model:
//   - Register, Unregister, Mutate, Watch: safe from any goroutine
//   - Reducing happens on the Mutate caller's goroutine
//   - Side effects run on the worker pool, detached from the caller
//
// INVARIANTS:
//   - Routing order is registration order and is snapshotted per action
//   - A Service never sees an action whose kind it did not bind
//   - Every failed side effect produces exactly one corrective dispatch,
//     unless dropped by MaxDepth, MaxSteps or cycle detection
type Dispatcher struct {
	mu     sync.RWMutex // guards routes, byID, closing
	routes []*route     // registration order
	byID   map[ServiceID]*route

	closing bool

	logger   *slog.Logger
	clock    Sequencer
	flowGen  FlowTokenGenerator
	flows    *flowTable
	cycles   *CycleDetector // nil unless cycle detection is enabled
	recorder Recorder
	fallback func(Action, error) Action
	maxDepth int
	maxSteps int
	workers  int

	queue     *taskQueue
	inflight  *inflight
	ctx       context.Context // base context for side effects
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithWorkers sets the side-effect worker pool size.
//
// Default: 8 (DefaultWorkers)
// Use WithWorkers(0) for deterministic runs: no pool is started and queued
// side effects run in FIFO order on the goroutine that calls Drain.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		d.workers = max(n, 0)
	}
}

// WithMaxDepth sets how many error transforms may chain within one flow.
//
// Default: 16 (DefaultMaxDepth)
// A corrective action that would exceed the depth is dropped and logged.
func WithMaxDepth(n int) Option {
	return func(d *Dispatcher) {
		d.maxDepth = n
	}
}

// WithMaxSteps sets the maximum substitute and corrective dispatches per
// flow. Root and effect dispatches do not count against it.
//
// Default: 1000 (DefaultMaxSteps)
// Use WithMaxSteps(10) for testing quota enforcement.
func WithMaxSteps(n int) Option {
	return func(d *Dispatcher) {
		d.maxSteps = n
	}
}

// WithCycleDetection drops a corrective action when an identical one (same
// kind and canonical fields) was already produced in the flow.
//
// History is kept per flow, not per parent. Independent failures in one flow
// that convert to equal corrective actions are deduplicated: only the first
// is dispatched.
func WithCycleDetection() Option {
	return func(d *Dispatcher) {
		d.cycles = NewCycleDetector()
	}
}

// WithRecorder sets the trace recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithFlowGenerator sets the flow token generator. Default: UUIDv7Generator.
func WithFlowGenerator(g FlowTokenGenerator) Option {
	return func(d *Dispatcher) {
		if g != nil {
			d.flowGen = g
		}
	}
}

// WithClock sets the logical clock, typically one resumed from a journal
// with NewClockAt.
func WithClock(c Sequencer) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithFallback sets the corrective action used when ErrorToAction panics or
// returns nil. Default: NewFault.
func WithFallback(fn func(origin Action, err error) Action) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.fallback = fn
		}
	}
}

// New creates a Dispatcher and starts its worker pool.
// Call Close to stop the workers.
func New(opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		byID:     make(map[ServiceID]*route),
		logger:   slog.Default(),
		clock:    NewClock(),
		flowGen:  UUIDv7Generator{},
		recorder: nopRecorder{},
		fallback: NewFault,
		maxDepth: DefaultMaxDepth,
		maxSteps: DefaultMaxSteps,
		workers:  DefaultWorkers,
		queue:    newTaskQueue(),
		inflight: newInflight(),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.flows = newFlowTable(d.maxSteps)
	for range d.workers {
		d.wg.Add(1)
		go d.work()
	}

	d.logger.Debug("dispatcher started",
		"workers", d.workers,
		"max_depth", d.maxDepth,
		"max_steps", d.maxSteps,
		"cycle_detection", d.cycles != nil)
	return d
}

// Register adds a Service to the routing table. The Service's bindings and
// middleware are frozen at this point.
func (d *Dispatcher) Register(r Registrant) (*Registration, error) {
	rt := r.route()
	if !rt.owner.CompareAndSwap(nil, d) {
		if rt.owner.Load() == d {
			return nil, fmt.Errorf("register %s: %w", rt.id, ErrDuplicateService)
		}
		return nil, fmt.Errorf("register %s: %w", rt.id, ErrServiceInUse)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing {
		rt.owner.Store(nil)
		return nil, fmt.Errorf("register %s: %w", rt.id, ErrClosed)
	}
	if _, ok := d.byID[rt.id]; ok {
		rt.owner.Store(nil)
		return nil, fmt.Errorf("register %s: %w", rt.id, ErrDuplicateService)
	}

	d.routes = append(d.routes, rt)
	d.byID[rt.id] = rt
	d.logger.Debug("service registered", "service", rt.id, "kinds", len(rt.kinds))
	return &Registration{d: d, rt: rt}, nil
}

// Unregister removes the Service with the given ID.
// Returns false if no such Service is registered.
func (d *Dispatcher) Unregister(id ServiceID) bool {
	d.mu.RLock()
	rt, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return d.remove(rt)
}

func (d *Dispatcher) remove(rt *route) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.byID[rt.id] != rt {
		return false
	}
	delete(d.byID, rt.id)
	d.routes = slices.DeleteFunc(d.routes, func(r *route) bool { return r == rt })
	rt.owner.CompareAndSwap(d, nil)
	d.logger.Debug("service unregistered", "service", rt.id)
	return true
}

// Services returns the registered service IDs in registration order.
func (d *Dispatcher) Services() []ServiceID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]ServiceID, len(d.routes))
	for i, rt := range d.routes {
		ids[i] = rt.id
	}
	return ids
}

// State returns a snapshot of a registered Service's state.
func (d *Dispatcher) State(id ServiceID) (any, error) {
	d.mu.RLock()
	rt, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("state %s: %w", id, ErrUnknownService)
	}
	return rt.read(), nil
}

// Watch subscribes fn to the state of the Service registered under id.
func Watch[S any](d *Dispatcher, id ServiceID, fn func(S)) (*WatchToken, error) {
	d.mu.RLock()
	rt, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("watch %s: %w", id, ErrUnknownService)
	}
	st, ok := rt.store.(*Store[S])
	if !ok {
		var zero S
		return nil, fmt.Errorf("watch %s: %w: want %T, have %T", id, ErrStateType, zero, rt.store)
	}
	return st.Watch(fn), nil
}

// WatchState subscribes fn to the state of the Service registered under id
// without naming its state type.
func (d *Dispatcher) WatchState(id ServiceID, fn func(any)) (*WatchToken, error) {
	d.mu.RLock()
	rt, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("watch %s: %w", id, ErrUnknownService)
	}
	return rt.watch(fn), nil
}

// Mutate dispatches action. It returns once every matched Service has
// reduced the action; side effects continue on the worker pool and their
// failures are never reported to the caller.
//
// A ctx carrying a flow (the ctx handed to a running side effect) continues
// that flow. Any other ctx opens a new flow.
func (d *Dispatcher) Mutate(ctx context.Context, action Action) {
	if action == nil {
		d.logger.Warn("mutate called with nil action")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	fr, ok := frameFrom(ctx)
	if !ok {
		if d.isClosing() {
			d.logger.Warn("dispatcher closed, action dropped", kindAttr(action))
			return
		}
		fr = frame{flow: d.flowGen.Generate(), cause: CauseRoot}
	}
	d.dispatch(ctx, fr, action)
}

func (d *Dispatcher) isClosing() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closing
}

// dispatch runs one action through routing, reducing and effect collection.
func (d *Dispatcher) dispatch(ctx context.Context, fr frame, action Action) {
	d.flows.acquire(fr.flow)
	defer d.releaseFlow(fr.flow)

	logger := d.logger.With("flow_token", fr.flow)

	if fr.cause == CauseRecover || fr.cause == CauseSubstitute {
		if err := d.flows.step(fr.flow); err != nil {
			logger.Error("dispatch dropped",
				kindAttr(action),
				"error", err)
			return
		}
	}

	matched := d.snapshot(action.Kind())

	seq := d.clock.Next()
	fields := fieldsOf(action, logger)
	id := dispatchID(fr.flow, action.Kind(), fields, seq)

	services := make([]ServiceID, len(matched))
	for i, rt := range matched {
		services[i] = rt.id
	}
	if err := d.recorder.RecordDispatch(ctx, DispatchRecord{
		ID:        id,
		Seq:       seq,
		FlowToken: fr.flow,
		ParentID:  fr.parent,
		Kind:      action.Kind(),
		Fields:    fields,
		Depth:     fr.depth,
		Cause:     fr.cause,
		Services:  services,
	}); err != nil {
		logger.Error("failed to record dispatch", kindAttr(action), "error", err)
	}

	if len(matched) == 0 {
		logger.Debug("no service bound to action", kindAttr(action))
		return
	}

	var effects []effect
	var substitutes []Action
	for _, rt := range matched {
		out := rt.handle(action, logger)
		effects = append(effects, out.effects...)
		if out.substitute != nil {
			substitutes = append(substitutes, out.substitute)
		}
	}

	if len(effects) > 0 {
		d.schedule(task{
			frame:    fr,
			origin:   action,
			originID: id,
			effects:  effects,
		})
	}

	for _, sub := range substitutes {
		child := fr.with(CauseSubstitute, id)
		d.dispatch(withFrame(ctx, child), child, sub)
	}
}

// snapshot returns the routes bound to kind, in registration order.
func (d *Dispatcher) snapshot(kind Kind) []*route {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var matched []*route
	for _, rt := range d.routes {
		if rt.matches(kind) {
			matched = append(matched, rt)
		}
	}
	return matched
}

func (d *Dispatcher) schedule(t task) {
	d.flows.acquire(t.frame.flow)
	d.inflight.add()
	if !d.queue.Enqueue(t) {
		d.inflight.done()
		d.releaseFlow(t.frame.flow)
		d.logger.Warn("dispatcher closed, side effects dropped",
			"flow_token", t.frame.flow,
			kindAttr(t.origin),
			"effects", len(t.effects))
	}
}

func (d *Dispatcher) releaseFlow(token string) {
	if d.flows.release(token) && d.cycles != nil {
		d.cycles.Clear(token)
	}
}

// work is the worker loop. It exits once the queue is closed and empty.
func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		if t, ok := d.queue.TryDequeue(); ok {
			d.execute(t)
			continue
		}
		if d.queue.Done() {
			return
		}
		<-d.queue.Wait()
	}
}

// execute runs a task's effects in order. A failure converts into a
// corrective dispatch and does not stop the remaining effects.
func (d *Dispatcher) execute(t task) {
	defer d.inflight.done()
	defer d.releaseFlow(t.frame.flow)

	ctx := withFrame(d.ctx, t.frame.with(CauseEffect, t.originID))
	for i, eff := range t.effects {
		err := eff.call(ctx, d)
		rec := EffectRecord{
			Seq:        d.clock.Next(),
			FlowToken:  t.frame.flow,
			DispatchID: t.originID,
			Service:    eff.service,
			Index:      i,
			Kind:       t.origin.Kind(),
			Outcome:    OutcomeOK,
		}
		if err == nil {
			d.recordEffect(ctx, rec)
			continue
		}
		d.transform(ctx, t, rec, err)
	}
}

// transform converts a side-effect failure into its corrective dispatch.
func (d *Dispatcher) transform(ctx context.Context, t task, rec EffectRecord, err error) {
	logger := d.logger.With("flow_token", t.frame.flow, "service", rec.Service)

	corrective, violation := convert(t.origin, err, d.fallback)
	if violation != nil {
		logger.Error("error conversion contract violated", "error", violation)
	}

	rec.Outcome = OutcomeFailed
	rec.Error = err.Error()
	rec.Corrective = corrective.Kind()

	depth := t.frame.depth + 1
	if depth > d.maxDepth {
		rec.Outcome = OutcomeDropped
		d.recordEffect(ctx, rec)
		logger.Error("corrective action dropped",
			"error", NewDepthError(t.frame.flow, corrective.Kind(), depth, d.maxDepth),
			"cause", err)
		return
	}

	if d.cycles != nil {
		hash := fieldsHash(corrective, logger)
		if d.cycles.CheckAndRecord(t.frame.flow, corrective.Kind(), hash) {
			rec.Outcome = OutcomeDropped
			d.recordEffect(ctx, rec)
			logger.Warn("corrective action dropped",
				"error", NewCycleError(t.frame.flow, corrective.Kind(), hash),
				"cause", err)
			return
		}
	}

	d.recordEffect(ctx, rec)
	logger.Debug("side effect failed",
		kindAttr(t.origin),
		"corrective", string(corrective.Kind()),
		"depth", depth,
		"error", err)

	next := frame{flow: t.frame.flow, depth: depth, parent: t.originID, cause: CauseRecover}
	d.dispatch(withFrame(d.ctx, next), next, corrective)
}

func (d *Dispatcher) recordEffect(ctx context.Context, rec EffectRecord) {
	if err := d.recorder.RecordEffect(ctx, rec); err != nil {
		d.logger.Error("failed to record effect",
			"flow_token", rec.FlowToken,
			"service", rec.Service,
			"error", err)
	}
}

// Drain blocks until no side effects are queued or running, or ctx is done.
// Without a worker pool, Drain runs the queued side effects itself.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if d.workers == 0 {
		for ctx.Err() == nil {
			t, ok := d.queue.TryDequeue()
			if !ok {
				break
			}
			d.execute(t)
		}
	}
	return d.inflight.wait(ctx)
}

// Close stops accepting new flows, drains queued side effects and stops the
// worker pool. Effects of flows already in progress may still dispatch while
// draining. If ctx expires first, the effect context is cancelled and the
// context error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closing = true
		d.mu.Unlock()

		err = d.Drain(ctx)
		d.cancel()
		d.queue.Close()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
		d.logger.Debug("dispatcher closed", "open_flows", d.flows.open())
	})
	return err
}

func fieldsOf(action Action, logger *slog.Logger) map[string]any {
	fields, err := canon.Fields(action)
	if err != nil {
		logger.Warn("action fields not encodable", kindAttr(action), "error", err)
		return map[string]any{}
	}
	return fields
}

func fieldsHash(action Action, logger *slog.Logger) string {
	hash, err := canon.FieldsHash(string(action.Kind()), fieldsOf(action, logger))
	if err != nil {
		logger.Warn("action fields not hashable", kindAttr(action), "error", err)
		return ""
	}
	return hash
}

func dispatchID(flow string, kind Kind, fields map[string]any, seq int64) string {
	id, err := canon.DispatchID(flow, string(kind), fields, seq)
	if err != nil {
		return fmt.Sprintf("%s/%d", flow, seq)
	}
	return id
}

// Registration is the handle returned by Register.
type Registration struct {
	d    *Dispatcher
	rt   *route
	once sync.Once
}

// ID returns the registered service ID.
func (r *Registration) ID() ServiceID { return r.rt.id }

// Release unregisters the Service. Calling Release more than once, or after
// Unregister, is a no-op.
func (r *Registration) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() { r.d.remove(r.rt) })
}

// Pending returns the number of side-effect tasks queued or running.
func (d *Dispatcher) Pending() int {
	return d.inflight.count()
}
