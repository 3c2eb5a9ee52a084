package engine

import (
	"log/slog"
	"slices"
	"sync/atomic"
)

// ServiceID uniquely identifies a Service within a Dispatcher.
type ServiceID string

// Reducer computes the next state for one action variant and optionally
// returns a SideEffect. Reducers must be deterministic and free of I/O.
type Reducer[S, D any, A Action] func(state S, action A) (S, SideEffect[D])

// Binding ties a reducer to one action kind.
type Binding[S, D any] struct {
	kind    Kind
	accepts func(action Action) bool
	reduce  func(state S, action Action) (S, SideEffect[D], bool)
}

// Kind returns the action kind the binding answers to.
func (b Binding[S, D]) Kind() Kind { return b.kind }

// On binds r to the variant of A. The kind is taken from A's zero value, so
// Kind must not depend on the action's fields.
func On[S, D any, A Action](r func(state S, action A) (S, SideEffect[D])) Binding[S, D] {
	var zero A
	return OnKind(zero.Kind(), r)
}

// OnKind binds r to an explicit kind.
func OnKind[S, D any, A Action](kind Kind, r func(state S, action A) (S, SideEffect[D])) Binding[S, D] {
	return Binding[S, D]{
		kind: kind,
		accepts: func(action Action) bool {
			_, ok := action.(A)
			return ok
		},
		reduce: func(state S, action Action) (S, SideEffect[D], bool) {
			typed, ok := action.(A)
			if !ok {
				return state, nil, false
			}
			next, eff := r(state, typed)
			return next, eff, true
		},
	}
}

// Middleware intercepts actions handled by one Service.
//
// Before runs inside the Store's exclusive section ahead of the reducer.
// Returning a non-nil action abandons the original: no reducer runs, the
// Store does not commit, and the returned action is dispatched in its place.
//
// After runs once per reducer commit with the committed state.
type Middleware[S any] struct {
	Name   string
	Before func(state S, action Action) Action
	After  func(state S, action Action)
}

// Service owns a Store, its reducer bindings and middleware.
type Service[S, D any] struct {
	id         ServiceID
	store      *Store[S]
	deps       D
	bindings   []Binding[S, D]
	middleware []Middleware[S]
	owner      atomic.Pointer[Dispatcher]
}

// NewService creates a Service with initial state and dependencies.
// Bindings are consulted in the order given.
func NewService[S, D any](id ServiceID, initial S, deps D, bindings ...Binding[S, D]) *Service[S, D] {
	return &Service[S, D]{
		id:       id,
		store:    NewStore(initial),
		deps:     deps,
		bindings: bindings,
	}
}

// Use appends middleware. Middleware added after registration takes effect
// on the next registration.
func (s *Service[S, D]) Use(mw ...Middleware[S]) *Service[S, D] {
	s.middleware = append(s.middleware, mw...)
	return s
}

// ID returns the service ID.
func (s *Service[S, D]) ID() ServiceID { return s.id }

// Store returns the Service's Store.
func (s *Service[S, D]) Store() *Store[S] { return s.store }

// Kinds returns the distinct bound kinds in binding order.
func (s *Service[S, D]) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.bindings))
	for _, b := range s.bindings {
		if !slices.Contains(kinds, b.kind) {
			kinds = append(kinds, b.kind)
		}
	}
	return kinds
}

// Registrant is anything a Dispatcher can register. *Service implements it.
type Registrant interface {
	ID() ServiceID
	route() *route
}

// route is the frozen, type-erased view of a Service held by the registry.
type route struct {
	id     ServiceID
	kinds  map[Kind]struct{}
	handle func(action Action, logger *slog.Logger) outcome
	read   func() any
	watch  func(fn func(any)) *WatchToken
	store  any
	owner  *atomic.Pointer[Dispatcher]
}

func (r *route) matches(kind Kind) bool {
	_, ok := r.kinds[kind]
	return ok
}

// outcome is what handling one action produced inside one Service.
type outcome struct {
	reduced    int
	effects    []effect
	substitute Action
}

func (s *Service[S, D]) route() *route {
	bindings := slices.Clone(s.bindings)
	middleware := slices.Clone(s.middleware)
	kinds := make(map[Kind]struct{}, len(bindings))
	for _, b := range bindings {
		kinds[b.kind] = struct{}{}
	}
	return &route{
		id:     s.id,
		kinds:  kinds,
		handle: func(action Action, logger *slog.Logger) outcome {
			return s.handle(bindings, middleware, action, logger)
		},
		read:  func() any { return s.store.Read() },
		watch: func(fn func(any)) *WatchToken {
			return s.store.Watch(func(st S) { fn(st) })
		},
		store: s.store,
		owner: &s.owner,
	}
}

type step[D any] struct {
	effect     SideEffect[D]
	substitute Action
	matched    bool
}

// handle runs every binding for action's kind: pre-hooks and reducer in one
// exclusive section, then post-hooks, collecting effects in binding order.
// Bindings whose action type does not match are skipped before any hook runs.
// The first substitution ends handling.
func (s *Service[S, D]) handle(bindings []Binding[S, D], middleware []Middleware[S], action Action, logger *slog.Logger) outcome {
	var out outcome
	kind := action.Kind()

	for _, b := range bindings {
		if b.kind != kind {
			continue
		}
		if !b.accepts(action) {
			logger.Warn("action type does not match binding",
				"service", s.id,
				kindAttr(action))
			continue
		}

		res, state, _ := transact(s.store, func(st *S) (step[D], bool) {
			for _, mw := range middleware {
				if mw.Before == nil {
					continue
				}
				if sub := mw.Before(*st, action); sub != nil {
					return step[D]{substitute: sub}, false
				}
			}
			next, eff, ok := b.reduce(*st, action)
			if !ok {
				return step[D]{}, false
			}
			*st = next
			return step[D]{effect: eff, matched: true}, true
		})

		if res.substitute != nil {
			logger.Debug("action substituted by middleware",
				"service", s.id,
				kindAttr(action),
				"substitute", string(res.substitute.Kind()))
			out.substitute = res.substitute
			return out
		}
		if !res.matched {
			continue
		}

		out.reduced++
		for _, mw := range middleware {
			if mw.After != nil {
				mw.After(state, action)
			}
		}
		if res.effect != nil {
			out.effects = append(out.effects, bindEffect(s.id, res.effect, s.deps))
		}
	}
	return out
}

