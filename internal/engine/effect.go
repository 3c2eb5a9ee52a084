package engine

import (
	"context"
	"fmt"
	"runtime/debug"
)

// SideEffect is deferred work returned by a reducer. It runs after the state
// commit that produced it, at most once, on the Dispatcher's worker pool.
// A nil SideEffect means the reducer has nothing to run.
//
// The Mutator lets the effect dispatch follow-up actions in the same flow.
// A returned error is converted into a corrective action through the
// originating action's ErrorToAction.
type SideEffect[D any] func(ctx context.Context, m Mutator, deps D) error

// Mutator submits actions to a Dispatcher.
type Mutator interface {
	Mutate(ctx context.Context, action Action)
}

// PanicError is the failure reported for a side effect that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("side effect panicked: %v", e.Value)
}

// effect is a collected SideEffect with its dependencies already bound.
type effect struct {
	service ServiceID
	run     func(ctx context.Context, m Mutator) error
}

func bindEffect[D any](service ServiceID, se SideEffect[D], deps D) effect {
	return effect{
		service: service,
		run: func(ctx context.Context, m Mutator) error {
			return se(ctx, m, deps)
		},
	}
}

// call runs the effect, turning a panic into a *PanicError.
func (e effect) call(ctx context.Context, m Mutator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return e.run(ctx, m)
}
