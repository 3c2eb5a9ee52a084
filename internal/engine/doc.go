// Package engine implements the statekit dispatch runtime.
//
// A Dispatcher routes Actions to registered Services. Each Service owns one
// Store and binds Reducers to exact action kinds. A Reducer computes the next
// state and may return a SideEffect, which runs on the Dispatcher's worker
// pool after the state commit. When a SideEffect fails, the originating
// action's ErrorToAction converts the failure into a corrective action that
// is dispatched like any other.
//
// ARCHITECTURE:
//
// Dispatch pipeline, per action:
//  1. Routing: snapshot the Services bound to the action's kind under the
//     registry read lock
//  2. Reducing: for each matched Service in registration order, run
//     middleware pre-hooks and the reducer inside the Store's exclusive
//     section, then post-hooks
//  3. CollectingEffects: gather SideEffects in registration and binding order
//  4. ExecutingEffects: enqueue one task per dispatch; a worker runs the
//     effects in order, detached from the Mutate caller
//  5. ErrorTransform: a failed effect becomes origin.ErrorToAction(err),
//     dispatched one level deeper in the same flow
//
// Locking:
//   - The registry has its own RWMutex, never held while reducing
//   - Each Store has its own mutex; unrelated Stores never contend
//   - Observer notification runs outside the Store mutex, in commit order
//
// Flows:
// Every root Mutate opens a flow identified by a UUIDv7 token. Work caused by
// that dispatch (substitutions, effect dispatches, corrective actions)
// inherits the flow through the context. Substitutions and corrective
// actions in a flow are bounded by MaxSteps and corrective chains are bounded
// by MaxDepth, so a pathological ErrorToAction or middleware cannot recurse
// forever. Effect dispatches are not counted.
package engine
