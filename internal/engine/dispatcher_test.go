package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario: counter reduces Increment(5) then Increment(3).
func TestDispatcher_CounterScenario(t *testing.T) {
	d := newTestDispatcher(t)
	svc := counterService("counter")
	register(t, d, svc)

	var got collector[int]
	tok, err := Watch(d, "counter", got.observe)
	require.NoError(t, err)
	defer tok.Release()

	d.Mutate(context.Background(), increment{By: 5})
	d.Mutate(context.Background(), increment{By: 3})

	assert.Equal(t, 8, svc.Store().Read())
	assert.Equal(t, []int{5, 8}, got.got())
	assert.Equal(t, 0, d.Pending(), "no side effects were produced")
}

// Scenario: a failing fetch reaches the error state through ErrorToAction.
func TestDispatcher_FetchFailureScenario(t *testing.T) {
	rec := NewMemoryRecorder()
	d := newTestDispatcher(t, WithRecorder(rec))

	svc := NewService("fetcher", "idle", noDeps{},
		On(func(_ string, _ fetch) (string, SideEffect[noDeps]) {
			return "loading", failing(errTimeout)
		}),
		On(func(_ string, _ fetchFailed) (string, SideEffect[noDeps]) {
			return "error", nil
		}),
	)
	register(t, d, svc)

	done := make(chan struct{})
	tok, err := Watch(d, "fetcher", func(s string) {
		if s == "error" {
			close(done)
		}
	})
	require.NoError(t, err)
	defer tok.Release()

	d.Mutate(context.Background(), fetch{URL: "https://example.test"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("state never reached error")
	}
	assert.Equal(t, "error", svc.Store().Read())

	drain(t, d)
	dispatches := rec.Dispatches()
	require.Len(t, dispatches, 2)
	assert.Equal(t, Kind("fetch.failed"), dispatches[1].Kind)
	assert.Equal(t, CauseRecover, dispatches[1].Cause)
	assert.Equal(t, 1, dispatches[1].Depth)
	assert.Equal(t, map[string]any{"reason": "Timeout"}, dispatches[1].Fields)

	effects := rec.Effects()
	require.Len(t, effects, 1)
	assert.Equal(t, OutcomeFailed, effects[0].Outcome)
	assert.Equal(t, "Timeout", effects[0].Error)
	assert.Equal(t, Kind("fetch.failed"), effects[0].Corrective)
}

// Scenario: a Service bound to Pong never sees Ping.
func TestDispatcher_ExactRoutingScenario(t *testing.T) {
	d := newTestDispatcher(t)

	var bPost, bPre atomic.Int32
	a := NewService("a", 0, noDeps{},
		On(func(s int, _ ping) (int, SideEffect[noDeps]) { return s + 1, nil }),
	)
	b := NewService("b", 0, noDeps{},
		On(func(s int, _ pong) (int, SideEffect[noDeps]) { return s + 1, nil }),
	).Use(Middleware[int]{
		Name:   "count",
		Before: func(int, Action) Action { bPre.Add(1); return nil },
		After:  func(int, Action) { bPost.Add(1) },
	})
	register(t, d, a)
	register(t, d, b)

	var bNotified atomic.Int32
	b.Store().Watch(func(int) { bNotified.Add(1) })

	d.Mutate(context.Background(), ping{})

	assert.Equal(t, 1, a.Store().Read())
	assert.Equal(t, 0, b.Store().Read())
	assert.Zero(t, bPre.Load())
	assert.Zero(t, bPost.Load())
	assert.Zero(t, bNotified.Load())
}

// Scenario: a pre-hook validates raw input before any reducer sees it.
func TestDispatcher_MiddlewareShortCircuitScenario(t *testing.T) {
	type form struct {
		Last    Kind
		Text    string
		RawSeen int
	}

	newForm := func() *Service[form, noDeps] {
		return NewService("form", form{}, noDeps{},
			On(func(s form, _ rawInput) (form, SideEffect[noDeps]) {
				s.RawSeen++
				return s, nil
			}),
			On(func(s form, a validated) (form, SideEffect[noDeps]) {
				return form{Last: a.Kind(), Text: a.Text, RawSeen: s.RawSeen}, nil
			}),
			On(func(s form, a rejected) (form, SideEffect[noDeps]) {
				return form{Last: a.Kind(), RawSeen: s.RawSeen}, nil
			}),
		).Use(Middleware[form]{
			Name: "validate",
			Before: func(_ form, a Action) Action {
				raw, ok := a.(rawInput)
				if !ok {
					return nil
				}
				if raw.Text == "" {
					return rejected{}
				}
				return validated(raw)
			},
		})
	}

	tests := []struct {
		name     string
		input    string
		wantKind Kind
		wantText string
	}{
		{"empty input is rejected", "", "input.rejected", ""},
		{"non-empty input is validated", "x", "input.validated", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewMemoryRecorder()
			d := newTestDispatcher(t, WithRecorder(rec))
			svc := newForm()
			register(t, d, svc)

			d.Mutate(context.Background(), rawInput{Text: tt.input})

			st := svc.Store().Read()
			assert.Equal(t, tt.wantKind, st.Last)
			assert.Equal(t, tt.wantText, st.Text)
			assert.Zero(t, st.RawSeen, "the raw input reducer never runs")

			dispatches := rec.Dispatches()
			require.Len(t, dispatches, 2)
			assert.Equal(t, Kind("input.raw"), dispatches[0].Kind)
			assert.Equal(t, tt.wantKind, dispatches[1].Kind)
			assert.Equal(t, CauseSubstitute, dispatches[1].Cause)
			assert.Equal(t, dispatches[0].ID, dispatches[1].ParentID)
			assert.Equal(t, dispatches[0].FlowToken, dispatches[1].FlowToken)
		})
	}
}

func TestDispatcher_ConcurrentMutateIsAtomic(t *testing.T) {
	d := newTestDispatcher(t)
	svc := counterService("counter")
	register(t, d, svc)

	const goroutines = 50
	const perGoroutine = 40
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				d.Mutate(context.Background(), increment{By: 1})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*perGoroutine, svc.Store().Read())
}

func TestDispatcher_RegistrationOrderIsReducingOrder(t *testing.T) {
	d := newTestDispatcher(t)
	var mu sync.Mutex
	var order []ServiceID
	for _, id := range []ServiceID{"first", "second", "third"} {
		register(t, d, NewService(id, 0, noDeps{},
			On(func(s int, _ ping) (int, SideEffect[noDeps]) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				return s, nil
			}),
		))
	}

	d.Mutate(context.Background(), ping{})

	assert.Equal(t, []ServiceID{"first", "second", "third"}, order)
	assert.Equal(t, []ServiceID{"first", "second", "third"}, d.Services())
}

func TestDispatcher_Unregister(t *testing.T) {
	d := newTestDispatcher(t)
	svc := counterService("counter")
	register(t, d, svc)

	d.Mutate(context.Background(), increment{By: 1})
	require.True(t, d.Unregister("counter"))
	d.Mutate(context.Background(), increment{By: 1})

	assert.Equal(t, 1, svc.Store().Read(), "unregistered Service receives nothing")
	assert.False(t, d.Unregister("counter"))
	assert.Empty(t, d.Services())
}

func TestDispatcher_ReleasedServiceIgnoresItsInFlightEffect(t *testing.T) {
	d := newTestDispatcher(t)

	var before, after atomic.Int64
	started := make(chan struct{})
	unblock := make(chan struct{})
	svc := NewService("counter", 0, noDeps{},
		On(func(s int, a increment) (int, SideEffect[noDeps]) {
			if a.By != 1 {
				return s + a.By, nil
			}
			return s + a.By, func(ctx context.Context, m Mutator, _ noDeps) error {
				close(started)
				<-unblock
				m.Mutate(ctx, increment{By: 5})
				return errTimeout
			}
		}),
		On(func(s int, _ counterFailed) (int, SideEffect[noDeps]) {
			return s + 100, nil
		}),
	).Use(Middleware[int]{
		Name: "count",
		Before: func(int, Action) Action {
			before.Add(1)
			return nil
		},
		After: func(int, Action) { after.Add(1) },
	})
	reg := register(t, d, svc)

	d.Mutate(context.Background(), increment{By: 1})
	<-started
	reg.Release()
	close(unblock)
	drain(t, d)

	assert.Equal(t, 1, svc.Store().Read(), "neither the effect dispatch nor the corrective action reaches a released Service")
	assert.Equal(t, int64(1), before.Load())
	assert.Equal(t, int64(1), after.Load())
	assert.Empty(t, d.Services())
}

func TestRegistration_Release(t *testing.T) {
	d := newTestDispatcher(t)
	svc := counterService("counter")
	reg := register(t, d, svc)
	assert.Equal(t, ServiceID("counter"), reg.ID())

	reg.Release()
	reg.Release()
	d.Mutate(context.Background(), increment{By: 1})
	assert.Equal(t, 0, svc.Store().Read())

	// The Service is free to register again, and a stale handle cannot
	// remove the new registration.
	register(t, d, svc)
	reg.Release()
	d.Mutate(context.Background(), increment{By: 1})
	assert.Equal(t, 1, svc.Store().Read())
}

func TestDispatcher_RegisterErrors(t *testing.T) {
	d := newTestDispatcher(t)
	svc := counterService("counter")
	register(t, d, svc)

	_, err := d.Register(svc)
	assert.ErrorIs(t, err, ErrDuplicateService)

	_, err = d.Register(counterService("counter"))
	assert.ErrorIs(t, err, ErrDuplicateService)

	other := newTestDispatcher(t)
	_, err = other.Register(svc)
	assert.ErrorIs(t, err, ErrServiceInUse)

	d.Unregister("counter")
	_, err = other.Register(svc)
	assert.NoError(t, err, "an unregistered Service can move to another Dispatcher")
}

func TestDispatcher_UnregisterDuringDispatchIsAtomic(t *testing.T) {
	d := newTestDispatcher(t)
	svc := counterService("counter")
	register(t, d, svc)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 1000 {
			d.Mutate(context.Background(), increment{By: 1})
		}
	}()
	var afterRemoval int
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		d.Unregister("counter")
		afterRemoval = svc.Store().Read()
	}()
	wg.Wait()

	// Once Unregister returns, at most the actions already routed can
	// still commit; nothing routed afterwards reaches the Service.
	final := svc.Store().Read()
	assert.LessOrEqual(t, final-afterRemoval, 1)
	assert.LessOrEqual(t, final, 1000)
}

func TestWatch_Errors(t *testing.T) {
	d := newTestDispatcher(t)
	register(t, d, counterService("counter"))

	_, err := Watch(d, "missing", func(int) {})
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = Watch(d, "counter", func(string) {})
	assert.ErrorIs(t, err, ErrStateType)
}

func TestDispatcher_State(t *testing.T) {
	d := newTestDispatcher(t)
	register(t, d, counterService("counter"))
	d.Mutate(context.Background(), increment{By: 4})

	st, err := d.State("counter")
	require.NoError(t, err)
	assert.Equal(t, 4, st)

	_, err = d.State("missing")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestDispatcher_EveryFailureProducesOneCorrectiveAction(t *testing.T) {
	rec := NewMemoryRecorder()
	d := newTestDispatcher(t, WithRecorder(rec), WithWorkers(4))

	var failures atomic.Int32
	svc := NewService("counter", 0, noDeps{},
		On(func(s int, a increment) (int, SideEffect[noDeps]) {
			return s + a.By, failing(errTimeout)
		}),
		On(func(s int, _ counterFailed) (int, SideEffect[noDeps]) {
			failures.Add(1)
			return s, nil
		}),
	)
	register(t, d, svc)

	const n = 100
	for range n {
		d.Mutate(context.Background(), increment{By: 1})
	}
	drain(t, d)

	assert.Equal(t, int32(n), failures.Load())
	assert.Equal(t, n, svc.Store().Read())
}

func TestDispatcher_EffectsRunInCollectionOrderAndFailuresDoNotBlock(t *testing.T) {
	d := newTestDispatcher(t)
	var mu sync.Mutex
	var ran []string
	step := func(name string, err error) SideEffect[noDeps] {
		return func(context.Context, Mutator, noDeps) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return err
		}
	}

	a := NewService("a", 0, noDeps{},
		On(func(s int, _ ping) (int, SideEffect[noDeps]) { return s, step("a1", errTimeout) }),
		On(func(s int, _ ping) (int, SideEffect[noDeps]) { return s, step("a2", nil) }),
	)
	b := NewService("b", 0, noDeps{},
		On(func(s int, _ ping) (int, SideEffect[noDeps]) { return s, step("b1", nil) }),
	)
	register(t, d, a)
	register(t, d, b)

	d.Mutate(context.Background(), ping{})
	drain(t, d)

	assert.Equal(t, []string{"a1", "a2", "b1"}, ran)
}

func TestDispatcher_MutateDoesNotWaitForEffects(t *testing.T) {
	d := newTestDispatcher(t)
	release := make(chan struct{})
	svc := NewService("slow", 0, noDeps{},
		On(func(s int, _ ping) (int, SideEffect[noDeps]) {
			return s + 1, func(ctx context.Context, _ Mutator, _ noDeps) error {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil
			}
		}),
	)
	register(t, d, svc)

	returned := make(chan struct{})
	go func() {
		d.Mutate(context.Background(), ping{})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Mutate blocked on a side effect")
	}
	assert.Equal(t, 1, svc.Store().Read(), "state is committed before Mutate returns")
	assert.Equal(t, 1, d.Pending())

	close(release)
	drain(t, d)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_EffectReceivesDeps(t *testing.T) {
	type deps struct{ Base string }
	got := make(chan string, 1)
	d := newTestDispatcher(t)
	register(t, d, NewService("deps", 0, deps{Base: "https://api.test"},
		On(func(s int, _ ping) (int, SideEffect[deps]) {
			return s, func(_ context.Context, _ Mutator, dp deps) error {
				got <- dp.Base
				return nil
			}
		}),
	))

	d.Mutate(context.Background(), ping{})
	drain(t, d)
	assert.Equal(t, "https://api.test", <-got)
}

func TestDispatcher_PanickingEffectIsAFailure(t *testing.T) {
	rec := NewMemoryRecorder()
	d := newTestDispatcher(t, WithRecorder(rec))
	svc := NewService("counter", 0, noDeps{},
		On(func(s int, _ increment) (int, SideEffect[noDeps]) {
			return s, func(context.Context, Mutator, noDeps) error { panic("kaboom") }
		}),
		On(func(s int, _ counterFailed) (int, SideEffect[noDeps]) { return -1, nil }),
	)
	register(t, d, svc)

	d.Mutate(context.Background(), increment{By: 1})
	drain(t, d)

	assert.Equal(t, -1, svc.Store().Read())
	effects := rec.Effects()
	require.Len(t, effects, 1)
	assert.Equal(t, "side effect panicked: kaboom", effects[0].Error)
}

func TestDispatcher_ConversionViolationFallsBackToFault(t *testing.T) {
	tests := []struct {
		name   string
		action Action
	}{
		{"ErrorToAction panics", panicky{}},
		{"ErrorToAction returns nil", nilConverter{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t)
			faults := make(chan Fault, 1)
			register(t, d, NewService("bad", 0, noDeps{},
				OnKind(tt.action.Kind(), func(s int, _ Action) (int, SideEffect[noDeps]) {
					return s, failing(errTimeout)
				}),
				On(func(s int, f Fault) (int, SideEffect[noDeps]) {
					faults <- f
					return s, nil
				}),
			))

			d.Mutate(context.Background(), tt.action)
			drain(t, d)

			select {
			case f := <-faults:
				assert.Equal(t, Fault{Origin: tt.action.Kind(), Err: "Timeout"}, f)
			default:
				t.Fatal("no fallback fault was dispatched")
			}
		})
	}
}

func TestDispatcher_WithFallback(t *testing.T) {
	d := newTestDispatcher(t, WithFallback(func(origin Action, err error) Action {
		return counterFailed{Reason: "fallback: " + err.Error()}
	}))
	got := make(chan string, 1)
	register(t, d, NewService("bad", 0, noDeps{},
		On(func(s int, _ nilConverter) (int, SideEffect[noDeps]) { return s, failing(errTimeout) }),
		On(func(s int, a counterFailed) (int, SideEffect[noDeps]) {
			got <- a.Reason
			return s, nil
		}),
	))

	d.Mutate(context.Background(), nilConverter{})
	drain(t, d)
	assert.Equal(t, "fallback: Timeout", <-got)
}

func TestDispatcher_NoMatchingServiceIsSilent(t *testing.T) {
	rec := NewMemoryRecorder()
	d := newTestDispatcher(t, WithRecorder(rec))
	svc := counterService("counter")
	register(t, d, svc)

	d.Mutate(context.Background(), ping{})
	d.Mutate(context.Background(), nil)

	assert.Equal(t, 0, svc.Store().Read())
	dispatches := rec.Dispatches()
	require.Len(t, dispatches, 1)
	assert.Empty(t, dispatches[0].Services)
}

func TestDispatcher_CloseRejectsNewWork(t *testing.T) {
	d := New(WithLogger(quietLogger()))
	svc := counterService("counter")
	_, err := d.Register(svc)
	require.NoError(t, err)

	require.NoError(t, d.Close(context.Background()))
	assert.NoError(t, d.Close(context.Background()), "Close is idempotent")

	d.Mutate(context.Background(), increment{By: 1})
	assert.Equal(t, 0, svc.Store().Read())

	_, err = d.Register(counterService("other"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcher_CloseDrainsQueuedEffects(t *testing.T) {
	d := New(WithLogger(quietLogger()), WithWorkers(1))
	var ran atomic.Int32
	_, err := d.Register(NewService("svc", 0, noDeps{},
		On(func(s int, _ ping) (int, SideEffect[noDeps]) {
			return s, func(context.Context, Mutator, noDeps) error {
				time.Sleep(time.Millisecond)
				ran.Add(1)
				return nil
			}
		}),
	))
	require.NoError(t, err)

	for range 20 {
		d.Mutate(context.Background(), ping{})
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(20), ran.Load())
}

func TestDispatcher_CloseTimeoutCancelsEffects(t *testing.T) {
	d := New(WithLogger(quietLogger()))
	cancelled := make(chan error, 1)
	_, err := d.Register(NewService("svc", 0, noDeps{},
		On(func(s int, _ ping) (int, SideEffect[noDeps]) {
			return s, func(ctx context.Context, _ Mutator, _ noDeps) error {
				<-ctx.Done()
				cancelled <- ctx.Err()
				return ctx.Err()
			}
		}),
	))
	require.NoError(t, err)
	d.Mutate(context.Background(), ping{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = d.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	select {
	case got := <-cancelled:
		assert.ErrorIs(t, got, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("effect context was not cancelled")
	}
}

func TestDispatcher_DrainHonoursContext(t *testing.T) {
	d := newTestDispatcher(t)
	block := make(chan struct{})
	defer close(block)
	register(t, d, NewService("svc", 0, noDeps{},
		On(func(s int, _ ping) (int, SideEffect[noDeps]) {
			return s, func(context.Context, Mutator, noDeps) error {
				<-block
				return nil
			}
		}),
	))
	d.Mutate(context.Background(), ping{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Drain(ctx), context.DeadlineExceeded)
}

func TestDispatcher_WithoutWorkersEffectsRunInDrain(t *testing.T) {
	rec := NewMemoryRecorder()
	d := newTestDispatcher(t, WithWorkers(0), WithRecorder(rec))

	var ran atomic.Int32
	svc := NewService("fetcher", "idle", noDeps{},
		On(func(_ string, _ fetch) (string, SideEffect[noDeps]) {
			return "loading", func(context.Context, Mutator, noDeps) error {
				ran.Add(1)
				return errTimeout
			}
		}),
		On(func(_ string, _ fetchFailed) (string, SideEffect[noDeps]) {
			return "error", nil
		}),
	)
	register(t, d, svc)

	d.Mutate(context.Background(), fetch{})
	assert.Equal(t, "loading", svc.Store().Read())
	assert.Zero(t, ran.Load(), "nothing runs before Drain")
	assert.Equal(t, 1, d.Pending())

	drain(t, d)

	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, "error", svc.Store().Read())
	assert.Equal(t, []Kind{"fetch.start", "fetch.failed"}, rec.Kinds())
}

func TestDispatcher_WatchState(t *testing.T) {
	d := newTestDispatcher(t)
	register(t, d, counterService("counter"))

	var got collector[any]
	tok, err := d.WatchState("counter", got.observe)
	require.NoError(t, err)

	d.Mutate(context.Background(), increment{By: 2})
	tok.Release()
	d.Mutate(context.Background(), increment{By: 2})

	assert.Equal(t, []any{2}, got.got())

	_, err = d.WatchState("missing", func(any) {})
	assert.ErrorIs(t, err, ErrUnknownService)
}
