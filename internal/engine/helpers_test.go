package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTimeout = errors.New("Timeout")

type increment struct {
	By int `json:"by"`
}

func (increment) Kind() Kind { return "counter.increment" }
func (increment) ErrorToAction(err error) Action {
	return counterFailed{Reason: err.Error()}
}

type counterFailed struct {
	Reason string `json:"reason"`
}

func (counterFailed) Kind() Kind { return "counter.failed" }
func (counterFailed) ErrorToAction(err error) Action {
	return counterFailed{Reason: err.Error()}
}

type fetch struct {
	URL string `json:"url"`
}

func (fetch) Kind() Kind { return "fetch.start" }
func (fetch) ErrorToAction(err error) Action {
	return fetchFailed{Reason: err.Error()}
}

type fetchFailed struct {
	Reason string `json:"reason"`
}

func (fetchFailed) Kind() Kind { return "fetch.failed" }
func (fetchFailed) ErrorToAction(err error) Action {
	return fetchFailed{Reason: err.Error()}
}

type ping struct{}

func (ping) Kind() Kind                     { return "ping" }
func (ping) ErrorToAction(err error) Action { return NewFault(ping{}, err) }

type pong struct{}

func (pong) Kind() Kind                     { return "pong" }
func (pong) ErrorToAction(err error) Action { return NewFault(pong{}, err) }

type rawInput struct {
	Text string `json:"text"`
}

func (rawInput) Kind() Kind                     { return "input.raw" }
func (rawInput) ErrorToAction(err error) Action { return rejected{} }

type validated struct {
	Text string `json:"text"`
}

func (validated) Kind() Kind                     { return "input.validated" }
func (validated) ErrorToAction(err error) Action { return rejected{} }

type rejected struct{}

func (rejected) Kind() Kind                     { return "input.rejected" }
func (rejected) ErrorToAction(err error) Action { return rejected{} }

// panicky breaks the ErrorToAction contract.
type panicky struct{}

func (panicky) Kind() Kind                 { return "bad.panicky" }
func (panicky) ErrorToAction(error) Action { panic("no conversion") }

// nilConverter breaks the ErrorToAction contract by returning nil.
type nilConverter struct{}

func (nilConverter) Kind() Kind                 { return "bad.nil" }
func (nilConverter) ErrorToAction(error) Action { return nil }

// retry always converts to itself, looping until a bound stops it.
type retry struct {
	ID int `json:"id"`
}

func (retry) Kind() Kind                   { return "retry" }
func (r retry) ErrorToAction(error) Action { return r }

type noDeps struct{}

func counterService(id ServiceID) *Service[int, noDeps] {
	return NewService(id, 0, noDeps{},
		On(func(s int, a increment) (int, SideEffect[noDeps]) {
			return s + a.By, nil
		}),
	)
}

func failing(err error) SideEffect[noDeps] {
	return func(context.Context, Mutator, noDeps) error { return err }
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDispatcher creates a Dispatcher that is closed when the test ends.
func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	d := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func register(t *testing.T, d *Dispatcher, r Registrant) *Registration {
	t.Helper()
	reg, err := d.Register(r)
	require.NoError(t, err)
	return reg
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
}

// collector records observer notifications.
type collector[S any] struct {
	mu     sync.Mutex
	states []S
}

func (c *collector[S]) observe(s S) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
}

func (c *collector[S]) got() []S {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]S, len(c.states))
	copy(out, c.states)
	return out
}
