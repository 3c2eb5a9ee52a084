package demo

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/roach88/statekit/internal/engine"
)

// NoDeps is the dependency type of services without effects.
type NoDeps struct{}

// NewCounter returns a Service holding an integer counter.
func NewCounter(id engine.ServiceID) *engine.Service[int, NoDeps] {
	return engine.NewService(id, 0, NoDeps{},
		engine.On(func(s int, a Increment) (int, engine.SideEffect[NoDeps]) {
			return s + a.By, nil
		}),
		engine.On(func(int, Reset) (int, engine.SideEffect[NoDeps]) {
			return 0, nil
		}),
	)
}

// Fetcher loads a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (string, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (string, error) { return f(ctx, url) }

// StubFetcher answers without I/O: timeout:// URLs fail with ErrTimeout,
// error://<text> URLs fail with <text>, anything else returns the URL as body.
type StubFetcher struct{}

func (StubFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(url, "timeout://"):
		return "", ErrTimeout
	case strings.HasPrefix(url, "error://"):
		return "", fmt.Errorf("%s", strings.TrimPrefix(url, "error://"))
	default:
		return "body of " + url, nil
	}
}

// FetchState is the state of a fetch service.
type FetchState struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewFetch returns a Service that loads URLs through f. A failed load
// surfaces as FetchFailed through Fetch.ErrorToAction.
func NewFetch(id engine.ServiceID, f Fetcher) *engine.Service[FetchState, Fetcher] {
	return engine.NewService(id, FetchState{Status: "idle"}, f,
		engine.On(func(_ FetchState, a Fetch) (FetchState, engine.SideEffect[Fetcher]) {
			return FetchState{Status: "loading", URL: a.URL}, func(ctx context.Context, m engine.Mutator, f Fetcher) error {
				body, err := f.Fetch(ctx, a.URL)
				if err != nil {
					return err
				}
				m.Mutate(ctx, FetchSucceeded{URL: a.URL, Body: body})
				return nil
			}
		}),
		engine.On(func(_ FetchState, a FetchSucceeded) (FetchState, engine.SideEffect[Fetcher]) {
			return FetchState{Status: "loaded", URL: a.URL, Body: a.Body}, nil
		}),
		engine.On(func(_ FetchState, a FetchFailed) (FetchState, engine.SideEffect[Fetcher]) {
			return FetchState{Status: "error", URL: a.URL, Error: a.Reason}, nil
		}),
	)
}

// HookCounter counts middleware invocations.
type HookCounter struct {
	before atomic.Int64
	after  atomic.Int64
}

// Before returns the number of pre-hook calls.
func (c *HookCounter) Before() int64 { return c.before.Load() }

// After returns the number of post-hook calls.
func (c *HookCounter) After() int64 { return c.after.Load() }

// Counting returns middleware that only counts its invocations.
func Counting[S any](c *HookCounter) engine.Middleware[S] {
	return engine.Middleware[S]{
		Name: "counting",
		Before: func(S, engine.Action) engine.Action {
			c.before.Add(1)
			return nil
		},
		After: func(S, engine.Action) {
			c.after.Add(1)
		},
	}
}

// NewPing returns a Service counting Ping actions.
func NewPing(id engine.ServiceID) *engine.Service[int, NoDeps] {
	return engine.NewService(id, 0, NoDeps{},
		engine.On(func(s int, _ Ping) (int, engine.SideEffect[NoDeps]) { return s + 1, nil }),
	)
}

// NewPong returns a Service counting Pong actions.
func NewPong(id engine.ServiceID) *engine.Service[int, NoDeps] {
	return engine.NewService(id, 0, NoDeps{},
		engine.On(func(s int, _ Pong) (int, engine.SideEffect[NoDeps]) { return s + 1, nil }),
	)
}

// FormState is the state of the validation service.
type FormState struct {
	Last       engine.Kind `json:"last"`
	Text       string      `json:"text"`
	Reason     string      `json:"reason,omitempty"`
	RawReduced int         `json:"raw_reduced"`
}

// Validate is a pre-hook replacing RawInput with Validated, or with
// Rejected when the text is blank.
func Validate() engine.Middleware[FormState] {
	return engine.Middleware[FormState]{
		Name: "validate",
		Before: func(_ FormState, a engine.Action) engine.Action {
			raw, ok := a.(RawInput)
			if !ok {
				return nil
			}
			if strings.TrimSpace(raw.Text) == "" {
				return Rejected{Reason: "empty input"}
			}
			return Validated(raw)
		},
	}
}

// NewForm returns the validation Service. Its RawInput reducer is only
// reachable when the Validate middleware is not installed.
func NewForm(id engine.ServiceID) *engine.Service[FormState, NoDeps] {
	return engine.NewService(id, FormState{}, NoDeps{},
		engine.On(func(s FormState, a RawInput) (FormState, engine.SideEffect[NoDeps]) {
			s.RawReduced++
			s.Last = a.Kind()
			s.Text = a.Text
			return s, nil
		}),
		engine.On(func(s FormState, a Validated) (FormState, engine.SideEffect[NoDeps]) {
			return FormState{Last: a.Kind(), Text: a.Text, RawReduced: s.RawReduced}, nil
		}),
		engine.On(func(s FormState, a Rejected) (FormState, engine.SideEffect[NoDeps]) {
			return FormState{Last: a.Kind(), Reason: a.Reason, RawReduced: s.RawReduced}, nil
		}),
	).Use(Validate())
}
