package demo

import (
	"errors"

	"github.com/roach88/statekit/internal/engine"
)

// ErrTimeout is the failure the stub fetcher reports for timeout:// URLs.
var ErrTimeout = errors.New("Timeout")

// Increment adds By to a counter.
type Increment struct {
	By int `json:"by"`
}

func (Increment) Kind() engine.Kind { return "counter.increment" }

func (Increment) ErrorToAction(err error) engine.Action {
	return CounterFailed{Reason: err.Error()}
}

// Reset sets a counter back to zero.
type Reset struct{}

func (Reset) Kind() engine.Kind { return "counter.reset" }

func (Reset) ErrorToAction(err error) engine.Action {
	return CounterFailed{Reason: err.Error()}
}

// CounterFailed reports a failed counter effect.
type CounterFailed struct {
	Reason string `json:"reason"`
}

func (CounterFailed) Kind() engine.Kind { return "counter.failed" }

func (f CounterFailed) ErrorToAction(err error) engine.Action {
	return CounterFailed{Reason: err.Error()}
}

// Fetch requests URL through the Fetcher dependency.
type Fetch struct {
	URL string `json:"url"`
}

func (Fetch) Kind() engine.Kind { return "fetch.start" }

func (f Fetch) ErrorToAction(err error) engine.Action {
	return FetchFailed{URL: f.URL, Reason: err.Error()}
}

// FetchSucceeded carries a fetched body.
type FetchSucceeded struct {
	URL  string `json:"url"`
	Body string `json:"body"`
}

func (FetchSucceeded) Kind() engine.Kind { return "fetch.succeeded" }

func (f FetchSucceeded) ErrorToAction(err error) engine.Action {
	return FetchFailed{URL: f.URL, Reason: err.Error()}
}

// FetchFailed reports a failed fetch.
type FetchFailed struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

func (FetchFailed) Kind() engine.Kind { return "fetch.failed" }

func (f FetchFailed) ErrorToAction(err error) engine.Action {
	return FetchFailed{URL: f.URL, Reason: err.Error()}
}

// Ping is handled by the ping service only.
type Ping struct{}

func (Ping) Kind() engine.Kind { return "ping" }

func (p Ping) ErrorToAction(err error) engine.Action { return engine.NewFault(p, err) }

// Pong is handled by the pong service only.
type Pong struct{}

func (Pong) Kind() engine.Kind { return "pong" }

func (p Pong) ErrorToAction(err error) engine.Action { return engine.NewFault(p, err) }

// RawInput is unvalidated form input. The validation middleware replaces it
// before any reducer sees it.
type RawInput struct {
	Text string `json:"text"`
}

func (RawInput) Kind() engine.Kind { return "input.raw" }

func (RawInput) ErrorToAction(err error) engine.Action {
	return Rejected{Reason: err.Error()}
}

// Validated is input that passed validation.
type Validated struct {
	Text string `json:"text"`
}

func (Validated) Kind() engine.Kind { return "input.validated" }

func (Validated) ErrorToAction(err error) engine.Action {
	return Rejected{Reason: err.Error()}
}

// Rejected is input that failed validation.
type Rejected struct {
	Reason string `json:"reason"`
}

func (Rejected) Kind() engine.Kind { return "input.rejected" }

func (r Rejected) ErrorToAction(err error) engine.Action {
	return Rejected{Reason: err.Error()}
}
