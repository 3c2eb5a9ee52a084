package demo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/roach88/statekit/internal/engine"
)

// Service IDs installed by the catalogs.
const (
	CounterID engine.ServiceID = "counter"
	FetchID   engine.ServiceID = "fetch"
	PingID    engine.ServiceID = "ping"
	PongID    engine.ServiceID = "pong"
	FormID    engine.ServiceID = "form"
)

// ErrUnknownKind is returned by Decode for kinds no catalog declares.
var ErrUnknownKind = errors.New("unknown action kind")

// ErrUnknownCatalog is returned by Lookup for unregistered catalog names.
var ErrUnknownCatalog = errors.New("unknown catalog")

var decoders = map[engine.Kind]func() engine.Action{
	Increment{}.Kind():      func() engine.Action { return &Increment{} },
	Reset{}.Kind():          func() engine.Action { return &Reset{} },
	CounterFailed{}.Kind():  func() engine.Action { return &CounterFailed{} },
	Fetch{}.Kind():          func() engine.Action { return &Fetch{} },
	FetchSucceeded{}.Kind(): func() engine.Action { return &FetchSucceeded{} },
	FetchFailed{}.Kind():    func() engine.Action { return &FetchFailed{} },
	Ping{}.Kind():           func() engine.Action { return &Ping{} },
	Pong{}.Kind():           func() engine.Action { return &Pong{} },
	RawInput{}.Kind():       func() engine.Action { return &RawInput{} },
	Validated{}.Kind():      func() engine.Action { return &Validated{} },
	Rejected{}.Kind():       func() engine.Action { return &Rejected{} },
}

// Kinds returns every action kind Decode accepts, sorted.
func Kinds() []engine.Kind {
	kinds := make([]engine.Kind, 0, len(decoders))
	for k := range decoders {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Decode builds the action named by kind from a loosely typed argument map,
// as read from a scenario file. Unknown argument names are rejected.
func Decode(kind engine.Kind, args map[string]any) (engine.Action, error) {
	mk, ok := decoders[kind]
	if !ok {
		names := make([]string, 0, len(decoders))
		for k := range decoders {
			names = append(names, string(k))
		}
		if s := suggest(string(kind), names); s != "" {
			return nil, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownKind, kind, s)
		}
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}

	ptr := mk()
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return deref(ptr), nil
}

// deref returns the value behind a decoder's pointer so reducers bound
// with On see the value type.
func deref(a engine.Action) engine.Action {
	switch v := a.(type) {
	case *Increment:
		return *v
	case *Reset:
		return *v
	case *CounterFailed:
		return *v
	case *Fetch:
		return *v
	case *FetchSucceeded:
		return *v
	case *FetchFailed:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *RawInput:
		return *v
	case *Validated:
		return *v
	case *Rejected:
		return *v
	}
	return a
}

// Catalog is a named bundle of services a scenario can run against.
type Catalog struct {
	Name        string
	Description string
	install     func(*Installation) []engine.Registrant
}

// Installation is a Catalog registered with a Dispatcher.
type Installation struct {
	// Hooks holds the middleware counters keyed by service ID.
	Hooks         map[engine.ServiceID]*HookCounter
	registrations []*engine.Registration
}

// Services returns the installed service IDs in registration order.
func (in *Installation) Services() []engine.ServiceID {
	ids := make([]engine.ServiceID, len(in.registrations))
	for i, r := range in.registrations {
		ids[i] = r.ID()
	}
	return ids
}

// Release unregisters every installed service.
func (in *Installation) Release() {
	for _, r := range in.registrations {
		r.Release()
	}
}

// Install registers fresh instances of the catalog's services with d.
// On error the services registered so far are released.
func (c Catalog) Install(d *engine.Dispatcher) (*Installation, error) {
	in := &Installation{Hooks: map[engine.ServiceID]*HookCounter{}}
	for _, svc := range c.install(in) {
		reg, err := d.Register(svc)
		if err != nil {
			in.Release()
			return nil, fmt.Errorf("install %s: %w", c.Name, err)
		}
		in.registrations = append(in.registrations, reg)
	}
	return in, nil
}

func counterServices(*Installation) []engine.Registrant {
	return []engine.Registrant{NewCounter(CounterID)}
}

func fetchServices(*Installation) []engine.Registrant {
	return []engine.Registrant{NewFetch(FetchID, StubFetcher{})}
}

func pingPongServices(in *Installation) []engine.Registrant {
	hooks := &HookCounter{}
	in.Hooks[PongID] = hooks
	return []engine.Registrant{
		NewPing(PingID),
		NewPong(PongID).Use(Counting[int](hooks)),
	}
}

func formServices(*Installation) []engine.Registrant {
	return []engine.Registrant{NewForm(FormID)}
}

var catalogs = map[string]Catalog{
	"counter": {
		Name:        "counter",
		Description: "single integer counter",
		install:     counterServices,
	},
	"fetch": {
		Name:        "fetch",
		Description: "fetch service with a stub fetcher; timeout:// URLs fail",
		install:     fetchServices,
	},
	"pingpong": {
		Name:        "pingpong",
		Description: "ping and pong services; pong carries a counting middleware",
		install:     pingPongServices,
	},
	"validation": {
		Name:        "validation",
		Description: "form service whose pre-hook validates raw input",
		install:     formServices,
	},
	"all": {
		Name:        "all",
		Description: "every demo service",
		install: func(in *Installation) []engine.Registrant {
			var out []engine.Registrant
			out = append(out, counterServices(in)...)
			out = append(out, fetchServices(in)...)
			out = append(out, pingPongServices(in)...)
			out = append(out, formServices(in)...)
			return out
		},
	},
}

// Lookup returns the catalog registered under name.
func Lookup(name string) (Catalog, error) {
	if c, ok := catalogs[name]; ok {
		return c, nil
	}
	if s := suggest(name, Names()); s != "" {
		return Catalog{}, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownCatalog, name, s)
	}
	return Catalog{}, fmt.Errorf("%w %q", ErrUnknownCatalog, name)
}

// Names returns the registered catalog names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalogs))
	for n := range catalogs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// suggest returns the candidate closest to name, or "" when nothing is
// within a third of name's length.
func suggest(name string, candidates []string) string {
	best, bestDist := "", -1
	sorted := slices.Clone(candidates)
	sort.Strings(sorted)
	for _, c := range sorted {
		d := levenshtein.ComputeDistance(name, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	limit := max(len(name)/3, 2)
	if bestDist < 0 || bestDist > limit {
		return ""
	}
	return best
}
