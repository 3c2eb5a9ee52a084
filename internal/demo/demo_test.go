package demo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekit/internal/engine"
)

func newDispatcher(t *testing.T, opts ...engine.Option) *engine.Dispatcher {
	t.Helper()
	opts = append([]engine.Option{
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithWorkers(0),
	}, opts...)
	d := engine.New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func drain(t *testing.T, d *engine.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
}

func TestCounter(t *testing.T) {
	d := newDispatcher(t)
	svc := NewCounter("c")
	_, err := d.Register(svc)
	require.NoError(t, err)

	d.Mutate(context.Background(), Increment{By: 5})
	d.Mutate(context.Background(), Increment{By: 3})
	assert.Equal(t, 8, svc.Store().Read())

	d.Mutate(context.Background(), Reset{})
	assert.Equal(t, 0, svc.Store().Read())
}

func TestFetch_Success(t *testing.T) {
	d := newDispatcher(t)
	svc := NewFetch("f", StubFetcher{})
	_, err := d.Register(svc)
	require.NoError(t, err)

	d.Mutate(context.Background(), Fetch{URL: "https://example.test"})
	assert.Equal(t, "loading", svc.Store().Read().Status)

	drain(t, d)
	assert.Equal(t, FetchState{Status: "loaded", URL: "https://example.test", Body: "body of https://example.test"}, svc.Store().Read())
}

func TestFetch_TimeoutBecomesFailedAction(t *testing.T) {
	rec := engine.NewMemoryRecorder()
	d := newDispatcher(t, engine.WithRecorder(rec))
	svc := NewFetch("f", StubFetcher{})
	_, err := d.Register(svc)
	require.NoError(t, err)

	d.Mutate(context.Background(), Fetch{URL: "timeout://slow"})
	drain(t, d)

	assert.Equal(t, FetchState{Status: "error", URL: "timeout://slow", Error: "Timeout"}, svc.Store().Read())
	assert.Equal(t, []engine.Kind{"fetch.start", "fetch.failed"}, rec.Kinds())
}

func TestFetch_CustomFetcher(t *testing.T) {
	d := newDispatcher(t)
	var seen string
	svc := NewFetch("f", FetcherFunc(func(_ context.Context, url string) (string, error) {
		seen = url
		return "ok", nil
	}))
	_, err := d.Register(svc)
	require.NoError(t, err)

	d.Mutate(context.Background(), Fetch{URL: "mem://x"})
	drain(t, d)
	assert.Equal(t, "mem://x", seen)
	assert.Equal(t, "ok", svc.Store().Read().Body)
}

func TestStubFetcher(t *testing.T) {
	f := StubFetcher{}
	_, err := f.Fetch(context.Background(), "timeout://a")
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = f.Fetch(context.Background(), "error://boom")
	assert.EqualError(t, err, "boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, "https://x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPingPong_HooksOnlyRunForOwnKinds(t *testing.T) {
	d := newDispatcher(t)
	in, err := mustCatalog(t, "pingpong").Install(d)
	require.NoError(t, err)

	d.Mutate(context.Background(), Ping{})
	hooks := in.Hooks[PongID]
	assert.Zero(t, hooks.Before())
	assert.Zero(t, hooks.After())

	d.Mutate(context.Background(), Pong{})
	assert.EqualValues(t, 1, hooks.Before())
	assert.EqualValues(t, 1, hooks.After())

	ping, err := d.State(PingID)
	require.NoError(t, err)
	pong, err := d.State(PongID)
	require.NoError(t, err)
	assert.Equal(t, 1, ping)
	assert.Equal(t, 1, pong)
}

func TestForm_Validation(t *testing.T) {
	rec := engine.NewMemoryRecorder()
	d := newDispatcher(t, engine.WithRecorder(rec))
	svc := NewForm("form")
	_, err := d.Register(svc)
	require.NoError(t, err)

	d.Mutate(context.Background(), RawInput{Text: "hello"})
	assert.Equal(t, FormState{Last: "input.validated", Text: "hello"}, svc.Store().Read())

	d.Mutate(context.Background(), RawInput{Text: "   "})
	assert.Equal(t, FormState{Last: "input.rejected", Reason: "empty input"}, svc.Store().Read())

	assert.Equal(t, []engine.Kind{"input.raw", "input.validated", "input.raw", "input.rejected"}, rec.Kinds())
}

func TestDecode(t *testing.T) {
	a, err := Decode("counter.increment", map[string]any{"by": 5})
	require.NoError(t, err)
	assert.Equal(t, Increment{By: 5}, a)

	a, err = Decode("ping", nil)
	require.NoError(t, err)
	assert.Equal(t, Ping{}, a)

	_, err = Decode("counter.increment", map[string]any{"amount": 5})
	assert.ErrorContains(t, err, "amount")

	_, err = Decode("counter.incremnt", nil)
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Contains(t, err.Error(), `did you mean "counter.increment"?`)

	_, err = Decode("zzz", nil)
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestKinds_CoverDecoders(t *testing.T) {
	for _, k := range Kinds() {
		a, err := Decode(k, nil)
		require.NoError(t, err, k)
		assert.Equal(t, k, a.Kind())
	}
}

func TestLookup(t *testing.T) {
	c, err := Lookup("counter")
	require.NoError(t, err)
	assert.Equal(t, "counter", c.Name)

	_, err = Lookup("pingpnog")
	require.ErrorIs(t, err, ErrUnknownCatalog)
	assert.Contains(t, err.Error(), `"pingpong"`)

	assert.Equal(t, []string{"all", "counter", "fetch", "pingpong", "validation"}, Names())
}

func TestInstall_FreshServicesPerRun(t *testing.T) {
	c := mustCatalog(t, "all")

	d1 := newDispatcher(t)
	in1, err := c.Install(d1)
	require.NoError(t, err)
	assert.Equal(t, []engine.ServiceID{CounterID, FetchID, PingID, PongID, FormID}, in1.Services())

	d1.Mutate(context.Background(), Increment{By: 2})

	d2 := newDispatcher(t)
	_, err = c.Install(d2)
	require.NoError(t, err)
	s, err := d2.State(CounterID)
	require.NoError(t, err)
	assert.Equal(t, 0, s)

	in1.Release()
	assert.Empty(t, d1.Services())
}

func TestInstall_ConflictReleasesPartial(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Register(NewPong(PongID))
	require.NoError(t, err)

	_, err = mustCatalog(t, "pingpong").Install(d)
	require.ErrorIs(t, err, engine.ErrDuplicateService)
	assert.Equal(t, []engine.ServiceID{PongID}, d.Services())
}

func mustCatalog(t *testing.T, name string) Catalog {
	t.Helper()
	c, err := Lookup(name)
	require.NoError(t, err)
	return c
}
