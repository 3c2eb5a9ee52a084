package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorder_OrdersBySeq(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()

	require.NoError(t, rec.RecordDispatch(ctx, DispatchRecord{Seq: 3, Kind: "c"}))
	require.NoError(t, rec.RecordDispatch(ctx, DispatchRecord{Seq: 1, Kind: "a"}))
	require.NoError(t, rec.RecordDispatch(ctx, DispatchRecord{Seq: 2, Kind: "b"}))
	require.NoError(t, rec.RecordEffect(ctx, EffectRecord{Seq: 5, Outcome: OutcomeOK}))
	require.NoError(t, rec.RecordEffect(ctx, EffectRecord{Seq: 4, Outcome: OutcomeFailed}))

	assert.Equal(t, []Kind{"a", "b", "c"}, rec.Kinds())
	effects := rec.Effects()
	require.Len(t, effects, 2)
	assert.Equal(t, OutcomeFailed, effects[0].Outcome)

	rec.Reset()
	assert.Empty(t, rec.Dispatches())
	assert.Empty(t, rec.Effects())
}

func TestMemoryRecorder_Concurrent(t *testing.T) {
	rec := NewMemoryRecorder()
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rec.RecordDispatch(context.Background(), DispatchRecord{Seq: int64(i)})
		}()
	}
	wg.Wait()
	assert.Len(t, rec.Dispatches(), 100)
}

// failingRecorder rejects every record.
type failingRecorder struct{}

func (failingRecorder) RecordDispatch(context.Context, DispatchRecord) error { return errTimeout }
func (failingRecorder) RecordEffect(context.Context, EffectRecord) error     { return errTimeout }

func TestDispatcher_RecorderFailureDoesNotAffectDispatch(t *testing.T) {
	d := newTestDispatcher(t, WithRecorder(failingRecorder{}))
	svc := NewService("counter", 0, noDeps{},
		On(func(s int, a increment) (int, SideEffect[noDeps]) {
			return s + a.By, failing(errTimeout)
		}),
		On(func(s int, _ counterFailed) (int, SideEffect[noDeps]) { return s * 10, nil }),
	)
	register(t, d, svc)

	d.Mutate(context.Background(), increment{By: 2})
	drain(t, d)
	assert.Equal(t, 20, svc.Store().Read())
}

func TestDispatcher_DispatchIDsAreContentAddressed(t *testing.T) {
	run := func() []DispatchRecord {
		rec := NewMemoryRecorder()
		d := newTestDispatcher(t,
			WithRecorder(rec),
			WithFlowGenerator(NewFixedGenerator("flow-1")))
		register(t, d, counterService("counter"))
		d.Mutate(context.Background(), increment{By: 7})
		return rec.Dispatches()
	}

	first, second := run(), run()
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "same flow, kind, fields and seq give the same ID")
	assert.Equal(t, map[string]any{"by": json.Number("7")}, first[0].Fields)
	assert.Equal(t, []ServiceID{"counter"}, first[0].Services)
}

func TestTee_RecordsToAllDespiteFailure(t *testing.T) {
	first, second := NewMemoryRecorder(), NewMemoryRecorder()
	rec := Tee(first, failingRecorder{}, second)
	ctx := context.Background()

	err := rec.RecordDispatch(ctx, DispatchRecord{Seq: 1, Kind: "a"})
	require.Error(t, err)
	err = rec.RecordEffect(ctx, EffectRecord{Seq: 2})
	require.Error(t, err)

	assert.Equal(t, []Kind{"a"}, first.Kinds())
	assert.Equal(t, []Kind{"a"}, second.Kinds())
	assert.Len(t, second.Effects(), 1)

	require.NoError(t, Tee(first).RecordDispatch(ctx, DispatchRecord{Seq: 3, Kind: "b"}))
}
