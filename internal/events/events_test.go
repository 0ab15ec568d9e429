package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/workflow"
)

func TestEmitDeliversToAllSinks(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	sink := SinkFunc(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	e := NewEmitter("wf-1", nil, sink, sink)
	e.AddTokens(40)
	e.CountCacheHit()
	e.CountCacheMiss()
	e.Emit(TypeStageStarted, workflow.StageTesting, 62.5, Stats{
		StageHistory: []string{"IMPLEMENTATION"},
		Errors:       []string{"agent DEVELOPER: boom"},
	}, map[string]any{"k": "v"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, TypeStageStarted, got[0].Type)
	assert.Equal(t, "wf-1", got[0].WorkflowID)
	assert.Equal(t, workflow.StageTesting, got[0].Stage)
	assert.Equal(t, 62.5, got[0].Percent)
	assert.Equal(t, "v", got[0].Payload["k"])
	assert.False(t, got[0].Timestamp.IsZero())

	// The emitter stamps its own counters into the stats; the caller's
	// history and error list pass through.
	assert.Equal(t, []string{"IMPLEMENTATION"}, got[0].Stats.StageHistory)
	assert.Equal(t, []string{"agent DEVELOPER: boom"}, got[0].Stats.Errors)
	assert.Equal(t, int64(40), got[0].Stats.TotalTokens)
	assert.Equal(t, int64(1), got[0].Stats.CacheHits)
	assert.Equal(t, int64(1), got[0].Stats.CacheMisses)
}

func TestPanickingSinkIsContained(t *testing.T) {
	var delivered int
	e := NewEmitter("wf-1", nil,
		SinkFunc(func(Event) { panic("bad sink") }),
		SinkFunc(func(Event) { delivered++ }),
	)
	assert.NotPanics(t, func() {
		e.Emit(TypeStageCompleted, workflow.StageQA, 75, Stats{}, nil)
	})
	assert.Equal(t, 1, delivered)
}

func TestAddSink(t *testing.T) {
	e := NewEmitter("wf-1", nil)
	var n int
	e.AddSink(SinkFunc(func(Event) { n++ }))
	e.AddSink(nil) // ignored
	e.Emit(TypeWorkflowStarted, workflow.StageInitial, 0, Stats{}, nil)
	assert.Equal(t, 1, n)
}

func TestCounters(t *testing.T) {
	e := NewEmitter("wf-1", nil)

	e.AddTokens(100)
	e.AddTokens(50)
	e.AddTokens(-5) // ignored
	assert.Equal(t, int64(150), e.TotalTokens())

	assert.Equal(t, 0.0, e.CacheHitRate(), "no lookups yet")
	e.CountCacheHit()
	e.CountCacheHit()
	e.CountCacheHit()
	e.CountCacheMiss()
	assert.InDelta(t, 0.75, e.CacheHitRate(), 1e-9)

	e.CountError()
	e.CountError()
	assert.Equal(t, int64(2), e.Errors())
}
