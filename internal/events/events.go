// Package events carries workflow progress out of the engine. Sinks are
// caller-provided; the emitter never blocks the workflow on a slow consumer
// beyond the sink call itself and it keeps the run counters.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"forge/internal/logging"
	"forge/internal/workflow"
)

// EventType tags a progress event.
type EventType string

const (
	TypeWorkflowStarted   EventType = "workflow_started"
	TypeWorkflowRestored  EventType = "workflow_restored"
	TypeStageStarted      EventType = "stage_started"
	TypeStageCompleted    EventType = "stage_completed"
	TypeStageRetried      EventType = "stage_retried"
	TypeAgentStarted      EventType = "agent_started"
	TypeAgentCompleted    EventType = "agent_completed"
	TypeAgentRetried      EventType = "agent_retried"
	TypeCacheHit          EventType = "cache_hit"
	TypeCacheMiss         EventType = "cache_miss"
	TypeCheckpointSaved   EventType = "checkpoint_saved"
	TypeRefinementStarted EventType = "refinement_started"
	TypeWorkflowCompleted EventType = "workflow_completed"
	TypeWorkflowFailed    EventType = "workflow_failed"
	TypeWorkflowCanceled  EventType = "workflow_canceled"
)

// Stats is the run snapshot attached to every event: the stage history so
// far, the accumulated counters, and the latest error list.
type Stats struct {
	StageHistory []string `json:"stage_history,omitempty"`
	TotalTokens  int64    `json:"total_tokens"`
	CacheHits    int64    `json:"cache_hits"`
	CacheMisses  int64    `json:"cache_misses"`
	Errors       []string `json:"errors,omitempty"`
}

// Event is one progress notification.
type Event struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Stage      workflow.Stage `json:"stage,omitempty"`
	Percent    float64        `json:"percent"`
	Timestamp  time.Time      `json:"timestamp"`
	Stats      Stats          `json:"stats"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Sink receives emitted events. Implementations must be safe for concurrent
// use; the emitter may call them from multiple goroutines.
type Sink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// OnEvent implements Sink.
func (f SinkFunc) OnEvent(e Event) { f(e) }

// Emitter fans events out to its sinks and accumulates run counters.
type Emitter struct {
	workflowID string
	logger     logging.Logger

	mu    sync.RWMutex
	sinks []Sink

	totalTokens atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	errors      atomic.Int64
}

// NewEmitter creates an emitter for one workflow run.
func NewEmitter(workflowID string, logger logging.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		workflowID: workflowID,
		logger:     logging.OrNop(logger),
		sinks:      sinks,
	}
}

// AddSink registers an additional sink.
func (e *Emitter) AddSink(s Sink) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// Emit delivers an event to every sink. The emitter fills the counter fields
// of stats from its own tallies; the caller supplies the stage history and
// error list. A panicking sink is logged and does not disturb the others.
func (e *Emitter) Emit(t EventType, stage workflow.Stage, percent float64, stats Stats, payload map[string]any) {
	stats.TotalTokens = e.totalTokens.Load()
	stats.CacheHits = e.cacheHits.Load()
	stats.CacheMisses = e.cacheMisses.Load()
	ev := Event{
		Type:       t,
		WorkflowID: e.workflowID,
		Stage:      stage,
		Percent:    percent,
		Timestamp:  time.Now(),
		Stats:      stats,
		Payload:    payload,
	}
	e.mu.RLock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()
	for _, s := range sinks {
		e.deliver(s, ev)
	}
}

func (e *Emitter) deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event sink panicked on %s: %v", ev.Type, r)
		}
	}()
	s.OnEvent(ev)
}

// AddTokens accumulates generator token usage.
func (e *Emitter) AddTokens(n int) {
	if n > 0 {
		e.totalTokens.Add(int64(n))
	}
}

// CountCacheHit records a cache hit.
func (e *Emitter) CountCacheHit() { e.cacheHits.Add(1) }

// CountCacheMiss records a cache miss.
func (e *Emitter) CountCacheMiss() { e.cacheMisses.Add(1) }

// CountError records a non-fatal error observed during the run.
func (e *Emitter) CountError() { e.errors.Add(1) }

// TotalTokens returns the accumulated token usage.
func (e *Emitter) TotalTokens() int64 { return e.totalTokens.Load() }

// CacheHitRate returns hits / (hits + misses), or 0 with no lookups.
func (e *Emitter) CacheHitRate() float64 {
	hits := e.cacheHits.Load()
	misses := e.cacheMisses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Errors returns the count of non-fatal errors observed.
func (e *Emitter) Errors() int64 { return e.errors.Load() }
