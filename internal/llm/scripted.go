package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedGenerator is a deterministic Generator for tests and dry runs. It
// returns fixed strings keyed by the (role, stage) request metadata and can
// inject a queue of failures consumed before responses succeed.
type ScriptedGenerator struct {
	mu        sync.Mutex
	responses map[string]string
	fallback  string
	failures  map[string][]error
	anyQueue  []error
	delay     time.Duration
	calls     int
	requests  []Request
}

// NewScripted creates an empty scripted generator.
func NewScripted() *ScriptedGenerator {
	return &ScriptedGenerator{
		responses: make(map[string]string),
		failures:  make(map[string][]error),
		fallback:  "scripted response",
	}
}

func scriptKey(role, stage string) string {
	return role + "/" + stage
}

func requestKey(req Request) string {
	return scriptKey(req.Metadata["role"], req.Metadata["stage"])
}

// WithResponse fixes the content returned for a (role, stage) pair.
func (g *ScriptedGenerator) WithResponse(role, stage, content string) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses[scriptKey(role, stage)] = content
	return g
}

// WithFallback sets the content returned when no script entry matches.
func (g *ScriptedGenerator) WithFallback(content string) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = content
	return g
}

// WithDelay makes every call sleep before returning, for cancellation tests.
func (g *ScriptedGenerator) WithDelay(d time.Duration) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
	return g
}

// FailNext queues errors returned by the next calls for a (role, stage)
// pair, before any scripted response succeeds.
func (g *ScriptedGenerator) FailNext(role, stage string, errs ...error) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := scriptKey(role, stage)
	g.failures[key] = append(g.failures[key], errs...)
	return g
}

// FailNextAny queues errors returned by the next calls regardless of key.
func (g *ScriptedGenerator) FailNextAny(errs ...error) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.anyQueue = append(g.anyQueue, errs...)
	return g
}

// Calls returns the number of Generate invocations observed.
func (g *ScriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Requests returns a copy of every request observed, in call order.
func (g *ScriptedGenerator) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// Generate returns the scripted content for the request key, consuming any
// queued failure first.
func (g *ScriptedGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	g.mu.Lock()
	g.calls++
	g.requests = append(g.requests, req)
	delay := g.delay
	key := requestKey(req)

	var injected error
	if queue := g.failures[key]; len(queue) > 0 {
		injected = queue[0]
		g.failures[key] = queue[1:]
	} else if len(g.anyQueue) > 0 {
		injected = g.anyQueue[0]
		g.anyQueue = g.anyQueue[1:]
	}

	content, ok := g.responses[key]
	if !ok {
		content = fmt.Sprintf("%s for %s", g.fallback, key)
	}
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, WrapError(KindTimeout, ctx.Err())
		}
	}

	if injected != nil {
		return nil, injected
	}

	res := &Result{Content: content}
	EnsureUsage(req, res)
	return res, nil
}

// GenerateStream streams the scripted content as a single chunk followed by
// a terminal marker.
func (g *ScriptedGenerator) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	res, err := g.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan Chunk, 2)
	ch <- Chunk{Content: res.Content}
	ch <- Chunk{Done: true}
	close(ch)
	return ch, nil
}

// Provider identifies the stub for cost accounting.
func (g *ScriptedGenerator) Provider() string { return "scripted" }

// Model identifies the stub model name.
func (g *ScriptedGenerator) Model() string { return "scripted-v1" }

var _ Generator = (*ScriptedGenerator)(nil)
