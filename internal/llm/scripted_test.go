package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metaRequest(role, stage string) Request {
	return Request{
		Prompt: "do the work",
		Metadata: map[string]string{
			"role":  role,
			"stage": stage,
		},
	}
}

func TestScriptedResponses(t *testing.T) {
	g := NewScripted().
		WithResponse("DEVELOPER", "IMPLEMENTATION", "package main").
		WithFallback("generic")

	res, err := g.Generate(context.Background(), metaRequest("DEVELOPER", "IMPLEMENTATION"))
	require.NoError(t, err)
	assert.Equal(t, "package main", res.Content)

	res, err = g.Generate(context.Background(), metaRequest("ARCHITECT", "ARCHITECTURE_DESIGN"))
	require.NoError(t, err)
	assert.Contains(t, res.Content, "generic")

	assert.Equal(t, 2, g.Calls())
	reqs := g.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "DEVELOPER", reqs[0].Metadata["role"])
}

func TestScriptedFailureQueue(t *testing.T) {
	rateLimited := NewError(KindRateLimited, "slow down")
	g := NewScripted().
		WithResponse("DEVELOPER", "IMPLEMENTATION", "ok").
		FailNext("DEVELOPER", "IMPLEMENTATION", rateLimited, rateLimited)

	_, err := g.Generate(context.Background(), metaRequest("DEVELOPER", "IMPLEMENTATION"))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, kind)

	_, err = g.Generate(context.Background(), metaRequest("DEVELOPER", "IMPLEMENTATION"))
	require.Error(t, err)

	res, err := g.Generate(context.Background(), metaRequest("DEVELOPER", "IMPLEMENTATION"))
	require.NoError(t, err, "queue exhausted, scripted response wins")
	assert.Equal(t, "ok", res.Content)
}

func TestScriptedFailNextAny(t *testing.T) {
	g := NewScripted().FailNextAny(NewError(KindNetworkError, "down"))

	_, err := g.Generate(context.Background(), metaRequest("ARCHITECT", "ARCHITECTURE_DESIGN"))
	require.Error(t, err)

	_, err = g.Generate(context.Background(), metaRequest("DEVELOPER", "IMPLEMENTATION"))
	assert.NoError(t, err, "any-queue failures are consumed across keys")
}

func TestScriptedDelayHonorsCancellation(t *testing.T) {
	g := NewScripted().WithDelay(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Generate(ctx, metaRequest("DEVELOPER", "IMPLEMENTATION"))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

func TestEnsureUsage(t *testing.T) {
	req := Request{Prompt: "four words of prompt", SystemPrompt: "system"}
	res := &Result{Content: "a short generated answer"}
	EnsureUsage(req, res)

	assert.Positive(t, res.PromptTokens)
	assert.Positive(t, res.CompletionTokens)
	assert.Equal(t, res.PromptTokens+res.CompletionTokens, res.TotalTokens)

	// Provider-reported usage is left alone.
	reported := &Result{Content: "x", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	EnsureUsage(req, reported)
	assert.Equal(t, 15, reported.TotalTokens)
}

func TestScriptedStream(t *testing.T) {
	g := NewScripted().WithResponse("DEVELOPER", "IMPLEMENTATION", "chunked")
	ch, err := g.GenerateStream(context.Background(), metaRequest("DEVELOPER", "IMPLEMENTATION"))
	require.NoError(t, err)

	var content string
	var sawDone bool
	for chunk := range ch {
		if chunk.Done {
			sawDone = true
			continue
		}
		content += chunk.Content
	}
	assert.Equal(t, "chunked", content)
	assert.True(t, sawDone)
}

func TestErrorKinds(t *testing.T) {
	err := WrapError(KindProviderError, assertError("backend 500"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindProviderError, kind)
	assert.False(t, RetrySignaled(err))

	signaled := &GenerationError{Kind: KindProviderError, Message: "retry later", RetrySignaled: true}
	assert.True(t, RetrySignaled(signaled))

	_, ok = KindOf(assertError("plain"))
	assert.False(t, ok)
}

type assertError string

func (e assertError) Error() string { return string(e) }
