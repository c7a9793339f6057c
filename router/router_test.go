package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/pool"
	"github.com/amphibian-ai/amphibian/testutil"
	"github.com/amphibian-ai/amphibian/types"
)

func newRouter(t *testing.T, eng engine.Engine, collective Collective, workers int) *Router {
	t.Helper()
	r, err := New(eng, collective, Options{
		Workers: func() int { return workers },
	})
	require.NoError(t, err)
	return r
}

func TestRouteUsesLLMClassification(t *testing.T) {
	eng := testutil.NewScriptedEngine(`{"tool":"code","confidence":0.9,"complexity":"low"}`)
	r := newRouter(t, eng, nil, 0)

	d := r.Route(context.Background(), "fix this function")
	assert.Equal(t, BucketCode, d.Bucket)
	assert.Equal(t, "llm", d.Method)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.False(t, d.UseDistributed)
}

func TestRouteExtractsJSONFromProse(t *testing.T) {
	eng := testutil.NewScriptedEngine(
		`Happy to help! {"tool":"research","confidence":0.8,"complexity":"medium"} Let me know.`)
	r := newRouter(t, eng, nil, 0)

	d := r.Route(context.Background(), "compare these two papers")
	assert.Equal(t, BucketResearch, d.Bucket)
	assert.Equal(t, "llm", d.Method)
}

func TestRouteRejectsLowConfidence(t *testing.T) {
	eng := testutil.NewScriptedEngine(`{"tool":"research","confidence":0.4,"complexity":"low"}`)
	r := newRouter(t, eng, nil, 0)

	d := r.Route(context.Background(), "please summarize this report")
	assert.Equal(t, BucketSummarize, d.Bucket, "keyword fallback takes over")
	assert.Equal(t, "keyword", d.Method)
}

func TestRouteKeywordFallbackOnGarbageReply(t *testing.T) {
	eng := testutil.NewScriptedEngine("no json at all")
	r := newRouter(t, eng, nil, 0)

	d := r.Route(context.Background(), "debug my stack trace")
	assert.Equal(t, BucketCode, d.Bucket)
	assert.Equal(t, "keyword", d.Method)
}

func TestRouteKeywordFallbackOnEngineError(t *testing.T) {
	eng := testutil.NewScriptedEngine()
	eng.FailWith(types.NewError(types.ErrTimeout, "engine busy"))
	r := newRouter(t, eng, nil, 0)

	d := r.Route(context.Background(), "hello there")
	assert.Equal(t, BucketGeneral, d.Bucket)
	assert.Equal(t, "keyword", d.Method)
}

func TestRouteRejectsUnknownBucket(t *testing.T) {
	eng := testutil.NewScriptedEngine(`{"tool":"sorcery","confidence":0.99,"complexity":"low"}`)
	r := newRouter(t, eng, nil, 0)

	d := r.Route(context.Background(), "hello")
	assert.Equal(t, "keyword", d.Method)
}

func TestRouteDistributedNeedsWorkers(t *testing.T) {
	reply := `{"tool":"collective","confidence":0.9,"complexity":"high"}`

	d := newRouter(t, testutil.NewScriptedEngine(reply), nil, 0).
		Route(context.Background(), "run the swarm")
	assert.False(t, d.UseDistributed, "no workers, no distribution")

	d = newRouter(t, testutil.NewScriptedEngine(reply), nil, 2).
		Route(context.Background(), "run the swarm")
	assert.True(t, d.UseDistributed)
}

func TestRouteHighComplexityDistributes(t *testing.T) {
	eng := testutil.NewScriptedEngine(`{"tool":"general","confidence":0.9,"complexity":"high"}`)
	r := newRouter(t, eng, nil, 1)

	d := r.Route(context.Background(), "write a novel")
	assert.True(t, d.UseDistributed)
}

func TestRouteCachesDecisions(t *testing.T) {
	eng := testutil.NewScriptedEngine(`{"tool":"code","confidence":0.9,"complexity":"low"}`)
	r := newRouter(t, eng, nil, 0)

	first := r.Route(context.Background(), "Fix This Function")
	second := r.Route(context.Background(), "fix this function  ")
	assert.Equal(t, "llm", first.Method)
	assert.Equal(t, "cache", second.Method, "case and whitespace insensitive key")
	assert.Len(t, eng.Calls, 1, "engine consulted once")
}

func TestRouteCacheInvalidatedWhenPoolVanishes(t *testing.T) {
	workers := 2
	eng := testutil.NewScriptedEngine(
		`{"tool":"collective","confidence":0.9,"complexity":"high"}`,
		`{"tool":"collective","confidence":0.9,"complexity":"high"}`,
	)
	r, err := New(eng, nil, Options{Workers: func() int { return workers }})
	require.NoError(t, err)

	d := r.Route(context.Background(), "swarm task")
	require.True(t, d.UseDistributed)

	workers = 0
	d = r.Route(context.Background(), "swarm task")
	assert.False(t, d.UseDistributed, "stale distributed decision recomputed")
	assert.NotEqual(t, "cache", d.Method)
	assert.Len(t, eng.Calls, 2)
}

// exhaustedPool rejects every submission the way a drained coordinator does.
type exhaustedPool struct{ submits int }

func (p *exhaustedPool) Submit([]engine.Message, int, string) (*pool.Task, error) {
	p.submits++
	return nil, types.NewError(types.ErrPoolExhausted, "no workers").WithRetryable(true)
}

func (p *exhaustedPool) Cancel(string) error { return nil }

func TestRespondFallsBackToLocalOnExhaustedPool(t *testing.T) {
	bus := types.NewEventBus(nil)
	t.Cleanup(bus.Stop)
	fallbacks := make(chan types.Event, 1)
	bus.Subscribe(types.EventFallback, func(ev types.Event) { fallbacks <- ev })

	eng := testutil.NewScriptedEngine(
		`{"tool":"collective","confidence":0.9,"complexity":"high"}`,
		"local answer",
	)
	collective := &exhaustedPool{}
	r, err := New(eng, collective, Options{
		Workers: func() int { return 1 },
		Bus:     bus,
	})
	require.NoError(t, err)

	content, d, err := r.Respond(context.Background(), "run this on the swarm", nil, 32)
	require.NoError(t, err)
	assert.Equal(t, "local answer", content)
	assert.False(t, d.UseDistributed, "decision downgraded after fallback")
	assert.Equal(t, 1, collective.submits)

	select {
	case ev := <-fallbacks:
		assert.Contains(t, ev.Fallback.Reason, "no workers")
	case <-time.After(2 * time.Second):
		t.Fatal("no fallback event")
	}
}

func TestRespondLocalWhenNotDistributed(t *testing.T) {
	eng := testutil.NewScriptedEngine(
		`{"tool":"general","confidence":0.9,"complexity":"low"}`,
		"hi there",
	)
	r := newRouter(t, eng, nil, 0)

	content, d, err := r.Respond(context.Background(), "hello", nil, 16)
	require.NoError(t, err)
	assert.Equal(t, "hi there", content)
	assert.Equal(t, BucketGeneral, d.Bucket)
}

func TestRespondAppendsHistory(t *testing.T) {
	eng := testutil.NewScriptedEngine(
		`{"tool":"general","confidence":0.9,"complexity":"low"}`,
		"answer",
	)
	r := newRouter(t, eng, nil, 0)

	history := []engine.Message{{Role: engine.RoleUser, Content: "earlier"}}
	_, _, err := r.Respond(context.Background(), "now", history, 16)
	require.NoError(t, err)

	final := eng.Calls[len(eng.Calls)-1]
	require.Len(t, final, 2)
	assert.Equal(t, "earlier", final[0].Content)
	assert.Equal(t, "now", final[1].Content)
}
