// Package router decides, per request, whether the local engine answers
// directly or the collective pool does, based on a lightweight local
// classification with keyword fallback. Decisions are cached; cached
// distributed decisions are revalidated against current pool health.
package router

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/config"
	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/internal/metrics"
	"github.com/amphibian-ai/amphibian/pool"
	"github.com/amphibian-ai/amphibian/types"
)

// Buckets the classifier may choose from.
const (
	BucketGeneral    = "general"
	BucketCode       = "code"
	BucketResearch   = "research"
	BucketSummarize  = "summarize"
	BucketCollective = "collective"
)

var buckets = []string{BucketGeneral, BucketCode, BucketResearch, BucketSummarize, BucketCollective}

// keywordBuckets is the fallback rule set: lowercase substring matches,
// checked in order, first hit wins.
var keywordBuckets = []struct {
	bucket   string
	keywords []string
}{
	{BucketCollective, []string{"collective", "distributed", "swarm", "train a", "fine-tune"}},
	{BucketCode, []string{"code", "function", "compile", "debug", "refactor", "stack trace"}},
	{BucketResearch, []string{"research", "look up", "search for", "find out", "compare"}},
	{BucketSummarize, []string{"summarize", "summary", "tl;dr", "condense"}},
}

// Decision is the routing outcome for one request.
type Decision struct {
	Bucket         string  `json:"bucket"`
	Confidence     float64 `json:"confidence"`
	Complexity     string  `json:"complexity"` // low, medium, high
	UseDistributed bool    `json:"useDistributed"`
	Method         string  `json:"method"` // cache, llm, keyword
}

// Collective is the slice of the pool coordinator the router needs.
type Collective interface {
	Submit(msgs []engine.Message, maxTokens int, model string) (*pool.Task, error)
	Cancel(taskID string) error
}

// Options tunes a Router.
type Options struct {
	// ConfidenceFloor rejects LLM classifications below it. Default 0.6.
	ConfidenceFloor float64
	// CacheCapacity bounds the decision cache. Default 50.
	CacheCapacity int

	// Workers reports the number of healthy pool workers; nil means none.
	Workers func() int

	Logger  *zap.Logger
	Bus     *types.EventBus
	Metrics *metrics.Collector
}

// OptionsFromConfig maps the router section of the configuration file.
func OptionsFromConfig(cfg config.RouterConfig) Options {
	return Options{
		ConfidenceFloor: cfg.LLMConfidenceFloor,
		CacheCapacity:   cfg.CacheCapacity,
	}
}

// Router routes requests between the local engine and the collective.
type Router struct {
	engine  engine.Engine
	pool    Collective
	opts    Options
	log     *zap.Logger
	cache   *lruCache
	workers func() int
}

// New creates a router over the local engine. pool may be nil, in which
// case every request runs locally.
func New(local engine.Engine, collective Collective, opts Options) (*Router, error) {
	if local == nil {
		return nil, types.NewError(types.ErrInputInvalid, "local engine is required")
	}
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = 0.6
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = 50
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers == nil {
		workers = func() int { return 0 }
	}
	return &Router{
		engine:  local,
		pool:    collective,
		opts:    opts,
		log:     opts.Logger.With(zap.String("component", "router")),
		cache:   newLRUCache(opts.CacheCapacity),
		workers: workers,
	}, nil
}

// Route classifies one request. Classification is always local; the
// collective is never consulted.
func (r *Router) Route(ctx context.Context, task string) Decision {
	key := strings.ToLower(strings.TrimSpace(task))

	if d, ok := r.cache.get(key); ok {
		if !d.UseDistributed || r.workers() > 0 {
			d.Method = "cache"
			r.opts.Metrics.RecordCacheHit("router")
			r.opts.Metrics.RecordRouteDecision(target(d), d.Method)
			return d
		}
		// The pool the decision pointed at is gone.
		r.cache.remove(key)
	}
	r.opts.Metrics.RecordCacheMiss("router")

	d, ok := r.classify(ctx, task)
	if !ok {
		d = r.keywordFallback(key)
	}
	d.UseDistributed = (d.Bucket == BucketCollective || d.Complexity == "high") && r.workers() > 0

	r.cache.put(key, d)
	r.opts.Metrics.RecordRouteDecision(target(d), d.Method)
	r.log.Debug("routed",
		zap.String("bucket", d.Bucket),
		zap.Float64("confidence", d.Confidence),
		zap.String("method", d.Method),
		zap.Bool("distributed", d.UseDistributed))
	return d
}

func target(d Decision) string {
	if d.UseDistributed {
		return "distributed"
	}
	return "local"
}

const classifyPrompt = `Classify the user task into exactly one bucket: general, code, research, summarize, collective.
Reply with only a JSON object: {"tool": "<bucket>", "confidence": <0..1>, "complexity": "<low|medium|high>"}.`

// classify asks the local engine for a bucket and parses the first
// balanced JSON object out of its reply.
func (r *Router) classify(ctx context.Context, task string) (Decision, bool) {
	reply, err := r.engine.Chat(ctx, []engine.Message{
		{Role: engine.RoleSystem, Content: classifyPrompt},
		{Role: engine.RoleUser, Content: task},
	})
	if err != nil {
		r.log.Debug("classification call failed", zap.Error(err))
		return Decision{}, false
	}

	fragment, ok := extractJSON(reply.Content)
	if !ok {
		return Decision{}, false
	}
	var parsed struct {
		Tool       string  `json:"tool"`
		Confidence float64 `json:"confidence"`
		Complexity string  `json:"complexity"`
	}
	if err := json.Unmarshal([]byte(fragment), &parsed); err != nil {
		return Decision{}, false
	}
	if !validBucket(parsed.Tool) || parsed.Confidence < r.opts.ConfidenceFloor {
		return Decision{}, false
	}
	return Decision{
		Bucket:     parsed.Tool,
		Confidence: parsed.Confidence,
		Complexity: parsed.Complexity,
		Method:     "llm",
	}, true
}

func validBucket(b string) bool {
	for _, known := range buckets {
		if b == known {
			return true
		}
	}
	return false
}

func (r *Router) keywordFallback(lowered string) Decision {
	for _, rule := range keywordBuckets {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				return Decision{Bucket: rule.bucket, Confidence: 0.5, Complexity: "low", Method: "keyword"}
			}
		}
	}
	return Decision{Bucket: BucketGeneral, Confidence: 0.5, Complexity: "low", Method: "keyword"}
}

// Respond answers one request end to end: route, then run either locally
// or on the collective. A distributed attempt that fails with
// POOL_EXHAUSTED before producing output transparently retries on the
// local engine and emits a fallback event.
func (r *Router) Respond(ctx context.Context, task string, history []engine.Message, maxTokens int) (string, Decision, error) {
	d := r.Route(ctx, task)
	msgs := append(append([]engine.Message{}, history...), engine.Message{
		Role:    engine.RoleUser,
		Content: task,
	})

	if d.UseDistributed && r.pool != nil {
		content, err := r.runDistributed(ctx, msgs, maxTokens)
		if err == nil {
			return content, d, nil
		}
		if !types.IsCode(err, types.ErrPoolExhausted) {
			return "", d, err
		}
		r.fallback(err)
		d.UseDistributed = false
	}

	reply, err := r.engine.Chat(ctx, msgs)
	if err != nil {
		return "", d, err
	}
	return reply.Content, d, nil
}

func (r *Router) runDistributed(ctx context.Context, msgs []engine.Message, maxTokens int) (string, error) {
	t, err := r.pool.Submit(msgs, maxTokens, "")
	if err != nil {
		return "", err
	}
	select {
	case <-t.Done:
	case <-ctx.Done():
		_ = r.pool.Cancel(t.ID)
		return "", types.NewError(types.ErrCancelled, "request cancelled").WithCause(ctx.Err())
	}
	if t.Err != nil {
		return "", t.Err
	}
	return strings.Join(t.Tokens, ""), nil
}

func (r *Router) fallback(cause error) {
	r.opts.Metrics.RecordFallback()
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(types.Event{
			Kind:     types.EventFallback,
			Fallback: &types.FallbackInfo{Reason: cause.Error()},
		})
	}
	r.log.Info("collective unavailable, answering locally", zap.Error(cause))
}
