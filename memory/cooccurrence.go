package memory

import (
	"encoding/json"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/types"
)

// Trust tiers applied to observations. Unknown tiers fall back to
// unknownTrustMult.
const (
	TrustSelf          = "self"
	TrustVerifiedAgent = "verified_agent"
	TrustPlatform      = "platform"
	TrustUnknown       = "unknown"
)

const unknownTrustMult = 0.3

const millisPerDay = 86400000

// Source records where an observation came from.
type Source struct {
	Type      string `json:"type"`
	Agent     string `json:"agent"`
	SessionID string `json:"session_id,omitempty"`
}

// Observation is one piece of co-occurrence evidence. Observations are
// append-only: provenance outlives the belief computed from it.
type Observation struct {
	ObservedAt int64   `json:"observed_at"`
	Source     Source  `json:"source"`
	Weight     float64 `json:"weight"`
	TrustTier  string  `json:"trust_tier"`
}

// PairEvidence is the provenance record for one unordered node pair.
type PairEvidence struct {
	Observations []Observation `json:"observations"`
	Belief       float64       `json:"belief"`
	LastUpdated  int64         `json:"last_updated"`
}

func (p *PairEvidence) clone() PairEvidence {
	c := PairEvidence{Belief: p.Belief, LastUpdated: p.LastUpdated}
	c.Observations = make([]Observation, len(p.Observations))
	copy(c.Observations, p.Observations)
	return c
}

// TrackerConfig tunes the evidence-accumulation scheme.
type TrackerConfig struct {
	// LinkThreshold is the belief level at which a pair is promoted to an
	// associative graph edge.
	LinkThreshold float64 `yaml:"link_threshold" json:"link_threshold"`
	// PairDecayRate is subtracted from belief per session in which the
	// pair was not observed.
	PairDecayRate float64 `yaml:"pair_decay_rate" json:"pair_decay_rate"`
	// MaxObservationAgeDays controls how quickly the time multiplier
	// falls toward its floor.
	MaxObservationAgeDays float64 `yaml:"max_observation_age_days" json:"max_observation_age_days"`
	// TrustTiers maps a trust tier name to its evidence multiplier.
	TrustTiers map[string]float64 `yaml:"trust_tiers" json:"trust_tiers"`
}

// DefaultTrackerConfig returns the default accumulation constants.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		LinkThreshold:         3.0,
		PairDecayRate:         0.5,
		MaxObservationAgeDays: 30,
		TrustTiers: map[string]float64{
			TrustSelf:          1.0,
			TrustVerifiedAgent: 0.8,
			TrustPlatform:      0.6,
			TrustUnknown:       0.3,
		},
	}
}

// SessionMeta describes the session being closed.
type SessionMeta struct {
	SessionID string `json:"session_id"`
}

// Tracker watches in-session memory recalls and promotes repeatedly
// co-recalled pairs into associative graph links. The graph stays
// authoritative for edges; the tracker is authoritative for provenance.
type Tracker struct {
	mu      sync.Mutex
	graph   *Graph
	clock   types.Clock
	logger  *zap.Logger
	config  TrackerConfig
	recalls map[string]int
	pairs   map[string]*PairEvidence
}

// NewTracker creates a tracker feeding promotions into graph.
func NewTracker(graph *Graph, config TrackerConfig, clock types.Clock, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TrustTiers == nil {
		config.TrustTiers = DefaultTrackerConfig().TrustTiers
	}
	return &Tracker{
		graph:   graph,
		clock:   clock,
		logger:  logger.With(zap.String("component", "cooccurrence_tracker")),
		config:  config,
		recalls: make(map[string]int),
		pairs:   make(map[string]*PairEvidence),
	}
}

// PairKey encodes an unordered id pair canonically as "min|max".
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// TrackRecall records one recall of a memory id in the current session.
// The session starts implicitly on the first recall.
func (t *Tracker) TrackRecall(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recalls[id]++
}

// RecallCount returns the current session's recall count for id.
func (t *Tracker) RecallCount(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recalls[id]
}

// EndSession closes the session window: every unordered pair of distinct
// recalled ids gets one observation, each affected pair's belief is
// recomputed, threshold crossings materialize associative edges, and
// every pair not observed this session decays. EndSession completes
// before its caller resumes; it is not cancellable.
func (t *Tracker) EndSession(meta SessionMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := types.Millis(t.clock.Now())
	ids := make([]string, 0, len(t.recalls))
	for id := range t.recalls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	observed := make(map[string]bool)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			key := PairKey(a, b)
			observed[key] = true
			t.observe(key, a, b, Observation{
				ObservedAt: now,
				Source:     Source{Type: "session_recall", Agent: "Amphibian", SessionID: meta.SessionID},
				Weight:     math.Sqrt(float64(minInt(t.recalls[a], t.recalls[b]))),
				TrustTier:  TrustSelf,
			}, now)
		}
	}

	// Unreinforced pairs decay. Observations stay: only belief moves.
	for key, pair := range t.pairs {
		if observed[key] {
			continue
		}
		decayed := pair.Belief - t.config.PairDecayRate
		if decayed < 0 {
			decayed = 0
		}
		if decayed != pair.Belief {
			pair.Belief = round3(decayed)
			pair.LastUpdated = now
		}
	}

	t.recalls = make(map[string]int)
	t.logger.Debug("session closed",
		zap.String("session_id", meta.SessionID),
		zap.Int("recalled_ids", len(ids)),
		zap.Int("pairs_observed", len(observed)))
}

// observe appends one observation, recomputes belief, and handles
// threshold promotion. Caller holds t.mu.
func (t *Tracker) observe(key, a, b string, obs Observation, now int64) {
	pair, ok := t.pairs[key]
	if !ok {
		pair = &PairEvidence{}
		t.pairs[key] = pair
	}
	prior := pair.Belief
	pair.Observations = append(pair.Observations, obs)
	pair.Belief = t.recomputeBelief(pair.Observations, now)
	pair.LastUpdated = now

	threshold := t.config.LinkThreshold
	if pair.Belief < threshold {
		return
	}
	weight := normalizeBelief(pair.Belief)
	// Associative edges are symmetric: materialize both directions so a
	// traversal from either endpoint reaches the other.
	if err := t.graph.LinkMemories(a, b, LinkAssociative, weight, nil); err != nil {
		t.logger.Warn("associative link skipped", zap.String("pair", key), zap.Error(err))
		return
	}
	if err := t.graph.LinkMemories(b, a, LinkAssociative, weight, nil); err != nil {
		t.logger.Warn("associative link skipped", zap.String("pair", key), zap.Error(err))
		return
	}
	if prior < threshold {
		t.logger.Info("pair promoted to associative link",
			zap.String("pair", key), zap.Float64("belief", pair.Belief))
	}
}

// recomputeBelief folds the full observation list, chronologically, into a
// scalar belief. Evidence is damped three ways: age (floor 0.1), trust
// tier, and a per-source rate limit that kicks in after the third
// observation from the same source.
func (t *Tracker) recomputeBelief(observations []Observation, now int64) float64 {
	belief := 0.0
	perSource := make(map[string]int)
	for _, obs := range observations {
		ageDays := float64(now-obs.ObservedAt) / millisPerDay
		frac := ageDays / t.config.MaxObservationAgeDays
		if frac > 1 {
			frac = 1
		}
		timeMult := 1 - frac*0.1
		if timeMult < 0.1 {
			timeMult = 0.1
		}

		trustMult, ok := t.config.TrustTiers[obs.TrustTier]
		if !ok {
			trustMult = unknownTrustMult
		}

		sourceKey := obs.Source.Type + ":" + obs.Source.Agent
		perSource[sourceKey]++
		k := perSource[sourceKey]
		rateMult := 1.0
		if k > 3 {
			rateMult = 1 / math.Sqrt(float64(k-2))
		}

		belief += obs.Weight * trustMult * timeMult * rateMult
	}
	return round3(belief)
}

// Belief returns the current belief for the unordered pair (a, b).
func (t *Tracker) Belief(a, b string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pair, ok := t.pairs[PairKey(a, b)]; ok {
		return pair.Belief
	}
	return 0
}

// Evidence returns a copy of the provenance record for the pair (a, b).
func (t *Tracker) Evidence(a, b string) (PairEvidence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pair, ok := t.pairs[PairKey(a, b)]
	if !ok {
		return PairEvidence{}, false
	}
	return pair.clone(), true
}

// SerializeProvenance renders the provenance map keyed by canonical pair
// key, for persistence alongside (but separate from) the graph.
func (t *Tracker) SerializeProvenance() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.MarshalIndent(t.pairs, "", "  ")
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "serialize provenance").WithCause(err)
	}
	return data, nil
}

// RestoreProvenance replaces the provenance map from persisted JSON.
func (t *Tracker) RestoreProvenance(data []byte) error {
	var pairs map[string]*PairEvidence
	if err := json.Unmarshal(data, &pairs); err != nil {
		return types.NewError(types.ErrIntegrity, "parse provenance").WithCause(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairs = make(map[string]*PairEvidence, len(pairs))
	for key, pair := range pairs {
		if pair == nil {
			continue
		}
		if pair.Observations == nil {
			pair.Observations = []Observation{}
		}
		t.pairs[key] = pair
	}
	return nil
}

// PairCount returns the number of tracked pairs.
func (t *Tracker) PairCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pairs)
}

func normalizeBelief(belief float64) float64 {
	n := belief / 10
	if n > 1 {
		n = 1
	}
	return n
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

