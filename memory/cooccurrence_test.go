package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/amphibian-ai/amphibian/testutil"
)

func testTracker(t *testing.T) (*Tracker, *Graph, *testutil.VirtualClock) {
	t.Helper()
	clock := testutil.NewVirtualClock(time.UnixMilli(1_700_000_000_000))
	g := NewGraph(clock, nil)
	tr := NewTracker(g, DefaultTrackerConfig(), clock, nil)
	return tr, g, clock
}

func TestPairKey(t *testing.T) {
	assert.Equal(t, "a|b", PairKey("a", "b"))
	assert.Equal(t, "a|b", PairKey("b", "a"))
	assert.Equal(t, "x|x", PairKey("x", "x"))
}

// Three identical sessions accumulate belief 1.414 -> 2.828 -> 4.243; the
// third crosses the link threshold and materializes the associative edge
// with normalized weight 0.424.
func TestTracker_SessionPromotesPair(t *testing.T) {
	tr, g, _ := testTracker(t)
	g.AddMemory("a", nil, AddOptions{ID: "A"})
	g.AddMemory("b", nil, AddOptions{ID: "B"})

	runSession := func(n int) {
		tr.TrackRecall("A")
		tr.TrackRecall("A")
		tr.TrackRecall("B")
		tr.TrackRecall("B")
		tr.EndSession(SessionMeta{SessionID: fmt.Sprintf("s%d", n)})
	}

	runSession(1)
	assert.InDelta(t, 1.414, tr.Belief("A", "B"), 1e-9)
	_, linked := g.HasLink("A", "B", LinkAssociative)
	assert.False(t, linked, "no link below threshold")

	runSession(2)
	assert.InDelta(t, 2.828, tr.Belief("A", "B"), 1e-9)
	_, linked = g.HasLink("A", "B", LinkAssociative)
	assert.False(t, linked)

	runSession(3)
	assert.InDelta(t, 4.243, tr.Belief("A", "B"), 1e-9)
	w, linked := g.HasLink("A", "B", LinkAssociative)
	require.True(t, linked)
	assert.InDelta(t, 0.424, w, 1e-3)
	// Materialization is symmetric.
	w, linked = g.HasLink("B", "A", LinkAssociative)
	require.True(t, linked)
	assert.InDelta(t, 0.424, w, 1e-3)

	ev, ok := tr.Evidence("A", "B")
	require.True(t, ok)
	assert.Len(t, ev.Observations, 3)
	assert.Equal(t, "session_recall", ev.Observations[0].Source.Type)
	assert.Equal(t, "Amphibian", ev.Observations[0].Source.Agent)
	assert.Equal(t, "s1", ev.Observations[0].Source.SessionID)
	assert.Equal(t, TrustSelf, ev.Observations[0].TrustTier)
}

// Sessions that do not recall a pair decay its belief by the decay rate,
// without touching the existing edge weight.
func TestTracker_DecayWithoutRefresh(t *testing.T) {
	tr, g, _ := testTracker(t)
	g.AddMemory("a", nil, AddOptions{ID: "A"})
	g.AddMemory("b", nil, AddOptions{ID: "B"})

	for i := 0; i < 3; i++ {
		tr.TrackRecall("A")
		tr.TrackRecall("A")
		tr.TrackRecall("B")
		tr.TrackRecall("B")
		tr.EndSession(SessionMeta{SessionID: fmt.Sprintf("warm%d", i)})
	}
	require.InDelta(t, 4.243, tr.Belief("A", "B"), 1e-9)
	weightBefore, linked := g.HasLink("A", "B", LinkAssociative)
	require.True(t, linked)

	for i := 0; i < 3; i++ {
		tr.TrackRecall("C") // unrelated activity, pair unobserved
		tr.EndSession(SessionMeta{SessionID: fmt.Sprintf("idle%d", i)})
	}
	assert.InDelta(t, 2.743, tr.Belief("A", "B"), 1e-9)

	// The edge stays in the graph with its stale weight; decay never
	// refreshes it.
	weightAfter, linked := g.HasLink("A", "B", LinkAssociative)
	require.True(t, linked)
	assert.Equal(t, weightBefore, weightAfter)

	// Observations survive decay: provenance is append-only.
	ev, ok := tr.Evidence("A", "B")
	require.True(t, ok)
	assert.Len(t, ev.Observations, 3)
}

func TestTracker_PairWeightUsesMinCount(t *testing.T) {
	tr, _, _ := testTracker(t)
	tr.TrackRecall("A")
	tr.TrackRecall("A")
	tr.TrackRecall("A")
	tr.TrackRecall("A")
	tr.TrackRecall("B")
	tr.EndSession(SessionMeta{SessionID: "s"})

	// weight = sqrt(min(4,1)) = 1.
	ev, ok := tr.Evidence("A", "B")
	require.True(t, ok)
	require.Len(t, ev.Observations, 1)
	assert.InDelta(t, 1.0, ev.Observations[0].Weight, 1e-9)
}

func TestTracker_RateLimitDampsRepeatedSource(t *testing.T) {
	tr, _, _ := testTracker(t)

	// Five identical sessions: observations 4 and 5 are damped by
	// 1/sqrt(k-2).
	for i := 0; i < 5; i++ {
		tr.TrackRecall("A")
		tr.TrackRecall("B")
		tr.EndSession(SessionMeta{SessionID: fmt.Sprintf("s%d", i)})
	}
	// weight 1 each; k=1..5 -> mult 1,1,1,1/sqrt(2),1/sqrt(3)
	want := 3.0 + 1/sqrt2 + 1/sqrt3
	assert.InDelta(t, want, tr.Belief("A", "B"), 1e-3)
}

const (
	sqrt2 = 1.4142135623730951
	sqrt3 = 1.7320508075688772
)

func TestTracker_TimeMultiplierAgesEvidence(t *testing.T) {
	tr, _, clock := testTracker(t)

	tr.TrackRecall("A")
	tr.TrackRecall("B")
	tr.EndSession(SessionMeta{SessionID: "old"})
	require.InDelta(t, 1.0, tr.Belief("A", "B"), 1e-9)

	// 15 days later the old observation is re-weighted by
	// 1 - (15/30)*0.1 = 0.95 when the pair is next recomputed.
	clock.Advance(15 * 24 * time.Hour)
	tr.TrackRecall("A")
	tr.TrackRecall("B")
	tr.EndSession(SessionMeta{SessionID: "new"})
	assert.InDelta(t, 0.95+1.0, tr.Belief("A", "B"), 1e-3)
}

func TestTracker_UnknownTrustTierFallsBack(t *testing.T) {
	tr, _, clock := testTracker(t)
	now := clock.Now().UnixMilli()
	belief := tr.recomputeBelief([]Observation{
		{ObservedAt: now, Weight: 2.0, TrustTier: "made_up", Source: Source{Type: "x", Agent: "y"}},
	}, now)
	assert.InDelta(t, 0.6, belief, 1e-9) // 2.0 * 0.3
}

func TestTracker_ProvenanceRoundTrip(t *testing.T) {
	tr, g, clock := testTracker(t)
	g.AddMemory("a", nil, AddOptions{ID: "A"})
	g.AddMemory("b", nil, AddOptions{ID: "B"})
	tr.TrackRecall("A")
	tr.TrackRecall("B")
	tr.EndSession(SessionMeta{SessionID: "s1"})

	data, err := tr.SerializeProvenance()
	require.NoError(t, err)

	restored := NewTracker(g, DefaultTrackerConfig(), clock, nil)
	require.NoError(t, restored.RestoreProvenance(data))
	assert.Equal(t, tr.Belief("A", "B"), restored.Belief("A", "B"))
	ev, ok := restored.Evidence("A", "B")
	require.True(t, ok)
	assert.Len(t, ev.Observations, 1)

	err = restored.RestoreProvenance([]byte("nope"))
	require.Error(t, err)
}

// For a fixed clock, a fixed recall history always produces the same
// belief to three decimals.
func TestTracker_BeliefDeterminism(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sessions := rapid.IntRange(1, 6).Draw(t, "sessions")
		recallsA := make([]int, sessions)
		recallsB := make([]int, sessions)
		for i := range recallsA {
			recallsA[i] = rapid.IntRange(0, 4).Draw(t, "ca")
			recallsB[i] = rapid.IntRange(0, 4).Draw(t, "cb")
		}

		run := func() float64 {
			clock := testutil.NewVirtualClock(time.UnixMilli(1_700_000_000_000))
			g := NewGraph(clock, nil)
			tr := NewTracker(g, DefaultTrackerConfig(), clock, nil)
			for i := 0; i < sessions; i++ {
				for j := 0; j < recallsA[i]; j++ {
					tr.TrackRecall("A")
				}
				for j := 0; j < recallsB[i]; j++ {
					tr.TrackRecall("B")
				}
				tr.EndSession(SessionMeta{SessionID: "s"})
				clock.Advance(time.Hour)
			}
			return tr.Belief("A", "B")
		}

		first := run()
		second := run()
		if first != second {
			t.Fatalf("belief not deterministic: %v vs %v", first, second)
		}
	})
}

// A pair unobserved for n sessions loses at most n * PAIR_DECAY_RATE.
func TestTracker_DecayBoundProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := testutil.NewVirtualClock(time.UnixMilli(1_700_000_000_000))
		tr := NewTracker(NewGraph(clock, nil), DefaultTrackerConfig(), clock, nil)

		warm := rapid.IntRange(1, 5).Draw(t, "warm")
		for i := 0; i < warm; i++ {
			tr.TrackRecall("A")
			tr.TrackRecall("B")
			tr.EndSession(SessionMeta{SessionID: "w"})
		}
		initial := tr.Belief("A", "B")

		idle := rapid.IntRange(1, 10).Draw(t, "idle")
		for i := 0; i < idle; i++ {
			tr.EndSession(SessionMeta{SessionID: "i"})
		}
		got := tr.Belief("A", "B")
		bound := initial - float64(idle)*DefaultTrackerConfig().PairDecayRate
		if bound < 0 {
			bound = 0
		}
		if got > bound+1e-9 {
			t.Fatalf("belief %v exceeds decay bound %v", got, bound)
		}
		if got < 0 {
			t.Fatalf("belief went negative: %v", got)
		}
	})
}
