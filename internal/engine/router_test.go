package engine

import (
	"testing"
	"time"

	"github.com/lazypower/loopline/internal/store"
)

func hoursAgo(n int) int64 {
	return time.Now().Add(-time.Duration(n) * time.Hour).UnixMilli()
}

func eligibleThread(id string, intensity float64) MentalThread {
	return MentalThread{
		ID:          id,
		Description: "wondering about " + id,
		Intensity:   intensity,
		CreatedAt:   hoursAgo(6),
		Status:      "active",
	}
}

func TestSelectTier1BeatsIdleThought(t *testing.T) {
	e := testEngine(t)

	seedLoop(t, e, store.Loop{UserID: "u1", Topic: "doctor appointment", Salience: 0.85})
	cand := Candidates{IdleThoughts: []IdleThought{
		{ID: "t1", Content: "been thinking about tides", GeneratedAt: hoursAgo(1)},
	}}

	sel := e.SelectProactiveTopic("u1", RouterConfig{}, cand)
	if sel.Kind != SelectionLoop {
		t.Fatalf("Kind = %q, want loop", sel.Kind)
	}
	if sel.Loop.Topic != "doctor appointment" {
		t.Errorf("Loop.Topic = %q", sel.Loop.Topic)
	}
	if sel.Priority != "high" {
		t.Errorf("Priority = %q, want high", sel.Priority)
	}
}

func TestSelectTier1TieBreaks(t *testing.T) {
	e := testEngine(t)

	seedLoop(t, e, store.Loop{UserID: "u1", Topic: "lower salience", Salience: 0.82})
	want := seedLoop(t, e, store.Loop{UserID: "u1", Topic: "highest salience", Salience: 0.95})
	seedLoop(t, e, store.Loop{UserID: "u1", Topic: "equal but newer", Salience: 0.95, CreatedAt: time.Now().Add(time.Minute).UnixMilli()})

	sel := e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{})
	if sel.Kind != SelectionLoop || sel.Loop.ID != want.ID {
		t.Errorf("selected %+v, want highest salience with earliest creation", sel.Loop)
	}
}

func TestSelectRespectsSurfaceAfterGate(t *testing.T) {
	e := testEngine(t)

	future := time.Now().Add(2 * time.Hour).UnixMilli()
	seedLoop(t, e, store.Loop{UserID: "u1", Topic: "birthday dinner", Salience: 0.9, ShouldSurfaceAfter: &future})
	fallback := seedLoop(t, e, store.Loop{UserID: "u1", Topic: "book recommendation", Salience: 0.82})

	sel := e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{})
	if sel.Kind != SelectionLoop || sel.Loop.ID != fallback.ID {
		t.Errorf("gated loop selected early: %+v", sel.Loop)
	}

	// Once the gate has passed the loop becomes eligible.
	past := time.Now().Add(-time.Hour).UnixMilli()
	seedLoop(t, e, store.Loop{UserID: "u2", Topic: "doctor appointment", Salience: 0.9, ShouldSurfaceAfter: &past})
	sel = e.SelectProactiveTopic("u2", RouterConfig{}, Candidates{})
	if sel.Kind != SelectionLoop || sel.Loop.Topic != "doctor appointment" {
		t.Errorf("past-gate loop not selected: %+v", sel)
	}
}

func TestSelectTier2IdleThoughtPreferred(t *testing.T) {
	e := testEngine(t)

	// Only a medium-salience loop exists, below tier 1.
	seedLoop(t, e, store.Loop{UserID: "u1", Topic: "weekend plans", Salience: 0.75})

	cand := Candidates{
		IdleThoughts: []IdleThought{
			{ID: "older", Content: "a", GeneratedAt: hoursAgo(3)},
			{ID: "newer", Content: "b", GeneratedAt: hoursAgo(1)},
			{ID: "shared", Content: "c", GeneratedAt: hoursAgo(0), Shared: true},
		},
		MentalThreads: []MentalThread{eligibleThread("th1", 0.9)},
	}

	sel := e.SelectProactiveTopic("u1", RouterConfig{}, cand)
	if sel.Kind != SelectionIdleThought {
		t.Fatalf("Kind = %q, want idle_thought (tier 2 beats tier 3)", sel.Kind)
	}
	if sel.Thought.ID != "newer" {
		t.Errorf("Thought.ID = %q, want newest unshared", sel.Thought.ID)
	}
}

func TestSelectTier2ThreadGates(t *testing.T) {
	e := testEngine(t)

	lastMention := hoursAgo(2)
	cand := Candidates{MentalThreads: []MentalThread{
		{ID: "weak", Intensity: 0.4, CreatedAt: hoursAgo(6), Status: "active"},
		{ID: "young", Intensity: 0.9, CreatedAt: hoursAgo(1), Status: "active"},
		{ID: "cooling", Intensity: 0.9, CreatedAt: hoursAgo(6), Status: "active", LastMentioned: &lastMention},
		{ID: "dormant", Intensity: 0.9, CreatedAt: hoursAgo(6), Status: "archived"},
	}}

	sel := e.SelectProactiveTopic("u1", RouterConfig{}, cand)
	if sel.Kind != SelectionGeneric {
		t.Errorf("Kind = %q, want generic (every thread gated out)", sel.Kind)
	}
}

func TestSelectTier2ThreadRanking(t *testing.T) {
	e := testEngine(t)

	base := eligibleThread("plain", 0.75)
	boosted := eligibleThread("about-user", 0.7)
	boosted.UserRelated = true

	sel := e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{
		MentalThreads: []MentalThread{base, boosted},
	})
	if sel.Kind != SelectionMentalThread {
		t.Fatalf("Kind = %q, want mental_thread", sel.Kind)
	}
	// 0.7 + 0.1 user boost beats 0.75.
	if sel.Thread.ID != "about-user" {
		t.Errorf("Thread.ID = %q, want the user-related thread", sel.Thread.ID)
	}
}

func TestSelectTier3Loop(t *testing.T) {
	e := testEngine(t)

	seedLoop(t, e, store.Loop{UserID: "u1", Topic: "weekend plans", Salience: 0.72})

	sel := e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{})
	if sel.Kind != SelectionLoop {
		t.Fatalf("Kind = %q, want loop via tier 3", sel.Kind)
	}
	if sel.Priority != "medium" {
		t.Errorf("Priority = %q, want medium", sel.Priority)
	}
}

func TestSelectFallbackCompleteness(t *testing.T) {
	e := testEngine(t)

	// Zero loops, thoughts, threads: selection still returns a value.
	sel := e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{})
	if sel.Kind != SelectionGeneric {
		t.Fatalf("Kind = %q, want generic", sel.Kind)
	}
	if sel.Loop != nil || sel.Thought != nil || sel.Thread != nil {
		t.Error("generic selection must carry no payload")
	}

	// A loop below every threshold also falls through.
	seedLoop(t, e, store.Loop{UserID: "u1", Topic: "minor thing", Salience: 0.3})
	if sel := e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{}); sel.Kind != SelectionGeneric {
		t.Errorf("Kind = %q, want generic for low-salience loop", sel.Kind)
	}
}

func TestSelectDegradesOnStoreFailure(t *testing.T) {
	e := testEngine(t)
	e.DB.Close()

	// Loop tiers degrade to empty; tier 2 and the fallback stay reachable.
	cand := Candidates{IdleThoughts: []IdleThought{{ID: "t1", GeneratedAt: hoursAgo(1)}}}
	sel := e.SelectProactiveTopic("u1", RouterConfig{}, cand)
	if sel.Kind != SelectionIdleThought {
		t.Errorf("Kind = %q, want idle_thought despite store failure", sel.Kind)
	}

	sel = e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{})
	if sel.Kind != SelectionGeneric {
		t.Errorf("Kind = %q, want generic despite store failure", sel.Kind)
	}
}

func TestGetTopLoopToSurface(t *testing.T) {
	e := testEngine(t)

	if l, err := e.GetTopLoopToSurface("u1"); err != nil || l != nil {
		t.Fatalf("empty store: got %+v, %v", l, err)
	}

	tier3 := seedLoop(t, e, store.Loop{UserID: "u1", Topic: "weekend plans", Salience: 0.72})
	l, err := e.GetTopLoopToSurface("u1")
	if err != nil {
		t.Fatal(err)
	}
	if l == nil || l.ID != tier3.ID {
		t.Errorf("got %+v, want the tier 3 loop", l)
	}

	tier1 := seedLoop(t, e, store.Loop{UserID: "u1", Topic: "doctor appointment", Salience: 0.9})
	l, _ = e.GetTopLoopToSurface("u1")
	if l == nil || l.ID != tier1.ID {
		t.Errorf("got %+v, want the tier 1 loop", l)
	}
}

// Full lifecycle: two messages about the same meeting produce one loop, it
// surfaces as tier 1, and once its surface budget is spent no tier returns
// it again.
func TestEndToEndSurfacingLifecycle(t *testing.T) {
	e := testEngine(t)

	if _, err := e.ResolveOrCreate("u1", store.TypePendingEvent, "meeting tomorrow", CreateOpts{Salience: sal(0.6)}); err != nil {
		t.Fatal(err)
	}
	merged, err := e.ResolveOrCreate("u1", store.TypePendingEvent, "the meeting", CreateOpts{Salience: sal(0.9), MaxSurfaces: 1})
	if err != nil {
		t.Fatal(err)
	}

	loops, _ := e.GetActiveLoops("u1")
	if len(loops) != 1 || loops[0].Salience != 0.9 {
		t.Fatalf("after both messages: %+v, want one loop at 0.9", loops)
	}

	sel := e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{})
	if sel.Kind != SelectionLoop || sel.Loop.ID != merged.ID {
		t.Fatalf("selection = %+v, want the merged loop", sel)
	}

	// MaxSurfaces on the merged loop came from the first message's insert
	// (the default); surface it out completely.
	for {
		updated, err := e.MarkSurfaced(merged.ID)
		if err != nil {
			t.Fatalf("MarkSurfaced: %v", err)
		}
		if updated.Status == store.StatusResolved {
			break
		}
	}

	sel = e.SelectProactiveTopic("u1", RouterConfig{}, Candidates{})
	if sel.Kind != SelectionGeneric {
		t.Errorf("resolved loop still selectable: %+v", sel)
	}
}
