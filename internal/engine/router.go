package engine

import (
	"log"
	"time"

	"github.com/lazypower/loopline/internal/store"
)

// RouterConfig holds the thresholds for proactive topic selection. Zero
// values fall back to the defaults below.
type RouterConfig struct {
	Tier1Salience      float64
	Tier3Salience      float64
	MinThreadIntensity float64
	MinThreadAge       time.Duration
	MentionCooldown    time.Duration
}

// DefaultRouterConfig returns the stock selection thresholds.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Tier1Salience:      0.8,
		Tier3Salience:      0.7,
		MinThreadIntensity: 0.6,
		MinThreadAge:       4 * time.Hour,
		MentionCooldown:    24 * time.Hour,
	}
}

func (c RouterConfig) withDefaults() RouterConfig {
	d := DefaultRouterConfig()
	if c.Tier1Salience == 0 {
		c.Tier1Salience = d.Tier1Salience
	}
	if c.Tier3Salience == 0 {
		c.Tier3Salience = d.Tier3Salience
	}
	if c.MinThreadIntensity == 0 {
		c.MinThreadIntensity = d.MinThreadIntensity
	}
	if c.MinThreadAge == 0 {
		c.MinThreadAge = d.MinThreadAge
	}
	if c.MentionCooldown == 0 {
		c.MentionCooldown = d.MentionCooldown
	}
	return c
}

// IdleThought is an externally generated musing not yet shared with the
// user. The router only reads these; generating or mutating them belongs
// to the thought collaborator.
type IdleThought struct {
	ID          string
	Content     string
	GeneratedAt int64
	Shared      bool
}

// MentalThread is an externally tracked train of thought with its own
// surfacing gate. After selecting one the caller must record the mention
// with its collaborator so it cools down; the router never does.
type MentalThread struct {
	ID            string
	Description   string
	Intensity     float64
	UserRelated   bool
	LastMentioned *int64
	CreatedAt     int64
	Status        string
}

// Candidates bundles the external sources evaluated in tier 2. They are
// transient read models supplied per call; the engine holds no reference
// to their producers.
type Candidates struct {
	IdleThoughts  []IdleThought
	MentalThreads []MentalThread
}

// Selection kinds.
const (
	SelectionLoop         = "loop"
	SelectionIdleThought  = "idle_thought"
	SelectionMentalThread = "mental_thread"
	SelectionGeneric      = "generic"
)

// Selection is the single item chosen for proactive surfacing. Exactly one
// payload field is set for the non-generic kinds. If Loop is set the
// caller must follow up with MarkSurfaced after actually mentioning it.
type Selection struct {
	Kind     string
	Priority string // "high", "medium", or "low"
	Loop     *store.Loop
	Thought  *IdleThought
	Thread   *MentalThread
}

// SelectProactiveTopic picks the one item worth bringing up when the user
// re-engages, in strict tier order:
//
//	Tier 1: a loop with salience past the high bar, timing gate permitting
//	Tier 2: an unshared idle thought, else an eligible mental thread
//	Tier 3: a loop past the lower salience bar
//	Tier 4: generic fallback, always available
//
// A store failure degrades the loop tiers to empty rather than aborting;
// selection never returns an error.
func (e *Engine) SelectProactiveTopic(userID string, cfg RouterConfig, cand Candidates) Selection {
	cfg = cfg.withDefaults()
	now := time.Now().UnixMilli()

	loops, err := e.DB.QueryLoops(userID, store.NonTerminalStatuses)
	if err != nil {
		log.Printf("select: loop lookup degraded for %s: %v", userID, err)
		loops = nil
	}

	if l := bestLoop(loops, cfg.Tier1Salience, now); l != nil {
		return Selection{Kind: SelectionLoop, Priority: "high", Loop: l}
	}

	if sel, ok := bestAutonomous(cand, cfg, now); ok {
		return sel
	}

	if l := bestLoop(loops, cfg.Tier3Salience, now); l != nil {
		return Selection{Kind: SelectionLoop, Priority: "medium", Loop: l}
	}

	return Selection{Kind: SelectionGeneric, Priority: "low"}
}

// GetTopLoopToSurface returns the best currently surfaceable loop (the
// tier 1 pick, else the tier 3 pick), or nil when no loop qualifies.
func (e *Engine) GetTopLoopToSurface(userID string) (*store.Loop, error) {
	loops, err := e.DB.QueryLoops(userID, store.NonTerminalStatuses)
	if err != nil {
		return nil, err
	}

	cfg := DefaultRouterConfig()
	now := time.Now().UnixMilli()
	if l := bestLoop(loops, cfg.Tier1Salience, now); l != nil {
		return l, nil
	}
	return bestLoop(loops, cfg.Tier3Salience, now), nil
}

// bestLoop returns the highest-salience loop at or above the threshold
// whose timing gate has passed, ties broken by earliest creation. Loops
// are already ordered (salience desc, created_at asc) by the store.
func bestLoop(loops []store.Loop, threshold float64, now int64) *store.Loop {
	for i := range loops {
		l := &loops[i]
		if l.Salience < threshold {
			// Ordered by salience; nothing further qualifies.
			return nil
		}
		if l.ShouldSurfaceAfter != nil && now < *l.ShouldSurfaceAfter {
			continue
		}
		return l
	}
	return nil
}

// bestAutonomous evaluates tier 2. An unshared idle thought always beats a
// mental thread; thoughts tie-break by most recent generation, threads
// rank by intensity with a small boost when user-related.
func bestAutonomous(cand Candidates, cfg RouterConfig, now int64) (Selection, bool) {
	var thought *IdleThought
	for i := range cand.IdleThoughts {
		t := &cand.IdleThoughts[i]
		if t.Shared {
			continue
		}
		if thought == nil || t.GeneratedAt > thought.GeneratedAt {
			thought = t
		}
	}
	if thought != nil {
		return Selection{Kind: SelectionIdleThought, Priority: "medium", Thought: thought}, true
	}

	var thread *MentalThread
	var bestScore float64
	for i := range cand.MentalThreads {
		th := &cand.MentalThreads[i]
		if !threadEligible(th, cfg, now) {
			continue
		}
		score := th.Intensity
		if th.UserRelated {
			score += 0.1
		}
		if thread == nil || score > bestScore {
			thread = th
			bestScore = score
		}
	}
	if thread != nil {
		return Selection{Kind: SelectionMentalThread, Priority: "medium", Thread: thread}, true
	}
	return Selection{}, false
}

func threadEligible(th *MentalThread, cfg RouterConfig, now int64) bool {
	if th.Status != "active" {
		return false
	}
	if th.Intensity < cfg.MinThreadIntensity {
		return false
	}
	if now-th.CreatedAt < cfg.MinThreadAge.Milliseconds() {
		return false
	}
	if th.LastMentioned != nil && now-*th.LastMentioned < cfg.MentionCooldown.Milliseconds() {
		return false
	}
	return true
}
