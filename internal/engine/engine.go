package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lazypower/loopline/internal/store"
	"github.com/lazypower/loopline/internal/topic"
)

// ErrValidation marks malformed input rejected at the API boundary before
// any persistence attempt.
var ErrValidation = errors.New("invalid input")

// Engine coordinates loop creation, deduplication, dismissal, and lifecycle
// transitions over the store. Every mutating operation for a given user is
// serialized through a per-user lock so two concurrent calls cannot both
// see "no similar loop" and insert a duplicate. Different users proceed
// fully concurrently.
type Engine struct {
	DB *store.DB

	mu    sync.Mutex
	users map[string]*sync.Mutex

	schedMu   sync.Mutex
	stopCh    chan struct{}
	schedWG   sync.WaitGroup
	scheduled bool
}

// New creates a new Engine over the given store.
func New(db *store.DB) *Engine {
	return &Engine{
		DB:    db,
		users: make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing mutations for a single user.
func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.users[userID]
	if !ok {
		l = &sync.Mutex{}
		e.users[userID] = l
	}
	return l
}

// CreateOpts carries the optional fields of a new loop candidate. A nil
// Salience defaults to 0.5; a zero MaxSurfaces defaults to the store
// default.
type CreateOpts struct {
	Salience           *float64
	TriggerContext     string
	SuggestedFollowup  string
	MaxSurfaces        int
	ShouldSurfaceAfter *int64
	ExpiresAt          *int64
}

// defaultSalience is used when a candidate arrives without a score.
const defaultSalience = 0.5

// ResolveOrCreate records a new conversational loop, or merges the evidence
// into an existing loop whose topic is fuzzily similar. On a match the
// existing loop's salience is raised to the maximum seen (never lowered)
// and the trigger context is refreshed when supplied; no insert occurs.
//
// Callers processing a message that both contradicts an old topic and
// states a new one must call DismissByTopic before ResolveOrCreate, so the
// correction is not immediately erased by its own dismissal pass.
func (e *Engine) ResolveOrCreate(userID, loopType, topicText string, opts CreateOpts) (*store.Loop, error) {
	if err := validateCandidate(userID, loopType, topicText, opts); err != nil {
		return nil, err
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	open, err := e.DB.QueryLoops(userID, store.NonTerminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("resolve or create: %w", err)
	}

	for i := range open {
		if !topic.IsSimilar(open[i].Topic, topicText) {
			continue
		}

		existing := &open[i]
		if opts.Salience != nil && *opts.Salience > existing.Salience {
			update := store.LoopUpdate{Salience: opts.Salience}
			if opts.TriggerContext != "" {
				update.TriggerContext = &opts.TriggerContext
			}
			if err := e.DB.UpdateLoop(existing.ID, update); err != nil {
				return nil, fmt.Errorf("boost existing loop: %w", err)
			}
			existing.Salience = *opts.Salience
			if opts.TriggerContext != "" {
				existing.TriggerContext = opts.TriggerContext
			}
		}
		return existing, nil
	}

	salience := defaultSalience
	if opts.Salience != nil {
		salience = *opts.Salience
	}

	l := &store.Loop{
		UserID:             userID,
		LoopType:           loopType,
		Topic:              strings.TrimSpace(topicText),
		Salience:           salience,
		Status:             store.StatusActive,
		TriggerContext:     opts.TriggerContext,
		SuggestedFollowup:  opts.SuggestedFollowup,
		MaxSurfaces:        opts.MaxSurfaces,
		ShouldSurfaceAfter: opts.ShouldSurfaceAfter,
		ExpiresAt:          opts.ExpiresAt,
	}
	if err := e.DB.CreateLoop(l); err != nil {
		return nil, fmt.Errorf("create loop: %w", err)
	}
	return l, nil
}

// DismissByTopic bulk-dismisses every non-terminal loop whose topic is
// similar to the denied topic, returning the number dismissed. Used when
// the user contradicts or corrects something previously tracked.
func (e *Engine) DismissByTopic(userID, topicText string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if strings.TrimSpace(topicText) == "" {
		return 0, fmt.Errorf("%w: topic required", ErrValidation)
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	open, err := e.DB.QueryLoops(userID, store.NonTerminalStatuses)
	if err != nil {
		return 0, fmt.Errorf("dismiss by topic: %w", err)
	}

	var ids []string
	for i := range open {
		if topic.IsSimilar(open[i].Topic, topicText) {
			ids = append(ids, open[i].ID)
		}
	}

	n, err := e.DB.BulkUpdateStatus(ids, store.StatusDismissed)
	if err != nil {
		return 0, fmt.Errorf("dismiss by topic: %w", err)
	}
	return n, nil
}

// MarkSurfaced records that the caller actually mentioned the loop to the
// user: increments the surface count, stamps last_surfaced_at, and moves
// the loop to surfaced, or straight to resolved once the surface limit is
// reached. Returns ErrNotFound when the loop is missing or already
// terminal, so a stale caller cannot push the count past the limit.
func (e *Engine) MarkSurfaced(id string) (*store.Loop, error) {
	l, err := e.DB.GetLoop(id)
	if err != nil {
		return nil, err
	}
	if store.IsTerminal(l.Status) {
		return nil, store.ErrNotFound
	}

	lock := e.userLock(l.UserID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a cleanup sweep may have raced us.
	l, err = e.DB.GetLoop(id)
	if err != nil {
		return nil, err
	}
	if store.IsTerminal(l.Status) {
		return nil, store.ErrNotFound
	}

	count := l.SurfaceCount + 1
	now := time.Now().UnixMilli()
	status := store.StatusSurfaced
	if count >= l.MaxSurfaces {
		status = store.StatusResolved
	}

	update := store.LoopUpdate{
		SurfaceCount:   &count,
		LastSurfacedAt: &now,
		Status:         &status,
	}
	if err := e.DB.UpdateLoop(id, update); err != nil {
		return nil, fmt.Errorf("mark surfaced: %w", err)
	}

	l.SurfaceCount = count
	l.LastSurfacedAt = &now
	l.Status = status
	return l, nil
}

// ResolveLoop transitions a loop to resolved. Returns ErrNotFound if the
// loop is missing or already terminal.
func (e *Engine) ResolveLoop(id string) error {
	return e.transitionTerminal(id, store.StatusResolved)
}

// DismissLoop transitions a loop to dismissed. Returns ErrNotFound if the
// loop is missing or already terminal.
func (e *Engine) DismissLoop(id string) error {
	return e.transitionTerminal(id, store.StatusDismissed)
}

func (e *Engine) transitionTerminal(id, status string) error {
	l, err := e.DB.GetLoop(id)
	if err != nil {
		return err
	}

	lock := e.userLock(l.UserID)
	lock.Lock()
	defer lock.Unlock()

	l, err = e.DB.GetLoop(id)
	if err != nil {
		return err
	}
	if store.IsTerminal(l.Status) {
		return store.ErrNotFound
	}
	if err := e.DB.UpdateLoop(id, store.LoopUpdate{Status: &status}); err != nil {
		return fmt.Errorf("transition to %s: %w", status, err)
	}
	return nil
}

// GetActiveLoops returns all of a user's non-terminal loops, highest
// salience first.
func (e *Engine) GetActiveLoops(userID string) ([]store.Loop, error) {
	return e.DB.QueryLoops(userID, store.NonTerminalStatuses)
}

func validateCandidate(userID, loopType, topicText string, opts CreateOpts) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", ErrValidation)
	}
	if strings.TrimSpace(topicText) == "" {
		return fmt.Errorf("%w: topic required", ErrValidation)
	}
	if !store.ValidLoopTypes[loopType] {
		return fmt.Errorf("%w: unknown loop type %q", ErrValidation, loopType)
	}
	if opts.Salience != nil && (*opts.Salience < 0 || *opts.Salience > 1) {
		return fmt.Errorf("%w: salience %v outside [0,1]", ErrValidation, *opts.Salience)
	}
	if opts.MaxSurfaces < 0 {
		return fmt.Errorf("%w: max surfaces must be positive", ErrValidation)
	}
	return nil
}
