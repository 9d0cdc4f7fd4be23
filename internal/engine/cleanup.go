package engine

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lazypower/loopline/internal/store"
	"github.com/lazypower/loopline/internal/topic"
)

// CleanupConfig bounds the loop store. Zero values fall back to defaults.
type CleanupConfig struct {
	// MaxActiveLoops caps a user's non-terminal loop count; the lowest
	// salience loops beyond the cap expire.
	MaxActiveLoops int

	// MaxAges is the per-type age ceiling for non-terminal loops. Types not
	// listed use DefaultMaxAges.
	MaxAges map[string]time.Duration
}

// DefaultMaxActiveLoops is the per-user cap when none is configured.
const DefaultMaxActiveLoops = 20

// DefaultMaxAges holds the built-in age ceilings. Emotional followups go
// stale fastest; promises are worth keeping the longest.
var DefaultMaxAges = map[string]time.Duration{
	store.TypePendingEvent:       7 * 24 * time.Hour,
	store.TypeEmotionalFollowup:  3 * 24 * time.Hour,
	store.TypeCuriosityThread:    14 * 24 * time.Hour,
	store.TypePromise:            30 * 24 * time.Hour,
	store.TypeUnresolvedQuestion: 7 * 24 * time.Hour,
}

func (c CleanupConfig) maxActive() int {
	if c.MaxActiveLoops > 0 {
		return c.MaxActiveLoops
	}
	return DefaultMaxActiveLoops
}

func (c CleanupConfig) maxAge(loopType string) time.Duration {
	if c.MaxAges != nil {
		if age, ok := c.MaxAges[loopType]; ok && age > 0 {
			return age
		}
	}
	if age, ok := DefaultMaxAges[loopType]; ok {
		return age
	}
	return 7 * 24 * time.Hour
}

// CleanupResult reports what a cleanup cycle did.
type CleanupResult struct {
	Expired             int
	DuplicatesCollapsed int
	Capped              int
}

// RunCleanupCycle runs the three maintenance sweeps: expire loops past
// their age ceiling or explicit expiry, collapse residual fuzzy-topic
// duplicates, and cap each user's non-terminal count by salience. Each
// sweep logs and continues past its own errors; one sweep's failure never
// blocks another, and no error reaches the request path.
func (e *Engine) RunCleanupCycle(cfg CleanupConfig) CleanupResult {
	var res CleanupResult

	// Each sweep returns the count of loops it managed to transition even
	// when some users failed, so partial progress is always reported.
	n, err := e.expireOldLoops(cfg)
	res.Expired = n
	if err != nil {
		log.Printf("cleanup: expire sweep (%d expired): %v", n, err)
	}

	n, err = e.expireDuplicateLoops()
	res.DuplicatesCollapsed = n
	if err != nil {
		log.Printf("cleanup: duplicate sweep (%d collapsed): %v", n, err)
	}

	n, err = e.capActiveLoops(cfg)
	res.Capped = n
	if err != nil {
		log.Printf("cleanup: cap sweep (%d capped): %v", n, err)
	}

	return res
}

// expireOldLoops transitions non-terminal loops past their type's age
// ceiling, or past their explicit expires_at, to expired.
func (e *Engine) expireOldLoops(cfg CleanupConfig) (int, error) {
	users, err := e.DB.ActiveUsers()
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	total := 0
	var firstErr error

	for _, userID := range users {
		n, err := e.expireOldForUser(userID, cfg, now)
		total += n
		if err != nil {
			log.Printf("cleanup: expire %s: %v", userID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

func (e *Engine) expireOldForUser(userID string, cfg CleanupConfig, now int64) (int, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	open, err := e.DB.QueryLoops(userID, store.NonTerminalStatuses)
	if err != nil {
		return 0, err
	}

	var ids []string
	for i := range open {
		l := &open[i]
		if l.ExpiresAt != nil && now >= *l.ExpiresAt {
			ids = append(ids, l.ID)
			continue
		}
		if now-l.CreatedAt > cfg.maxAge(l.LoopType).Milliseconds() {
			ids = append(ids, l.ID)
		}
	}
	return e.DB.BulkUpdateStatus(ids, store.StatusExpired)
}

// expireDuplicateLoops groups each user's non-terminal loops by fuzzy topic
// and dismisses all but the most recently created loop in each group.
// Creation-time dedup normally prevents these, but topic drift and races
// can still leave residue.
func (e *Engine) expireDuplicateLoops() (int, error) {
	users, err := e.DB.ActiveUsers()
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for _, userID := range users {
		n, err := e.collapseDuplicatesForUser(userID)
		total += n
		if err != nil {
			log.Printf("cleanup: duplicates %s: %v", userID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

func (e *Engine) collapseDuplicatesForUser(userID string) (int, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	open, err := e.DB.QueryLoops(userID, store.NonTerminalStatuses)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, cluster := range clusterByTopic(open) {
		if len(cluster) <= 1 {
			continue
		}

		// Keep the most recently created loop; dismiss the rest.
		keep := cluster[0]
		for _, idx := range cluster[1:] {
			if open[idx].CreatedAt > open[keep].CreatedAt {
				keep = idx
			}
		}
		for _, idx := range cluster {
			if idx == keep {
				continue
			}
			ids = append(ids, open[idx].ID)
		}
	}
	return e.DB.BulkUpdateStatus(ids, store.StatusDismissed)
}

// clusterByTopic greedily groups loops whose topics are fuzzily similar.
// Stats and the duplicate sweep share this function so the reported
// duplicate count always matches what cleanup would actually collapse.
func clusterByTopic(loops []store.Loop) [][]int {
	var clusters [][]int
	claimed := make(map[int]bool)

	for i := range loops {
		if claimed[i] {
			continue
		}
		cluster := []int{i}
		claimed[i] = true
		for j := i + 1; j < len(loops); j++ {
			if claimed[j] {
				continue
			}
			if topic.IsSimilar(loops[i].Topic, loops[j].Topic) {
				cluster = append(cluster, j)
				claimed[j] = true
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// capActiveLoops expires the overflow when a user's non-terminal loop count
// exceeds the cap, keeping the top N by (salience desc, created_at desc).
func (e *Engine) capActiveLoops(cfg CleanupConfig) (int, error) {
	users, err := e.DB.ActiveUsers()
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for _, userID := range users {
		n, err := e.capForUser(userID, cfg.maxActive())
		total += n
		if err != nil {
			log.Printf("cleanup: cap %s: %v", userID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

func (e *Engine) capForUser(userID string, limit int) (int, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	open, err := e.DB.QueryLoops(userID, store.NonTerminalStatuses)
	if err != nil {
		return 0, err
	}
	if len(open) <= limit {
		return 0, nil
	}

	sort.SliceStable(open, func(i, j int) bool {
		if open[i].Salience != open[j].Salience {
			return open[i].Salience > open[j].Salience
		}
		return open[i].CreatedAt > open[j].CreatedAt
	})

	var ids []string
	for _, l := range open[limit:] {
		ids = append(ids, l.ID)
	}
	return e.DB.BulkUpdateStatus(ids, store.StatusExpired)
}

// LoopStats summarizes a user's loop set for observability.
type LoopStats struct {
	Active     int
	Surfaced   int
	Duplicates int
}

// Stats reports a user's non-terminal loop counts. The duplicate count
// uses the same fuzzy grouping as the cleanup sweep; counting exact-string
// matches instead would silently under-report.
func (e *Engine) Stats(userID string) (LoopStats, error) {
	open, err := e.DB.QueryLoops(userID, store.NonTerminalStatuses)
	if err != nil {
		return LoopStats{}, fmt.Errorf("stats: %w", err)
	}

	var stats LoopStats
	for i := range open {
		switch open[i].Status {
		case store.StatusActive:
			stats.Active++
		case store.StatusSurfaced:
			stats.Surfaced++
		}
	}
	for _, cluster := range clusterByTopic(open) {
		if len(cluster) > 1 {
			stats.Duplicates += len(cluster) - 1
		}
	}
	return stats, nil
}

// StartScheduler runs a cleanup cycle immediately, then on the given
// interval until StopScheduler is called. Starting twice is a no-op.
func (e *Engine) StartScheduler(interval time.Duration, cfg CleanupConfig) {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if e.scheduled {
		return
	}
	e.scheduled = true
	e.stopCh = make(chan struct{})

	e.schedWG.Add(1)
	go func() {
		defer e.schedWG.Done()

		logCycle(e.RunCleanupCycle(cfg))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logCycle(e.RunCleanupCycle(cfg))
			case <-e.stopCh:
				return
			}
		}
	}()
}

// StopScheduler stops the background cleanup task, letting an in-progress
// cycle finish. A cycle already running when stop is requested completes
// before this returns; no new cycle starts afterward.
func (e *Engine) StopScheduler() {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if !e.scheduled {
		return
	}
	close(e.stopCh)
	e.schedWG.Wait()
	e.scheduled = false
}

func logCycle(res CleanupResult) {
	if res.Expired == 0 && res.DuplicatesCollapsed == 0 && res.Capped == 0 {
		return
	}
	log.Printf("cleanup: expired %d, collapsed %d duplicates, capped %d",
		res.Expired, res.DuplicatesCollapsed, res.Capped)
}
