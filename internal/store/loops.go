package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Loop statuses. Resolved, dismissed, and expired are terminal.
const (
	StatusActive    = "active"
	StatusSurfaced  = "surfaced"
	StatusResolved  = "resolved"
	StatusDismissed = "dismissed"
	StatusExpired   = "expired"
)

// Loop types.
const (
	TypePendingEvent       = "pending_event"
	TypeEmotionalFollowup  = "emotional_followup"
	TypeCuriosityThread    = "curiosity_thread"
	TypePromise            = "promise"
	TypeUnresolvedQuestion = "unresolved_question"
)

// NonTerminalStatuses are the statuses of loops still eligible for
// surfacing, dedup, and cleanup.
var NonTerminalStatuses = []string{StatusActive, StatusSurfaced}

// ValidLoopTypes is the closed set of loop types accepted at the API
// boundary.
var ValidLoopTypes = map[string]bool{
	TypePendingEvent:       true,
	TypeEmotionalFollowup:  true,
	TypeCuriosityThread:    true,
	TypePromise:            true,
	TypeUnresolvedQuestion: true,
}

// IsTerminal reports whether a status ends the loop's lifecycle.
func IsTerminal(status string) bool {
	return status == StatusResolved || status == StatusDismissed || status == StatusExpired
}

// DefaultMaxSurfaces bounds how many times a loop is proactively mentioned
// before it auto-resolves.
const DefaultMaxSurfaces = 2

// Loop is a tracked conversational thread awaiting a future proactive
// mention. Timestamps are unix milliseconds.
type Loop struct {
	ID                 string
	UserID             string
	LoopType           string
	Topic              string
	Salience           float64
	Status             string
	TriggerContext     string
	SuggestedFollowup  string
	SurfaceCount       int
	MaxSurfaces        int
	LastSurfacedAt     *int64
	ShouldSurfaceAfter *int64
	ExpiresAt          *int64
	CreatedAt          int64
	UpdatedAt          int64
}

// LoopUpdate is a partial update; nil fields are left untouched.
type LoopUpdate struct {
	Salience          *float64
	Status            *string
	TriggerContext    *string
	SuggestedFollowup *string
	SurfaceCount      *int
	LastSurfacedAt    *int64
}

// CreateLoop inserts a new loop. A missing id gets a fresh UUID, a zero
// MaxSurfaces gets the default, and a zero CreatedAt gets the current time
// (backfill tooling may supply its own).
func (db *DB) CreateLoop(l *Loop) error {
	now := time.Now().UnixMilli()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
	if l.MaxSurfaces == 0 {
		l.MaxSurfaces = DefaultMaxSurfaces
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	_, err := db.Exec(`
		INSERT INTO loops (id, user_id, loop_type, topic, salience, status,
			trigger_context, suggested_followup, surface_count, max_surfaces,
			last_surfaced_at, should_surface_after, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.UserID, l.LoopType, l.Topic, l.Salience, l.Status,
		l.TriggerContext, l.SuggestedFollowup, l.SurfaceCount, l.MaxSurfaces,
		l.LastSurfacedAt, l.ShouldSurfaceAfter, l.ExpiresAt, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return unavailable("create loop", err)
	}
	return nil
}

const loopColumns = `id, user_id, loop_type, topic, salience, status,
	trigger_context, suggested_followup, surface_count, max_surfaces,
	last_surfaced_at, should_surface_after, expires_at, created_at, updated_at`

// GetLoop returns a loop by id. Returns ErrNotFound if no such loop exists.
func (db *DB) GetLoop(id string) (*Loop, error) {
	row := db.QueryRow(`SELECT `+loopColumns+` FROM loops WHERE id = ?`, id)
	l, err := scanLoop(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get loop", err)
	}
	return l, nil
}

// QueryLoops returns a user's loops in the given statuses, ordered by
// salience descending then oldest first.
func (db *DB) QueryLoops(userID string, statuses []string) ([]Loop, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	ph := placeholders(len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, userID)
	for _, s := range statuses {
		args = append(args, s)
	}

	rows, err := db.Query(`
		SELECT `+loopColumns+` FROM loops
		WHERE user_id = ? AND status IN (`+ph+`)
		ORDER BY salience DESC, created_at ASC
	`, args...)
	if err != nil {
		return nil, unavailable("query loops", err)
	}
	defer rows.Close()
	return scanLoops(rows)
}

// UpdateLoop applies a partial update to a loop. Returns ErrNotFound if the
// id does not exist.
func (db *DB) UpdateLoop(id string, u LoopUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	if u.Salience != nil {
		sets = append(sets, "salience = ?")
		args = append(args, *u.Salience)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.TriggerContext != nil {
		sets = append(sets, "trigger_context = ?")
		args = append(args, *u.TriggerContext)
	}
	if u.SuggestedFollowup != nil {
		sets = append(sets, "suggested_followup = ?")
		args = append(args, *u.SuggestedFollowup)
	}
	if u.SurfaceCount != nil {
		sets = append(sets, "surface_count = ?")
		args = append(args, *u.SurfaceCount)
	}
	if u.LastSurfacedAt != nil {
		sets = append(sets, "last_surfaced_at = ?")
		args = append(args, *u.LastSurfacedAt)
	}

	args = append(args, id)
	result, err := db.Exec(`UPDATE loops SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return unavailable("update loop", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkUpdateStatus transitions all given loops to the status. Returns the
// number of rows actually updated.
func (db *DB) BulkUpdateStatus(ids []string, status string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, status, time.Now().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}

	result, err := db.Exec(`
		UPDATE loops SET status = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return 0, unavailable("bulk update status", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ActiveUsers returns the distinct user ids that currently own non-terminal
// loops. Cleanup sweeps iterate this set so per-user locking stays cheap.
func (db *DB) ActiveUsers() ([]string, error) {
	args := make([]any, len(NonTerminalStatuses))
	for i, s := range NonTerminalStatuses {
		args[i] = s
	}
	rows, err := db.Query(`
		SELECT DISTINCT user_id FROM loops
		WHERE status IN (`+placeholders(len(NonTerminalStatuses))+`)
		ORDER BY user_id
	`, args...)
	if err != nil {
		return nil, unavailable("active users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, unavailable("scan user", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountLoops returns the number of a user's loops in the given statuses.
func (db *DB) CountLoops(userID string, statuses []string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses)+1)
	args = append(args, userID)
	for _, s := range statuses {
		args = append(args, s)
	}

	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM loops WHERE user_id = ? AND status IN (`+placeholders(len(statuses))+`)
	`, args...).Scan(&count)
	if err != nil {
		return 0, unavailable("count loops", err)
	}
	return count, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLoop(row scanner) (*Loop, error) {
	var l Loop
	var triggerContext, suggestedFollowup sql.NullString
	var lastSurfacedAt, shouldSurfaceAfter, expiresAt sql.NullInt64

	err := row.Scan(&l.ID, &l.UserID, &l.LoopType, &l.Topic, &l.Salience, &l.Status,
		&triggerContext, &suggestedFollowup, &l.SurfaceCount, &l.MaxSurfaces,
		&lastSurfacedAt, &shouldSurfaceAfter, &expiresAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	l.TriggerContext = triggerContext.String
	l.SuggestedFollowup = suggestedFollowup.String
	if lastSurfacedAt.Valid {
		l.LastSurfacedAt = &lastSurfacedAt.Int64
	}
	if shouldSurfaceAfter.Valid {
		l.ShouldSurfaceAfter = &shouldSurfaceAfter.Int64
	}
	if expiresAt.Valid {
		l.ExpiresAt = &expiresAt.Int64
	}
	return &l, nil
}

func scanLoops(rows *sql.Rows) ([]Loop, error) {
	var loops []Loop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, unavailable("scan loop", err)
		}
		loops = append(loops, *l)
	}
	return loops, rows.Err()
}
