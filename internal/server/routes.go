package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/loopline/internal/engine"
	"github.com/lazypower/loopline/internal/store"
)

// loopPayload is the wire shape of a Loop.
type loopPayload struct {
	ID                 string  `json:"id"`
	UserID             string  `json:"user_id"`
	LoopType           string  `json:"loop_type"`
	Topic              string  `json:"topic"`
	Salience           float64 `json:"salience"`
	Status             string  `json:"status"`
	TriggerContext     string  `json:"trigger_context,omitempty"`
	SuggestedFollowup  string  `json:"suggested_followup,omitempty"`
	SurfaceCount       int     `json:"surface_count"`
	MaxSurfaces        int     `json:"max_surfaces"`
	LastSurfacedAt     *int64  `json:"last_surfaced_at,omitempty"`
	ShouldSurfaceAfter *int64  `json:"should_surface_after,omitempty"`
	ExpiresAt          *int64  `json:"expires_at,omitempty"`
	CreatedAt          int64   `json:"created_at"`
	UpdatedAt          int64   `json:"updated_at"`
}

func toPayload(l *store.Loop) loopPayload {
	return loopPayload{
		ID:                 l.ID,
		UserID:             l.UserID,
		LoopType:           l.LoopType,
		Topic:              l.Topic,
		Salience:           l.Salience,
		Status:             l.Status,
		TriggerContext:     l.TriggerContext,
		SuggestedFollowup:  l.SuggestedFollowup,
		SurfaceCount:       l.SurfaceCount,
		MaxSurfaces:        l.MaxSurfaces,
		LastSurfacedAt:     l.LastSurfacedAt,
		ShouldSurfaceAfter: l.ShouldSurfaceAfter,
		ExpiresAt:          l.ExpiresAt,
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine/store errors to status codes: malformed input is
// the caller's fault, a missing loop is 404, anything else is the store.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleResolveOrCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID             string   `json:"user_id"`
		LoopType           string   `json:"loop_type"`
		Topic              string   `json:"topic"`
		Salience           *float64 `json:"salience"`
		TriggerContext     string   `json:"trigger_context"`
		SuggestedFollowup  string   `json:"suggested_followup"`
		MaxSurfaces        int      `json:"max_surfaces"`
		ShouldSurfaceAfter *int64   `json:"should_surface_after"`
		ExpiresAt          *int64   `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	l, err := s.engine.ResolveOrCreate(req.UserID, req.LoopType, req.Topic, engine.CreateOpts{
		Salience:           req.Salience,
		TriggerContext:     req.TriggerContext,
		SuggestedFollowup:  req.SuggestedFollowup,
		MaxSurfaces:        req.MaxSurfaces,
		ShouldSurfaceAfter: req.ShouldSurfaceAfter,
		ExpiresAt:          req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayload(l))
}

// handleDismissByTopic applies an upstream contradiction signal. Signals
// below the configured confidence, or without a topic, are acknowledged
// but skipped. Callers handling a message that both contradicts and
// restates a topic must send the dismissal before the resolve.
func (s *Server) handleDismissByTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string  `json:"user_id"`
		IsContradicting bool    `json:"is_contradicting"`
		Topic           *string `json:"topic"`
		Confidence      float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	if !req.IsContradicting || req.Topic == nil || req.Confidence < s.cfg.Contradiction.MinConfidence {
		writeJSON(w, http.StatusOK, map[string]any{"dismissed": 0, "skipped": true})
		return
	}

	n, err := s.engine.DismissByTopic(req.UserID, *req.Topic)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dismissed": n, "skipped": false})
}

func (s *Server) handleMarkSurfaced(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.MarkSurfaced(chi.URLParam(r, "loopID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayload(l))
}

func (s *Server) handleResolveLoop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResolveLoop(chi.URLParam(r, "loopID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleDismissLoop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DismissLoop(chi.URLParam(r, "loopID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleGetActiveLoops(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}

	loops, err := s.engine.GetActiveLoops(userID)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := make([]loopPayload, 0, len(loops))
	for i := range loops {
		payload = append(payload, toPayload(&loops[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loops": payload})
}

func (s *Server) handleTopLoop(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}

	l, err := s.engine.GetTopLoopToSurface(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if l == nil {
		writeJSON(w, http.StatusOK, map[string]any{"loop": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loop": toPayload(l)})
}

// handleSelect runs proactive topic selection. Idle thoughts and mental
// threads are transient read models owned by their collaborators, so the
// caller ships them in the request; if a mental thread comes back the
// caller records the mention with that collaborator itself.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id"`
		IdleThoughts []struct {
			ID          string `json:"id"`
			Content     string `json:"content"`
			GeneratedAt int64  `json:"generated_at"`
			Shared      bool   `json:"shared"`
		} `json:"idle_thoughts"`
		MentalThreads []struct {
			ID            string  `json:"id"`
			Description   string  `json:"description"`
			Intensity     float64 `json:"intensity"`
			UserRelated   bool    `json:"user_related"`
			LastMentioned *int64  `json:"last_mentioned"`
			CreatedAt     int64   `json:"created_at"`
			Status        string  `json:"status"`
		} `json:"mental_threads"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}

	var cand engine.Candidates
	for _, t := range req.IdleThoughts {
		cand.IdleThoughts = append(cand.IdleThoughts, engine.IdleThought{
			ID: t.ID, Content: t.Content, GeneratedAt: t.GeneratedAt, Shared: t.Shared,
		})
	}
	for _, th := range req.MentalThreads {
		cand.MentalThreads = append(cand.MentalThreads, engine.MentalThread{
			ID: th.ID, Description: th.Description, Intensity: th.Intensity,
			UserRelated: th.UserRelated, LastMentioned: th.LastMentioned,
			CreatedAt: th.CreatedAt, Status: th.Status,
		})
	}

	sel := s.engine.SelectProactiveTopic(req.UserID, s.cfg.EngineRouter(), cand)

	resp := map[string]any{
		"kind":     sel.Kind,
		"priority": sel.Priority,
	}
	switch sel.Kind {
	case engine.SelectionLoop:
		resp["loop"] = toPayload(sel.Loop)
	case engine.SelectionIdleThought:
		resp["thought_id"] = sel.Thought.ID
		resp["content"] = sel.Thought.Content
	case engine.SelectionMentalThread:
		resp["thread_id"] = sel.Thread.ID
		resp["description"] = sel.Thread.Description
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}

	stats, err := s.engine.Stats(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"active":     stats.Active,
		"surfaced":   stats.Surfaced,
		"duplicates": stats.Duplicates,
	})
}

// handleCleanup runs one cycle synchronously. The scheduled background
// cycle is separate; this exists for operators and tests.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res := s.engine.RunCleanupCycle(s.cfg.EngineCleanup())
	writeJSON(w, http.StatusOK, map[string]int{
		"expired":              res.Expired,
		"duplicates_collapsed": res.DuplicatesCollapsed,
		"capped":               res.Capped,
	})
}
