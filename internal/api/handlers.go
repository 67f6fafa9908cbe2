package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/recallstack/engram/internal/engine"
	"github.com/recallstack/engram/internal/storage"
	"github.com/recallstack/engram/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StoreRequest is the body of POST /api/memories. Importance is a pointer so
// an omitted field gets the 0.5 default while an explicit 0 is honored.
type StoreRequest struct {
	Scope        string   `json:"scope"`
	ScopeOwnerID string   `json:"scope_owner_id"`
	Type         string   `json:"type"`
	Content      string   `json:"content"`
	Importance   *float64 `json:"importance,omitempty"`
	Source       string   `json:"source"`
	Permanent    bool     `json:"permanent"`
}

// SearchRequest is the body of POST /api/memories/search.
type SearchRequest struct {
	Query        string `json:"query"`
	Scope        string `json:"scope"`
	ScopeOwnerID string `json:"scope_owner_id"`
	Limit        int    `json:"limit"`

	// PermanentProfile selects the importance-biased weight blend used for
	// zero-decay project memory.
	PermanentProfile bool `json:"permanent_profile"`

	// SkipReinforcement disables recall strengthening for this query.
	SkipReinforcement bool `json:"skip_reinforcement"`
}

// SearchAllRequest is the body of POST /api/memories/search-all.
type SearchAllRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	TeamID string `json:"team_id"`
	Limit  int    `json:"limit"`
}

// MemoryResponse is the JSON view of a stored entry.
type MemoryResponse struct {
	ID             string  `json:"id"`
	Scope          string  `json:"scope"`
	ScopeOwnerID   string  `json:"scope_owner_id,omitempty"`
	Type           string  `json:"type"`
	Content        string  `json:"content"`
	Importance     float64 `json:"importance"`
	Strength       float64 `json:"strength"`
	DecayRate      float64 `json:"decay_rate"`
	AccessCount    int     `json:"access_count"`
	LastAccessedAt string  `json:"last_accessed_at"`
	CreatedAt      string  `json:"created_at"`
	Source         string  `json:"source"`
	Permanent      bool    `json:"permanent"`
}

// ScoredResponse extends MemoryResponse with the retrieval scores.
type ScoredResponse struct {
	MemoryResponse
	Similarity        float64 `json:"similarity"`
	EffectiveStrength float64 `json:"effective_strength"`
	RecencyScore      float64 `json:"recency_score"`
	FrequencyScore    float64 `json:"frequency_score"`
	FinalScore        float64 `json:"final_score"`
	Confidence        string  `json:"confidence"`
}

// SearchResponse is the body returned by both search endpoints.
type SearchResponse struct {
	Results []ScoredResponse `json:"results"`
	Total   int              `json:"total"`
	Query   string           `json:"query"`
}

// Handlers contains the REST handlers for the memory API.
type Handlers struct {
	engine *engine.Engine
	hub    *Hub
}

// NewHandlers creates the handler set. hub may be nil when no activity feed
// is wanted (tests).
func NewHandlers(eng *engine.Engine, hub *Hub) *Handlers {
	return &Handlers{engine: eng, hub: hub}
}

// StoreMemory handles POST /api/memories.
func (h *Handlers) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required", "BAD_REQUEST")
		return
	}

	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}

	entry, err := h.engine.Store(r.Context(), engine.StoreInput{
		Scope:      types.Scope(req.Scope),
		OwnerID:    req.ScopeOwnerID,
		Type:       req.Type,
		Content:    req.Content,
		Importance: importance,
		Source:     req.Source,
		Permanent:  req.Permanent,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		log.Printf("ERROR: store memory failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store memory", "INTERNAL")
		return
	}

	h.publish(Event{Type: "memory.stored", Scope: entry.Key().String()})
	writeJSON(w, http.StatusCreated, memoryResponse(entry))
}

// SearchMemories handles POST /api/memories/search.
func (h *Handlers) SearchMemories(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required", "BAD_REQUEST")
		return
	}

	key := types.ScopeKey{Scope: types.Scope(req.Scope), OwnerID: req.ScopeOwnerID}
	opts := engine.SearchOptions{
		Limit:             req.Limit,
		SkipReinforcement: req.SkipReinforcement,
	}
	if req.PermanentProfile {
		weights := engine.PermanentSearchWeights()
		opts.Weights = &weights
	}

	results, err := h.engine.Search(r.Context(), key, req.Query, opts)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		log.Printf("ERROR: search failed in %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "search failed", "INTERNAL")
		return
	}

	h.publish(Event{Type: "memory.searched", Scope: key.String(), Count: len(results)})
	writeJSON(w, http.StatusOK, searchResponse(req.Query, results))
}

// SearchAllScopes handles POST /api/memories/search-all.
func (h *Handlers) SearchAllScopes(w http.ResponseWriter, r *http.Request) {
	var req SearchAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.Query == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "query and user_id are required", "BAD_REQUEST")
		return
	}

	results, err := h.engine.SearchAllScopes(r.Context(), req.Query, req.UserID, req.TeamID, req.Limit)
	if err != nil {
		log.Printf("ERROR: search-all for user %s failed: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "search failed", "INTERNAL")
		return
	}

	h.publish(Event{Type: "memory.searched", Detail: "all-scopes", Count: len(results)})
	writeJSON(w, http.StatusOK, searchResponse(req.Query, results))
}

// ListMemories handles GET /api/memories.
func (h *Handlers) ListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := types.ScopeKey{
		Scope:   types.Scope(q.Get("scope")),
		OwnerID: q.Get("scope_owner_id"),
	}
	opts := storage.ListOptions{
		Limit:  parseInt(q.Get("limit"), 0),
		Offset: parseInt(q.Get("offset"), 0),
		Type:   q.Get("type"),
		Source: q.Get("source"),
	}

	entries, err := h.engine.List(r.Context(), key, opts)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		log.Printf("ERROR: list %s failed: %v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to list memories", "INTERNAL")
		return
	}

	out := make([]MemoryResponse, len(entries))
	for i := range entries {
		out[i] = memoryResponse(&entries[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out, "total": len(out)})
}

// DeleteMemory handles DELETE /api/memories/{id}.
func (h *Handlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "memory ID is required", "BAD_REQUEST")
		return
	}

	if err := h.engine.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found", "NOT_FOUND")
			return
		}
		log.Printf("ERROR: delete memory %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete memory", "INTERNAL")
		return
	}

	h.publish(Event{Type: "memory.deleted", Detail: id})
	w.WriteHeader(http.StatusNoContent)
}

// RunMaintenance handles POST /api/maintenance/decay.
func (h *Handlers) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.RunMaintenance(r.Context())
	if err != nil {
		log.Printf("ERROR: maintenance failed: %v", err)
		writeError(w, http.StatusInternalServerError, "maintenance failed", "INTERNAL")
		return
	}

	h.publish(Event{Type: "maintenance.completed", Count: result.Persisted + result.Pruned})
	writeJSON(w, http.StatusOK, result)
}

// GetStats handles GET /api/stats.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		log.Printf("ERROR: stats failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) publish(event Event) {
	if h.hub != nil {
		h.hub.Broadcast(event)
	}
}

func memoryResponse(e *types.MemoryEntry) MemoryResponse {
	return MemoryResponse{
		ID:             e.ID,
		Scope:          string(e.Scope),
		ScopeOwnerID:   e.ScopeOwnerID,
		Type:           e.Type,
		Content:        e.Content,
		Importance:     e.Importance,
		Strength:       e.Strength,
		DecayRate:      e.DecayRate,
		AccessCount:    e.AccessCount,
		LastAccessedAt: e.LastAccessedAt.Format("2006-01-02T15:04:05Z07:00"),
		CreatedAt:      e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Source:         e.Source,
		Permanent:      e.Permanent(),
	}
}

func searchResponse(query string, results []types.ScoredEntry) SearchResponse {
	out := SearchResponse{Query: query, Total: len(results), Results: make([]ScoredResponse, len(results))}
	for i := range results {
		r := &results[i]
		out.Results[i] = ScoredResponse{
			MemoryResponse:    memoryResponse(&r.MemoryEntry),
			Similarity:        r.Similarity,
			EffectiveStrength: r.EffectiveStrength,
			RecencyScore:      r.RecencyScore,
			FrequencyScore:    r.FrequencyScore,
			FinalScore:        r.FinalScore,
			Confidence:        types.ConfidenceLabel(r.FinalScore),
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("ERROR: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
