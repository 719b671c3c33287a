package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/memory"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

type EntryHandler struct {
	svc *memory.Service
}

func NewEntryHandler(svc *memory.Service) *EntryHandler {
	return &EntryHandler{svc: svc}
}

func filtersFromQuery(r *http.Request) store.Filters {
	q := r.URL.Query()
	return store.Filters{
		Type:            models.EntryType(q.Get("type")),
		Project:         q.Get("project"),
		MemoryType:      models.MemoryType(q.Get("memoryType")),
		IncludeObsolete: queryBool(r, "includeObsolete", false),
	}
}

func filtersFromRequest(req *models.SearchRequest) store.Filters {
	return store.Filters{
		Type:            req.Type,
		Project:         req.Project,
		MemoryType:      req.MemoryType,
		IncludeObsolete: req.IncludeObsolete,
	}
}

type listResponse struct {
	Items  []*models.Entry `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// List handles GET /entries
func (h *EntryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.svc.List(r.Context(), filtersFromQuery(r), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []*models.Entry{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// Create handles POST /entries
func (h *EntryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.AddEntryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Add(r.Context(), &req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Get handles GET /entries/{id}. Reads through the API count as accesses.
func (h *EntryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := h.svc.Get(r.Context(), id, queryBool(r, "track", true))
	if err != nil {
		writeErr(w, err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Update handles PATCH /entries/{id}
func (h *EntryHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateEntryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	e, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Delete handles DELETE /entries/{id}
func (h *EntryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hitResponse struct {
	Entry *models.Entry `json:"entry"`
	Rank  float64       `json:"rank"`
}

// Search handles POST /entries/search (full-text only).
func (h *EntryHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	hits, err := h.svc.TextSearch(r.Context(), req.Query, filtersFromRequest(&req), req.Limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]hitResponse, len(hits))
	for i, hit := range hits {
		out[i] = hitResponse{Entry: hit.Entry, Rank: hit.Rank}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// GetContext handles GET /entries/{id}/context
func (h *EntryHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Context(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "context not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// PutContext handles PUT /entries/{id}/context
func (h *EntryHandler) PutContext(w http.ResponseWriter, r *http.Request) {
	var c models.StructuredContext
	if err := decodeJSON(w, r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	stored, err := h.svc.PutContext(r.Context(), chi.URLParam(r, "id"), &c)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// Similar handles GET /entries/{id}/similar
func (h *EntryHandler) Similar(w http.ResponseWriter, r *http.Request) {
	defaults := embedding.DefaultSimilarOptions()
	opts := embedding.SimilarOptions{
		Threshold: queryFloat(r, "threshold", defaults.Threshold),
		Limit:     queryInt(r, "limit", defaults.Limit),
	}
	if embType := r.URL.Query().Get("embeddingType"); embType != "" {
		opts.Type = models.EmbeddingType(embType)
		if !opts.Type.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid embeddingType")
			return
		}
	}

	id := chi.URLParam(r, "id")
	e, err := h.svc.Get(r.Context(), id, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}

	similar, err := h.svc.Similar(r.Context(), id, opts, filtersFromQuery(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if similar == nil {
		similar = []memory.SimilarEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": similar})
}

// Links handles GET /entries/{id}/links
func (h *EntryHandler) Links(w http.ResponseWriter, r *http.Request) {
	outgoing, incoming, err := h.svc.Links(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if outgoing == nil {
		outgoing = []models.Link{}
	}
	if incoming == nil {
		incoming = []models.Link{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outgoing": outgoing, "incoming": incoming})
}

type linkRequest struct {
	TargetID     string              `json:"targetId"`
	RelationType models.RelationType `json:"relationType"`
	Reason       string              `json:"reason"`
}

// AddLink handles POST /entries/{id}/links
func (h *EntryHandler) AddLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	l := &models.Link{
		SourceID:     chi.URLParam(r, "id"),
		TargetID:     req.TargetID,
		RelationType: req.RelationType,
		Reason:       req.Reason,
	}
	if err := h.svc.Link(r.Context(), l); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// DeleteLink handles DELETE /entries/{id}/links/{linkID}
func (h *EntryHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := strconv.ParseInt(chi.URLParam(r, "linkID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	if err := h.svc.Unlink(r.Context(), linkID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type supersedeRequest struct {
	NewID  string `json:"newId"`
	Reason string `json:"reason"`
}

// Supersede handles POST /entries/{id}/supersede
func (h *EntryHandler) Supersede(w http.ResponseWriter, r *http.Request) {
	var req supersedeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.NewID == "" {
		writeError(w, http.StatusBadRequest, "newId is required")
		return
	}

	old, err := h.svc.Supersede(r.Context(), chi.URLParam(r, "id"), req.NewID, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	if old == nil {
		writeErr(w, fmt.Errorf("entry %s: %w", chi.URLParam(r, "id"), models.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, old)
}
