package api

import (
	"net/http"

	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/memory"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/search"
)

type SearchHandler struct {
	svc *memory.Service
}

func NewSearchHandler(svc *memory.Service) *SearchHandler {
	return &SearchHandler{svc: svc}
}

func decodeSearch(w http.ResponseWriter, r *http.Request) (*models.SearchRequest, bool) {
	var req models.SearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return nil, false
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	return &req, true
}

// Hybrid handles POST /search/hybrid
func (h *SearchHandler) Hybrid(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSearch(w, r)
	if !ok {
		return
	}

	results, err := h.svc.Search(r.Context(), search.Params{
		Query:               req.Query,
		ConversationContext: req.ConversationContext,
		Filters:             filtersFromRequest(req),
		Limit:               req.Limit,
		MinSimilarity:       req.MinSimilarity,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Semantic handles POST /search/semantic. Without a usable model the
// response is empty with semantic=false rather than an error.
func (h *SearchHandler) Semantic(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSearch(w, r)
	if !ok {
		return
	}

	opts := embedding.DefaultSimilarOptions()
	opts.Limit = req.Limit
	if req.MinSimilarity > 0 {
		opts.Threshold = req.MinSimilarity
	}
	results, available, err := h.svc.SemanticSearch(r.Context(), req.Query, req.ConversationContext, opts, filtersFromRequest(req))
	if err != nil {
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []memory.SimilarEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "semantic": available})
}
