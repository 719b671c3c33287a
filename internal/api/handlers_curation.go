package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guthubrx/rekall-sub000/internal/app"
	"github.com/guthubrx/rekall-sub000/internal/curation"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

// CurationHandler serves the inbox, staging, sources and suggestion routes.
type CurationHandler struct {
	app *app.App
}

func NewCurationHandler(a *app.App) *CurationHandler {
	return &CurationHandler{app: a}
}

type stagingItem struct {
	*models.StagingEntry
	Indicator curation.Indicator `json:"indicator"`
}

// ListStaging handles GET /staging
func (h *CurationHandler) ListStaging(w http.ResponseWriter, r *http.Request) {
	f := store.StagingFilter{
		OnlyUnpromoted: queryBool(r, "unpromoted", false),
		OnlyUnenriched: queryBool(r, "unenriched", false),
		MinScore:       queryFloat(r, "minScore", 0),
		Limit:          queryInt(r, "limit", 100),
	}
	rows, err := h.app.Staging.List(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}

	cfg := h.app.Promoter.Config()
	items := make([]stagingItem, len(rows))
	for i, st := range rows {
		items[i] = stagingItem{
			StagingEntry: st,
			Indicator:    curation.IndicatorFor(st.PromotionScore, st.IsPromoted(), cfg),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Promote handles POST /staging/{id}/promote
func (h *CurationHandler) Promote(w http.ResponseWriter, r *http.Request) {
	src, err := h.app.Promoter.Promote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

// AutoPromote handles POST /staging/auto-promote
func (h *CurationHandler) AutoPromote(w http.ResponseWriter, r *http.Request) {
	if _, err := h.app.Promoter.Recalculate(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	promoted, err := h.app.Promoter.AutoPromote(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if promoted == nil {
		promoted = []*models.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"promoted": promoted})
}

// Enrich handles POST /staging/enrich
func (h *CurationHandler) Enrich(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Enricher.EnrichPending(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sourceItem struct {
	*models.Source
	EffectiveScore float64 `json:"effectiveScore"`
}

// ListSources handles GET /sources
func (h *CurationHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	rows, err := h.app.Sources.List(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, err)
		return
	}
	now := time.Now()
	items := make([]sourceItem, len(rows))
	for i, src := range rows {
		items[i] = sourceItem{Source: src, EffectiveScore: curation.EffectiveScore(src, now)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Demote handles POST /sources/{id}/demote
func (h *CurationHandler) Demote(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Promoter.Demote(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordUsage handles POST /sources/{id}/usage
func (h *CurationHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Sources.RecordUsage(r.Context(), chi.URLParam(r, "id"), time.Now().Unix()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Capture handles POST /inbox
func (h *CurationHandler) Capture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []models.InboxEntry `json:"entries"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "entries is required")
		return
	}

	res, err := h.app.Capturer.Capture(r.Context(), req.Entries)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VerifyLink handles POST /links/verify
func (h *CurationHandler) VerifyLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, err := curation.ValidateURL(req.URL); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "field": "url"})
		return
	}

	status, err := h.app.Enricher.VerifyLink(r.Context(), req.URL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListSuggestions handles GET /suggestions
func (h *CurationHandler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	typ := models.SuggestionType(r.URL.Query().Get("type"))
	rows, err := h.app.Memory.Suggestions(r.Context(), typ)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rows == nil {
		rows = []*models.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

// GenerateSuggestions handles POST /suggestions/generate
func (h *CurationHandler) GenerateSuggestions(w http.ResponseWriter, r *http.Request) {
	consolidation, err := h.app.Consolidator.Suggest(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	links, err := h.app.Memory.SuggestLinks(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consolidation": consolidation, "links": links})
}

// Accept handles POST /suggestions/{id}/accept
func (h *CurationHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, true)
}

// Reject handles POST /suggestions/{id}/reject
func (h *CurationHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, false)
}

func (h *CurationHandler) resolve(w http.ResponseWriter, r *http.Request, accepted bool) {
	sg, err := h.app.Memory.ResolveSuggestion(r.Context(), chi.URLParam(r, "id"), accepted)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

// Curate handles POST /curate
func (h *CurationHandler) Curate(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Curate(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
