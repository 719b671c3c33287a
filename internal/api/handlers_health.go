package api

import (
	"net/http"

	"github.com/guthubrx/rekall-sub000/internal/app"
	"github.com/guthubrx/rekall-sub000/internal/models"
)

type HealthHandler struct {
	app *app.App
}

func NewHealthHandler(a *app.App) *HealthHandler {
	return &HealthHandler{app: a}
}

// Health handles GET /health. The embedding model being unloaded is not a
// failure; it is loaded on the next request that needs it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:      "ok",
		VectorIndex: string(h.app.Embeddings.IndexKind()),
	}

	if h.app.Embeddings.ModelLoaded() {
		resp.Embeddings = models.ServiceCheck{Status: "ok"}
	} else {
		resp.Embeddings = models.ServiceCheck{Status: "idle", Message: "model not loaded"}
	}

	count, err := h.app.DB.EntryCount(r.Context())
	if err != nil {
		resp.DB = models.ServiceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.DB = models.ServiceCheck{Status: "ok"}
		resp.EntryCount = count
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
