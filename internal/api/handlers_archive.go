package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guthubrx/rekall-sub000/internal/app"
	"github.com/guthubrx/rekall-sub000/internal/archive"
	"github.com/guthubrx/rekall-sub000/internal/importer"
)

// ArchiveHandler serves export, import and backup routes.
type ArchiveHandler struct {
	app *app.App
}

func NewArchiveHandler(a *app.App) *ArchiveHandler {
	return &ArchiveHandler{app: a}
}

// Export handles GET /export
func (h *ArchiveHandler) Export(w http.ResponseWriter, r *http.Request) {
	records, err := archive.Export(r.Context(), h.app.DB)
	if err != nil {
		writeErr(w, err)
		return
	}
	a, err := archive.Build(records, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="rekall-export.json"`)
	a.Encode(w)
}

// decodeRecords reads an archive body and checks its manifest.
func decodeRecords(w http.ResponseWriter, r *http.Request) ([]archive.Record, bool) {
	a, err := archive.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid archive: "+err.Error())
		return nil, false
	}
	records, err := a.Records()
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return records, true
}

// PlanImport handles POST /import/plan
func (h *ArchiveHandler) PlanImport(w http.ResponseWriter, r *http.Request) {
	records, ok := decodeRecords(w, r)
	if !ok {
		return
	}
	plan, err := h.app.Importer.Plan(r.Context(), records)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ExecuteImport handles POST /import/execute?strategy=skip|replace|merge
func (h *ArchiveHandler) ExecuteImport(w http.ResponseWriter, r *http.Request) {
	strategy, err := importer.ParseStrategy(r.URL.Query().Get("strategy"))
	if err != nil {
		writeErr(w, err)
		return
	}
	records, ok := decodeRecords(w, r)
	if !ok {
		return
	}
	res, err := h.app.Import(r.Context(), records, strategy)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type backupInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListBackups handles GET /backups
func (h *ArchiveHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	items := []backupInfo{}
	dirents, err := os.ReadDir(h.app.Config.BackupDir)
	if err != nil && !os.IsNotExist(err) {
		writeErr(w, err)
		return
	}
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".db") {
			continue
		}
		fi, err := d.Info()
		if err != nil {
			continue
		}
		items = append(items, backupInfo{Name: d.Name(), Size: fi.Size(), CreatedAt: fi.ModTime().UTC()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name > items[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// CreateBackup handles POST /backups
func (h *ArchiveHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	path, err := archive.CreateBackup(r.Context(), h.app.DB, h.app.Config.BackupDir)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": filepath.Base(path), "path": path})
}

// ValidateBackup handles POST /backups/{name}/validate. Only files inside
// the backup directory can be named.
func (h *ArchiveHandler) ValidateBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		writeError(w, http.StatusBadRequest, "invalid backup name")
		return
	}
	path := filepath.Join(h.app.Config.BackupDir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	if err := archive.ValidateBackup(r.Context(), path); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "valid": true})
}
