package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/guthubrx/rekall-sub000/internal/archive"
	"github.com/guthubrx/rekall-sub000/internal/models"
)

const maxBodyBytes = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps the error taxonomy onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	var cerr *models.ConflictError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
	case errors.As(err, &cerr):
		writeError(w, http.StatusConflict, cerr.Reason)
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, archive.ErrChecksumMismatch), errors.Is(err, archive.ErrFormatVersion), errors.Is(err, archive.ErrIntegrity):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return fallback
}

func queryFloat(r *http.Request, key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64); err == nil {
		return v
	}
	return fallback
}

func queryBool(r *http.Request, key string, fallback bool) bool {
	if v, err := strconv.ParseBool(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return fallback
}
