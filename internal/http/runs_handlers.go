package httpserver

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"schema_reconciler/internal/storage"
)

// RunHandler serves runs exported with ?export=true.
type RunHandler struct {
	base   string
	logger requestLogger
}

func NewRunHandler(base string, logger requestLogger) *RunHandler {
	return &RunHandler{base: base, logger: logger}
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := storage.ListRuns(h.base)
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup_failed", "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	rec, err := storage.LoadManifest(h.base, id)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *RunHandler) ManualSQL(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	script, err := storage.LoadManualSQL(h.base, id)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	writeSQL(w, script)
}

func runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid run id")
		return "", false
	}
	return id.String(), true
}

func (h *RunHandler) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	h.logger.Error("get run failed", "error", err)
	writeError(w, http.StatusInternalServerError, "lookup_failed", "failed to fetch run")
}
