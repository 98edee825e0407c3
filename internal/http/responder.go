package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"schema_reconciler/internal/config"
	"schema_reconciler/internal/db"
	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/reconcile"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: message}})
}

// errorStatus maps domain errors onto a status and error code. Anything
// unrecognised is a 500 with a generic message so driver text never leaks.
func errorStatus(err error) (int, apiError) {
	switch {
	case errors.Is(err, config.ErrTargetNotFound):
		return http.StatusNotFound, apiError{Code: "not_found", Message: "target not found"}
	case errors.Is(err, expect.ErrUnknownTable):
		return http.StatusBadRequest, apiError{Code: "unknown_table", Message: err.Error()}
	case errors.Is(err, reconcile.ErrConnectivity):
		return http.StatusServiceUnavailable, apiError{Code: "target_unreachable", Message: err.Error()}
	case errors.Is(err, db.ErrCatalogUnavailable):
		return http.StatusBadGateway, apiError{Code: "catalog_unavailable", Message: err.Error()}
	default:
		return http.StatusInternalServerError, apiError{Code: "internal", Message: "internal error"}
	}
}

// writeSQL sends a script as plain text so it can be piped into a console.
func writeSQL(w http.ResponseWriter, script string) {
	w.Header().Set("Content-Type", "application/sql; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(script))
}
