package httpserver

import (
	"net/http"
)

// HealthHandler reports liveness. It does not touch any target: a target
// being down is a reconcile outcome, not a service failure.
type HealthHandler struct {
	Targets int
}

type healthResponse struct {
	Status  string `json:"status"`
	Targets int    `json:"targets"`
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Targets: h.Targets,
	})
}
