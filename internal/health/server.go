// Package health exposes the worker's operational HTTP surface: a
// liveness probe carrying build provenance, and prometheus metrics.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vq-worker/internal/telemetry"
	"vq-worker/internal/version"
)

type status struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	BuildDate string `json:"build_date"`
	GitCommit string `json:"git_commit"`
}

// Router builds the HTTP router for the metrics listener.
func Router(service string) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status{
			Status:    "ok",
			Service:   service,
			BuildDate: version.BuildDateString(),
			GitCommit: version.GitShortHash(),
		})
	})

	r.Mount("/metrics", telemetry.Handler())
	return r
}
