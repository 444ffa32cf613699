package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.CreateJobHandler) // POST - upload workflow bundle
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)                // GET /{id}, /{id}/logs, /{id}/result.zip

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// Prometheus scrape endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.app.Metrics.Registry, promhttp.HandlerOpts{}))

	return mux
}

// handleJobRoutes dispatches /api/jobs/{id} and its subpaths.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if rest == "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]

	if len(parts) == 1 {
		s.app.JobHandler.GetJobHandler(w, r, jobID)
		return
	}

	switch parts[1] {
	case "logs":
		s.app.JobHandler.LogsHandler(w, r, jobID)
	case "result.zip":
		s.app.JobHandler.ResultZipHandler(w, r, jobID)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}
