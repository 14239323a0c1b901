// -----------------------------------------------------------------------
// Server Routes - REST surface, query endpoint and event streams
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Liveness and version (no auth)
	mux.HandleFunc("/healthz", s.app.HealthHandler.HealthzHandler)
	mux.HandleFunc("/version", s.app.HealthHandler.VersionHandler)

	// MCP (Model Context Protocol) query endpoint
	mux.HandleFunc("/mcp", s.app.MCPHandler.HandleRPC)

	// WebSocket event stream
	mux.HandleFunc("/ws/events", s.app.WSHandler.HandleWebSocket)

	// Export lifecycle
	mux.HandleFunc("/v1/exports", s.handleExportCollection)
	mux.HandleFunc("/v1/exports/", s.handleExportRoutes)

	return mux
}

// handleExportCollection routes POST /v1/exports.
func (s *Server) handleExportCollection(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/exports" {
		http.NotFound(w, r)
		return
	}

	RouteByMethod(w, r, MethodRouter{
		http.MethodPost: s.app.ExportHandler.CreateHandler,
	})
}

// handleExportRoutes routes the per-job endpoints:
//
//	GET    /v1/exports/{id}
//	DELETE /v1/exports/{id}
//	GET    /v1/exports/{id}/download
//	GET    /v1/exports/{id}/events
//	GET    /v1/exports/{id}/events/stream
func (s *Server) handleExportRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/exports/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	jobID := parts[0]

	withJobID := func(handler func(http.ResponseWriter, *http.Request, string)) RouteHandler {
		return func(w http.ResponseWriter, r *http.Request) {
			handler(w, r, jobID)
		}
	}

	switch {
	case len(parts) == 1:
		RouteByMethod(w, r, MethodRouter{
			http.MethodGet:    withJobID(s.app.ExportHandler.GetHandler),
			http.MethodDelete: withJobID(s.app.ExportHandler.CancelHandler),
		})
	case len(parts) == 2 && parts[1] == "download":
		RouteByMethod(w, r, MethodRouter{
			http.MethodGet: withJobID(s.app.ExportHandler.DownloadHandler),
		})
	case len(parts) == 2 && parts[1] == "events":
		RouteByMethod(w, r, MethodRouter{
			http.MethodGet: withJobID(s.app.EventsHandler.ListHandler),
		})
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream":
		RouteByMethod(w, r, MethodRouter{
			http.MethodGet: withJobID(s.app.EventsHandler.StreamHandler),
		})
	default:
		http.NotFound(w, r)
	}
}
