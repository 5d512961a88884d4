// Package httpserver exposes the administrative HTTP surface for the log pipeline.
package httpserver

import (
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/convolog/convolog/internal/infra/config"
	"github.com/convolog/convolog/internal/pipeline"
)

const (
	reopenPath = "/logger/reopen"
	statusPath = "/logger/status"
	healthPath = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	logger      *pipeline.Logger
}

// NewHandler creates the HTTP handler for pipeline administration.
func NewHandler(environment config.Environment, logger *pipeline.Logger) http.Handler {
	server := &httpServer{environment: environment, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(reopenPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.reopenStore,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) reopenStore(w http.ResponseWriter, r *http.Request) {
	if s.logger == nil {
		writeError(w, http.StatusServiceUnavailable, "logger unavailable")
		return
	}
	if s.logger.Reopen(r.Context()) {
		status := s.logger.Status()
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "reconnected",
			"backend": status.Backend,
		})
		return
	}
	writeError(w, http.StatusServiceUnavailable, "store reconnect failed")
}

type statusPayload struct {
	Ready        bool   `json:"ready"`
	QueueDepth   int    `json:"queueDepth"`
	BufferLength int    `json:"bufferLength"`
	Backend      string `json:"backend"`
	FallbackPath string `json:"fallbackPath"`
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	if s.logger == nil {
		writeError(w, http.StatusServiceUnavailable, "logger unavailable")
		return
	}
	status := s.logger.Status()
	writeJSON(w, http.StatusOK, statusPayload{
		Ready:        status.Ready,
		QueueDepth:   status.QueueDepth,
		BufferLength: status.BufferLength,
		Backend:      status.Backend,
		FallbackPath: status.FallbackPath,
	})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"environment": string(s.environment),
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
