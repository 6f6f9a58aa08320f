package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/copd/internal/config"
	"github.com/antoniostano/copd/internal/diagnostics"
	"github.com/antoniostano/copd/internal/document"
	"github.com/antoniostano/copd/internal/lintruntime"
	"github.com/antoniostano/copd/internal/observability"
)

type Server struct {
	cfg      config.Config
	docs     *document.Registry
	store    *diagnostics.Store
	runtime  *lintruntime.Service
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, docs *document.Registry, store *diagnostics.Store, runtime *lintruntime.Service, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		docs:    docs,
		store:   store,
		runtime: runtime,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Editors and CLIs usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/documents/open", s.handleOpenDocument)
	r.Post("/v1/documents/save", s.handleSaveDocument)
	r.Post("/v1/documents/close", s.handleCloseDocument)
	r.Get("/v1/documents", s.handleListDocuments)

	r.Post("/v1/lint", s.handleLint)
	r.Post("/v1/autocorrect", s.handleAutoCorrect)
	r.Post("/v1/cancel", s.handleCancel)

	r.Get("/v1/diagnostics", s.handleGetDiagnostics)
	r.Get("/v1/diagnostics/ws", s.handleDiagnosticsWS)
	r.Get("/v1/queue", s.handleQueue)
	r.Get("/v1/runs", s.handleListRuns)
	r.Get("/v1/runs/{id}", s.handleGetRun)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workspace": s.cfg.Workspace,
		"executor":  s.cfg.Executor,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.runtime == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "lint runtime not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"queue_length": s.runtime.QueueLength(),
	})
}

// countRequests records every response by chi route pattern so path
// parameters do not explode label cardinality.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.metrics == nil {
			return
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(route, status)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondRuntimeError maps runtime and document errors to HTTP statuses.
func respondRuntimeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, document.ErrEmptyPath), errors.Is(err, document.ErrUnsupportedScheme):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, document.ErrNotOpen):
		respondError(w, http.StatusNotFound, "document_not_open", err.Error())
	case errors.Is(err, lintruntime.ErrSettings):
		respondError(w, http.StatusUnprocessableEntity, "settings_error", err.Error())
	case errors.Is(err, lintruntime.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
