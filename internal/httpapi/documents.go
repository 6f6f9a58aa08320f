package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/copd/internal/document"
	"github.com/antoniostano/copd/internal/lintruntime"
)

const defaultRunsLimit = 50

type targetRequest struct {
	URI        string `json:"uri"`
	Path       string `json:"path"`
	LanguageID string `json:"language_id"`
}

func (r targetRequest) target() string {
	if u := strings.TrimSpace(r.URI); u != "" {
		return u
	}
	return strings.TrimSpace(r.Path)
}

type documentResponse struct {
	Document document.Document    `json:"document"`
	Queued   bool                 `json:"queued"`
	Run      *lintruntime.RunInfo `json:"run,omitempty"`
}

type closeResponse struct {
	URI      string `json:"uri"`
	WasOpen  bool   `json:"was_open"`
	Canceled int    `json:"canceled"`
	Cleared  bool   `json:"cleared"`
}

func (s *Server) decodeTarget(w http.ResponseWriter, r *http.Request) (targetRequest, bool) {
	var req targetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return targetRequest{}, false
	}
	if req.target() == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "uri or path is required")
		return targetRequest{}, false
	}
	return req, true
}

func (s *Server) handleOpenDocument(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}
	doc, err := s.docs.Open(req.target(), req.LanguageID)
	if err != nil {
		respondRuntimeError(w, err)
		return
	}

	resp := documentResponse{Document: doc}
	if doc.Lintable() {
		info, err := s.runtime.Lint(r.Context(), doc.URI)
		if err != nil {
			respondRuntimeError(w, err)
			return
		}
		resp.Queued = true
		resp.Run = &info
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSaveDocument(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}
	doc, err := s.docs.Save(req.target())
	if err != nil {
		respondRuntimeError(w, err)
		return
	}

	resp := documentResponse{Document: doc}
	if doc.Lintable() {
		info, queued, err := s.runtime.LintOnSave(r.Context(), doc.URI)
		if err != nil {
			respondRuntimeError(w, err)
			return
		}
		if queued {
			resp.Queued = true
			resp.Run = &info
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloseDocument(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}
	uri, err := document.NormalizeURI(req.target())
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	_, closeErr := s.docs.Close(uri)
	if closeErr != nil && !errors.Is(closeErr, document.ErrNotOpen) {
		respondRuntimeError(w, closeErr)
		return
	}
	canceled, cleared, err := s.runtime.Clear(uri)
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, closeResponse{
		URI:      uri,
		WasOpen:  closeErr == nil,
		Canceled: canceled,
		Cleared:  cleared,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"documents": s.docs.List(),
	})
}

func (s *Server) handleLint(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}
	info, err := s.runtime.Lint(r.Context(), req.target())
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleAutoCorrect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}
	info, err := s.runtime.AutoCorrect(r.Context(), req.target())
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}
	n, err := s.runtime.Cancel(req.target())
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"canceled": n,
	})
}

func (s *Server) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("uri"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("path"))
	}
	if raw == "" {
		respondJSON(w, http.StatusOK, map[string]any{
			"files": s.store.All(),
		})
		return
	}

	uri, err := document.NormalizeURI(raw)
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	diags, ok := s.store.Get(uri)
	if !ok {
		respondError(w, http.StatusNotFound, "diagnostics_not_found", "no diagnostics for "+uri)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"uri":         uri,
		"diagnostics": diags,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_length":   s.runtime.QueueLength(),
		"open_documents": s.docs.OpenCount(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"runs": s.runtime.Recent(limit),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, ok := s.runtime.Run(id)
	if !ok {
		respondError(w, http.StatusNotFound, "run_not_found", "unknown run "+id)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
