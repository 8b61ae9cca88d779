package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/security"
	"github.com/grainsearch/grain-search/internal/search"
)

const maxRequestBody = 1 << 20 // 1 MiB

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	indexID := r.PathValue("index")
	if err := security.ValidateIndexID(indexID); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}

	var req search.Request
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError("invalid request body: "+err.Error()))
		return
	}
	if err := security.ValidateQuery(req.Query); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}

	resp, err := s.searcher.Search(r.Context(), indexID, &req)
	if err != nil {
		s.log.WithError(err).WithIndex(indexID).Error("search failed")
		apperrors.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecentQueries(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			apperrors.WriteError(w, apperrors.ValidationError("n must be a positive integer"))
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.queries.Recent(n))
}

func (s *Server) handleQuerySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries.Summary())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
