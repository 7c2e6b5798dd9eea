package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/hyperjump/revisit/internal/embedding"
	"github.com/hyperjump/revisit/internal/indexer"
	"github.com/hyperjump/revisit/internal/models"
	"github.com/hyperjump/revisit/internal/search"
	"github.com/hyperjump/revisit/internal/storage"
	"github.com/hyperjump/revisit/internal/vector"
)

const faviconURL = "https://www.google.com/s2/favicons?sz=64&domain="

// maxShowResults bounds the URL list of one show_results request.
const maxShowResults = 500

// maxBodyBytes bounds request bodies; page content is clipped long before this.
const maxBodyBytes = 8 << 20

func (s *Server) handlePageVisit(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var input models.PageVisitInput
	if !s.decode(w, r, &input) {
		return
	}
	s.logger.Debug("page visit request", zap.String("user_id", userID), zap.String("url", input.URL))
	res, err := s.indexer.IndexPageVisit(r.Context(), userID, &input)
	if err != nil {
		s.respondErr(w, "page visit failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, models.PageVisitResponse{Status: res.Status(), ID: res.Visit.ID})
}

func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var query models.SearchQuery
	if !s.decode(w, r, &query) {
		return
	}
	if err := query.Validate(s.config.Search.DefaultK, s.config.Search.MaxK); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request", zap.String("user_id", userID), zap.String("q", query.Q), zap.Int("k", query.K))
	hits, err := s.indexer.Query(r.Context(), userID, query.Q, query.K)
	if err != nil {
		s.respondErr(w, "search failed", err)
		return
	}
	results := make([]models.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = models.SearchResult{URL: h.URL, Similarity: h.Similarity}
	}
	s.respondJSON(w, http.StatusOK, models.SearchResponse{Results: results})
}

func (s *Server) handleShowResults(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var urls []string
	if !s.decode(w, r, &urls) {
		return
	}
	if len(urls) > maxShowResults {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per request", maxShowResults))
		return
	}
	visits, err := s.storage.GetPageVisits(r.Context(), userID, urls)
	if err != nil {
		s.respondErr(w, "show results failed", err)
		return
	}
	results := make([]models.PageResult, len(visits))
	for i, v := range visits {
		results[i] = models.PageResult{URL: v.URL, Title: v.Title, Favicon: faviconURL + v.URL}
	}
	s.respondJSON(w, http.StatusOK, models.ShowResultsResponse{Results: results})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	resp, err := Status(r.Context(), s.storage, s.search, s.index, s.config, userID)
	if err != nil {
		s.respondErr(w, "status failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, indexer.ErrInvalidInput),
		errors.Is(err, vector.ErrInvalidVector),
		errors.Is(err, search.ErrInvalidKey),
		errors.Is(err, embedding.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vector.ErrPersistence), errors.Is(err, vector.ErrCorruptState):
		return http.StatusInternalServerError
	case errors.Is(err, embedding.ErrMissingAPIKey):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
