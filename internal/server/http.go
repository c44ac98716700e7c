package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/groblegark/pqbus/internal/model"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
func (s *QueueServer) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/events/ready", s.handleGetReady)
	mux.HandleFunc("GET /v1/events/ready-or-in-processing", s.handleGetReadyOrInProcessing)
	mux.HandleFunc("GET /v1/events/in-processing", s.handleGetInProcessing)
	return mux
}

// handleHealth handles GET /v1/health.
func (s *QueueServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetReady handles GET /v1/events/ready?search_key2=N[&search_key1=N].
func (s *QueueServer) handleGetReady(w http.ResponseWriter, r *http.Request) {
	key1, key2, ok := searchKeys(w, r)
	if !ok {
		return
	}
	entries, err := s.store.GetReady(r.Context(), key1, key2)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeEntries(w, entries)
}

// handleGetReadyOrInProcessing handles
// GET /v1/events/ready-or-in-processing?search_key2=N[&search_key1=N].
func (s *QueueServer) handleGetReadyOrInProcessing(w http.ResponseWriter, r *http.Request) {
	key1, key2, ok := searchKeys(w, r)
	if !ok {
		return
	}
	entries, err := s.store.GetReadyOrInProcessing(r.Context(), key1, key2)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeEntries(w, entries)
}

// handleGetInProcessing handles GET /v1/events/in-processing.
func (s *QueueServer) handleGetInProcessing(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetInProcessing(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeEntries(w, entries)
}

// searchKeys parses the search_key1 (optional) and search_key2 (required)
// query parameters, writing the error response itself on bad input.
func searchKeys(w http.ResponseWriter, r *http.Request) (*int64, int64, bool) {
	q := r.URL.Query()

	raw2 := q.Get("search_key2")
	if raw2 == "" {
		writeError(w, http.StatusBadRequest, "search_key2 is required")
		return nil, 0, false
	}
	key2, err := strconv.ParseInt(raw2, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "search_key2 must be an integer")
		return nil, 0, false
	}

	var key1 *int64
	if raw1 := q.Get("search_key1"); raw1 != "" {
		v, err := strconv.ParseInt(raw1, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "search_key1 must be an integer")
			return nil, 0, false
		}
		key1 = &v
	}
	return key1, key2, true
}

func (s *QueueServer) serverError(w http.ResponseWriter, err error) {
	s.logger.Error("inspection query failed", "err", err)
	writeError(w, http.StatusInternalServerError, "query failed")
}

func writeEntries(w http.ResponseWriter, entries []*model.EventEntry) {
	if entries == nil {
		entries = []*model.EventEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
