package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alfredjeanlab/gridbase/internal/logging"
	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/record"
)

// maxBodyBytes bounds request bodies. Bulk writes of a few thousand records
// fit comfortably.
const maxBodyBytes = 32 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(func(next http.Handler) http.Handler { return AuthMiddleware(authToken, next) })

	r.Get("/v1/health", s.handleHealth)
	r.Route("/v1/tables/{tableID}", func(r chi.Router) {
		r.Get("/records", s.handleListRecords)
		r.Post("/records", s.handleCreateRecords)
		r.Patch("/records", s.handleUpdateRecords)
		r.Delete("/records", s.handleDeleteRecords)
		r.Post("/records/{recordID}/duplicate", s.handleDuplicateRecord)
		r.Get("/events", s.handleListEvents)
	})
	r.Get("/v1/events/stream", s.handleEventStream)
	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context()).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusOf maps engine errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsConflict(err):
		return http.StatusConflict
	case model.IsComputation(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. A failed bulk write
// also reports the records its committed chunks wrote.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	var ce *record.ChunkError
	if errors.As(err, &ce) {
		writeJSON(w, code, map[string]any{
			"error":       msg,
			"failedChunk": ce.Index,
			"committed":   ce.Committed,
		})
		return
	}
	writeError(w, code, msg)
}
