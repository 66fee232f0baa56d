package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/record"
)

// Actor headers identify the caller. Authentication only proves the caller
// holds the token; identity is asserted by the client.
const (
	headerUserID   = "X-Gridbase-User"
	headerUserName = "X-Gridbase-User-Name"
	headerOpID     = "X-Gridbase-Operation"
)

type recordsBody struct {
	FieldKeyType model.FieldKeyType  `json:"fieldKeyType"`
	Typecast     bool                `json:"typecast"`
	Records      []model.RecordInput `json:"records"`
	Order        *model.RecordOrder  `json:"order,omitempty"`
}

type recordsResponse struct {
	Records     []*model.Record `json:"records"`
	OperationID string          `json:"operationId,omitempty"`
}

// operation builds the operation context of a request. The operation id
// defaults to the chi request id so logs and events correlate.
func operation(r *http.Request) model.OperationContext {
	op := model.OperationContext{
		UserID:      r.Header.Get(headerUserID),
		UserName:    r.Header.Get(headerUserName),
		Origin:      model.OriginAPI,
		OperationID: r.Header.Get(headerOpID),
	}
	if op.OperationID == "" {
		op.OperationID = middleware.GetReqID(r.Context())
	}
	return op.EnsureID()
}

func parseKeyType(k model.FieldKeyType) (model.FieldKeyType, bool) {
	switch k {
	case "", model.FieldKeyID, model.FieldKeyName:
		return k, true
	}
	return "", false
}

// handleCreateRecords handles POST /v1/tables/{tableID}/records.
func (s *Server) handleCreateRecords(w http.ResponseWriter, r *http.Request) {
	var body recordsBody
	if !decodeBody(w, r, &body) {
		return
	}
	keyType, ok := parseKeyType(body.FieldKeyType)
	if !ok {
		writeError(w, http.StatusBadRequest, "fieldKeyType must be \"id\" or \"name\"")
		return
	}
	if len(body.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records is required")
		return
	}
	op := operation(r)
	resp, err := s.records.CreateRecords(r.Context(), op, record.CreateRequest{
		TableID:      chi.URLParam(r, "tableID"),
		FieldKeyType: keyType,
		Typecast:     body.Typecast,
		Records:      body.Records,
		Order:        body.Order,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordsResponse{Records: resp.Records, OperationID: op.OperationID})
}

// handleUpdateRecords handles PATCH /v1/tables/{tableID}/records.
func (s *Server) handleUpdateRecords(w http.ResponseWriter, r *http.Request) {
	var body recordsBody
	if !decodeBody(w, r, &body) {
		return
	}
	keyType, ok := parseKeyType(body.FieldKeyType)
	if !ok {
		writeError(w, http.StatusBadRequest, "fieldKeyType must be \"id\" or \"name\"")
		return
	}
	if len(body.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records is required")
		return
	}
	op := operation(r)
	resp, err := s.records.UpdateRecords(r.Context(), op, record.UpdateRequest{
		TableID:      chi.URLParam(r, "tableID"),
		FieldKeyType: keyType,
		Typecast:     body.Typecast,
		Records:      body.Records,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{Records: resp.Records, OperationID: op.OperationID})
}

// handleDeleteRecords handles DELETE /v1/tables/{tableID}/records?ids=a,b.
func (s *Server) handleDeleteRecords(w http.ResponseWriter, r *http.Request) {
	ids := splitList(r.URL.Query()["ids"])
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	op := operation(r)
	resp, err := s.records.DeleteRecords(r.Context(), op, chi.URLParam(r, "tableID"), ids)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": resp.Deleted, "operationId": op.OperationID})
}

// handleDuplicateRecord handles POST /v1/tables/{tableID}/records/{recordID}/duplicate.
// The body is optional and may carry an order anchor.
func (s *Server) handleDuplicateRecord(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order *model.RecordOrder `json:"order,omitempty"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	op := operation(r)
	resp, err := s.records.DuplicateRecord(r.Context(), op, chi.URLParam(r, "tableID"), chi.URLParam(r, "recordID"), body.Order)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordsResponse{Records: resp.Records, OperationID: op.OperationID})
}

// handleListRecords handles GET /v1/tables/{tableID}/records. With ids it
// returns those records in order; otherwise a page of the table.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tableID := chi.URLParam(r, "tableID")
	var projection []string
	if fields := splitList(q["fields"]); len(fields) > 0 {
		projection = fields
	}

	if ids := splitList(q["ids"]); len(ids) > 0 {
		recs, err := s.records.GetRecords(r.Context(), tableID, ids, projection)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, recordsResponse{Records: recs})
		return
	}

	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := intParam(w, q.Get("offset"), "offset")
	if !ok {
		return
	}
	recs, err := s.records.ListRecords(r.Context(), tableID, projection, limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{Records: recs})
}

// handleListEvents handles GET /v1/tables/{tableID}/events, the audit log.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r.URL.Query().Get("limit"), "limit")
	if !ok {
		return
	}
	if limit == 0 {
		limit = 100
	}
	evs, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "tableID"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func intParam(w http.ResponseWriter, v, name string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
