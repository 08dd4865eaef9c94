package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/serroba/collabtext/internal/collab"
	"github.com/serroba/collabtext/internal/ot"
	"github.com/serroba/collabtext/internal/storage"
	"github.com/serroba/collabtext/internal/ws"
)

// CreateDocumentRequest is the request body for creating a document.
type CreateDocumentRequest struct {
	ID string `json:"id"`
}

// CreateDocumentResponse is the response body for creating a document.
type CreateDocumentResponse struct {
	ID string `json:"id"`
}

// GetDocumentResponse is the response body for getting a document.
type GetDocumentResponse struct {
	ID       string                   `json:"id"`
	Revision int                      `json:"revision"`
	Fields   map[string]ws.FieldState `json:"fields"`
}

// ReplaceFieldRequest is the request body for replacing a field's text.
type ReplaceFieldRequest struct {
	Text string `json:"text"`
}

// TransactionResponse describes a committed transaction.
type TransactionResponse struct {
	TxID     string `json:"txId"`
	Revision int    `json:"revision"`
	Seq      *int   `json:"seq,omitempty"`
}

// handleCreateDocument handles POST /documents.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.ID == "" {
		http.Error(w, "document ID is required", http.StatusBadRequest)

		return
	}

	if err := s.manager.CreateDocument(req.ID); err != nil {
		writeError(w, err)

		return
	}

	glog.V(1).Infof("doc %s: created by %q", req.ID, UserIDFromContext(r.Context()))

	writeJSON(w, http.StatusCreated, CreateDocumentResponse(req))
}

// handleGetDocument handles GET /documents/{id}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	// Get or create a session to retrieve current state
	session, err := s.manager.GetOrCreateSession(docID)
	if err != nil {
		writeError(w, err)

		return
	}

	state, err := session.GetState()
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, GetDocumentResponse{
		ID:       docID,
		Revision: state.Revision,
		Fields:   state.Fields,
	})
}

// handleDeleteDocument handles DELETE /documents/{id}.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	if err := s.manager.DeleteDocument(docID); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleReplaceField handles PUT /documents/{id}/fields/{field}.
func (s *Server) handleReplaceField(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req ReplaceFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	session, err := s.manager.GetOrCreateSession(vars["id"])
	if err != nil {
		writeError(w, err)

		return
	}

	res, err := session.ReplaceText("", UserIDFromContext(r.Context()), vars["field"], req.Text)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, TransactionResponse{
		TxID:     res.Transaction.ID.String(),
		Revision: res.Transaction.Revision,
		Seq:      &res.Seq,
	})
}

// handleFieldSnapshot handles GET /documents/{id}/fields/{field}/snapshot.
func (s *Server) handleFieldSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	session, err := s.manager.GetOrCreateSession(vars["id"])
	if err != nil {
		writeError(w, err)

		return
	}

	var buf bytes.Buffer
	if err := session.DumpField(vars["field"], &buf); err != nil {
		writeError(w, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if _, err := buf.WriteTo(w); err != nil {
		glog.Warningf("failed to write snapshot: %v", err)
	}
}

// handleUndo handles POST /documents/{id}/undo.
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.GetOrCreateSession(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)

		return
	}

	tx, err := session.Undo("", UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, TransactionResponse{
		TxID:     tx.ID.String(),
		Revision: tx.Revision,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrDocumentNotFound), errors.Is(err, collab.ErrUnknownField):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDocumentExists), errors.Is(err, collab.ErrNothingToUndo),
		errors.Is(err, storage.ErrRevisionConflict):
		return http.StatusConflict
	case errors.Is(err, collab.ErrInvalidFieldName), errors.Is(err, ot.ErrEmptyPatch):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		glog.Errorf("request failed: %v", err)
		http.Error(w, "internal server error", status)

		return
	}

	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("failed to encode response: %v", err)
	}
}
