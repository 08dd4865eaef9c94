package api

import (
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/serroba/collabtext/internal/collab"
	"github.com/serroba/collabtext/internal/ot"
	"github.com/serroba/collabtext/internal/storage"
	"github.com/serroba/collabtext/internal/ws"
)

// documentSession is the part of a session the WebSocket loop drives.
type documentSession interface {
	ApplyOperation(clientID, userID, fieldName string, patch ot.Patch, baseRevision int) (collab.CommitResult, error)
	ReplaceText(clientID, userID, fieldName, text string) (collab.CommitResult, error)
	GetState() (ws.StatePayload, error)
}

// handleWebSocket handles GET /ws?docId={id}.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "docId query parameter is required", http.StatusBadRequest)

		return
	}

	userID := UserIDFromContext(r.Context())

	client, cleanup, err := s.setupWebSocketClient(w, r, docID, userID)
	if err != nil {
		return
	}

	defer cleanup()

	session, err := s.initializeSession(client, docID)
	if err != nil {
		return
	}

	s.handleMessages(client, session, docID, userID)
}

// setupWebSocketClient upgrades the connection and creates a client.
func (s *Server) setupWebSocketClient(
	w http.ResponseWriter, r *http.Request, docID, userID string,
) (*ws.Client, func(), error) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("websocket upgrade error: %v", err)

		return nil, nil, err
	}

	clientID := uuid.New().String()
	client := ws.NewClient(clientID, userID, conn)
	s.hub.Register(client)
	s.hub.Subscribe(client, docID)

	glog.V(1).Infof("doc %s: client %s connected", docID, clientID)

	cleanup := func() {
		s.hub.Unregister(client)
		_ = client.Close()
	}

	return client, cleanup, nil
}

// initializeSession gets or creates a session and sends initial state.
func (s *Server) initializeSession(client *ws.Client, docID string) (documentSession, error) {
	session, err := s.manager.GetOrCreateSession(docID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			_ = client.SendError(ws.ErrorCodeNotFound, "document not found")
		} else {
			glog.Errorf("doc %s: load: %v", docID, err)
			_ = client.SendError(ws.ErrorCodeInternalError, "failed to load document")
		}

		return nil, err
	}

	if err := sendState(client, session); err != nil {
		return nil, err
	}

	return session, nil
}

// handleMessages processes incoming messages from a client.
func (s *Server) handleMessages(client *ws.Client, session documentSession, docID, userID string) {
	for {
		msg, err := client.Receive()
		if err != nil {
			return
		}

		switch msg.Type {
		case ws.MessageTypeOperation:
			s.handleOperation(client, session, docID, userID, msg)
		case ws.MessageTypeReplace:
			s.handleReplace(client, session, docID, userID, msg)
		case ws.MessageTypeSync:
			_ = sendState(client, session)
		case ws.MessageTypeAck, ws.MessageTypeDelta, ws.MessageTypeState, ws.MessageTypeError:
			// Server-to-client messages - ignore if received from client
			_ = client.SendError(ws.ErrorCodeInvalidMessage, "unexpected message type")
		default:
			_ = client.SendError(ws.ErrorCodeInvalidMessage, "unknown message type")
		}
	}
}

// handleOperation processes an operation message.
func (s *Server) handleOperation(client *ws.Client, session documentSession, docID, userID string, msg ws.Message) {
	payload, ok := msg.Payload.(ws.OperationPayload)
	if !ok || !sameDocument(payload.DocID, docID) {
		_ = client.SendError(ws.ErrorCodeInvalidMessage, "invalid operation payload")

		return
	}

	res, err := session.ApplyOperation(client.ID, userID, payload.Field, payload.Patch, payload.BaseRevision)
	if err != nil {
		sendCommitError(client, session, err)

		return
	}

	_ = client.Send(ws.Message{
		Type: ws.MessageTypeAck,
		Payload: ws.AckPayload{
			Field:    payload.Field,
			Revision: res.Transaction.Revision,
			Seq:      res.Seq,
		},
	})
}

// handleReplace processes a replace message.
func (s *Server) handleReplace(client *ws.Client, session documentSession, docID, userID string, msg ws.Message) {
	payload, ok := msg.Payload.(ws.ReplacePayload)
	if !ok || !sameDocument(payload.DocID, docID) {
		_ = client.SendError(ws.ErrorCodeInvalidMessage, "invalid replace payload")

		return
	}

	res, err := session.ReplaceText(client.ID, userID, payload.Field, payload.Text)
	if err != nil {
		sendCommitError(client, session, err)

		return
	}

	_ = client.Send(ws.Message{
		Type: ws.MessageTypeAck,
		Payload: ws.AckPayload{
			Field:    payload.Field,
			Revision: res.Transaction.Revision,
			Seq:      res.Seq,
		},
	})
}

// sendCommitError reports a failed edit. A client that fell out of step
// with the field gets the current state right after the error.
func sendCommitError(client *ws.Client, session documentSession, err error) {
	switch {
	case errors.Is(err, ot.ErrRevisionTooOld), errors.Is(err, ot.ErrRevisionInFuture),
		errors.Is(err, collab.ErrRejected):
		_ = client.SendError(ws.ErrorCodeStaleRevision, err.Error())
		_ = sendState(client, session)
	case errors.Is(err, collab.ErrInvalidFieldName), errors.Is(err, ot.ErrEmptyPatch):
		_ = client.SendError(ws.ErrorCodeInvalidMessage, err.Error())
	default:
		_ = client.SendError(ws.ErrorCodeInternalError, "failed to commit edit")
	}
}

// sendState sends the current document state to the client.
func sendState(client *ws.Client, session documentSession) error {
	state, err := session.GetState()
	if err != nil {
		_ = client.SendError(ws.ErrorCodeInternalError, "failed to get document state")

		return err
	}

	return client.Send(ws.Message{Type: ws.MessageTypeState, Payload: state})
}

// sameDocument accepts payloads that omit the document ID.
func sameDocument(payloadDocID, docID string) bool {
	return payloadDocID == "" || payloadDocID == docID
}
