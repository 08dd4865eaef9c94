package ws

import (
	"encoding/json"

	"github.com/serroba/collabtext/internal/ot"
)

// MessageType identifies the kind of WebSocket message.
type MessageType string

const (
	// Client to Server messages.
	MessageTypeOperation MessageType = "operation" // Client submits an edit to a field
	MessageTypeReplace   MessageType = "replace"   // Client replaces a field's text
	MessageTypeSync      MessageType = "sync"      // Client requests current state

	// Server to Client messages.
	MessageTypeAck   MessageType = "ack"   // Server confirms an edit was committed
	MessageTypeDelta MessageType = "delta" // Server pushes a committed transaction
	MessageTypeState MessageType = "state" // Server sends full document state
	MessageTypeError MessageType = "error" // Server reports an error
)

// Message is the envelope for all WebSocket communication.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

// OperationPayload is sent when a client submits an edit. BaseRevision is
// the field sequence number the patch was written against.
type OperationPayload struct {
	DocID        string   `json:"docId"`
	Field        string   `json:"field"`
	BaseRevision int      `json:"baseRevision"`
	Patch        ot.Patch `json:"patch"`
}

// ReplacePayload asks for a field's whole text to be replaced.
type ReplacePayload struct {
	DocID string `json:"docId"`
	Field string `json:"field"`
	Text  string `json:"text"`
}

// SyncPayload asks for the state of a document.
type SyncPayload struct {
	DocID string `json:"docId"`
}

// AckPayload confirms an edit was committed.
type AckPayload struct {
	Field    string `json:"field"`
	Revision int    `json:"revision"` // Document revision of the transaction
	Seq      int    `json:"seq"`      // Next field sequence number
}

// DeltaPayload pushes a committed transaction to other clients.
type DeltaPayload struct {
	DocID    string                     `json:"docId"`
	TxID     string                     `json:"txId"`
	Revision int                        `json:"revision"`
	UserID   string                     `json:"userId,omitempty"`
	Forward  map[string]json.RawMessage `json:"forward"`
}

// FieldState is the materialized text of one field.
type FieldState struct {
	Text string `json:"text"`
	Seq  int    `json:"seq"`
}

// StatePayload sends the full document state.
type StatePayload struct {
	DocID    string                `json:"docId"`
	Revision int                   `json:"revision"`
	Fields   map[string]FieldState `json:"fields"`
}

// ErrorPayload reports an error to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrorCodeNotFound       = "not_found"
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeStaleRevision  = "stale_revision"
	ErrorCodeInternalError  = "internal_error"
)
