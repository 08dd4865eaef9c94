package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common errors.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrRevisionConflict = errors.New("revision already recorded")
)

// Fields maps a field name to its encoded payload.
type Fields map[string]json.RawMessage

// Snapshot represents a point-in-time capture of every field of a document.
type Snapshot struct {
	DocID     string
	Revision  int
	Fields    Fields
	CreatedAt time.Time
}

// TxKind names the edit a transaction records.
type TxKind string

// Transaction kinds.
const (
	KindOperation TxKind = "operation"
	KindReplace   TxKind = "replace"
	KindCompact   TxKind = "compact"
	KindUndo      TxKind = "undo"
)

// Undoable reports whether a transaction of this kind goes on the undo
// stack. Transactions recorded without a kind count as edits.
func (k TxKind) Undoable() bool {
	return k == KindOperation || k == KindReplace || k == ""
}

// Transaction is one committed change to a document. Forward replays it on
// top of the previous revision, Reverse undoes it.
type Transaction struct {
	ID        ulid.ULID
	DocID     string
	Revision  int
	Kind      TxKind
	UserID    string
	Forward   Fields
	Reverse   Fields
	CreatedAt time.Time
}

// NewTransaction stamps a transaction with a fresh ID and the current time.
func NewTransaction(docID string, revision int, kind TxKind, userID string, forward, reverse Fields) Transaction {
	return Transaction{
		ID:        ulid.Make(),
		DocID:     docID,
		Revision:  revision,
		Kind:      kind,
		UserID:    userID,
		Forward:   forward,
		Reverse:   reverse,
		CreatedAt: time.Now(),
	}
}

// Store defines the interface for persisting document state.
// Implementations can use in-memory storage, databases, or other backends.
type Store interface {
	// CreateDocument creates a new document with the given ID.
	// Returns ErrDocumentExists if the document already exists.
	CreateDocument(docID string) error

	// DocumentExists checks if a document exists.
	DocumentExists(docID string) (bool, error)

	// DeleteDocument removes a document with its snapshot and transactions.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	DeleteDocument(docID string) error

	// SaveSnapshot persists the fields of the document at the given revision
	// and drops the transactions it covers.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	SaveSnapshot(docID string, revision int, fields Fields) error

	// LoadSnapshot retrieves the latest snapshot for a document.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	// Returns ErrSnapshotNotFound if document exists but has no snapshot.
	LoadSnapshot(docID string) (Snapshot, error)

	// AppendTransaction adds a transaction to the document's log.
	// Returns ErrDocumentNotFound if the document doesn't exist and
	// ErrRevisionConflict if the revision is already recorded.
	AppendTransaction(docID string, tx Transaction) error

	// LoadTransactions retrieves all transactions after the given revision,
	// oldest first.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	LoadTransactions(docID string, sinceRevision int) ([]Transaction, error)

	// LatestRevision returns the highest revision number for a document.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	LatestRevision(docID string) (int, error)
}
