package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serroba/collabtext/internal/field"
	"github.com/serroba/collabtext/internal/metrics"
	"github.com/serroba/collabtext/internal/ot"
	"github.com/serroba/collabtext/internal/storage"
	"github.com/serroba/collabtext/internal/textvalue"
	"github.com/serroba/collabtext/internal/ws"
)

// Common errors.
var (
	ErrSessionClosed    = errors.New("session is closed")
	ErrUnknownField     = errors.New("unknown field")
	ErrInvalidFieldName = errors.New("invalid field name")
	ErrRejected         = errors.New("change entry rejected by field")
	ErrNothingToUndo    = errors.New("nothing to undo")
)

const maxFieldNameLen = 128

// Session coordinates collaborative editing for a single document.
// It owns the document's fields, sequences client edits per field, turns
// every edit into a persisted document transaction and broadcasts it.
//
// Session implements field.Node. Its fields call back into it only while
// mu is held.
type Session struct {
	docID string

	mu       sync.RWMutex
	fields   map[string]*field.Field
	queues   map[string]*ot.Queue
	dirty    map[string]struct{}
	undo     []storage.Transaction
	revision int
	gen      uint64
	closed   bool

	// Dependencies
	store          storage.Store
	hub            *ws.Hub
	snapshotPolicy *storage.SnapshotPolicy
	historySize    int
	compactRatio   float64
	fieldOpts      []textvalue.Option
}

// SessionConfig holds configuration for creating a session.
type SessionConfig struct {
	DocID          string
	Store          storage.Store
	Hub            *ws.Hub
	SnapshotPolicy *storage.SnapshotPolicy
	HistorySize    int     // Rebase history per field and undo depth
	CompactRatio   float64 // Share of each change log folded before a snapshot
	FieldOptions   []textvalue.Option
}

// CommitResult describes a committed edit.
type CommitResult struct {
	Transaction storage.Transaction
	Seq         int // Next sequence number of the edited field
}

// NewSession creates a new collaborative editing session.
func NewSession(cfg SessionConfig) *Session {
	historySize := cfg.HistorySize
	if historySize == 0 {
		historySize = 100
	}

	return &Session{
		docID:          cfg.DocID,
		fields:         make(map[string]*field.Field),
		queues:         make(map[string]*ot.Queue),
		dirty:          make(map[string]struct{}),
		store:          cfg.Store,
		hub:            cfg.Hub,
		snapshotPolicy: cfg.SnapshotPolicy,
		historySize:    historySize,
		compactRatio:   cfg.CompactRatio,
		fieldOpts:      cfg.FieldOptions,
	}
}

// MarkDirty records that a field has uncommitted changes.
func (s *Session) MarkDirty(name string) {
	s.dirty[name] = struct{}{}
}

// Generation hands out a fresh generation nonce.
func (s *Session) Generation() uint64 {
	s.gen++

	return s.gen
}

func validFieldName(name string) bool {
	return name != "" && len(name) <= maxFieldNameLen
}

// fieldLocked returns the named field, creating it and its queue on first use.
func (s *Session) fieldLocked(name string) (*field.Field, *ot.Queue, error) {
	if !validFieldName(name) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidFieldName, name)
	}

	f, ok := s.fields[name]
	if !ok {
		f = field.New(name, s, s.fieldOpts...)
		s.fields[name] = f
		s.queues[name] = ot.NewQueue(s.historySize)
	}

	return f, s.queues[name], nil
}

// Load initializes the session from storage: snapshot fields are inserted
// first, then every later transaction is replayed from its forward delta.
func (s *Session) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	type replay struct {
		tx     storage.Transaction
		deltas map[string]*textvalue.Delta
	}

	var pending []replay

	loader := storage.NewDocumentLoader(s.store)

	result, err := loader.Load(s.docID, func(tx storage.Transaction) error {
		deltas, err := decodeDeltas(tx.Forward)
		if err != nil {
			return fmt.Errorf("transaction %d: %w", tx.Revision, err)
		}

		pending = append(pending, replay{tx: tx, deltas: deltas})

		return nil
	})
	if err != nil {
		return err
	}

	for name, raw := range result.Fields {
		f, _, err := s.fieldLocked(name)
		if err != nil {
			glog.Warningf("doc %s: skipping snapshot field: %v", s.docID, err)

			continue
		}

		if err := f.Insert(bytes.NewReader(raw)); err != nil {
			return err
		}
	}

	for _, r := range pending {
		if err := s.applyDeltasLocked(r.deltas); err != nil {
			return fmt.Errorf("replay transaction %d: %w", r.tx.Revision, err)
		}

		s.commitFieldsLocked()
		s.replayUndoLocked(r.tx)
	}

	s.revision = result.Revision
	s.resetQueuesLocked()

	glog.V(1).Infof("doc %s: loaded revision %d, %d fields, %d replayed",
		s.docID, s.revision, len(s.fields), result.Replayed)

	return nil
}

// ApplyOperation rebases patch from baseRevision onto the named field,
// appends it and commits the result as a document transaction. The
// transaction is broadcast to every subscriber but clientID.
func (s *Session) ApplyOperation(clientID, userID, fieldName string, patch ot.Patch, baseRevision int) (CommitResult, error) {
	if patch.Len() == 0 {
		return CommitResult{}, ot.ErrEmptyPatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CommitResult{}, ErrSessionClosed
	}

	f, q, err := s.fieldLocked(fieldName)
	if err != nil {
		return CommitResult{}, err
	}

	ops, err := q.Apply(patch, baseRevision)
	if err != nil {
		return CommitResult{}, err
	}

	if !f.Append(ops[0].Seq, ot.Patchify(ops)) {
		q.Reset(f.NextSeq())

		return CommitResult{}, fmt.Errorf("%w: seq %d on %s", ErrRejected, ops[0].Seq, fieldName)
	}

	tx, err := s.commitLocked(userID, storage.KindOperation)
	if err != nil {
		return CommitResult{}, err
	}

	// A snapshot may commit a compaction, which must reach clients after tx
	s.broadcast(clientID, tx)
	s.maybeSnapshot()

	return CommitResult{Transaction: tx, Seq: f.NextSeq()}, nil
}

// ReplaceText sets the whole text of a field and commits it. Clients based
// on the old sequence numbers have to resynchronize.
func (s *Session) ReplaceText(clientID, userID, fieldName, text string) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CommitResult{}, ErrSessionClosed
	}

	f, q, err := s.fieldLocked(fieldName)
	if err != nil {
		return CommitResult{}, err
	}

	f.Replace(text)

	tx, err := s.commitLocked(userID, storage.KindReplace)
	if err != nil {
		return CommitResult{}, err
	}

	q.Reset(f.NextSeq())

	s.broadcast(clientID, tx)
	s.maybeSnapshot()

	return CommitResult{Transaction: tx, Seq: f.NextSeq()}, nil
}

// Compact folds the oldest share of every field's change log into its
// fragments and commits the result. It returns the number of folded entries.
func (s *Session) Compact(ratio float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}

	return s.compactLocked(ratio)
}

func (s *Session) compactLocked(ratio float64) (int, error) {
	total := 0

	for _, f := range s.fields {
		folded := f.Compact(ratio)
		if folded == 0 {
			f.Revert()

			continue
		}

		total += folded
	}

	if total == 0 {
		clear(s.dirty)

		return 0, nil
	}

	tx, err := s.commitLocked("", storage.KindCompact)
	if err != nil {
		return 0, err
	}

	// Reverse deltas recorded before this point remove entries that no
	// longer exist.
	s.undo = s.undo[:0]

	s.broadcast("", tx)

	return total, nil
}

// Undo reverts the most recent undoable transaction by committing its
// reverse delta as a new transaction.
func (s *Session) Undo(clientID, userID string) (storage.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.Transaction{}, ErrSessionClosed
	}

	if len(s.undo) == 0 {
		return storage.Transaction{}, ErrNothingToUndo
	}

	last := s.undo[len(s.undo)-1]

	deltas, err := decodeDeltas(last.Reverse)
	if err != nil {
		return storage.Transaction{}, err
	}

	if err := s.applyDeltasLocked(deltas); err != nil {
		return storage.Transaction{}, err
	}

	tx, err := s.commitLocked(userID, storage.KindUndo)
	if err != nil {
		return storage.Transaction{}, err
	}

	s.undo = s.undo[:len(s.undo)-1]

	for name := range deltas {
		s.queues[name].Reset(s.fields[name].NextSeq())
	}

	s.broadcast(clientID, tx)
	s.maybeSnapshot()

	return tx, nil
}

// applyDeltasLocked merges inbound deltas into their fields.
func (s *Session) applyDeltasLocked(deltas map[string]*textvalue.Delta) error {
	for name, d := range deltas {
		f, _, err := s.fieldLocked(name)
		if err != nil {
			return err
		}

		f.ApplyPatch(d)
	}

	return nil
}

// commitFieldsLocked commits every dirty field and returns the collected
// deltas keyed by field name.
func (s *Session) commitFieldsLocked() (forward, reverse map[string]*textvalue.Delta) {
	forward = make(map[string]*textvalue.Delta, len(s.dirty))
	reverse = make(map[string]*textvalue.Delta, len(s.dirty))

	for name := range s.dirty {
		s.fields[name].Commit(forward, reverse)
	}

	clear(s.dirty)

	return forward, reverse
}

// commitLocked commits the dirty fields as the next document transaction
// and persists it. If persisting fails the commit is rolled back.
func (s *Session) commitLocked(userID string, kind storage.TxKind) (storage.Transaction, error) {
	timer := prometheus.NewTimer(metrics.CommitDuration.WithLabelValues(string(kind)))
	defer timer.ObserveDuration()

	forward, reverse := s.commitFieldsLocked()

	fwd, err := encodeDeltas(forward)
	if err != nil {
		s.rollbackLocked(reverse)

		return storage.Transaction{}, err
	}

	rev, err := encodeDeltas(reverse)
	if err != nil {
		s.rollbackLocked(reverse)

		return storage.Transaction{}, err
	}

	tx := storage.NewTransaction(s.docID, s.revision+1, kind, userID, fwd, rev)

	if err := s.store.AppendTransaction(s.docID, tx); err != nil {
		glog.Errorf("doc %s: persist transaction %d: %v", s.docID, tx.Revision, err)
		s.rollbackLocked(reverse)

		return storage.Transaction{}, fmt.Errorf("persist transaction %d: %w", tx.Revision, err)
	}

	s.revision = tx.Revision
	metrics.Transactions.Inc()

	if kind.Undoable() {
		s.pushUndo(tx)
	}

	return tx, nil
}

// rollbackLocked undoes an already committed field change by applying its
// reverse delta and committing again.
func (s *Session) rollbackLocked(reverse map[string]*textvalue.Delta) {
	for name, d := range reverse {
		s.fields[name].ApplyPatch(d)
	}

	s.commitFieldsLocked()
	s.resetQueuesLocked()

	metrics.Rollbacks.Inc()
}

func (s *Session) resetQueuesLocked() {
	for name, f := range s.fields {
		s.queues[name].Reset(f.NextSeq())
	}
}

// replayUndoLocked rebuilds the undo stack the way the live commit did.
func (s *Session) replayUndoLocked(tx storage.Transaction) {
	switch tx.Kind {
	case storage.KindCompact:
		s.undo = s.undo[:0]
	case storage.KindUndo:
		if len(s.undo) > 0 {
			s.undo = s.undo[:len(s.undo)-1]
		}
	default:
		if tx.Kind.Undoable() {
			s.pushUndo(tx)
		}
	}
}

func (s *Session) pushUndo(tx storage.Transaction) {
	s.undo = append(s.undo, tx)

	if len(s.undo) > s.historySize {
		s.undo = s.undo[1:]
	}
}

// maybeSnapshot checks if a snapshot should be created and does so.
// Every field is compacted first so the snapshot carries a short log.
func (s *Session) maybeSnapshot() {
	if s.snapshotPolicy == nil {
		return
	}

	if !s.snapshotPolicy.RecordTransaction(s.docID) {
		return
	}

	if s.compactRatio > 0 {
		if _, err := s.compactLocked(s.compactRatio); err != nil {
			return
		}
	}

	if err := s.saveSnapshot(); err != nil {
		glog.Errorf("doc %s: snapshot at revision %d: %v", s.docID, s.revision, err)

		return
	}

	s.snapshotPolicy.Reset(s.docID)
}

// broadcast sends the transaction to other connected clients.
func (s *Session) broadcast(clientID string, tx storage.Transaction) {
	if s.hub == nil {
		return
	}

	s.hub.BroadcastDelta(ws.DeltaPayload{
		DocID:    s.docID,
		TxID:     tx.ID.String(),
		Revision: tx.Revision,
		UserID:   tx.UserID,
		Forward:  tx.Forward,
	}, clientID)
}

// saveSnapshot persists a full snapshot of every field.
func (s *Session) saveSnapshot() error {
	fields := make(storage.Fields, len(s.fields))

	for name, f := range s.fields {
		raw, err := json.Marshal(f.Snapshot())
		if err != nil {
			return fmt.Errorf("snapshot field %s: %w", name, err)
		}

		fields[name] = raw
	}

	return s.store.SaveSnapshot(s.docID, s.revision, fields)
}

// GetState returns the current text and next sequence number of every field.
// Reading text advances the fields' caches, so it takes the write lock.
func (s *Session) GetState() (ws.StatePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ws.StatePayload{}, ErrSessionClosed
	}

	state := ws.StatePayload{
		DocID:    s.docID,
		Revision: s.revision,
		Fields:   make(map[string]ws.FieldState, len(s.fields)),
	}

	for name, f := range s.fields {
		state.Fields[name] = ws.FieldState{Text: f.Text(), Seq: f.NextSeq()}
	}

	return state, nil
}

// DumpField writes the full serialized state of a field to w.
func (s *Session) DumpField(name string, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	f, ok := s.fields[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}

	return f.Dump(w)
}

// DocID returns the document ID for this session.
func (s *Session) DocID() string {
	return s.docID
}

// Revision returns the revision of the last committed transaction.
func (s *Session) Revision() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.revision
}

// Memory estimates the in-memory footprint of every field.
func (s *Session) Memory() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, f := range s.fields {
		n += f.Memory()
	}

	return n
}

// Close closes the session and saves a final snapshot.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.snapshotPolicy != nil {
		s.snapshotPolicy.Forget(s.docID)
	}

	// Save final snapshot
	return s.saveSnapshot()
}

// discard closes the session without persisting anything.
func (s *Session) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

func encodeDeltas(deltas map[string]*textvalue.Delta) (storage.Fields, error) {
	out := make(storage.Fields, len(deltas))

	for name, d := range deltas {
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode delta for %s: %w", name, err)
		}

		out[name] = raw
	}

	return out, nil
}

func decodeDeltas(fields storage.Fields) (map[string]*textvalue.Delta, error) {
	out := make(map[string]*textvalue.Delta, len(fields))

	for name, raw := range fields {
		var d textvalue.Delta
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode delta for %s: %w", name, err)
		}

		out[name] = &d
	}

	return out, nil
}

var _ field.Node = (*Session)(nil)
