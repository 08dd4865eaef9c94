package collab_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/serroba/collabtext/internal/collab"
	"github.com/serroba/collabtext/internal/ot"
	"github.com/serroba/collabtext/internal/storage"
	"github.com/serroba/collabtext/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, store storage.Store, cfg collab.SessionConfig) *collab.Session {
	t.Helper()

	cfg.DocID = "doc1"
	cfg.Store = store

	session := collab.NewSession(cfg)
	require.NoError(t, session.Load())

	return session
}

func newStore(t *testing.T) *storage.MemoryStore {
	t.Helper()

	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateDocument("doc1"))

	return store
}

func insert(text string, position int, clientID string) ot.Patch {
	return ot.Single(ot.NewInsert(text, position, clientID))
}

func text(t *testing.T, session *collab.Session, name string) string {
	t.Helper()

	state, err := session.GetState()
	require.NoError(t, err)

	return state.Fields[name].Text
}

func TestSession_ApplyOperation(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	res, err := session.ApplyOperation("client1", "user1", "body", insert("H", 0, "c1"), 0)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Transaction.Revision)
	assert.Equal(t, 1, res.Seq)
	assert.Equal(t, "user1", res.Transaction.UserID)
	assert.JSONEq(t, `{"changes":{"0":{"type":"insert","position":0,"text":"H","clientId":"c1"}}}`,
		string(res.Transaction.Forward["body"]))
	assert.JSONEq(t, `{"changes":{"0":null}}`, string(res.Transaction.Reverse["body"]))

	state, err := session.GetState()
	require.NoError(t, err)

	assert.Equal(t, 1, state.Revision)
	assert.Equal(t, ws.FieldState{Text: "H", Seq: 1}, state.Fields["body"])
}

func TestSession_ApplyOperation_Batch(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	batch := ot.Batch(ot.NewInsert("ab", 0, "c1"), ot.NewInsert("c", 2, "c1"))

	res, err := session.ApplyOperation("client1", "user1", "body", batch, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Seq)
	assert.Equal(t, "abc", text(t, session, "body"))
}

func TestSession_ApplyOperation_RebasesConcurrentEdits(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	_, err := session.ApplyOperation("client1", "user1", "body", insert("Hello", 0, "a"), 0)
	require.NoError(t, err)

	// Written against the empty field, rebased past "Hello"
	_, err = session.ApplyOperation("client2", "user2", "body", insert("!", 0, "b"), 0)
	require.NoError(t, err)

	assert.Equal(t, "Hello!", text(t, session, "body"))
	assert.Equal(t, 2, session.Revision())
}

func TestSession_ApplyOperation_FieldsAreIndependent(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	_, err := session.ApplyOperation("c1", "u1", "title", insert("T", 0, "a"), 0)
	require.NoError(t, err)

	res, err := session.ApplyOperation("c1", "u1", "body", insert("B", 0, "a"), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Transaction.Revision)
	assert.Equal(t, 1, res.Seq)
	assert.NotContains(t, res.Transaction.Forward, "title")
	assert.Equal(t, "T", text(t, session, "title"))
	assert.Equal(t, "B", text(t, session, "body"))
}

func TestSession_ApplyOperation_Errors(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	_, err := session.ApplyOperation("c1", "u1", "", insert("x", 0, "a"), 0)
	require.ErrorIs(t, err, collab.ErrInvalidFieldName)

	_, err = session.ApplyOperation("c1", "u1", "body", ot.Batch(), 0)
	require.ErrorIs(t, err, ot.ErrEmptyPatch)

	_, err = session.ApplyOperation("c1", "u1", "body", insert("x", 0, "a"), 5)
	require.ErrorIs(t, err, ot.ErrRevisionInFuture)

	assert.Equal(t, 0, session.Revision())
}

func TestSession_RollbackOnPersistFailure(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: newStore(t)}
	session := newSession(t, store, collab.SessionConfig{})

	_, err := session.ApplyOperation("c1", "u1", "body", insert("A", 0, "a"), 0)
	require.NoError(t, err)

	store.fail = true

	_, err = session.ApplyOperation("c1", "u1", "body", insert("B", 1, "a"), 1)
	require.ErrorIs(t, err, errAppend)

	state, err := session.GetState()
	require.NoError(t, err)
	assert.Equal(t, ws.FieldState{Text: "A", Seq: 1}, state.Fields["body"])
	assert.Equal(t, 1, state.Revision)

	store.fail = false

	res, err := session.ApplyOperation("c1", "u1", "body", insert("C", 1, "a"), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Transaction.Revision)
	assert.Equal(t, "AC", text(t, session, "body"))
}

func TestSession_Undo(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	_, err := session.ApplyOperation("c1", "u1", "body", insert("Hello", 0, "a"), 0)
	require.NoError(t, err)

	_, err = session.ApplyOperation("c1", "u1", "body", insert(" world", 5, "a"), 1)
	require.NoError(t, err)

	tx, err := session.Undo("c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, tx.Revision)
	assert.Equal(t, "Hello", text(t, session, "body"))

	// The field accepts edits at the restored sequence number
	_, err = session.ApplyOperation("c1", "u1", "body", insert("!", 5, "a"), 1)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", text(t, session, "body"))

	_, err = session.Undo("c1", "u1")
	require.NoError(t, err)

	_, err = session.Undo("c1", "u1")
	require.NoError(t, err)
	assert.Empty(t, text(t, session, "body"))

	_, err = session.Undo("c1", "u1")
	require.ErrorIs(t, err, collab.ErrNothingToUndo)
}

func TestSession_ReplaceText(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	res, err := session.ReplaceText("c1", "u1", "body", "one\ntwo")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Seq)

	_, err = session.ApplyOperation("c1", "u1", "body", insert("X", 0, "a"), 0)
	require.NoError(t, err)
	assert.Equal(t, "Xone\ntwo", text(t, session, "body"))

	_, err = session.Undo("c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", text(t, session, "body"))

	_, err = session.Undo("c1", "u1")
	require.NoError(t, err)
	assert.Empty(t, text(t, session, "body"))
}

func TestSession_Compact(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	for i, s := range []string{"a", "b", "c", "d"} {
		_, err := session.ApplyOperation("c1", "u1", "body", insert(s, i, "a"), i)
		require.NoError(t, err)
	}

	folded, err := session.Compact(0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, folded)
	assert.Equal(t, 5, session.Revision())

	state, err := session.GetState()
	require.NoError(t, err)
	assert.Equal(t, ws.FieldState{Text: "abcd", Seq: 4}, state.Fields["body"])

	// Nothing left to fold records nothing
	folded, err = session.Compact(0)
	require.NoError(t, err)
	assert.Zero(t, folded)
	assert.Equal(t, 5, session.Revision())

	// Compaction invalidates the undo history
	_, err = session.Undo("c1", "u1")
	require.ErrorIs(t, err, collab.ErrNothingToUndo)
}

func TestSession_Load_ReplaysTransactions(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	session := newSession(t, store, collab.SessionConfig{})

	_, err := session.ReplaceText("c1", "u1", "title", "Notes")
	require.NoError(t, err)

	_, err = session.ApplyOperation("c1", "u1", "body", insert("Hi", 0, "a"), 0)
	require.NoError(t, err)

	_, err = session.ApplyOperation("c1", "u1", "body", insert(" there", 2, "a"), 1)
	require.NoError(t, err)

	reloaded := newSession(t, store, collab.SessionConfig{})

	state, err := reloaded.GetState()
	require.NoError(t, err)

	assert.Equal(t, 3, state.Revision)
	assert.Equal(t, ws.FieldState{Text: "Notes", Seq: 0}, state.Fields["title"])
	assert.Equal(t, ws.FieldState{Text: "Hi there", Seq: 2}, state.Fields["body"])

	// Replayed transactions stay undoable
	_, err = reloaded.Undo("c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Hi", text(t, reloaded, "body"))
}

func TestSession_Load_CompactionClearsUndo(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	session := newSession(t, store, collab.SessionConfig{})

	_, err := session.ApplyOperation("c1", "u1", "body", insert("Hi", 0, "a"), 0)
	require.NoError(t, err)

	_, err = session.Compact(1)
	require.NoError(t, err)

	reloaded := newSession(t, store, collab.SessionConfig{})
	assert.Equal(t, 2, reloaded.Revision())

	_, err = reloaded.Undo("c1", "u1")
	require.ErrorIs(t, err, collab.ErrNothingToUndo)
	assert.Equal(t, "Hi", text(t, reloaded, "body"))
}

func TestSession_Load_UndoneEditsStayUndone(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	session := newSession(t, store, collab.SessionConfig{})

	_, err := session.ApplyOperation("c1", "u1", "body", insert("Hi", 0, "a"), 0)
	require.NoError(t, err)

	_, err = session.ApplyOperation("c1", "u1", "body", insert(" there", 2, "a"), 1)
	require.NoError(t, err)

	_, err = session.Undo("c1", "u1")
	require.NoError(t, err)

	reloaded := newSession(t, store, collab.SessionConfig{})
	assert.Equal(t, "Hi", text(t, reloaded, "body"))

	// The next undo reverts the first edit, not the undo itself
	_, err = reloaded.Undo("c1", "u1")
	require.NoError(t, err)
	assert.Empty(t, text(t, reloaded, "body"))

	_, err = reloaded.Undo("c1", "u1")
	require.ErrorIs(t, err, collab.ErrNothingToUndo)
}

func TestSession_SnapshotPolicyCompactsAndSnapshots(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	cfg := collab.SessionConfig{
		SnapshotPolicy: storage.NewSnapshotPolicy(2),
		CompactRatio:   1,
	}
	session := newSession(t, store, cfg)

	_, err := session.ApplyOperation("c1", "u1", "body", insert("ab", 0, "a"), 0)
	require.NoError(t, err)

	_, err = session.ApplyOperation("c1", "u1", "body", insert("\ncd", 2, "a"), 1)
	require.NoError(t, err)

	// Two edits plus the compaction
	assert.Equal(t, 3, session.Revision())

	snapshot, err := store.LoadSnapshot("doc1")
	require.NoError(t, err)
	assert.Equal(t, 3, snapshot.Revision)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(snapshot.Fields["body"], &body))
	assert.JSONEq(t, `{}`, string(body["changes"]))
	assert.JSONEq(t, `2`, string(body["seq"]))

	txs, err := store.LoadTransactions("doc1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)

	reloaded := newSession(t, store, cfg)

	state, err := reloaded.GetState()
	require.NoError(t, err)
	assert.Equal(t, ws.FieldState{Text: "ab\ncd", Seq: 2}, state.Fields["body"])
}

func TestSession_DumpField(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})

	_, err := session.ApplyOperation("c1", "u1", "body", insert("x", 0, "a"), 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, session.DumpField("body", &buf))
	assert.JSONEq(t,
		`{"fragments":{},"order":{},"changes":{"0":{"type":"insert","position":0,"text":"x","clientId":"a"}},"seq":0}`,
		buf.String())

	err = session.DumpField("missing", &buf)
	require.ErrorIs(t, err, collab.ErrUnknownField)
}

func TestSession_Broadcast(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub()
	sender := ws.NewClient("client1", "user1", newChanConn())
	receiverConn := newChanConn()
	receiver := ws.NewClient("client2", "user2", receiverConn)

	for _, c := range []*ws.Client{sender, receiver} {
		hub.Register(c)
		hub.Subscribe(c, "doc1")
	}

	session := newSession(t, newStore(t), collab.SessionConfig{Hub: hub})

	res, err := session.ApplyOperation("client1", "user1", "body", insert("x", 0, "a"), 0)
	require.NoError(t, err)

	select {
	case msg := <-receiverConn.sent:
		require.Equal(t, ws.MessageTypeDelta, msg.Type)

		payload, ok := msg.Payload.(ws.DeltaPayload)
		require.True(t, ok)
		assert.Equal(t, res.Transaction.ID.String(), payload.TxID)
		assert.Equal(t, 1, payload.Revision)
		assert.Contains(t, payload.Forward, "body")
	case <-time.After(time.Second):
		t.Fatal("receiver got no delta")
	}
}

func TestSession_BroadcastPrecedesCompaction(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub()
	conn := newChanConn()
	receiver := ws.NewClient("client2", "user2", conn)
	hub.Register(receiver)
	hub.Subscribe(receiver, "doc1")

	t.Cleanup(func() { _ = receiver.Close() })

	session := newSession(t, newStore(t), collab.SessionConfig{
		Hub:            hub,
		SnapshotPolicy: storage.NewSnapshotPolicy(1),
		CompactRatio:   1,
	})

	_, err := session.ApplyOperation("client1", "user1", "body", insert("x", 0, "a"), 0)
	require.NoError(t, err)
	require.Equal(t, 2, session.Revision())

	var revisions []int

	for range 2 {
		select {
		case msg := <-conn.sent:
			payload, ok := msg.Payload.(ws.DeltaPayload)
			require.True(t, ok)

			revisions = append(revisions, payload.Revision)
		case <-time.After(time.Second):
			t.Fatalf("receiver got %d deltas", len(revisions))
		}
	}

	assert.Equal(t, []int{1, 2}, revisions)
}

func TestSession_Close(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	session := newSession(t, store, collab.SessionConfig{})

	_, err := session.ApplyOperation("c1", "u1", "body", insert("X", 0, "a"), 0)
	require.NoError(t, err)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	snapshot, err := store.LoadSnapshot("doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.Revision)

	// Operations after close should fail
	_, err = session.ApplyOperation("c1", "u1", "body", insert("Y", 1, "a"), 1)
	if !errors.Is(err, collab.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	_, err = session.GetState()
	if !errors.Is(err, collab.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_Memory(t *testing.T) {
	t.Parallel()

	session := newSession(t, newStore(t), collab.SessionConfig{})
	empty := session.Memory()

	_, err := session.ApplyOperation("c1", "u1", "body", insert("hello", 0, "a"), 0)
	require.NoError(t, err)

	assert.Greater(t, session.Memory(), empty)
}

func TestSession_Load_MissingDocument(t *testing.T) {
	t.Parallel()

	session := collab.NewSession(collab.SessionConfig{
		DocID: "missing",
		Store: storage.NewMemoryStore(),
	})

	require.ErrorIs(t, session.Load(), storage.ErrDocumentNotFound)
}

var errAppend = errors.New("append failed")

// flakyStore fails AppendTransaction while fail is set.
type flakyStore struct {
	*storage.MemoryStore
	fail bool
}

func (f *flakyStore) AppendTransaction(docID string, tx storage.Transaction) error {
	if f.fail {
		return errAppend
	}

	return f.MemoryStore.AppendTransaction(docID, tx)
}

// chanConn records every message written to it.
type chanConn struct {
	sent chan ws.Message
}

func newChanConn() *chanConn {
	return &chanConn{sent: make(chan ws.Message, 16)}
}

func (c *chanConn) WriteJSON(v any) error {
	if msg, ok := v.(ws.Message); ok {
		c.sent <- msg
	}

	return nil
}

func (c *chanConn) ReadJSON(any) error {
	return errors.New("not readable")
}

func (c *chanConn) Close() error {
	return nil
}
