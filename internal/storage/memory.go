package storage

import (
	"maps"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// memoryDoc is everything kept for one document: its latest snapshot and
// the transactions committed after it, keyed by revision.
type memoryDoc struct {
	snapshot *Snapshot
	log      btree.Map[int, Transaction]
}

// head is the newest revision recorded for the document.
func (d *memoryDoc) head() int {
	if rev, _, ok := d.log.Max(); ok {
		return rev
	}

	if d.snapshot != nil {
		return d.snapshot.Revision
	}

	return 0
}

// MemoryStore keeps documents in process memory. It backs tests and
// single-node deployments without Postgres.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memoryDoc
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memoryDoc)}
}

func (m *MemoryStore) CreateDocument(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[docID]; ok {
		return ErrDocumentExists
	}

	m.docs[docID] = new(memoryDoc)

	return nil
}

func (m *MemoryStore) DocumentExists(docID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.docs[docID]

	return ok, nil
}

func (m *MemoryStore) DeleteDocument(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[docID]; !ok {
		return ErrDocumentNotFound
	}

	delete(m.docs, docID)

	return nil
}

// SaveSnapshot replaces the document's snapshot and drops the transactions
// at or below revision.
func (m *MemoryStore) SaveSnapshot(docID string, revision int, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		return ErrDocumentNotFound
	}

	doc.snapshot = &Snapshot{
		DocID:     docID,
		Revision:  revision,
		Fields:    maps.Clone(fields),
		CreatedAt: time.Now(),
	}

	for {
		rev, _, ok := doc.log.Min()
		if !ok || rev > revision {
			break
		}

		doc.log.Delete(rev)
	}

	return nil
}

func (m *MemoryStore) LoadSnapshot(docID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[docID]
	if !ok {
		return Snapshot{}, ErrDocumentNotFound
	}

	if doc.snapshot == nil {
		return Snapshot{}, ErrSnapshotNotFound
	}

	snap := *doc.snapshot
	snap.Fields = maps.Clone(snap.Fields)

	return snap, nil
}

// AppendTransaction records tx. Revisions must grow strictly past both the
// log and the snapshot.
func (m *MemoryStore) AppendTransaction(docID string, tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		return ErrDocumentNotFound
	}

	if tx.Revision <= doc.head() {
		return ErrRevisionConflict
	}

	tx.DocID = docID
	doc.log.Set(tx.Revision, tx)

	return nil
}

func (m *MemoryStore) LoadTransactions(docID string, sinceRevision int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}

	var txs []Transaction

	doc.log.Ascend(sinceRevision+1, func(_ int, tx Transaction) bool {
		txs = append(txs, tx)

		return true
	})

	return txs, nil
}

func (m *MemoryStore) LatestRevision(docID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[docID]
	if !ok {
		return 0, ErrDocumentNotFound
	}

	return doc.head(), nil
}

var _ Store = (*MemoryStore)(nil)
