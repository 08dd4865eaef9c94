package storage

import (
	"errors"
	"fmt"
	"sync"
)

// SnapshotPolicy counts the transactions committed to each document since
// its last snapshot and says when the next one is due.
type SnapshotPolicy struct {
	mu        sync.Mutex
	threshold int
	pending   map[string]int // document ID -> transactions since its snapshot
}

// NewSnapshotPolicy makes a snapshot due every threshold transactions.
// A threshold below one never makes one due.
func NewSnapshotPolicy(threshold int) *SnapshotPolicy {
	return &SnapshotPolicy{
		threshold: threshold,
		pending:   make(map[string]int),
	}
}

// RecordTransaction counts one committed transaction and reports whether
// a snapshot is now due.
func (p *SnapshotPolicy) RecordTransaction(docID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[docID]++

	return p.threshold > 0 && p.pending[docID] >= p.threshold
}

// Reset restarts the count once a snapshot was written.
func (p *SnapshotPolicy) Reset(docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[docID] = 0
}

// Forget drops the count of a document that is no longer loaded.
func (p *SnapshotPolicy) Forget(docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.pending, docID)
}

// TransactionsSinceSnapshot returns the current count for docID.
func (p *SnapshotPolicy) TransactionsSinceSnapshot(docID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pending[docID]
}

// DocumentLoader rebuilds a document from its latest snapshot and the
// transactions committed after it.
type DocumentLoader struct {
	store Store
}

func NewDocumentLoader(store Store) *DocumentLoader {
	return &DocumentLoader{store: store}
}

// LoadResult describes what Load found.
type LoadResult struct {
	Fields   Fields // snapshot fields, nil without a snapshot
	Revision int    // revision after replay
	Replayed int    // transactions handed to the ApplyFunc
	IsNew    bool   // nothing was ever stored for the document
}

// ApplyFunc replays one transaction on top of the state loaded so far.
type ApplyFunc func(tx Transaction) error

// Load reads the latest snapshot of docID and hands every later
// transaction to apply, oldest first. It stops at the first apply error.
func (l *DocumentLoader) Load(docID string, apply ApplyFunc) (LoadResult, error) {
	var result LoadResult

	snap, err := l.store.LoadSnapshot(docID)
	if err == nil {
		result.Fields = snap.Fields
		result.Revision = snap.Revision
	} else if !errors.Is(err, ErrSnapshotNotFound) {
		return LoadResult{}, fmt.Errorf("load snapshot: %w", err)
	}

	txs, err := l.store.LoadTransactions(docID, result.Revision)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load transactions: %w", err)
	}

	for _, tx := range txs {
		if err := apply(tx); err != nil {
			return LoadResult{}, err
		}

		result.Revision = tx.Revision
		result.Replayed++
	}

	result.IsNew = result.Fields == nil && len(txs) == 0

	return result, nil
}
