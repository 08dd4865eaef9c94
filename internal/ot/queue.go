package ot

import (
	"errors"
	"sync"
)

// Common queue errors.
var (
	// ErrRevisionTooOld is returned when the client's base revision is too far behind.
	ErrRevisionTooOld = errors.New("base revision too old, history unavailable")

	// ErrRevisionInFuture is returned when the client claims a revision the queue has not reached.
	ErrRevisionInFuture = errors.New("base revision is in the future")
)

// SequencedOperation wraps an operation with the sequence number it was assigned.
type SequencedOperation struct {
	Operation
	Seq int
}

// Queue manages the sequencing and transformation of concurrent operations.
// It maintains a history of recent operations to transform incoming ops
// that are based on older revisions.
//
// A revision is the number of operations sequenced so far, which is also the
// sequence number the next operation will receive.
type Queue struct {
	mu          sync.RWMutex
	revision    int                  // Next sequence number
	history     []SequencedOperation // Recent operations for transformation
	historySize int                  // Maximum history size to keep
}

// NewQueue creates a new operation queue starting at revision 0.
// historySize determines how many past operations to retain for transformation.
func NewQueue(historySize int) *Queue {
	return &Queue{
		history:     make([]SequencedOperation, 0, historySize),
		historySize: historySize,
	}
}

// Revision returns the current document revision.
func (q *Queue) Revision() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.revision
}

// HistorySize returns the configured history bound.
func (q *Queue) HistorySize() int {
	return q.historySize
}

// Reset drops the history and restarts sequencing at revision.
// Clients based on anything older must resynchronize.
func (q *Queue) Reset(revision int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.revision = revision
	q.history = q.history[:0]
}

// Apply transforms a patch submitted against baseRevision past every
// operation sequenced since, and assigns consecutive sequence numbers to its
// operations. Operations of a batch are rebased one after the other: once an
// operation is placed, the remaining history is moved past it.
func (q *Queue) Apply(p Patch, baseRevision int) ([]SequencedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if baseRevision > q.revision {
		return nil, ErrRevisionInFuture
	}

	// We need every operation after baseRevision to be in history
	if baseRevision < q.revision {
		if len(q.history) == 0 || baseRevision < q.history[0].Seq {
			return nil, ErrRevisionTooOld
		}
	}

	var concurrent []Operation

	for _, histOp := range q.history {
		if histOp.Seq >= baseRevision {
			concurrent = append(concurrent, histOp.Operation)
		}
	}

	result := make([]SequencedOperation, 0, p.Len())

	for _, op := range p.ops {
		transformed := op

		for i := range concurrent {
			transformed, concurrent[i] = Transform(transformed, concurrent[i])
		}

		seqOp := SequencedOperation{
			Operation: transformed,
			Seq:       q.revision,
		}
		q.revision++

		q.addToHistory(seqOp)
		result = append(result, seqOp)
	}

	return result, nil
}

// addToHistory adds an operation to history, pruning old entries if needed.
func (q *Queue) addToHistory(op SequencedOperation) {
	q.history = append(q.history, op)

	if len(q.history) > q.historySize {
		q.history = q.history[1:]
	}
}

// History returns a copy of the operations sequenced at or after sinceRevision.
// Useful for clients that need to catch up.
func (q *Queue) History(sinceRevision int) []SequencedOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []SequencedOperation

	for _, op := range q.history {
		if op.Seq >= sinceRevision {
			result = append(result, op)
		}
	}

	return result
}

// Patchify reassembles sequenced operations into a patch, keeping batch shape
// when there is more than one.
func Patchify(ops []SequencedOperation) Patch {
	if len(ops) == 1 {
		return Single(ops[0].Operation)
	}

	plain := make([]Operation, len(ops))
	for i, op := range ops {
		plain[i] = op.Operation
	}

	return Batch(plain...)
}
