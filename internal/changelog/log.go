// Package changelog keeps the sequence-numbered edit payloads of a text value,
// split into a committed and an uncommitted portion.
package changelog

import (
	"github.com/tidwall/btree"

	"github.com/serroba/collabtext/internal/ot"
)

// Log holds change entries keyed by sequence number. A sequence number lives
// in at most one of the two portions. Entries below the checkpoint have been
// folded away and are no longer present.
type Log struct {
	committed   *btree.Map[int, ot.Patch]
	uncommitted *btree.Map[int, ot.Patch]
	checkpoint  int
}

// New creates an empty log at checkpoint 0.
func New() *Log {
	return &Log{
		committed:   new(btree.Map[int, ot.Patch]),
		uncommitted: new(btree.Map[int, ot.Patch]),
	}
}

// Checkpoint returns the first sequence number not yet folded.
func (l *Log) Checkpoint() int {
	return l.checkpoint
}

// SetCheckpoint moves the checkpoint without touching entries.
func (l *Log) SetCheckpoint(seq int) {
	l.checkpoint = seq
}

// Has reports whether seq is present in either portion.
func (l *Log) Has(seq int) bool {
	_, ok := l.Get(seq)

	return ok
}

// Get returns the entry at seq, looking at committed entries first.
func (l *Log) Get(seq int) (ot.Patch, bool) {
	if p, ok := l.committed.Get(seq); ok {
		return p, true
	}

	return l.uncommitted.Get(seq)
}

// Rejection explains why an entry cannot be appended.
type Rejection int

const (
	Accepted Rejection = iota
	Duplicate
	Gap
)

// String names the rejection for logs and metrics.
func (r Rejection) String() string {
	switch r {
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return "accepted"
	}
}

// Accepts checks whether an entry at seq may be appended: it must not be
// present yet, and it must either sit at the checkpoint or follow an
// existing entry.
func (l *Log) Accepts(seq int) Rejection {
	if l.Has(seq) {
		return Duplicate
	}

	if seq != l.checkpoint && !l.Has(seq-1) {
		return Gap
	}

	return Accepted
}

// Put stores an uncommitted entry at seq. It does not validate contiguity.
func (l *Log) Put(seq int, p ot.Patch) {
	l.uncommitted.Set(seq, p)
}

// PutCommitted stores a committed entry at seq.
func (l *Log) PutCommitted(seq int, p ot.Patch) {
	l.uncommitted.Delete(seq)
	l.committed.Set(seq, p)
}

// Remove deletes seq from whichever portion holds it.
func (l *Log) Remove(seq int) {
	l.committed.Delete(seq)
	l.uncommitted.Delete(seq)
}

// PopAt removes and returns the entry at seq, committed portion first.
func (l *Log) PopAt(seq int) (ot.Patch, bool) {
	if p, ok := l.committed.Delete(seq); ok {
		return p, true
	}

	return l.uncommitted.Delete(seq)
}

// Commit moves every uncommitted entry into the committed portion.
func (l *Log) Commit() {
	l.uncommitted.Scan(func(seq int, p ot.Patch) bool {
		l.committed.Set(seq, p)

		return true
	})

	l.uncommitted = new(btree.Map[int, ot.Patch])
}

// Len returns the number of entries in both portions.
func (l *Log) Len() int {
	return l.committed.Len() + l.uncommitted.Len()
}

// PendingLen returns the number of uncommitted entries.
func (l *Log) PendingLen() int {
	return l.uncommitted.Len()
}

// Uncommitted returns a copy of the uncommitted entries.
func (l *Log) Uncommitted() map[int]ot.Patch {
	return collect(l.uncommitted, make(map[int]ot.Patch, l.uncommitted.Len()))
}

// All returns committed and uncommitted entries merged into one map.
func (l *Log) All() map[int]ot.Patch {
	out := make(map[int]ot.Patch, l.Len())
	collect(l.committed, out)

	return collect(l.uncommitted, out)
}

func collect(m *btree.Map[int, ot.Patch], out map[int]ot.Patch) map[int]ot.Patch {
	m.Scan(func(seq int, p ot.Patch) bool {
		out[seq] = p

		return true
	})

	return out
}

// Walk visits contiguous entries starting at from, in sequence order, and
// returns the first sequence number that has no entry.
func (l *Log) Walk(from int, visit func(seq int, p ot.Patch)) int {
	seq := from

	for {
		p, ok := l.Get(seq)
		if !ok {
			return seq
		}

		visit(seq, p)
		seq++
	}
}

// Reset drops every entry and rewinds the checkpoint to zero.
func (l *Log) Reset() {
	l.committed = new(btree.Map[int, ot.Patch])
	l.uncommitted = new(btree.Map[int, ot.Patch])
	l.checkpoint = 0
}

// Fork returns an independent copy of the log. Pending entries move to the
// copy: the receiver keeps only its committed entries.
func (l *Log) Fork() *Log {
	fork := &Log{
		committed:   l.committed.Copy(),
		uncommitted: l.uncommitted,
		checkpoint:  l.checkpoint,
	}

	l.uncommitted = new(btree.Map[int, ot.Patch])

	return fork
}

// Clone returns an independent copy of both portions.
func (l *Log) Clone() *Log {
	return &Log{
		committed:   l.committed.Copy(),
		uncommitted: l.uncommitted.Copy(),
		checkpoint:  l.checkpoint,
	}
}

// Memory estimates the footprint of all entries.
func (l *Log) Memory(overhead int) int {
	n := 0

	for _, m := range []*btree.Map[int, ot.Patch]{l.committed, l.uncommitted} {
		m.Scan(func(_ int, p ot.Patch) bool {
			n += overhead + p.Size()

			return true
		})
	}

	return n
}
