// Package field wraps a text value with a committed backup and a
// copy-on-write working value, and turns each commit into a forward and a
// reverse delta.
package field

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.com/serroba/collabtext/internal/changelog"
	"github.com/serroba/collabtext/internal/metrics"
	"github.com/serroba/collabtext/internal/ot"
	"github.com/serroba/collabtext/internal/textvalue"
)

// Node is the owner of a field. It is told when the field turns dirty and
// hands out the generation nonce stamped on structural resets.
type Node interface {
	MarkDirty(name string)
	Generation() uint64
}

type detachedNode struct{}

func (detachedNode) MarkDirty(string)   {}
func (detachedNode) Generation() uint64 { return 0 }

// Field is a reactive text field. It is not safe for concurrent use.
//
// Until the first mutation after a commit or revert, working and backup are
// the same value and owned is false. Every mutating method goes through
// mutable, which forks first.
type Field struct {
	name    string
	node    Node
	opts    []textvalue.Option
	backup  *textvalue.Value
	working *textvalue.Value
	owned   bool
}

// New creates an empty clean field. A nil node leaves the field detached.
func New(name string, node Node, opts ...textvalue.Option) *Field {
	if node == nil {
		node = detachedNode{}
	}

	f := &Field{name: name, node: node, opts: opts}
	f.backup = f.fresh()
	f.working = f.backup

	return f
}

func (f *Field) fresh() *textvalue.Value {
	opts := append([]textvalue.Option{textvalue.WithGen(f.node.Generation())}, f.opts...)

	return textvalue.New(opts...)
}

// Name returns the field name used as the delta key.
func (f *Field) Name() string {
	return f.name
}

// Dirty reports whether the working value differs from the backup.
func (f *Field) Dirty() bool {
	return f.owned
}

func (f *Field) mutable() *textvalue.Value {
	if !f.owned {
		f.working = f.backup.Fork()
		f.owned = true
	}

	return f.working
}

func (f *Field) touch() {
	f.node.MarkDirty(f.name)
}

// Text returns the working text.
func (f *Field) Text() string {
	return f.working.Text()
}

// NextSeq returns the sequence number the next append must use.
func (f *Field) NextSeq() int {
	return f.working.NextSeq()
}

// Append stores p at seq. A refused entry leaves the field untouched.
func (f *Field) Append(seq int, p ot.Patch) bool {
	if r := f.working.AcceptsPatch(seq, p); r != changelog.Accepted {
		metrics.RejectedAppends.WithLabelValues(r.String()).Inc()
		glog.V(2).Infof("field %s: refused entry %d: %s", f.name, seq, r)

		return false
	}

	f.mutable().Append(seq, p)
	f.touch()

	return true
}

// Replace sets the whole text, dropping history.
func (f *Field) Replace(text string) {
	f.mutable().Replace(text, f.node.Generation())
	f.touch()
}

// Compact folds the oldest share of the change log into fragments.
func (f *Field) Compact(ratio float64) int {
	folded := f.mutable().Compact(ratio)
	f.touch()

	if folded > 0 {
		metrics.Compactions.Inc()
		metrics.FoldedEntries.Add(float64(folded))
	}

	return folded
}

// ApplyPatch merges an inbound delta into the working value. Applying the
// reverse delta of a commit undoes that commit.
func (f *Field) ApplyPatch(d *textvalue.Delta) {
	f.mutable().Merge(d)
	f.touch()
}

// Commit records the difference between backup and working under the
// field name in forward and reverse, then promotes working to backup.
// It reports whether anything was recorded.
func (f *Field) Commit(forward, reverse map[string]*textvalue.Delta) bool {
	if !f.owned {
		return false
	}

	var fwd, rev *textvalue.Delta

	path := metrics.PathStructural
	if f.working.Mode() == textvalue.ModeAppendOnly && !f.working.Upgraded() {
		path = metrics.PathAppendOnly
		fwd, rev = f.changesDelta()
	} else {
		fwd, rev = f.structuralDelta()
	}

	upgraded := f.working.Upgraded()

	f.working.Commit()

	if upgraded {
		f.working.ClearUpgraded()
	}

	f.backup = f.working
	f.owned = false

	forward[f.name] = fwd
	reverse[f.name] = rev

	metrics.FieldCommits.WithLabelValues(path).Inc()
	glog.V(1).Infof("field %s: committed via %s path", f.name, path)

	return true
}

func (f *Field) changesDelta() (forward, reverse *textvalue.Delta) {
	pending := f.working.Uncommitted()

	forward = &textvalue.Delta{Changes: make(map[int]*ot.Patch, len(pending))}
	reverse = &textvalue.Delta{Changes: make(map[int]*ot.Patch, len(pending))}

	for seq, p := range pending {
		forward.Changes[seq] = &p
		reverse.Changes[seq] = nil
	}

	return forward, reverse
}

func (f *Field) structuralDelta() (forward, reverse *textvalue.Delta) {
	forward, reverse = &textvalue.Delta{}, &textvalue.Delta{}

	forward.Fragments, reverse.Fragments = DiffStrings(f.backup.Fragments(), f.working.Fragments())
	forward.Order, reverse.Order = DiffStrings(f.backup.Order(), f.working.Order())
	forward.Changes, reverse.Changes = DiffPatches(f.backup.Changes(), f.working.Changes())

	if before, after := f.backup.Checkpoint(), f.working.Checkpoint(); before != after {
		forward.Seq, reverse.Seq = &after, &before
	}

	if before, after := f.backup.Gen(), f.working.Gen(); before != after {
		forward.Gen, reverse.Gen = &after, &before
	}

	return forward, reverse
}

// Revert discards the working value. It reports whether there was anything
// to discard.
func (f *Field) Revert() bool {
	if !f.owned {
		return false
	}

	f.working = f.backup
	f.owned = false

	metrics.Reverts.Inc()

	return true
}

// Dump writes a full snapshot of the working value.
func (f *Field) Dump(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(f.working.Serialize()); err != nil {
		return fmt.Errorf("dump field %s: %w", f.name, err)
	}

	return nil
}

// Snapshot returns a full snapshot of the working value.
func (f *Field) Snapshot() *textvalue.Delta {
	return f.working.Serialize()
}

// Insert replaces all state with the snapshot read from r. Both backup and
// working point at the loaded value afterwards.
func (f *Field) Insert(r io.Reader) error {
	var d textvalue.Delta
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return fmt.Errorf("insert field %s: %w", f.name, err)
	}

	f.Load(&d)

	return nil
}

// Load is Insert for an already decoded snapshot.
func (f *Field) Load(d *textvalue.Delta) {
	v := f.fresh()
	v.Merge(d)
	v.Commit()

	f.backup = v
	f.working = v
	f.owned = false
}

// Memory estimates the footprint of the field. A forked working value is
// counted on top of the backup.
func (f *Field) Memory() int {
	n := f.backup.Memory()

	if f.owned {
		n += f.working.Memory()
	}

	return n
}
