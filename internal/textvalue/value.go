// Package textvalue implements a multi-line text value stored as
// deduplicated line fragments plus a sequence-numbered log of edits that
// have not been folded into the fragments yet.
package textvalue

import (
	"math"

	"github.com/golang/glog"

	"github.com/serroba/collabtext/internal/changelog"
	"github.com/serroba/collabtext/internal/fragment"
	"github.com/serroba/collabtext/internal/ot"
)

// Memory accounting constants.
const (
	BaseMemory    = 64
	EntryOverhead = 16
)

// Mode records which kind of mutation happened since the last commit.
type Mode int

const (
	// ModeAppendOnly means only change entries were appended.
	ModeAppendOnly Mode = iota
	// ModeStructural means fragments, order or existing entries changed.
	ModeStructural
)

// String returns the metrics label of the mode.
func (m Mode) String() string {
	if m == ModeStructural {
		return "structural"
	}

	return "append_only"
}

// PatchEngine applies an edit payload to an operand document.
type PatchEngine interface {
	Apply(doc *ot.Document, p ot.Patch) error
}

// Option configures a Value.
type Option func(*Value)

// WithEngine overrides the patch engine.
func WithEngine(engine PatchEngine) Option {
	return func(v *Value) {
		v.engine = engine
	}
}

// WithDeriver overrides the fragment key deriver.
func WithDeriver(deriver fragment.Deriver) Option {
	return func(v *Value) {
		v.store = fragment.NewStore(deriver)
	}
}

// WithGen sets the generation nonce of a fresh value.
func WithGen(gen uint64) Option {
	return func(v *Value) {
		v.gen = gen
	}
}

// materialized is the text after every contiguous entry below reached.
type materialized struct {
	reached int
	doc     *ot.Document
}

// Value is a text value. It is not safe for concurrent use.
type Value struct {
	store    *fragment.Store
	log      *changelog.Log
	engine   PatchEngine
	cache    *materialized
	gen      uint64
	upgraded bool
	mode     Mode
}

// New creates an empty value.
func New(opts ...Option) *Value {
	v := &Value{
		store:  fragment.NewStore(nil),
		log:    changelog.New(),
		engine: ot.Engine{},
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Replace discards all history and sets the content to text.
func (v *Value) Replace(text string, gen uint64) {
	v.log.Reset()
	v.store.Rebuild(text)
	v.gen = gen
	v.mode = ModeStructural
	v.cache = &materialized{reached: 0, doc: ot.NewDocument(text)}
}

// Accepts reports whether an entry at seq would be appended.
func (v *Value) Accepts(seq int) changelog.Rejection {
	return v.log.Accepts(seq)
}

// AcceptsPatch is Accepts for every sequence number p would take: a batch
// is refused as a duplicate if any of seq+1.. is already present.
func (v *Value) AcceptsPatch(seq int, p ot.Patch) changelog.Rejection {
	if r := v.log.Accepts(seq); r != changelog.Accepted {
		return r
	}

	for i := 1; i < p.Len(); i++ {
		if v.log.Has(seq + i) {
			return changelog.Duplicate
		}
	}

	return changelog.Accepted
}

// Append stores p at seq as an uncommitted entry. A batch takes one sequence
// number per operation starting at seq. Duplicates and entries that do not
// follow the log are refused.
func (v *Value) Append(seq int, p ot.Patch) bool {
	if v.AcceptsPatch(seq, p) != changelog.Accepted {
		return false
	}

	parts := []ot.Patch{p}
	if p.IsBatch() {
		parts = p.Split()
	}

	for i, part := range parts {
		v.log.Put(seq+i, part)
	}

	if v.cache != nil {
		if v.cache.reached == seq {
			v.advance()
		} else {
			v.cache = nil
		}
	}

	return true
}

// advance applies contiguous entries past the cached sequence number.
func (v *Value) advance() {
	v.cache.reached = v.log.Walk(v.cache.reached, func(seq int, p ot.Patch) {
		if err := v.engine.Apply(v.cache.doc, p); err != nil {
			glog.Warningf("textvalue: skipping unappliable entry %d: %v", seq, err)
		}
	})
}

// Text materializes the value: the fragments joined in order followed by
// every contiguous entry from the checkpoint.
func (v *Value) Text() string {
	if v.cache == nil {
		v.cache = &materialized{
			reached: v.log.Checkpoint(),
			doc:     ot.NewDocument(v.store.Text()),
		}

		v.advance()
	}

	return v.cache.doc.Content()
}

// NextSeq returns the sequence number the next append must use.
func (v *Value) NextSeq() int {
	if v.cache != nil {
		return v.cache.reached
	}

	return v.log.Walk(v.log.Checkpoint(), func(int, ot.Patch) {})
}

// Compact folds floor(ratio × entries) of the oldest entries into the
// fragments and returns how many were folded. Folding stops early at the
// first missing sequence number.
func (v *Value) Compact(ratio float64) int {
	v.mode = ModeStructural

	toFold := int(math.Floor(ratio * float64(v.log.Len())))
	if toFold <= 0 {
		return 0
	}

	doc := ot.NewDocument(v.store.Text())
	seq := v.log.Checkpoint()
	folded := 0

	for ; folded < toFold; folded++ {
		p, ok := v.log.PopAt(seq)
		if !ok {
			break
		}

		if err := v.engine.Apply(doc, p); err != nil {
			glog.Warningf("textvalue: folding unappliable entry %d: %v", seq, err)
		}

		seq++
	}

	if folded == 0 {
		return 0
	}

	v.log.SetCheckpoint(seq)
	v.store.Rebuild(doc.Content())
	v.cache = nil

	return folded
}

// Fork returns an independent copy. Uncommitted entries move to the copy.
func (v *Value) Fork() *Value {
	fork := &Value{
		store:    v.store.Clone(),
		log:      v.log.Fork(),
		engine:   v.engine,
		gen:      v.gen,
		upgraded: v.upgraded,
		mode:     ModeAppendOnly,
	}

	if v.cache != nil {
		fork.cache = &materialized{reached: v.cache.reached, doc: v.cache.doc.Clone()}
	}

	if fork.log.PendingLen() > 0 {
		v.cache = nil
	}

	return fork
}

// Commit moves uncommitted entries to the committed portion and resets the
// mode to append-only.
func (v *Value) Commit() {
	v.log.Commit()
	v.mode = ModeAppendOnly
}

// Serialize returns a full snapshot of the value.
func (v *Value) Serialize() *Delta {
	d := &Delta{
		Fragments: make(map[string]*string),
		Order:     make(map[int]*string),
		Changes:   make(map[int]*ot.Patch),
	}

	for key, line := range v.store.Fragments() {
		d.Fragments[key] = &line
	}

	for i, key := range v.store.Order() {
		d.Order[i] = &key
	}

	for seq, p := range v.log.All() {
		d.Changes[seq] = &p
	}

	seq := v.log.Checkpoint()
	d.Seq = &seq

	return d
}

// Merge applies d onto the value: present entries are written, nil entries
// removed, and a legacy string replaces the content and marks the value as
// upgraded. Merged entries land in the uncommitted portion.
func (v *Value) Merge(d *Delta) {
	if d == nil {
		return
	}

	v.mode = ModeStructural
	v.cache = nil

	if d.Legacy != nil {
		v.Replace(*d.Legacy, v.gen)
		v.upgraded = true

		return
	}

	for key, line := range d.Fragments {
		if line == nil {
			v.store.Remove(key)
		} else {
			v.store.Put(key, *line)
		}
	}

	for i, key := range d.Order {
		if key == nil {
			v.store.ClearOrder(i)
		} else {
			v.store.SetOrder(i, *key)
		}
	}

	for seq, p := range d.Changes {
		v.log.Remove(seq)

		if p != nil {
			v.log.Put(seq, *p)
		}
	}

	if d.Seq != nil {
		v.log.SetCheckpoint(*d.Seq)
	}

	if d.Gen != nil {
		v.gen = *d.Gen
	}
}

// Memory estimates the footprint of the value.
func (v *Value) Memory() int {
	n := BaseMemory + v.store.Memory(EntryOverhead) + v.log.Memory(EntryOverhead)

	if v.cache != nil {
		n += EntryOverhead + len(v.cache.doc.Content())
	}

	return n
}

// Gen returns the generation nonce.
func (v *Value) Gen() uint64 {
	return v.gen
}

// Checkpoint returns the first sequence number not folded into fragments.
func (v *Value) Checkpoint() int {
	return v.log.Checkpoint()
}

// Mode returns the kind of mutation since the last commit.
func (v *Value) Mode() Mode {
	return v.mode
}

// Upgraded reports whether the value was loaded from a legacy string.
func (v *Value) Upgraded() bool {
	return v.upgraded
}

// ClearUpgraded drops the legacy marker once the value has been committed
// in the structured form.
func (v *Value) ClearUpgraded() {
	v.upgraded = false
}

// Fragments returns a copy of the fragment map.
func (v *Value) Fragments() map[string]string {
	return v.store.Fragments()
}

// Order returns a copy of the line order.
func (v *Value) Order() map[int]string {
	return v.store.Order()
}

// Changes returns committed and uncommitted entries merged.
func (v *Value) Changes() map[int]ot.Patch {
	return v.log.All()
}

// Uncommitted returns the entries appended since the last commit.
func (v *Value) Uncommitted() map[int]ot.Patch {
	return v.log.Uncommitted()
}
