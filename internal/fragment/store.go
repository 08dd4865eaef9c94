// Package fragment stores multi-line text as deduplicated lines addressed by
// short content keys, plus the line order that joins them back together.
package fragment

import (
	"maps"
	"strings"
)

// Separator joins lines.
const Separator = "\n"

// Store maps fragment keys to line content and line indexes to keys.
// Identical lines produced by Rebuild share one key.
type Store struct {
	fragments map[string]string // key -> line
	order     map[int]string    // line index -> key
	deriver   Deriver
}

// NewStore creates an empty store. A nil deriver falls back to HashDeriver.
func NewStore(deriver Deriver) *Store {
	if deriver == nil {
		deriver = HashDeriver{}
	}

	return &Store{
		fragments: make(map[string]string),
		order:     make(map[int]string),
		deriver:   deriver,
	}
}

// Rebuild replaces the content with text. Lines already present keep their
// key, new lines get a key from the deriver, and fragments no longer
// referenced are dropped. Splitting never collapses empty lines.
func (s *Store) Rebuild(text string) {
	byContent := make(map[string]string, len(s.fragments))
	for key, line := range s.fragments {
		byContent[line] = key
	}

	lines := strings.Split(text, Separator)
	order := make(map[int]string, len(lines))
	referenced := make(map[string]struct{}, len(lines))

	for i, line := range lines {
		key, ok := byContent[line]
		if !ok {
			key = s.deriver.DeriveKey(line, s.fragments)
			s.fragments[key] = line
			byContent[line] = key
		}

		order[i] = key
		referenced[key] = struct{}{}
	}

	for key := range s.fragments {
		if _, ok := referenced[key]; !ok {
			delete(s.fragments, key)
		}
	}

	s.order = order
}

// Text joins the ordered fragments with Separator. Iteration stops at the
// first index without a key or whose key has no fragment.
func (s *Store) Text() string {
	var b strings.Builder

	for i := 0; ; i++ {
		key, ok := s.order[i]
		if !ok {
			break
		}

		line, ok := s.fragments[key]
		if !ok {
			break
		}

		if i > 0 {
			b.WriteString(Separator)
		}

		b.WriteString(line)
	}

	return b.String()
}

// Lines returns the number of ordered lines.
func (s *Store) Lines() int {
	return len(s.order)
}

// Fragment returns the line stored under key.
func (s *Store) Fragment(key string) (string, bool) {
	line, ok := s.fragments[key]

	return line, ok
}

// KeyAt returns the fragment key of line index i.
func (s *Store) KeyAt(i int) (string, bool) {
	key, ok := s.order[i]

	return key, ok
}

// Fragments returns a copy of the key -> line mapping.
func (s *Store) Fragments() map[string]string {
	return maps.Clone(s.fragments)
}

// Order returns a copy of the index -> key mapping.
func (s *Store) Order() map[int]string {
	return maps.Clone(s.order)
}

// Put binds key to line, replacing any previous content.
func (s *Store) Put(key, line string) {
	s.fragments[key] = line
}

// Remove drops the fragment stored under key.
func (s *Store) Remove(key string) {
	delete(s.fragments, key)
}

// SetOrder places key at line index i.
func (s *Store) SetOrder(i int, key string) {
	s.order[i] = key
}

// ClearOrder removes line index i.
func (s *Store) ClearOrder(i int) {
	delete(s.order, i)
}

// Reset empties the store.
func (s *Store) Reset() {
	s.fragments = make(map[string]string)
	s.order = make(map[int]string)
}

// Clone returns an independent copy sharing the deriver.
func (s *Store) Clone() *Store {
	return &Store{
		fragments: maps.Clone(s.fragments),
		order:     maps.Clone(s.order),
		deriver:   s.deriver,
	}
}

// Memory estimates the footprint of the store: every held string costs its
// length plus overhead.
func (s *Store) Memory(overhead int) int {
	n := 0

	for key, line := range s.fragments {
		n += overhead + len(key) + len(line)
	}

	for _, key := range s.order {
		n += overhead + len(key)
	}

	return n
}
