package textvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strconv"

	"github.com/golang/glog"

	"github.com/serroba/collabtext/internal/ot"
)

// ErrMalformedDelta is returned when the top level of a delta is neither an
// object nor a string.
var ErrMalformedDelta = errors.New("delta must be an object or a string")

// Delta is the wire shape shared by snapshots and commit deltas. A nil map
// means the section is absent; a nil entry inside a map removes that key
// when merged. Legacy holds a bare string snapshot.
type Delta struct {
	Fragments map[string]*string
	Order     map[int]*string
	Changes   map[int]*ot.Patch
	Seq       *int
	Gen       *uint64
	Legacy    *string
}

// Empty reports whether merging d would change nothing.
func (d *Delta) Empty() bool {
	return d == nil || (len(d.Fragments) == 0 && len(d.Order) == 0 && len(d.Changes) == 0 &&
		d.Seq == nil && d.Gen == nil && d.Legacy == nil)
}

// MarshalJSON writes the sections in the order fragments, order, changes,
// seq, gen. Keys are sorted so equal deltas encode to equal bytes.
func (d Delta) MarshalJSON() ([]byte, error) {
	if d.Legacy != nil {
		return json.Marshal(*d.Legacy)
	}

	var b bytes.Buffer

	b.WriteByte('{')

	w := objectWriter{buf: &b}

	if d.Fragments != nil {
		keys := make([]string, 0, len(d.Fragments))
		for k := range d.Fragments {
			keys = append(keys, k)
		}

		slices.Sort(keys)

		if err := writeSection(&w, "fragments", keys, func(k string) (string, any) {
			return k, d.Fragments[k]
		}); err != nil {
			return nil, err
		}
	}

	if d.Order != nil {
		if err := writeIntSection(&w, "order", d.Order); err != nil {
			return nil, err
		}
	}

	if d.Changes != nil {
		if err := writeIntSection(&w, "changes", d.Changes); err != nil {
			return nil, err
		}
	}

	if d.Seq != nil {
		if err := w.field("seq", *d.Seq); err != nil {
			return nil, err
		}
	}

	if d.Gen != nil {
		if err := w.field("gen", *d.Gen); err != nil {
			return nil, err
		}
	}

	b.WriteByte('}')

	return b.Bytes(), nil
}

func writeIntSection[V any](w *objectWriter, name string, m map[int]*V) error {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return writeSection(w, name, keys, func(k int) (string, any) {
		return strconv.Itoa(k), m[k]
	})
}

type objectWriter struct {
	buf   *bytes.Buffer
	count int
}

func (w *objectWriter) key(name string) {
	if w.count > 0 {
		w.buf.WriteByte(',')
	}

	w.count++

	k, _ := json.Marshal(name)
	w.buf.Write(k)
	w.buf.WriteByte(':')
}

func (w *objectWriter) field(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.key(name)
	w.buf.Write(data)

	return nil
}

func writeSection[K any](w *objectWriter, name string, keys []K, entry func(K) (string, any)) error {
	inner := objectWriter{buf: &bytes.Buffer{}}

	inner.buf.WriteByte('{')

	for _, k := range keys {
		key, v := entry(k)
		if err := inner.field(key, v); err != nil {
			return err
		}
	}

	inner.buf.WriteByte('}')

	w.key(name)
	w.buf.Write(inner.buf.Bytes())

	return nil
}

// UnmarshalJSON accepts the object form or a bare legacy string. Entries
// with an unexpected shape are skipped with a warning; only a malformed top
// level fails.
func (d *Delta) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	*d = Delta{}

	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		d.Legacy = &s

		return nil
	}

	if len(data) == 0 || data[0] != '{' {
		return ErrMalformedDelta
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return err
	}

	if raw, ok := sections["fragments"]; ok {
		d.Fragments = decodeEntries(raw, "fragments", func(k string) (string, bool) { return k, true }, decodeString)
	}

	if raw, ok := sections["order"]; ok {
		d.Order = decodeEntries(raw, "order", parseIndex, decodeString)
	}

	if raw, ok := sections["changes"]; ok {
		d.Changes = decodeEntries(raw, "changes", parseIndex, decodePatch)
	}

	if raw, ok := sections["seq"]; ok {
		var seq int
		if err := json.Unmarshal(raw, &seq); err != nil {
			glog.Warningf("textvalue: skipping malformed seq %s: %v", raw, err)
		} else {
			d.Seq = &seq
		}
	}

	if raw, ok := sections["gen"]; ok {
		var gen uint64
		if err := json.Unmarshal(raw, &gen); err != nil {
			glog.Warningf("textvalue: skipping malformed gen %s: %v", raw, err)
		} else {
			d.Gen = &gen
		}
	}

	return nil
}

func parseIndex(k string) (int, bool) {
	i, err := strconv.Atoi(k)

	return i, err == nil
}

func decodeString(raw json.RawMessage) (*string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

func decodePatch(raw json.RawMessage) (*ot.Patch, error) {
	var p ot.Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

func decodeEntries[K comparable, V any](
	raw json.RawMessage,
	section string,
	parseKey func(string) (K, bool),
	decode func(json.RawMessage) (*V, error),
) map[K]*V {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		glog.Warningf("textvalue: skipping malformed %s section: %v", section, err)

		return nil
	}

	out := make(map[K]*V, len(entries))

	for k, v := range entries {
		key, ok := parseKey(k)
		if !ok {
			glog.Warningf("textvalue: skipping %s entry with bad key %q", section, k)

			continue
		}

		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			out[key] = nil

			continue
		}

		decoded, err := decode(v)
		if err != nil {
			glog.Warningf("textvalue: skipping malformed %s entry %q: %v", section, k, err)

			continue
		}

		out[key] = decoded
	}

	return out
}
