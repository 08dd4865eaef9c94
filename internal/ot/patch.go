package ot

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
)

// ErrEmptyPatch is returned when decoding a batch with no operations.
var ErrEmptyPatch = errors.New("empty patch")

// Patch is an edit payload: either a single operation or an ordered batch.
// A single operation travels as a JSON object, a batch as a JSON array.
type Patch struct {
	ops   []Operation
	batch bool
}

// Single wraps one operation.
func Single(op Operation) Patch {
	return Patch{ops: []Operation{op}}
}

// Batch wraps an ordered list of operations.
func Batch(ops ...Operation) Patch {
	return Patch{ops: append([]Operation(nil), ops...), batch: true}
}

// IsBatch reports whether the patch was built as a batch.
func (p Patch) IsBatch() bool {
	return p.batch
}

// Len returns the number of operations in the patch.
func (p Patch) Len() int {
	return len(p.ops)
}

// Ops returns a copy of the operations in application order.
func (p Patch) Ops() []Operation {
	return append([]Operation(nil), p.ops...)
}

// Split returns every operation as its own single patch.
func (p Patch) Split() []Patch {
	out := make([]Patch, len(p.ops))
	for i, op := range p.ops {
		out[i] = Single(op)
	}

	return out
}

// Equal reports whether both patches hold the same operations in the same shape.
func (p Patch) Equal(other Patch) bool {
	return p.batch == other.batch && slices.Equal(p.ops, other.ops)
}

// Size approximates the number of characters held by the patch.
func (p Patch) Size() int {
	n := 0
	for _, op := range p.ops {
		n += len(op.Text) + len(op.ClientID)
	}

	return n
}

// MarshalJSON encodes a single patch as an object and a batch as an array.
func (p Patch) MarshalJSON() ([]byte, error) {
	if p.batch {
		if p.ops == nil {
			return []byte("[]"), nil
		}

		return json.Marshal(p.ops)
	}

	if len(p.ops) == 0 {
		return []byte("null"), nil
	}

	return json.Marshal(p.ops[0])
}

// UnmarshalJSON dispatches on the first token: '[' is a batch, '{' a single edit.
func (p *Patch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrEmptyPatch
	}

	switch data[0] {
	case '[':
		var ops []Operation
		if err := json.Unmarshal(data, &ops); err != nil {
			return err
		}

		if len(ops) == 0 {
			return ErrEmptyPatch
		}

		*p = Batch(ops...)
	case '{':
		var op Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}

		*p = Single(op)
	default:
		return errors.New("patch must be an object or an array")
	}

	return nil
}
