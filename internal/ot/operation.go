package ot

import (
	"fmt"
	"unicode/utf8"
)

// OpType represents the type of operation.
type OpType int

const (
	Insert OpType = iota
	Delete
)

// String returns the wire name of the operation type.
func (t OpType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("optype(%d)", int(t))
	}
}

// MarshalText encodes the type as its wire name.
func (t OpType) MarshalText() ([]byte, error) {
	switch t {
	case Insert, Delete:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpType, int(t))
	}
}

// UnmarshalText decodes a wire name.
func (t *OpType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "insert":
		*t = Insert
	case "delete":
		*t = Delete
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOpType, b)
	}

	return nil
}

// Operation represents a single positional edit.
type Operation struct {
	Type     OpType `json:"type"`
	Position int    `json:"position"`         // Rune offset in the text
	Text     string `json:"text,omitempty"`   // Inserted text (insert only)
	Length   int    `json:"length,omitempty"` // Runes removed (delete only)
	ClientID string `json:"clientId,omitempty"`
}

// NewInsert creates an insert operation.
func NewInsert(text string, position int, clientID string) Operation {
	return Operation{
		Type:     Insert,
		Position: position,
		Text:     text,
		ClientID: clientID,
	}
}

// NewDelete creates a delete operation removing length runes.
func NewDelete(position, length int, clientID string) Operation {
	return Operation{
		Type:     Delete,
		Position: position,
		Length:   length,
		ClientID: clientID,
	}
}

// IsInsert returns true if this is an insert operation.
func (o Operation) IsInsert() bool {
	return o.Type == Insert
}

// IsDelete returns true if this is a delete operation.
func (o Operation) IsDelete() bool {
	return o.Type == Delete
}

// IsNoop returns true if the operation has become a no-op (position -1).
func (o Operation) IsNoop() bool {
	return o.Position < 0
}

// Span returns the number of runes the operation inserts or removes.
func (o Operation) Span() int {
	if o.IsInsert() {
		return utf8.RuneCountInString(o.Text)
	}

	return o.Length
}
