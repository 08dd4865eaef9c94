package ot

import (
	"errors"
	"slices"
)

var (
	// ErrInvalidPosition is returned when an edit falls outside the text.
	ErrInvalidPosition = errors.New("invalid position")

	// ErrUnknownOpType is returned for operation types other than insert and delete.
	ErrUnknownOpType = errors.New("unknown operation type")
)

// Document is the text edits are applied to, held as runes so positions
// count characters. The owner serializes access.
type Document struct {
	runes []rune
}

// NewDocument returns a document holding text.
func NewDocument(text string) *Document {
	return &Document{runes: []rune(text)}
}

// Apply performs op. No-ops succeed without touching the text; an edit
// outside the text fails with ErrInvalidPosition and changes nothing.
func (d *Document) Apply(op Operation) error {
	if op.IsNoop() {
		return nil
	}

	switch op.Type {
	case Insert:
		if op.Position > len(d.runes) {
			return ErrInvalidPosition
		}

		d.runes = slices.Insert(d.runes, op.Position, []rune(op.Text)...)
	case Delete:
		end := op.Position + op.Length
		if op.Length <= 0 || end > len(d.runes) {
			return ErrInvalidPosition
		}

		d.runes = slices.Delete(d.runes, op.Position, end)
	default:
		return ErrUnknownOpType
	}

	return nil
}

// Content materializes the text.
func (d *Document) Content() string {
	return string(d.runes)
}

// Len is the length of the text in runes.
func (d *Document) Len() int {
	return len(d.runes)
}

// Clone returns an independent copy.
func (d *Document) Clone() *Document {
	return &Document{runes: slices.Clone(d.runes)}
}
