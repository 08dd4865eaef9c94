package ot

import "fmt"

// Engine applies patches to a Document.
type Engine struct{}

// Apply runs every operation of p against doc in order. It stops at the
// first operation the document rejects; operations before it stay applied.
func (Engine) Apply(doc *Document, p Patch) error {
	for i, op := range p.ops {
		if err := doc.Apply(op); err != nil {
			return fmt.Errorf("op %d (%s at %d): %w", i, op.Type, op.Position, err)
		}
	}

	return nil
}
