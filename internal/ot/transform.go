package ot

// Transform takes two concurrent operations and returns transformed versions
// that can be applied in either order to achieve the same final state.
//
// Given: op1 and op2 were created against the same document state.
// Returns: op1' (op1 transformed against op2), op2' (op2 transformed against op1).
func Transform(op1, op2 Operation) (Operation, Operation) {
	if op1.IsNoop() || op2.IsNoop() {
		return op1, op2
	}

	switch {
	case op1.IsInsert() && op2.IsInsert():
		return transformInsertInsert(op1, op2)
	case op1.IsDelete() && op2.IsDelete():
		return transformDeleteDelete(op1, op2)
	case op1.IsInsert() && op2.IsDelete():
		return transformInsertDelete(op1, op2)
	default:
		// op1 is Delete, op2 is Insert
		op2Prime, op1Prime := transformInsertDelete(op2, op1)

		return op1Prime, op2Prime
	}
}

// transformInsertInsert handles two concurrent inserts.
func transformInsertInsert(op1, op2 Operation) (Operation, Operation) {
	op1Prime := op1
	op2Prime := op2

	switch {
	case op1.Position < op2.Position:
		op2Prime.Position += op1.Span()
	case op1.Position > op2.Position:
		op1Prime.Position += op2.Span()
	default:
		// Same position: lower ClientID stays in place, the other shifts right
		if op1.ClientID < op2.ClientID {
			op2Prime.Position += op1.Span()
		} else {
			op1Prime.Position += op2.Span()
		}
	}

	return op1Prime, op2Prime
}

// transformDeleteDelete handles two concurrent deletes by removing the
// overlap from both ranges.
func transformDeleteDelete(op1, op2 Operation) (Operation, Operation) {
	return shrinkDelete(op1, op2), shrinkDelete(op2, op1)
}

// shrinkDelete rewrites del so it applies after other has been applied.
func shrinkDelete(del, other Operation) Operation {
	start, end := del.Position, del.Position+del.Length
	oStart, oEnd := other.Position, other.Position+other.Length

	overlap := min(end, oEnd) - max(start, oStart)
	if overlap < 0 {
		overlap = 0
	}

	before := min(start, oEnd) - oStart
	if before < 0 {
		before = 0
	}

	out := del
	out.Position = start - before
	out.Length = del.Length - overlap

	if out.Length == 0 {
		out.Position = -1
	}

	return out
}

// transformInsertDelete handles insert (ins) vs delete (del).
// An insert strictly inside the deleted range is swallowed by the delete.
func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	insPrime := ins
	delPrime := del

	switch {
	case ins.Position <= del.Position:
		delPrime.Position += ins.Span()
	case ins.Position >= del.Position+del.Length:
		insPrime.Position -= del.Length
	default:
		delPrime.Length += ins.Span()
		insPrime.Position = -1
	}

	return insPrime, delPrime
}
