package ot_test

import (
	"testing"

	"github.com/serroba/collabtext/internal/ot"
)

const testDocHello = "HELLO"

func TestTransform_InsertVsInsert_DifferentPositions(t *testing.T) {
	t.Parallel()

	op1 := ot.NewInsert("ab", 2, "alice")
	op2 := ot.NewInsert("c", 5, "bob")

	op1Prime, op2Prime := ot.Transform(op1, op2)

	if op1Prime.Position != 2 {
		t.Errorf("op1 position should stay at 2, got %d", op1Prime.Position)
	}

	// op2 shifts by the two runes op1 inserted
	if op2Prime.Position != 7 {
		t.Errorf("op2 position should shift to 7, got %d", op2Prime.Position)
	}
}

func TestTransform_InsertVsInsert_SamePosition_TieBreaker(t *testing.T) {
	t.Parallel()

	op1 := ot.NewInsert("a", 2, "alice")
	op2 := ot.NewInsert("b", 2, "bob")

	op1Prime, op2Prime := ot.Transform(op1, op2)

	// alice wins (lower ClientID), bob shifts right
	if op1Prime.Position != 2 {
		t.Errorf("alice should stay at 2, got %d", op1Prime.Position)
	}

	if op2Prime.Position != 3 {
		t.Errorf("bob should shift to 3, got %d", op2Prime.Position)
	}
}

func TestTransform_DeleteVsDelete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		op1, op2       ot.Operation
		wantPos1, len1 int
		wantPos2, len2 int
	}{
		{
			name: "disjoint, op1 first",
			op1:  ot.NewDelete(2, 1, "a"), op2: ot.NewDelete(5, 1, "b"),
			wantPos1: 2, len1: 1, wantPos2: 4, len2: 1,
		},
		{
			name: "disjoint, op1 after",
			op1:  ot.NewDelete(5, 2, "a"), op2: ot.NewDelete(1, 2, "b"),
			wantPos1: 3, len1: 2, wantPos2: 1, len2: 2,
		},
		{
			name: "partial overlap",
			op1:  ot.NewDelete(2, 4, "a"), op2: ot.NewDelete(4, 4, "b"),
			wantPos1: 2, len1: 2, wantPos2: 2, len2: 2,
		},
		{
			name: "identical ranges become noops",
			op1:  ot.NewDelete(3, 2, "a"), op2: ot.NewDelete(3, 2, "b"),
			wantPos1: -1, len1: 0, wantPos2: -1, len2: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p1, p2 := ot.Transform(tt.op1, tt.op2)

			if p1.Position != tt.wantPos1 || p1.Length != tt.len1 {
				t.Errorf("op1': expected (%d,%d), got (%d,%d)", tt.wantPos1, tt.len1, p1.Position, p1.Length)
			}

			if p2.Position != tt.wantPos2 || p2.Length != tt.len2 {
				t.Errorf("op2': expected (%d,%d), got (%d,%d)", tt.wantPos2, tt.len2, p2.Position, p2.Length)
			}
		})
	}
}

func TestTransform_InsertVsDelete_InsertBefore(t *testing.T) {
	t.Parallel()

	ins := ot.NewInsert("xy", 1, "alice")
	del := ot.NewDelete(3, 1, "bob")

	insPrime, delPrime := ot.Transform(ins, del)

	if insPrime.Position != 1 {
		t.Errorf("insert should stay at 1, got %d", insPrime.Position)
	}

	if delPrime.Position != 5 {
		t.Errorf("delete should shift to 5, got %d", delPrime.Position)
	}
}

func TestTransform_InsertVsDelete_InsertAfter(t *testing.T) {
	t.Parallel()

	ins := ot.NewInsert("x", 6, "alice")
	del := ot.NewDelete(1, 3, "bob")

	insPrime, delPrime := ot.Transform(ins, del)

	if insPrime.Position != 3 {
		t.Errorf("insert should shift to 3, got %d", insPrime.Position)
	}

	if delPrime.Position != 1 {
		t.Errorf("delete should stay at 1, got %d", delPrime.Position)
	}
}

func TestTransform_InsertInsideDelete_IsSwallowed(t *testing.T) {
	t.Parallel()

	ins := ot.NewInsert("zz", 2, "alice")
	del := ot.NewDelete(1, 3, "bob")

	insPrime, delPrime := ot.Transform(ins, del)

	if !insPrime.IsNoop() {
		t.Errorf("insert inside deleted range should become a noop, got %+v", insPrime)
	}

	if delPrime.Position != 1 || delPrime.Length != 5 {
		t.Errorf("delete should grow to cover the insert, got %+v", delPrime)
	}
}

// Both application orders must converge for every pair.
func TestTransform_Convergence(t *testing.T) {
	t.Parallel()

	ops := []ot.Operation{
		ot.NewInsert("X", 0, "a"),
		ot.NewInsert("YY", 2, "b"),
		ot.NewInsert("Z", 5, "c"),
		ot.NewDelete(0, 1, "d"),
		ot.NewDelete(1, 3, "e"),
		ot.NewDelete(3, 2, "f"),
		ot.NewDelete(2, 1, "g"),
	}

	for i, op1 := range ops {
		for j, op2 := range ops {
			if i == j {
				continue
			}

			op1Prime, op2Prime := ot.Transform(op1, op2)

			left := ot.NewDocument(testDocHello)
			right := ot.NewDocument(testDocHello)

			if err := left.Apply(op1); err != nil {
				t.Fatalf("apply op1: %v", err)
			}

			if err := left.Apply(op2Prime); err != nil {
				t.Fatalf("apply op2': %v", err)
			}

			if err := right.Apply(op2); err != nil {
				t.Fatalf("apply op2: %v", err)
			}

			if err := right.Apply(op1Prime); err != nil {
				t.Fatalf("apply op1': %v", err)
			}

			if left.Content() != right.Content() {
				t.Errorf("%d/%d diverged: %q vs %q", i, j, left.Content(), right.Content())
			}
		}
	}
}
