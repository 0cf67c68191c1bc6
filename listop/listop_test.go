package listop

import (
	"slices"
	"testing"
)

func TestComposeOverAssociativity(t *testing.T) {
	a := Append("x")
	b := Explicit("y", "z")
	c := Explicit("w")

	nested := ComposeOver(a, ComposeOver(b, c)).Items()
	folded := Compose(a, b, c)
	want := []string{"y", "z", "x"}

	if !slices.Equal(nested, want) {
		t.Fatalf("nested compose: want %v got %v", want, nested)
	}
	if !slices.Equal(folded, want) {
		t.Fatalf("fold: want %v got %v", want, folded)
	}
}

func TestComposeAssociativityAcrossBuckets(t *testing.T) {
	ops := []ListOp[int]{
		{Prepended: []int{9}, Deleted: []int{2}},
		{Appended: []int{4, 5}, Ordered: []int{5, 1}},
		{Deleted: []int{3}, Prepended: []int{1}},
		Explicit(1, 2, 3),
	}
	folded := Compose(ops...)

	nested := ops[len(ops)-1]
	for i := len(ops) - 2; i >= 0; i-- {
		nested = ComposeOver(ops[i], nested)
	}
	if !slices.Equal(folded, nested.Items()) {
		t.Fatalf("fold %v differs from nested %v", folded, nested.Items())
	}
}

func TestComposedResultKeepsSpliceDuplicates(t *testing.T) {
	inner := ComposeOver(Prepend("a"), Explicit("a", "b"))
	if got := inner.Items(); !slices.Equal(got, []string{"a", "a", "b"}) {
		t.Fatalf("expected the prepend to keep its duplicate, got %v", got)
	}
	outer := ComposeOver(Append("c"), inner)
	if got := outer.Items(); !slices.Equal(got, []string{"a", "a", "b", "c"}) {
		t.Fatalf("composed explicit lists must not be de-duplicated again, got %v", got)
	}
	if got := inner.Clone().Items(); !slices.Equal(got, []string{"a", "a", "b"}) {
		t.Fatalf("clone must keep composed items verbatim, got %v", got)
	}
	if got := Explicit("a", "a", "b").Items(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("authored explicit items are de-duplicated, got %v", got)
	}
}

func TestExplicitShortCircuits(t *testing.T) {
	strong := Explicit(1, 2)
	weaks := []ListOp[int]{
		{},
		Explicit(7, 8, 9),
		{Prepended: []int{3}, Appended: []int{4}, Deleted: []int{1}},
		Explicit[int](),
	}
	for _, weak := range weaks {
		got := ComposeOver(strong, weak).Items()
		if !slices.Equal(got, []int{1, 2}) {
			t.Fatalf("expected [1 2] over %+v, got %v", weak, got)
		}
	}
}

func TestEmptyExplicitClears(t *testing.T) {
	got := Compose(Explicit[string](), Append("a", "b"))
	if len(got) != 0 {
		t.Fatalf("expected empty explicit list to clear, got %v", got)
	}
	if Explicit[string]().IsZero() {
		t.Fatalf("empty explicit op must not be treated as unauthored")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	base := []string{"a", "k", "b"}
	del := Delete("k")
	once := del.ApplyOperations(base)
	twice := del.ApplyOperations(once)
	if !slices.Equal(once, twice) || !slices.Equal(once, []string{"a", "b"}) {
		t.Fatalf("unexpected delete results once=%v twice=%v", once, twice)
	}
	absent := Delete("zz").ApplyOperations(base)
	if !slices.Equal(absent, base) {
		t.Fatalf("deleting a missing item should be a no-op, got %v", absent)
	}
}

func TestSpliceKeepsDuplicatesAcrossBoundary(t *testing.T) {
	op := ListOp[string]{Prepended: []string{"a", "a"}, Appended: []string{"b"}}
	got := op.ApplyOperations([]string{"a", "c"})
	want := []string{"a", "a", "c", "b"}
	if !slices.Equal(got, want) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func TestReorder(t *testing.T) {
	cases := []struct {
		name  string
		list  []string
		order []string
		want  []string
	}{
		{
			name:  "full order",
			list:  []string{"a", "b", "c"},
			order: []string{"c", "b", "a"},
			want:  []string{"c", "b", "a"},
		},
		{
			name:  "unnamed items follow preceding named item",
			list:  []string{"a", "x", "b", "y"},
			order: []string{"b", "a"},
			want:  []string{"b", "y", "a", "x"},
		},
		{
			name:  "leading unnamed items stay first",
			list:  []string{"p", "a", "b"},
			order: []string{"b", "a"},
			want:  []string{"p", "b", "a"},
		},
		{
			name:  "names missing from the list are ignored",
			list:  []string{"a", "b"},
			order: []string{"zz", "b", "a"},
			want:  []string{"b", "a"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Order(tc.order...).ApplyOperations(tc.list)
			if !slices.Equal(got, tc.want) {
				t.Fatalf("want %v got %v", tc.want, got)
			}
		})
	}
}

func TestAddedAppendsMissingOnly(t *testing.T) {
	op := ListOp[string]{Added: []string{"a", "c"}}
	got := op.ApplyOperations([]string{"a", "b"})
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected added result %v", got)
	}
}

func TestComposeSkipsUnauthored(t *testing.T) {
	got := Compose(Append("x"), ListOp[string]{}, Explicit("base"))
	if !slices.Equal(got, []string{"base", "x"}) {
		t.Fatalf("unexpected compose result %v", got)
	}
}

func TestMapConvertsBuckets(t *testing.T) {
	op := ListOp[int]{Prepended: []int{1, 2}, Deleted: []int{3}}
	mapped := Map(op, func(v int) (string, bool) {
		if v == 2 {
			return "", false
		}
		return string(rune('a' + v)), true
	})
	if !slices.Equal(mapped.Prepended, []string{"b"}) || !slices.Equal(mapped.Deleted, []string{"d"}) {
		t.Fatalf("unexpected mapped op %+v", mapped)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	base := []int{1, 2, 3}
	_ = ListOp[int]{Deleted: []int{2}, Ordered: []int{3, 1}}.ApplyOperations(base)
	if !slices.Equal(base, []int{1, 2, 3}) {
		t.Fatalf("input mutated: %v", base)
	}
}
