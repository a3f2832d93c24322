package rtype

import (
	"testing"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
)

type fakeNamer map[ident.FqnID]string

func (f fakeNamer) FQNString(id ident.FqnID) string { return f[id] }

func TestUnionCanonicalization(t *testing.T) {
	// Duplicates collapse.
	u := Union(String, String)
	if !u.Equal(String) {
		t.Errorf("String|String = %v, want String", u)
	}

	// Order-insensitive.
	a := Union(String, Nil)
	b := Union(Nil, String)
	if !a.Equal(b) {
		t.Error("union should be order-insensitive")
	}
	if a.Kind != KUnion || len(a.Members) != 2 {
		t.Fatalf("union shape: %+v", a)
	}

	// Nested unions flatten.
	c := Union(a, Integer)
	if c.Kind != KUnion || len(c.Members) != 3 {
		t.Fatalf("flattened union members = %d, want 3", len(c.Members))
	}

	// Unknown absorbs.
	if !Union(String, Unknown).IsUnknown() {
		t.Error("union with Unknown should be Unknown")
	}
}

func TestSubtractNil(t *testing.T) {
	sOrNil := Union(String, Nil)

	got := Subtract(sOrNil, Nil)
	if !got.Equal(String) {
		t.Errorf("Subtract(String|nil, nil) = %v, want String", got)
	}
	if got.Includes(Nil) {
		t.Error("narrowed type still includes Nil")
	}

	got = Intersect(sOrNil, Nil)
	if !got.Equal(Nil) {
		t.Errorf("Intersect(String|nil, nil) = %v, want nil", got)
	}
}

func TestCoversHierarchy(t *testing.T) {
	if !covers(Bool, True) || !covers(Bool, False) {
		t.Error("Bool should cover True and False")
	}
	if !covers(Numeric, Integer) || !covers(Numeric, Float) {
		t.Error("Numeric should cover Integer and Float")
	}
	if covers(Integer, Numeric) {
		t.Error("Integer should not cover Numeric")
	}
	if !covers(ArrayOf(Numeric), ArrayOf(Integer)) {
		t.Error("Array<Numeric> should cover Array<Integer>")
	}
}

func TestIsCompatibleWith(t *testing.T) {
	if !Integer.IsCompatibleWith(Numeric) {
		t.Error("Integer should be compatible with Numeric")
	}
	if String.IsCompatibleWith(Integer) {
		t.Error("String should not be compatible with Integer")
	}
	if !Union(Integer, Float).IsCompatibleWith(Numeric) {
		t.Error("Integer|Float should be compatible with Numeric")
	}
	if !String.IsCompatibleWith(Union(String, Nil)) {
		t.Error("String should be compatible with String|nil")
	}
	if !Unknown.IsCompatibleWith(String) || !String.IsCompatibleWith(Unknown) {
		t.Error("Unknown is compatible with everything")
	}
}

func TestFormat(t *testing.T) {
	n := fakeNamer{1: "Foo::Bar"}
	cases := []struct {
		t    Type
		want string
	}{
		{String, "String"},
		{Union(Nil, String), "nil | String"},
		{ArrayOf(Integer), "Array<Integer>"},
		{HashOf(Symbol, String), "Hash<Symbol, String>"},
		{ClassInstance(1), "Foo::Bar"},
		{Singleton(1), "singleton(Foo::Bar)"},
		{Unknown, "untyped"},
	}
	for _, tc := range cases {
		if got := tc.t.Format(n); got != tc.want {
			t.Errorf("Format(%v) = %q, want %q", tc.t.Kind, got, tc.want)
		}
	}
}
