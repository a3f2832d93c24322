package scope

import (
	"reflect"
	"testing"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
)

func c(t *testing.T, s string) ident.Constant {
	t.Helper()
	v, err := ident.NewConstant(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestNamespaceStack(t *testing.T) {
	tr := NewTracker(NewLocalTable(), 100)

	tr.PushNamespace([]ident.Constant{c(t, "A")})
	tr.PushNamespace([]ident.Constant{c(t, "B"), c(t, "C")})
	got := tr.CurrentNamespace()
	want := []ident.Constant{"A", "B", "C"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("CurrentNamespace = %v, want %v", got, want)
	}

	nesting := tr.Nesting()
	if len(nesting) != 2 || !reflect.DeepEqual(nesting[1], want) {
		t.Fatalf("Nesting = %v", nesting)
	}
	if !reflect.DeepEqual(nesting[0], []ident.Constant{"A"}) {
		t.Fatalf("outer nesting = %v", nesting[0])
	}

	tr.PopFrame()
	if got := tr.CurrentNamespace(); !reflect.DeepEqual(got, []ident.Constant{"A"}) {
		t.Fatalf("after pop = %v", got)
	}
}

func TestSingletonShift(t *testing.T) {
	tr := NewTracker(NewLocalTable(), 100)
	tr.PushNamespace([]ident.Constant{c(t, "Foo")})
	if tr.InSingleton() {
		t.Fatal("not yet in singleton")
	}
	tr.PushSingleton()
	if !tr.InSingleton() {
		t.Fatal("singleton frame not detected")
	}
	// A nested namespace resets the shift.
	tr.PushNamespace([]ident.Constant{c(t, "Bar")})
	if tr.InSingleton() {
		t.Fatal("nested namespace should clear the shift")
	}
	tr.PopFrame()
	if !tr.InSingleton() {
		t.Fatal("shift should reappear after leaving nested namespace")
	}
}

func TestLocalResolutionStopsAtHardBoundary(t *testing.T) {
	table := NewLocalTable()
	tr := NewTracker(table, 1000)

	table.Record(tr.CurrentLVScope(), "top", doc.ByteRange{Start: 0, End: 3}, true)

	tr.PushLVScope(LVMethod, doc.ByteRange{Start: 10, End: 500})
	method := tr.CurrentLVScope()
	table.Record(method, "x", doc.ByteRange{Start: 20, End: 21}, true)

	tr.PushLVScope(LVBlock, doc.ByteRange{Start: 50, End: 400})
	block := tr.CurrentLVScope()
	table.Record(block, "y", doc.ByteRange{Start: 60, End: 61}, true)

	stack := tr.LVStack()

	// y resolves in the block itself.
	if id, ok := table.Resolve(stack, "y"); !ok || id != block {
		t.Errorf("y resolved to %d/%v, want %d", id, ok, block)
	}
	// x crosses the soft block boundary into the method scope.
	if id, ok := table.Resolve(stack, "x"); !ok || id != method {
		t.Errorf("x resolved to %d/%v, want %d", id, ok, method)
	}
	// top is behind the hard method boundary.
	if _, ok := table.Resolve(stack, "top"); ok {
		t.Error("top should not resolve across a hard boundary")
	}
}

func TestNamesVisible(t *testing.T) {
	table := NewLocalTable()
	tr := NewTracker(table, 1000)
	table.Record(tr.CurrentLVScope(), "hidden", doc.ByteRange{Start: 0, End: 1}, true)

	tr.PushLVScope(LVMethod, doc.ByteRange{Start: 10, End: 900})
	table.Record(tr.CurrentLVScope(), "a", doc.ByteRange{Start: 11, End: 12}, true)
	tr.PushLVScope(LVBlock, doc.ByteRange{Start: 20, End: 800})
	table.Record(tr.CurrentLVScope(), "b", doc.ByteRange{Start: 21, End: 22}, true)
	table.Record(tr.CurrentLVScope(), "a", doc.ByteRange{Start: 23, End: 24}, false)

	names := table.NamesVisible(tr.LVStack())
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			t.Errorf("duplicate name %q", n)
		}
		seen[n] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("names = %v, want a and b", names)
	}
	if seen["hidden"] {
		t.Errorf("names = %v, top-level var leaked across hard boundary", names)
	}
}

func TestScopeStackAt(t *testing.T) {
	table := NewLocalTable()
	tr := NewTracker(table, 1000)
	method := tr.PushLVScope(LVMethod, doc.ByteRange{Start: 10, End: 500})
	block := tr.PushLVScope(LVBlock, doc.ByteRange{Start: 50, End: 400})

	stack := table.ScopeStackAt(100)
	if len(stack) != 3 || stack[1] != method || stack[2] != block {
		t.Fatalf("stack at 100 = %v", stack)
	}
	stack = table.ScopeStackAt(20)
	if len(stack) != 2 || stack[1] != method {
		t.Fatalf("stack at 20 = %v", stack)
	}
	stack = table.ScopeStackAt(700)
	if len(stack) != 1 {
		t.Fatalf("stack at 700 = %v", stack)
	}
}
