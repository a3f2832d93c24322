package locator

import (
	"strings"
	"testing"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

// locate parses src, runs the index passes to populate the local table,
// and locates the identifier at the offset of the marker's first byte.
// The marker is a unique substring of src; an optional skip selects a
// later occurrence.
func locate(t *testing.T, src, marker string, skip int) Ident {
	t.Helper()
	res, err := parser.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	t.Cleanup(res.Close)

	table := scope.NewLocalTable()
	ix := index.New()
	l := ix.Lock()
	index.ProcessFile(l, "file:///t.rb", res, table, index.AllPasses)
	l.Unlock()

	offset := -1
	from := 0
	for i := 0; i <= skip; i++ {
		j := strings.Index(src[from:], marker)
		if j < 0 {
			t.Fatalf("marker %q occurrence %d not found", marker, skip)
		}
		offset = from + j
		from = offset + 1
	}
	return At(res, table, offset)
}

func pathString(parts []ident.Constant) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = string(p)
	}
	return strings.Join(s, "::")
}

func TestLocateConstantPathSegments(t *testing.T) {
	src := "x = Foo::Bar::BAZ\n"
	for _, tc := range []struct {
		marker string
		want   string
	}{
		{"Foo", "Foo"},
		{"Bar", "Foo::Bar"},
		{"BAZ", "Foo::Bar::BAZ"},
	} {
		id := locate(t, src, tc.marker, 0)
		c, ok := id.(ConstantIdent)
		if !ok {
			t.Fatalf("%s: got %T, want ConstantIdent", tc.marker, id)
		}
		if got := pathString(c.Path); got != tc.want {
			t.Errorf("%s: path %s, want %s", tc.marker, got, tc.want)
		}
	}
}

func TestLocateNestingContext(t *testing.T) {
	src := `
module Outer
  class Inner
    def work
      helper
    end
  end
end
`
	id := locate(t, src, "helper", 0)
	m, ok := id.(MethodIdent)
	if !ok {
		t.Fatalf("got %T, want MethodIdent", id)
	}
	if m.Receiver.Kind != ReceiverNone {
		t.Errorf("receiver kind = %d, want none", m.Receiver.Kind)
	}
	if got := pathString(m.Namespace()); got != "Outer::Inner" {
		t.Errorf("namespace = %s, want Outer::Inner", got)
	}
	if len(m.Nesting) != 2 {
		t.Errorf("nesting depth = %d, want 2", len(m.Nesting))
	}
}

func TestLocateMethodCallReceivers(t *testing.T) {
	src := `
class Shop
  def run(cart)
    cart.total
    Shop.open
    self.close
    @db.query
    fetch.parse
  end
end
`
	for _, tc := range []struct {
		marker string
		method string
		kind   ReceiverKind
	}{
		{"total", "total", ReceiverLocal},
		{"open", "open", ReceiverConstant},
		{"close", "close", ReceiverSelf},
		{"query", "query", ReceiverInstanceVar},
		{"parse", "parse", ReceiverCall},
	} {
		id := locate(t, src, tc.marker, 0)
		m, ok := id.(MethodIdent)
		if !ok {
			t.Fatalf("%s: got %T, want MethodIdent", tc.marker, id)
		}
		if string(m.Name) != tc.method {
			t.Errorf("%s: name %s", tc.marker, m.Name)
		}
		if m.Receiver.Kind != tc.kind {
			t.Errorf("%s: receiver kind %d, want %d", tc.marker, m.Receiver.Kind, tc.kind)
		}
	}
}

func TestLocateLocalVariable(t *testing.T) {
	src := "def f\n  count = 1\n  count + 1\nend\n"
	id := locate(t, src, "count", 1)
	v, ok := id.(VariableIdent)
	if !ok {
		t.Fatalf("got %T, want VariableIdent", id)
	}
	if v.Kind != ident.VarLocal || v.Name != "count" {
		t.Errorf("got %v %q", v.Kind, v.Name)
	}
	if len(v.LVStack) == 0 {
		t.Error("local identifier carries no scope stack")
	}
}

func TestLocateMethodDefinitionName(t *testing.T) {
	src := `
class Job
  def perform; end
  def self.enqueue; end
end
`
	id := locate(t, src, "perform", 0)
	m, ok := id.(MethodIdent)
	if !ok || !m.Def || m.ClassMethod {
		t.Fatalf("perform: got %#v", id)
	}

	id = locate(t, src, "enqueue", 0)
	m, ok = id.(MethodIdent)
	if !ok || !m.Def || !m.ClassMethod {
		t.Fatalf("enqueue: got %#v", id)
	}
}

func TestLocateSingletonClassContext(t *testing.T) {
	src := `
class Config
  class << self
    def load; end
  end
end
`
	id := locate(t, src, "load", 0)
	m, ok := id.(MethodIdent)
	if !ok {
		t.Fatalf("got %T, want MethodIdent", id)
	}
	if !m.Def || !m.ClassMethod || !m.InSingleton {
		t.Errorf("singleton def not recognized: %#v", m)
	}
}

func TestLocateVariables(t *testing.T) {
	src := "class T\n  def f\n    @name = 1\n    @@kind = 2\n    $stack = 3\n  end\nend\n"
	for _, tc := range []struct {
		marker string
		kind   ident.VarKind
	}{
		{"@name", ident.VarInstance},
		{"@@kind", ident.VarClass},
		{"$stack", ident.VarGlobal},
	} {
		id := locate(t, src, tc.marker, 0)
		v, ok := id.(VariableIdent)
		if !ok {
			t.Fatalf("%s: got %T, want VariableIdent", tc.marker, id)
		}
		if v.Kind != tc.kind || v.Name != tc.marker {
			t.Errorf("%s: got %v %q", tc.marker, v.Kind, v.Name)
		}
	}
}

func TestLocateSelf(t *testing.T) {
	src := "class Node\n  def me\n    self\n  end\nend\n"
	id := locate(t, src, "self", 0)
	c, ok := id.(ConstantIdent)
	if !ok {
		t.Fatalf("got %T, want ConstantIdent", id)
	}
	if got := pathString(c.Path); got != "Node" {
		t.Errorf("self resolved to %s, want Node", got)
	}
}

func TestLocateNothing(t *testing.T) {
	src := "x = 1\n"
	if id := locate(t, src, "1", 0); id != nil {
		t.Errorf("integer literal located as %T", id)
	}
}
