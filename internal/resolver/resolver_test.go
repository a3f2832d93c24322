package resolver

import (
	"strings"
	"testing"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/locator"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

// fixture indexes a set of documents and exposes the parse results and
// local tables so tests can locate identifiers by source markers.
type fixture struct {
	l      *index.Locked
	docs   map[string]*parser.Result
	tables map[string]*scope.LocalTable
	srcs   map[string]string
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	ix := index.New()
	f := &fixture{
		l:      ix.Lock(),
		docs:   map[string]*parser.Result{},
		tables: map[string]*scope.LocalTable{},
		srcs:   map[string]string{},
	}
	t.Cleanup(f.l.Unlock)
	for uri, src := range files {
		res, err := parser.Parse([]byte(src))
		if err != nil {
			t.Fatalf("parse %s: %v", uri, err)
		}
		t.Cleanup(res.Close)
		table := scope.NewLocalTable()
		index.ProcessFile(f.l, uri, res, table, index.AllPasses)
		f.docs[uri] = res
		f.tables[uri] = table
		f.srcs[uri] = src
	}
	f.l.RetryPending()
	return f
}

func (f *fixture) locate(t *testing.T, uri, marker string, skip int) locator.Ident {
	t.Helper()
	src := f.srcs[uri]
	offset, from := -1, 0
	for i := 0; i <= skip; i++ {
		j := strings.Index(src[from:], marker)
		if j < 0 {
			t.Fatalf("marker %q occurrence %d not in %s", marker, skip, uri)
		}
		offset = from + j
		from = offset + 1
	}
	id := locator.At(f.docs[uri], f.tables[uri], offset)
	if id == nil {
		t.Fatalf("nothing located at %q in %s", marker, uri)
	}
	return id
}

func (f *fixture) definition(t *testing.T, uri, marker string, skip int) []index.Location {
	t.Helper()
	return New(f.l, nil).Definition(uri, f.tables[uri], f.locate(t, uri, marker, skip))
}

func TestDefinitionConstantNesting(t *testing.T) {
	f := newFixture(t, map[string]string{
		"file:///a.rb": `
module App
  class Error; end

  class Service
    def fail!
      raise Error
    end
  end
end

class Error; end
`,
	})

	// Error inside App::Service resolves to App::Error, not ::Error.
	locs := f.definition(t, "file:///a.rb", "Error", 1)
	if len(locs) != 1 {
		t.Fatalf("got %d locations", len(locs))
	}
	src := f.srcs["file:///a.rb"]
	if !strings.HasPrefix(src[locs[0].Range.Start:], "Error; end\n\n  class Service") {
		t.Errorf("resolved to wrong Error at offset %d", locs[0].Range.Start)
	}
}

func TestDefinitionInheritedConstant(t *testing.T) {
	f := newFixture(t, map[string]string{
		"file:///a.rb": `
class Base
  TIMEOUT = 30
end

class Worker < Base
  def wait
    TIMEOUT
  end
end
`,
	})

	locs := f.definition(t, "file:///a.rb", "TIMEOUT", 1)
	if len(locs) != 1 {
		t.Fatalf("got %d locations, want the inherited constant", len(locs))
	}
}

func TestDefinitionMethodThroughMRO(t *testing.T) {
	f := newFixture(t, map[string]string{
		"file:///m.rb": `
module Greeting
  def greet
    "hi"
  end
end
`,
		"file:///c.rb": `
class Base
  include Greeting
end

class Child < Base
  def run
    greet
  end
end
`,
	})

	locs := f.definition(t, "file:///c.rb", "greet", 0)
	if len(locs) != 1 {
		t.Fatalf("got %d locations", len(locs))
	}
	if locs[0].URI != "file:///m.rb" {
		t.Errorf("resolved to %s, want the module file", locs[0].URI)
	}
}

func TestDefinitionClassMethodViaConstantReceiver(t *testing.T) {
	f := newFixture(t, map[string]string{
		"file:///a.rb": `
class Factory
  def self.build
  end
end

class User
  def make
    Factory.build
  end
end
`,
	})

	locs := f.definition(t, "file:///a.rb", "build", 1)
	if len(locs) != 1 {
		t.Fatalf("got %d locations", len(locs))
	}
}

func TestDefinitionLocalVariable(t *testing.T) {
	uri := "file:///a.rb"
	f := newFixture(t, map[string]string{
		uri: "def f\n  total = 1\n  total + 2\nend\n",
	})

	locs := f.definition(t, uri, "total", 1)
	if len(locs) != 1 {
		t.Fatalf("got %d locations", len(locs))
	}
	if f.srcs[uri][locs[0].Range.Start:locs[0].Range.End] != "total" {
		t.Errorf("definition range does not cover the write")
	}
	// The first write is the one on line 2.
	if locs[0].Range.Start != strings.Index(f.srcs[uri], "total") {
		t.Errorf("definition at %d, want the first write", locs[0].Range.Start)
	}
}

func TestReferencesInstanceVariable(t *testing.T) {
	uri := "file:///a.rb"
	f := newFixture(t, map[string]string{
		uri: `
class Counter
  def bump
    @n = 0
  end

  def read
    @n
  end
end
`,
	})

	r := New(f.l, nil)
	id := f.locate(t, uri, "@n", 1)
	locs := r.References(uri, f.tables[uri], id, false)
	if len(locs) != 1 {
		t.Fatalf("got %d reference locations, want 1", len(locs))
	}
	locs = r.References(uri, f.tables[uri], id, true)
	if len(locs) != 2 {
		t.Errorf("with declaration: got %d, want 2", len(locs))
	}
}

// fixedType pins every receiver to one type.
type fixedType struct{ t rtype.Type }

func (s fixedType) ReceiverType(string, locator.Receiver, locator.Site) (rtype.Type, bool) {
	return s.t, true
}

func TestDefinitionMethodOnTypedReceiver(t *testing.T) {
	uri := "file:///a.rb"
	f := newFixture(t, map[string]string{
		uri: `
class Invoice
  def total
    42
  end
end

def show(inv)
  inv.total
end
`,
	})

	fqn, ok := f.l.LookupFQN(ident.NewNamespace("Invoice"))
	if !ok {
		t.Fatal("Invoice not interned")
	}
	r := New(f.l, fixedType{t: rtype.ClassInstance(fqn)})
	locs := r.Definition(uri, f.tables[uri], f.locate(t, uri, "total", 1))
	if len(locs) != 1 {
		t.Fatalf("got %d locations", len(locs))
	}
}

func TestReferencesMethodNameOnly(t *testing.T) {
	f := newFixture(t, map[string]string{
		"file:///def.rb": "class Svc\n  def ping; end\nend\n",
		"file:///use.rb": "def poke(s)\n  s.ping\nend\n",
	})

	r := New(f.l, nil)
	id := f.locate(t, "file:///def.rb", "ping", 0)
	locs := r.References("file:///def.rb", f.tables["file:///def.rb"], id, false)
	if len(locs) != 1 {
		t.Fatalf("got %d locations, want the call in use.rb", len(locs))
	}
	if locs[0].URI != "file:///use.rb" {
		t.Errorf("reference in %s", locs[0].URI)
	}
}

func TestDefinitionMissingIsEmpty(t *testing.T) {
	uri := "file:///a.rb"
	f := newFixture(t, map[string]string{uri: "x = Missing\n"})

	id := f.locate(t, uri, "Missing", 0)
	if locs := New(f.l, nil).Definition(uri, f.tables[uri], id); len(locs) != 0 {
		t.Errorf("unresolved constant produced %d locations", len(locs))
	}
}
