package index

import (
	"testing"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

func indexFile(t *testing.T, l *Locked, uri, src string) *scope.LocalTable {
	t.Helper()
	res, err := parser.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse %s: %v", uri, err)
	}
	t.Cleanup(res.Close)
	table := scope.NewLocalTable()
	ProcessFile(l, uri, res, table, AllPasses)
	return table
}

func reindexFile(t *testing.T, l *Locked, uri, src string) {
	t.Helper()
	if id, ok := l.LookupFile(uri); ok {
		l.RemoveByFile(id)
	}
	indexFile(t, l, uri, src)
}

func ns(parts ...string) ident.FQN {
	cs := make([]ident.Constant, len(parts))
	for i, p := range parts {
		cs[i] = ident.Constant(p)
	}
	return ident.NewNamespace(cs...)
}

func instMethod(name string, parts ...string) ident.FQN {
	cs := make([]ident.Constant, len(parts))
	for i, p := range parts {
		cs[i] = ident.Constant(p)
	}
	m, _ := ident.NewMethodName(name)
	return ident.NewInstanceMethod(cs, m)
}

func classMethod(name string, parts ...string) ident.FQN {
	cs := make([]ident.Constant, len(parts))
	for i, p := range parts {
		cs[i] = ident.Constant(p)
	}
	m, _ := ident.NewMethodName(name)
	return ident.NewClassMethod(cs, m)
}

func defCount(l *Locked, f ident.FQN) int {
	id, ok := l.LookupFQN(f)
	if !ok {
		return 0
	}
	return len(l.Definitions(id))
}

func TestIndexDefinitions(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
module Billing
  class Invoice
    TAX_RATE = 0.19

    def total
      42
    end

    def self.build
      new
    end
  end
end
`)

	for _, tc := range []struct {
		name string
		fqn  ident.FQN
		want int
	}{
		{"module", ns("Billing"), 1},
		{"nested class", ns("Billing", "Invoice"), 1},
		{"instance method", instMethod("total", "Billing", "Invoice"), 1},
		{"class method", classMethod("build", "Billing", "Invoice"), 1},
		{"constant", ident.NewConstantFQN([]ident.Constant{"Billing", "Invoice"}, "TAX_RATE"), 1},
		{"absent", ns("Billing", "Receipt"), 0},
	} {
		if got := defCount(l, tc.fqn); got != tc.want {
			t.Errorf("%s: got %d definitions, want %d", tc.name, got, tc.want)
		}
	}
}

func TestIndexReopenedClassAndRemoval(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", "class Order\n  def a; end\nend\n")
	indexFile(t, l, "file:///b.rb", "class Order\n  def b; end\nend\n")

	if got := defCount(l, ns("Order")); got != 2 {
		t.Fatalf("reopened class: got %d definitions, want 2", got)
	}

	fileB, _ := l.LookupFile("file:///b.rb")
	l.RemoveByFile(fileB)

	if got := defCount(l, ns("Order")); got != 1 {
		t.Errorf("after removal: got %d definitions, want 1", got)
	}
	if got := defCount(l, instMethod("b", "Order")); got != 0 {
		t.Errorf("removed file's method still indexed: %d entries", got)
	}
	if got := defCount(l, instMethod("a", "Order")); got != 1 {
		t.Errorf("surviving file's method lost: %d entries", got)
	}
}

func TestIndexReindexIsIdempotent(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	src := "class Cart\n  def add(x)\n    @items = x\n  end\nend\n"
	indexFile(t, l, "file:///cart.rb", src)
	before := l.Stats()

	for i := 0; i < 3; i++ {
		reindexFile(t, l, "file:///cart.rb", src)
	}
	after := l.Stats()

	if before.Entries != after.Entries {
		t.Errorf("entry count drifted across reindex: %d -> %d", before.Entries, after.Entries)
	}
}

func TestMixinRecordedOnNamespace(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
module Audited; end
module Trackable; end

class Account
  include Audited
  prepend Trackable
  extend Comparable
end
`)

	defs := l.GetFQN(ns("Account"))
	if len(defs) != 1 {
		t.Fatalf("got %d Account definitions", len(defs))
	}
	cd, ok := defs[0].Data.(*ClassData)
	if !ok {
		t.Fatalf("Account data is %T", defs[0].Data)
	}
	if len(cd.Includes) != 1 || cd.Includes[0].String() != "Audited" {
		t.Errorf("includes = %v", cd.Includes)
	}
	if len(cd.Prepends) != 1 || cd.Prepends[0].String() != "Trackable" {
		t.Errorf("prepends = %v", cd.Prepends)
	}
	if len(cd.Extends) != 1 || cd.Extends[0].String() != "Comparable" {
		t.Errorf("extends = %v", cd.Extends)
	}
}

func mroNames(l *Locked, node NodeRef) []string {
	var out []string
	for _, n := range l.MRO(node) {
		s := l.FQNString(n.FQN)
		if n.Singleton {
			s = "singleton(" + s + ")"
		}
		out = append(out, s)
	}
	return out
}

func fqnIDOf(t *testing.T, l *Locked, f ident.FQN) ident.FqnID {
	t.Helper()
	id, ok := l.LookupFQN(f)
	if !ok {
		t.Fatalf("fqn %s not interned", f.String())
	}
	return id
}

func TestMROOrdering(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
module M
  def greet; end
end

class C
  include M
end

class D < C
end
`)
	l.RetryPending()

	got := mroNames(l, NodeRef{FQN: fqnIDOf(t, l, ns("D"))})
	want := []string{"D", "C", "M"}
	if len(got) != len(want) {
		t.Fatalf("MRO(D) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MRO(D) = %v, want %v", got, want)
		}
	}
}

func TestMROCacheClearedOnGraphChange(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", "class C\nend\n")
	l.RetryPending()

	node := NodeRef{FQN: fqnIDOf(t, l, ns("C"))}
	l.MRO(node)
	g := l.s.graph
	if len(g.mroCache) == 0 {
		t.Fatal("linearization not cached")
	}

	indexFile(t, l, "file:///b.rb", "module M\nend\n\nclass C\n  include M\nend\n")
	l.RetryPending()
	if len(g.mroCache) != 0 {
		t.Fatalf("%d stale linearizations survived the graph change", len(g.mroCache))
	}
	got := mroNames(l, node)
	if len(got) != 2 || got[0] != "C" || got[1] != "M" {
		t.Errorf("MRO(C) after change = %v, want [C M]", got)
	}
}

func TestMROPrependBeforeSelf(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
module Wrapper; end
module Helper; end

class Service
  prepend Wrapper
  include Helper
end
`)
	l.RetryPending()

	got := mroNames(l, NodeRef{FQN: fqnIDOf(t, l, ns("Service"))})
	want := []string{"Wrapper", "Service", "Helper"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("MRO(Service) = %v, want prefix %v", got, want)
		}
	}
}

func TestMROCycleDoesNotHang(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	file := "file:///cycle.rb"
	indexFile(t, l, file, `
module A
  include B
end

module B
  include A
end
`)
	l.RetryPending()

	got := mroNames(l, NodeRef{FQN: fqnIDOf(t, l, ns("A"))})
	if len(got) == 0 || got[0] != "A" {
		t.Fatalf("MRO(A) = %v, want to start with A", got)
	}
	id, _ := l.LookupFile(file)
	if len(l.CycleDiags(id)) == 0 {
		t.Error("cycle produced no diagnostics")
	}
}

func TestExtendLiftsToSingleton(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
module Findable
  def find; end
end

class Record
  extend Findable
end
`)
	l.RetryPending()

	got := mroNames(l, NodeRef{FQN: fqnIDOf(t, l, ns("Record")), Singleton: true})
	found := false
	for _, s := range got {
		if s == "Findable" {
			found = true
		}
	}
	if !found {
		t.Errorf("singleton MRO %v does not contain Findable", got)
	}
}

func TestPendingMixinResolvesLater(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	// The include target is defined in a file indexed afterwards.
	indexFile(t, l, "file:///user.rb", "class User\n  include Nameable\nend\n")
	indexFile(t, l, "file:///nameable.rb", "module Nameable\n  def name; end\nend\n")
	l.RetryPending()

	got := mroNames(l, NodeRef{FQN: fqnIDOf(t, l, ns("User"))})
	found := false
	for _, s := range got {
		if s == "Nameable" {
			found = true
		}
	}
	if !found {
		t.Errorf("MRO(User) = %v, want Nameable after retry", got)
	}
}

func TestAttrAccessorMethods(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
class Person
  attr_reader :name
  attr_writer :age
  attr_accessor :email
end
`)

	for _, tc := range []struct {
		method string
		want   int
	}{
		{"name", 1},
		{"name=", 0},
		{"age", 0},
		{"age=", 1},
		{"email", 1},
		{"email=", 1},
	} {
		if got := defCount(l, instMethod(tc.method, "Person")); got != tc.want {
			t.Errorf("%s: got %d entries, want %d", tc.method, got, tc.want)
		}
	}

	defs := l.Definitions(fqnIDOf(t, l, instMethod("name", "Person")))
	if m := defs[0].Method(); m == nil || m.Origin != OriginAttr {
		t.Error("attr_reader method not marked with attr origin")
	}
}

func TestVisibilityModifiers(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
class Vault
  def open_door; end

  private

  def combination; end

  public

  def knock; end

  private def whisper; end

  def shout; end
  private :shout
end
`)

	for _, tc := range []struct {
		method string
		want   Visibility
	}{
		{"open_door", Public},
		{"combination", Private},
		{"knock", Public},
		{"whisper", Private},
		{"shout", Private},
	} {
		defs := l.Definitions(fqnIDOf(t, l, instMethod(tc.method, "Vault")))
		if len(defs) != 1 {
			t.Fatalf("%s: got %d definitions", tc.method, len(defs))
		}
		if got := defs[0].Method().Visibility; got != tc.want {
			t.Errorf("%s: visibility %s, want %s", tc.method, got, tc.want)
		}
	}
}

func TestAliasEntries(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
class List
  def size; end
  alias length size
  alias_method :count, :size
end
`)

	for _, name := range []string{"length", "count"} {
		defs := l.Definitions(fqnIDOf(t, l, instMethod(name, "List")))
		if len(defs) != 1 {
			t.Fatalf("%s: got %d definitions", name, len(defs))
		}
		if m := defs[0].Method(); m == nil || m.Origin != OriginAlias {
			t.Errorf("%s not marked as alias", name)
		}
	}
}

func TestModuleFunction(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
module MathUtil
  module_function

  def square(x)
    x * x
  end
end
`)

	if got := defCount(l, ident.NewModuleMethod([]ident.Constant{"MathUtil"}, mustMethod(t, "square"))); got != 1 {
		t.Errorf("module function entry count = %d, want 1", got)
	}
}

func mustMethod(t *testing.T, s string) ident.MethodName {
	t.Helper()
	m, err := ident.NewMethodName(s)
	if err != nil {
		t.Fatalf("bad method name %q: %v", s, err)
	}
	return m
}

func TestMethodCallReferences(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///def.rb", `
class Greeter
  def greet; end
end
`)
	indexFile(t, l, "file:///use.rb", `
class Caller
  def run(g)
    g.greet
    Greeter.new
  end
end
`)

	// Name-only key matches calls with unknown receiver types.
	nameOnly, ok := l.LookupFQN(instMethod("greet"))
	if !ok {
		t.Fatal("name-only method key never interned")
	}
	if got := len(l.References(nameOnly)); got != 1 {
		t.Errorf("name-only references = %d, want 1", got)
	}

	// The constant receiver is itself a reference to the class.
	refs := l.References(fqnIDOf(t, l, ns("Greeter")))
	if len(refs) != 1 {
		t.Errorf("Greeter references = %d, want 1", len(refs))
	}
}

func TestConstantReferenceResolvesThroughNesting(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
module Outer
  class Target; end

  class User
    def use
      Target.new
    end
  end
end
`)

	refs := l.References(fqnIDOf(t, l, ns("Outer", "Target")))
	if len(refs) != 1 {
		t.Errorf("nested constant references = %d, want 1", len(refs))
	}
}

func TestLocalVariableOccurrences(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	table := indexFile(t, l, "file:///a.rb", `
def compute
  total = 1
  total + total
end
`)

	stack := table.ScopeStackAt(20)
	scopeID, ok := table.Resolve(stack, "total")
	if !ok {
		t.Fatal("total not resolvable inside method")
	}
	occs := table.Occurrences(scopeID, "total")
	writes, reads := 0, 0
	for _, o := range occs {
		if o.Write {
			writes++
		} else {
			reads++
		}
	}
	if writes != 1 || reads != 2 {
		t.Errorf("total occurrences: %d writes %d reads, want 1/2", writes, reads)
	}
}

func TestInstanceVariableEntries(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
class Counter
  def bump
    @count = 0
    @count
  end
end
`)

	f := ident.NewVariableFQN([]ident.Constant{"Counter"}, "@count")
	id, ok := l.LookupFQN(f)
	if !ok {
		t.Fatal("@count never interned")
	}
	if got := len(l.Definitions(id)); got != 1 {
		t.Errorf("@count definitions = %d, want 1", got)
	}
	if got := len(l.References(id)); got != 1 {
		t.Errorf("@count references = %d, want 1", got)
	}
}

func TestMatchSymbols(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///a.rb", `
class PaymentGateway
  def charge; end
end

class PaymentRefund; end
`)

	hits := l.MatchSymbols("payment", 10)
	if len(hits) < 2 {
		t.Fatalf("query 'payment' matched %d entries, want at least 2", len(hits))
	}
	if hits := l.MatchSymbols("payment", 1); len(hits) != 1 {
		t.Errorf("limit not honored: got %d", len(hits))
	}
}

func TestMethodParamKinds(t *testing.T) {
	ix := New()
	l := ix.Lock()
	defer l.Unlock()

	indexFile(t, l, "file:///p.rb", `
class Mailer
  def deliver(to, cc = nil, *rest, subject:, priority: 1, **opts, &blk)
  end
end
`)

	id, ok := l.LookupFQN(instMethod("deliver", "Mailer"))
	if !ok {
		t.Fatal("Mailer#deliver not indexed")
	}
	defs := l.Definitions(id)
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}

	want := []Param{
		{Name: "to", Kind: ParamRequired},
		{Name: "cc", Kind: ParamOptional},
		{Name: "rest", Kind: ParamRest},
		{Name: "subject", Kind: ParamKeyword},
		{Name: "priority", Kind: ParamKeywordOptional},
		{Name: "opts", Kind: ParamKeywordRest},
		{Name: "blk", Kind: ParamBlock},
	}
	got := defs[0].Method().Params
	if len(got) != len(want) {
		t.Fatalf("params = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("param %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
