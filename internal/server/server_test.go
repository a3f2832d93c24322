package server

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := New()
	s.cfg = &config.Config{}
	return s
}

func openDoc(t *testing.T, s *Server, uri, src string) {
	t.Helper()
	s.reindex(nil, uri, []byte(src), 1, true)
	if s.file(uri) == nil {
		t.Fatalf("file %s not tracked after reindex", uri)
	}
}

// posOf returns the position of the last occurrence of marker.
func posOf(t *testing.T, s *Server, uri, marker string) protocol.Position {
	t.Helper()
	st := s.file(uri)
	i := strings.LastIndex(string(st.doc.Content), marker)
	if i < 0 {
		t.Fatalf("marker %q not found in %s", marker, uri)
	}
	return s.offsetToPos(st.doc, i)
}

// posAfter returns the position just past the last occurrence of marker.
func posAfter(t *testing.T, s *Server, uri, marker string) protocol.Position {
	t.Helper()
	st := s.file(uri)
	i := strings.LastIndex(string(st.doc.Content), marker)
	if i < 0 {
		t.Fatalf("marker %q not found in %s", marker, uri)
	}
	return s.offsetToPos(st.doc, i+len(marker))
}

func hoverValue(t *testing.T, h *protocol.Hover) string {
	t.Helper()
	if h == nil {
		t.Fatal("expected a hover, got nil")
	}
	mc, ok := h.Contents.(protocol.MarkupContent)
	if !ok {
		t.Fatalf("hover contents have type %T", h.Contents)
	}
	return mc.Value
}

const greeterSrc = `class Greeter
  def greet
    "hi"
  end
end

g = Greeter.new
g.greet
`

func TestHoverMethodSignature(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/greeter.rb"
	openDoc(t, s, uri, greeterSrc)

	h, err := s.hover(nil, &protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     posOf(t, s, uri, "greet"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := hoverValue(t, h)
	if !strings.Contains(got, "Greeter#greet() → String") {
		t.Errorf("hover = %q, want it to contain the inferred signature", got)
	}
}

func TestHoverLocalShowsNarrowedType(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/greeter.rb"
	openDoc(t, s, uri, greeterSrc)

	h, err := s.hover(nil, &protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     posOf(t, s, uri, "g.greet"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := hoverValue(t, h)
	if !strings.Contains(got, "g: Greeter") {
		t.Errorf("hover = %q, want the local's type", got)
	}
}

func TestHoverConstant(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/greeter.rb"
	openDoc(t, s, uri, greeterSrc)

	h, err := s.hover(nil, &protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     posOf(t, s, uri, "Greeter.new"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := hoverValue(t, h); !strings.Contains(got, "class Greeter") {
		t.Errorf("hover = %q, want %q", got, "class Greeter")
	}
}

func TestDefinitionAcrossFiles(t *testing.T) {
	s := newTestServer(t)
	defURI := "file:///ws/widget.rb"
	useURI := "file:///ws/use.rb"
	openDoc(t, s, defURI, "class Widget\nend\n")
	openDoc(t, s, useURI, "w = Widget.new\n")

	res, err := s.definition(nil, &protocol.DefinitionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: useURI},
			Position:     posOf(t, s, useURI, "Widget"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	locs, ok := res.([]protocol.Location)
	if !ok || len(locs) != 1 {
		t.Fatalf("definition = %#v, want one location", res)
	}
	if locs[0].URI != defURI {
		t.Errorf("definition URI = %s, want %s", locs[0].URI, defURI)
	}
}

func TestReferencesIncludeDeclaration(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/widget.rb"
	openDoc(t, s, uri, "class Widget\nend\n\nWidget.new\nWidget.new\n")

	locs, err := s.references(nil, &protocol.ReferenceParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     posOf(t, s, uri, "Widget\nend"),
		},
		Context: protocol.ReferenceContext{IncludeDeclaration: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 3 {
		t.Errorf("got %d locations, want declaration plus two uses", len(locs))
	}
}

func TestDocumentSymbolOutline(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/store.rb"
	openDoc(t, s, uri, `class Store
  VERSION = "1"

  def put(key)
  end

  def get(key)
  end
end
`)

	res, err := s.documentSymbol(nil, &protocol.DocumentSymbolParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		t.Fatal(err)
	}
	syms, ok := res.([]protocol.DocumentSymbol)
	if !ok || len(syms) != 1 {
		t.Fatalf("documentSymbol = %#v, want a single root", res)
	}
	root := syms[0]
	if root.Name != "Store" || root.Kind != protocol.SymbolKindClass {
		t.Fatalf("root = %s (%v), want class Store", root.Name, root.Kind)
	}
	var names []string
	for _, c := range root.Children {
		names = append(names, c.Name)
	}
	want := []string{"VERSION", "put", "get"}
	if len(names) != len(want) {
		t.Fatalf("children = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("child %d = %s, want %s", i, names[i], want[i])
		}
	}
}

func completionLabels(t *testing.T, res any) []string {
	t.Helper()
	items, ok := res.([]protocol.CompletionItem)
	if !ok {
		t.Fatalf("completion = %#v, want items", res)
	}
	labels := make([]string, 0, len(items))
	for _, it := range items {
		labels = append(labels, it.Label)
	}
	return labels
}

func TestCompletionLocals(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/run.rb"
	openDoc(t, s, uri, "def run\n  counter = 1\n  co\nend\n")

	res, err := s.completion(nil, &protocol.CompletionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     posAfter(t, s, uri, "  co"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	labels := completionLabels(t, res)
	for _, l := range labels {
		if l == "counter" {
			return
		}
	}
	t.Errorf("completion = %v, want it to offer the local", labels)
}

func TestCompletionConstants(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/greeter.rb"
	openDoc(t, s, uri, greeterSrc+"\nGr\n")

	res, err := s.completion(nil, &protocol.CompletionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     posAfter(t, s, uri, "\nGr"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	labels := completionLabels(t, res)
	for _, l := range labels {
		if l == "Greeter" {
			return
		}
	}
	t.Errorf("completion = %v, want it to offer Greeter", labels)
}

func TestCompletionMethodsAfterDot(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/calc.rb"
	openDoc(t, s, uri, `class Calc
  def add(a, b)
    a + b
  end
end

c = Calc.new
c.ad
`)

	res, err := s.completion(nil, &protocol.CompletionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     posAfter(t, s, uri, "c.ad"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	items, ok := res.([]protocol.CompletionItem)
	if !ok || len(items) == 0 {
		t.Fatalf("completion = %#v, want items", res)
	}
	for _, it := range items {
		if it.Label != "add" {
			continue
		}
		if it.Detail == nil || !strings.HasPrefix(*it.Detail, "Calc#add(a, b)") {
			t.Errorf("detail = %v, want the signature", it.Detail)
		}
		return
	}
	t.Errorf("completion offered %v, want add", completionLabels(t, res))
}

func TestWorkspaceSymbol(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/greeter.rb"
	openDoc(t, s, uri, greeterSrc)

	syms, err := s.workspaceSymbol(nil, &protocol.WorkspaceSymbolParams{Query: "greet"})
	if err != nil {
		t.Fatal(err)
	}
	for _, sym := range syms {
		if sym.Name == "Greeter#greet" {
			if sym.Location.URI != uri {
				t.Errorf("symbol URI = %s, want %s", sym.Location.URI, uri)
			}
			return
		}
	}
	t.Errorf("workspace symbols %v missing Greeter#greet", syms)
}

// capturedNotify records published diagnostics.
func capturedNotify(diags *[]protocol.Diagnostic) glsp.NotifyFunc {
	return func(method string, params any) {
		if method != protocol.ServerTextDocumentPublishDiagnostics {
			return
		}
		if p, ok := params.(protocol.PublishDiagnosticsParams); ok {
			*diags = p.Diagnostics
		}
	}
}

func TestDiagnosticsParseError(t *testing.T) {
	s := newTestServer(t)
	var diags []protocol.Diagnostic
	s.reindex(capturedNotify(&diags), "file:///ws/bad.rb", []byte("class Foo\n  def bar\nend\n"), 1, true)

	if len(diags) == 0 {
		t.Fatal("expected a parse diagnostic for the missing end")
	}
	if diags[0].Severity == nil || *diags[0].Severity != protocol.DiagnosticSeverityError {
		t.Errorf("severity = %v, want error", diags[0].Severity)
	}
}

func TestDiagnosticsAncestryCycle(t *testing.T) {
	s := newTestServer(t)
	var diags []protocol.Diagnostic
	s.reindex(capturedNotify(&diags), "file:///ws/cycle.rb", []byte("class A < B\nend\n\nclass B < A\nend\n"), 1, true)

	for _, d := range diags {
		if strings.Contains(d.Message, "ancestry cycle") {
			if d.Severity == nil || *d.Severity != protocol.DiagnosticSeverityWarning {
				t.Errorf("severity = %v, want warning", d.Severity)
			}
			return
		}
	}
	t.Errorf("diagnostics %v missing the cycle warning", diags)
}

func TestSemanticTokensEncoding(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/tok.rb"
	openDoc(t, s, uri, "# note\nclass Foo\nend\n")

	toks, err := s.semanticTokensFull(nil, &protocol.SemanticTokensParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []protocol.UInteger{
		0, 0, 6, tokComment, 0, // "# note"
		1, 6, 3, tokClass, 0, // "Foo"
	}
	if len(toks.Data) != len(want) {
		t.Fatalf("data = %v, want %v", toks.Data, want)
	}
	for i := range want {
		if toks.Data[i] != want[i] {
			t.Fatalf("data = %v, want %v", toks.Data, want)
		}
	}
}

func TestSemanticTokensVariablesAndCalls(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/vars.rb"
	openDoc(t, s, uri, "x = 1\nx.abs\nx[0]\n")

	toks, err := s.semanticTokensFull(nil, &protocol.SemanticTokensParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []protocol.UInteger{
		0, 0, 1, tokVariable, modDeclaration, // "x" write
		0, 4, 1, tokNumber, 0, // "1"
		1, 0, 1, tokVariable, 0, // "x" read
		0, 2, 3, tokMethod, 0, // "abs"
		1, 0, 1, tokVariable, 0, // "x" read; no method token for []
		0, 2, 1, tokNumber, 0, // "0"
	}
	if len(toks.Data) != len(want) {
		t.Fatalf("data = %v, want %v", toks.Data, want)
	}
	for i := range want {
		if toks.Data[i] != want[i] {
			t.Fatalf("data = %v, want %v", toks.Data, want)
		}
	}
}

func TestDidChangeWholeDocument(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/doc.rb"
	openDoc(t, s, uri, "class Foo\nend\n")

	ctx := &glsp.Context{}
	err := s.didChange(ctx, &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri},
			Version:                2,
		},
		ContentChanges: []any{
			protocol.TextDocumentContentChangeEventWhole{Text: "class Bar\nend\n"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	syms, err := s.workspaceSymbol(nil, &protocol.WorkspaceSymbolParams{Query: "Bar"})
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 1 || syms[0].Name != "Bar" {
		t.Fatalf("symbols after change = %v, want Bar", syms)
	}
	if syms, _ := s.workspaceSymbol(nil, &protocol.WorkspaceSymbolParams{Query: "Foo"}); len(syms) != 0 {
		t.Errorf("stale symbols survived the change: %v", syms)
	}
}

func TestDidChangeIncrementalEdit(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/doc.rb"
	openDoc(t, s, uri, "class Foo\nend\n")

	// Replace "Foo" on line 0, characters 6..9.
	rng := protocol.Range{
		Start: protocol.Position{Line: 0, Character: 6},
		End:   protocol.Position{Line: 0, Character: 9},
	}
	ctx := &glsp.Context{}
	err := s.didChange(ctx, &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri},
			Version:                2,
		},
		ContentChanges: []any{
			protocol.TextDocumentContentChangeEvent{Range: &rng, Text: "Quux"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	st := s.file(uri)
	if got := string(st.doc.Content); got != "class Quux\nend\n" {
		t.Fatalf("content after edit = %q", got)
	}
	syms, err := s.workspaceSymbol(nil, &protocol.WorkspaceSymbolParams{Query: "Quux"})
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 1 {
		t.Fatalf("symbols after edit = %v, want Quux", syms)
	}
}

func TestRemoveFileClearsIndex(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/gone.rb"
	openDoc(t, s, uri, "class Gone\nend\n")

	var diags []protocol.Diagnostic
	s.removeFile(capturedNotify(&diags), uri)

	if s.file(uri) != nil {
		t.Error("file state survived removal")
	}
	if syms, _ := s.workspaceSymbol(nil, &protocol.WorkspaceSymbolParams{Query: "Gone"}); len(syms) != 0 {
		t.Errorf("symbols survived removal: %v", syms)
	}
	if diags == nil || len(diags) != 0 {
		t.Errorf("expected cleared diagnostics, got %v", diags)
	}
}

func TestInlayHints(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/greeter.rb"
	openDoc(t, s, uri, greeterSrc)

	st := s.file(uri)
	hints := s.inlayHints(&inlayHintParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Range: protocol.Range{
			Start: protocol.Position{Line: 0, Character: 0},
			End:   s.offsetToPos(st.doc, len(st.doc.Content)),
		},
	})
	labels := make(map[string]bool, len(hints))
	for _, h := range hints {
		labels[h.Label] = true
	}
	for _, want := range []string{
		"class Greeter", // end label on the class
		"def greet",     // end label on the method
		"→ String",      // inferred return type
		"⮐",             // implicit return expression
		": Greeter",     // assigned variable type
	} {
		if !labels[want] {
			t.Errorf("hints %v missing %q", hints, want)
		}
	}
	for i := 1; i < len(hints); i++ {
		a, b := hints[i-1].Position, hints[i].Position
		if a.Line > b.Line || (a.Line == b.Line && a.Character > b.Character) {
			t.Errorf("hints out of order: %v before %v", a, b)
		}
	}
}

func TestDebugSurface(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/shape.rb"
	openDoc(t, s, uri, `module Area
  def area
    0
  end
end

class Shape
  include Area
end
`)

	names := s.debugAncestors(&debugNameParams{Name: "Shape"})
	if len(names) < 2 || names[0] != "Shape" || names[1] != "Area" {
		t.Errorf("ancestors = %v, want Shape then Area", names)
	}

	sigs := s.debugMethods(&debugNameParams{Name: "Area"})
	found := false
	for _, sig := range sigs {
		if strings.HasPrefix(sig, "Area#area()") {
			found = true
		}
	}
	if !found {
		t.Errorf("methods = %v, want Area#area", sigs)
	}

	st := s.debugStats()
	if st.Index.Files != 1 || st.Files != 1 {
		t.Errorf("stats = %+v, want one file", st)
	}
}

func TestListCommands(t *testing.T) {
	s := newTestServer(t)
	h := NewHandler(s)

	res, validMethod, validParams, err := h.Handle(&glsp.Context{Method: "$/listCommands"})
	if err != nil || !validMethod || !validParams {
		t.Fatalf("Handle = %v, %v, %v", validMethod, validParams, err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Commands []struct {
			Name        string `json:"name"`
			Method      string `json:"method"`
			Description string `json:"description"`
			Params      []struct {
				Name        string `json:"name"`
				Type        string `json:"type"`
				Required    bool   `json:"required"`
				Description string `json:"description"`
			} `json:"params"`
		} `json:"commands"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	if len(out.Commands) == 0 {
		t.Fatal("no commands listed")
	}

	methods := map[string]int{}
	for i, c := range out.Commands {
		if c.Name == "" || c.Method == "" || c.Description == "" {
			t.Errorf("command %d incomplete: %+v", i, c)
		}
		for _, p := range c.Params {
			if p.Name == "" || p.Type == "" || p.Description == "" {
				t.Errorf("command %s has incomplete param %+v", c.Name, p)
			}
		}
		methods[c.Method] = len(c.Params)
	}
	if n, ok := methods["ruby-fast-lsp/debug/lookup"]; !ok || n != 2 {
		t.Errorf("lookup command params = %d, want uri and offset", n)
	}
	if _, ok := methods["textDocument/inlayHint"]; !ok {
		t.Error("inlayHint command missing")
	}
}

func TestHoverMixinMethod(t *testing.T) {
	s := newTestServer(t)
	modURI := "file:///ws/m.rb"
	useURI := "file:///ws/c.rb"
	openDoc(t, s, modURI, "module M\n  def greet\n    \"hi\"\n  end\nend\n")
	openDoc(t, s, useURI, "class C\n  include M\nend\n\nC.new.greet\n")

	h, err := s.hover(nil, &protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: useURI},
			Position:     posOf(t, s, useURI, "greet"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := hoverValue(t, h)
	if !strings.Contains(got, "M#greet() → String") {
		t.Errorf("hover = %q, want the mixin method signature", got)
	}
}

func TestReopenedClassAcrossFiles(t *testing.T) {
	s := newTestServer(t)
	aURI := "file:///ws/a.rb"
	bURI := "file:///ws/b.rb"
	useURI := "file:///ws/use.rb"
	openDoc(t, s, aURI, "class Config\n  def load\n  end\nend\n")
	openDoc(t, s, bURI, "class Config\n  def save\n  end\nend\n")
	openDoc(t, s, useURI, "Config.new\n")

	defLocs := func() []protocol.Location {
		res, err := s.definition(nil, &protocol.DefinitionParams{
			TextDocumentPositionParams: protocol.TextDocumentPositionParams{
				TextDocument: protocol.TextDocumentIdentifier{URI: useURI},
				Position:     posOf(t, s, useURI, "Config"),
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		locs, _ := res.([]protocol.Location)
		return locs
	}

	if locs := defLocs(); len(locs) != 2 {
		t.Fatalf("got %d definitions, want both reopenings", len(locs))
	}

	s.removeFile(nil, bURI)
	locs := defLocs()
	if len(locs) != 1 {
		t.Fatalf("got %d definitions after deletion, want one", len(locs))
	}
	if locs[0].URI != aURI {
		t.Errorf("surviving definition in %s, want %s", locs[0].URI, aURI)
	}
}

func TestFoldingRanges(t *testing.T) {
	s := newTestServer(t)
	uri := "file:///ws/fold.rb"
	openDoc(t, s, uri, "class Foo\n  def bar\n    1\n  end\nend\n")

	ranges, err := s.foldingRange(nil, &protocol.FoldingRangeParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 2 {
		t.Fatalf("ranges = %v, want the class and the method", ranges)
	}
	if ranges[0].StartLine != 0 || ranges[0].EndLine != 4 {
		t.Errorf("class fold = %+v", ranges[0])
	}
}
