package server

import (
	"fmt"
	"sort"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/infer"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/locator"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/resolver"
)

// session bundles the per-request locked index with the resolver and
// inference engine built over it.
type session struct {
	l   *index.Locked
	r   *resolver.Resolver
	eng *infer.Engine
}

func (s *Server) openSession() *session {
	l := s.index.Lock()
	eng := infer.NewEngine(l, s, s.catalog)
	return &session{l: l, r: resolver.New(l, eng), eng: eng}
}

func (se *session) close() {
	se.l.Unlock()
}

func (s *Server) hover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	uri := params.TextDocument.URI
	st := s.file(uri)
	if st == nil {
		return nil, nil
	}
	offset := s.posToOffset(st.doc, params.Position)
	id := locator.At(st.res, st.table, offset)
	if id == nil {
		return nil, nil
	}

	se := s.openSession()
	defer se.close()

	text, rng := s.hoverText(se, uri, id)
	if text == "" {
		return nil, nil
	}
	pr := s.byteRangeToProtocol(st.doc, rng)
	return &protocol.Hover{
		Contents: protocol.MarkupContent{Kind: protocol.MarkupKindMarkdown, Value: "```ruby\n" + text + "\n```"},
		Range:    &pr,
	}, nil
}

func (s *Server) hoverText(se *session, uri string, id locator.Ident) (string, doc.ByteRange) {
	switch v := id.(type) {
	case locator.MethodIdent:
		for _, e := range se.r.MethodEntries(uri, v) {
			if m := e.Method(); m != nil {
				return methodSignature(se.l, e, m), v.Site.Range
			}
		}
	case locator.ConstantIdent:
		fid, ok := se.r.ResolveConstant(v)
		if !ok {
			return "", v.Site.Range
		}
		name := se.l.FQNString(fid)
		if kind, ok := se.l.NamespaceKind(fid); ok {
			if kind == index.EntryModule {
				return "module " + name, v.Site.Range
			}
			return "class " + name, v.Site.Range
		}
		for _, e := range se.l.Definitions(fid) {
			if cd, ok := e.Data.(index.ConstantData); ok && cd.ValueRepr != "" {
				return name + " = " + cd.ValueRepr, v.Site.Range
			}
		}
		return name, v.Site.Range
	case locator.VariableIdent:
		if v.Kind == ident.VarLocal {
			if t, ok := se.eng.NarrowedType(uri, v.Name, v.Site.Range.Start); ok {
				return v.Name + ": " + t.Format(se.l), v.Site.Range
			}
			return v.Name, v.Site.Range
		}
		return v.Name, v.Site.Range
	}
	return "", doc.ByteRange{}
}

// methodSignature renders "Owner#name(params) → Return" for hovers,
// code lenses, and inlay hints.
func methodSignature(l *index.Locked, e *index.Entry, m *index.MethodData) string {
	sig := l.FQNString(e.FQN) + "(" + formatParams(m.Params) + ")"
	if m.Return != nil {
		sig += " → " + m.Return.Format(l)
	}
	return sig
}

func formatParams(params []index.Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		switch p.Kind {
		case index.ParamOptional:
			parts = append(parts, p.Name+" = ...")
		case index.ParamRest:
			parts = append(parts, "*"+p.Name)
		case index.ParamKeyword:
			parts = append(parts, p.Name+":")
		case index.ParamKeywordOptional:
			parts = append(parts, p.Name+": ...")
		case index.ParamKeywordRest:
			parts = append(parts, "**"+p.Name)
		case index.ParamBlock:
			parts = append(parts, "&"+p.Name)
		default:
			parts = append(parts, p.Name)
		}
	}
	return strings.Join(parts, ", ")
}

func (s *Server) definition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	st := s.file(uri)
	if st == nil {
		return nil, nil
	}
	offset := s.posToOffset(st.doc, params.Position)
	id := locator.At(st.res, st.table, offset)
	if id == nil {
		return nil, nil
	}

	se := s.openSession()
	locs := se.r.Definition(uri, st.table, id)
	se.close()

	out := s.locationsToProtocol(locs)
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *Server) references(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	st := s.file(uri)
	if st == nil {
		return nil, nil
	}
	offset := s.posToOffset(st.doc, params.Position)
	id := locator.At(st.res, st.table, offset)
	if id == nil {
		return nil, nil
	}

	se := s.openSession()
	locs := se.r.References(uri, st.table, id, params.Context.IncludeDeclaration)
	se.close()

	return s.locationsToProtocol(locs), nil
}

func (s *Server) workspaceSymbol(ctx *glsp.Context, params *protocol.WorkspaceSymbolParams) ([]protocol.SymbolInformation, error) {
	type match struct {
		loc  index.Location
		name string
		kind index.EntryKind
	}

	se := s.openSession()
	entries := se.l.MatchSymbols(params.Query, 200)
	matches := make([]match, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, match{loc: se.l.Location(e), name: se.l.FQNString(e.FQN), kind: e.Kind})
	}
	se.close()

	out := make([]protocol.SymbolInformation, 0, len(matches))
	for _, m := range matches {
		pl, ok := s.locationToProtocol(m.loc)
		if !ok {
			continue
		}
		out = append(out, protocol.SymbolInformation{
			Name:     m.name,
			Kind:     symbolKind(m.kind),
			Location: pl,
		})
	}
	return out, nil
}

func symbolKind(k index.EntryKind) protocol.SymbolKind {
	switch k {
	case index.EntryClass:
		return protocol.SymbolKindClass
	case index.EntryModule:
		return protocol.SymbolKindModule
	case index.EntryMethod:
		return protocol.SymbolKindMethod
	case index.EntryConstant:
		return protocol.SymbolKindConstant
	case index.EntryInstanceVariable, index.EntryClassVariable:
		return protocol.SymbolKindField
	case index.EntryGlobalVariable:
		return protocol.SymbolKindVariable
	}
	return protocol.SymbolKindVariable
}

func (s *Server) documentSymbol(ctx *glsp.Context, params *protocol.DocumentSymbolParams) (any, error) {
	st := s.file(params.TextDocument.URI)
	if st == nil {
		return nil, nil
	}
	return s.documentSymbols(st, st.res.Root()), nil
}

// documentSymbols walks the tree collecting the declaration outline.
func (s *Server) documentSymbols(st *fileState, node *tree_sitter.Node) []protocol.DocumentSymbol {
	var out []protocol.DocumentSymbol
	count := node.NamedChildCount()
	for i := uint(0); i < count; i++ {
		child := node.NamedChild(i)
		if sym, ok := s.symbolFor(st, child); ok {
			out = append(out, sym)
			continue
		}
		out = append(out, s.documentSymbols(st, child)...)
	}
	return out
}

func (s *Server) symbolFor(st *fileState, node *tree_sitter.Node) (protocol.DocumentSymbol, bool) {
	var kind protocol.SymbolKind
	switch node.Kind() {
	case "class":
		kind = protocol.SymbolKindClass
	case "module":
		kind = protocol.SymbolKindModule
	case "method", "singleton_method":
		kind = protocol.SymbolKindMethod
	case "assignment":
		left := node.ChildByFieldName("left")
		if left == nil || left.Kind() != "constant" {
			return protocol.DocumentSymbol{}, false
		}
		full := s.byteRangeToProtocol(st.doc, nodeRange(node))
		return protocol.DocumentSymbol{
			Name:           parser.NodeText(left, st.res.Source),
			Kind:           protocol.SymbolKindConstant,
			Range:          full,
			SelectionRange: s.byteRangeToProtocol(st.doc, nodeRange(left)),
		}, true
	default:
		return protocol.DocumentSymbol{}, false
	}

	name := node.ChildByFieldName("name")
	if name == nil {
		return protocol.DocumentSymbol{}, false
	}
	sym := protocol.DocumentSymbol{
		Name:           parser.NodeText(name, st.res.Source),
		Kind:           kind,
		Range:          s.byteRangeToProtocol(st.doc, nodeRange(node)),
		SelectionRange: s.byteRangeToProtocol(st.doc, nodeRange(name)),
	}
	if body := node.ChildByFieldName("body"); body != nil {
		sym.Children = s.documentSymbols(st, body)
	}
	return sym, true
}

func nodeRange(node *tree_sitter.Node) doc.ByteRange {
	return doc.ByteRange{Start: int(node.StartByte()), End: int(node.EndByte())}
}

func (s *Server) foldingRange(ctx *glsp.Context, params *protocol.FoldingRangeParams) ([]protocol.FoldingRange, error) {
	st := s.file(params.TextDocument.URI)
	if st == nil {
		return nil, nil
	}

	var out []protocol.FoldingRange
	parser.Walk(st.res.Root(), func(node *tree_sitter.Node) bool {
		switch node.Kind() {
		case "class", "module", "method", "singleton_method", "singleton_class",
			"do_block", "block", "case", "begin", "if", "unless", "while", "until":
		default:
			return true
		}
		start := s.offsetToPos(st.doc, int(node.StartByte()))
		end := s.offsetToPos(st.doc, int(node.EndByte()))
		if end.Line > start.Line {
			out = append(out, protocol.FoldingRange{
				StartLine: start.Line,
				EndLine:   end.Line,
			})
		}
		return true
	})
	return out, nil
}

func (s *Server) completion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	uri := params.TextDocument.URI
	st := s.file(uri)
	if st == nil {
		return nil, nil
	}
	offset := s.posToOffset(st.doc, params.Position)
	prefix, start := completionPrefix(st.doc.Content, offset)

	se := s.openSession()
	defer se.close()

	if start > 0 && st.doc.Content[start-1] == '.' {
		return s.methodCompletions(se, st, uri, start-1, prefix), nil
	}
	return s.scopeCompletions(se, st, uri, offset, prefix), nil
}

// completionPrefix returns the identifier fragment being typed and the
// offset where it starts.
func completionPrefix(content []byte, offset int) (string, int) {
	start := offset
	for start > 0 {
		c := content[start-1]
		if c == '_' || c == '@' || c == '$' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			start--
			continue
		}
		break
	}
	return string(content[start:offset]), start
}

// methodCompletions lists methods reachable through the receiver ending
// just before the dot.
func (s *Server) methodCompletions(se *session, st *fileState, uri string, dot int, prefix string) []protocol.CompletionItem {
	if dot == 0 {
		return nil
	}
	recv := locator.At(st.res, st.table, dot-1)
	var mi locator.MethodIdent
	switch v := recv.(type) {
	case locator.VariableIdent:
		if v.Kind != ident.VarLocal {
			return nil
		}
		mi = locator.MethodIdent{
			Site:     v.Site,
			Receiver: locator.Receiver{Kind: locator.ReceiverLocal, Name: v.Name},
		}
	case locator.ConstantIdent:
		mi = locator.MethodIdent{
			Site:     v.Site,
			Receiver: locator.Receiver{Kind: locator.ReceiverConstant, Parts: v.Path, Absolute: v.Absolute},
		}
	default:
		return nil
	}

	owners := se.r.OwnerSet(uri, mi)
	if len(owners) == 0 {
		return nil
	}
	return s.methodsOfOwners(se, owners, prefix)
}

func (s *Server) methodsOfOwners(se *session, owners []index.NodeRef, prefix string) []protocol.CompletionItem {
	type ownerSide struct {
		id        ident.FqnID
		singleton bool
	}
	want := make(map[ownerSide]bool, len(owners))
	for _, o := range owners {
		want[ownerSide{o.FQN, o.Singleton}] = true
	}

	seen := make(map[string]bool)
	var items []protocol.CompletionItem
	se.l.EachDefinition(func(e *index.Entry) bool {
		m := e.Method()
		if m == nil {
			return true
		}
		singleton := e.FQN != ident.NoFqn && se.l.FQNOf(e.FQN).Kind() == ident.KindClassMethod
		module := se.l.FQNOf(e.FQN).Kind() == ident.KindModuleMethod
		if !want[ownerSide{m.Owner, singleton}] && !(module && (want[ownerSide{m.Owner, true}] || want[ownerSide{m.Owner, false}])) {
			return true
		}
		name := string(m.Name)
		if seen[name] {
			return true
		}
		if _, ok := trimPrefixFold(name, prefix); !ok {
			return true
		}
		seen[name] = true
		kind := protocol.CompletionItemKindMethod
		detail := methodSignature(se.l, e, m)
		items = append(items, protocol.CompletionItem{
			Label:  name,
			Kind:   &kind,
			Detail: &detail,
		})
		return true
	})
	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items
}

// scopeCompletions lists locals in scope, methods on self, and
// constants matching the prefix.
func (s *Server) scopeCompletions(se *session, st *fileState, uri string, offset int, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem

	stack := st.table.ScopeStackAt(offset)
	for _, name := range st.table.NamesVisible(stack) {
		if _, ok := trimPrefixFold(name, prefix); !ok {
			continue
		}
		kind := protocol.CompletionItemKindVariable
		items = append(items, protocol.CompletionItem{Label: name, Kind: &kind})
	}

	if id := locator.At(st.res, st.table, offset); id != nil {
		if mi, ok := id.(locator.MethodIdent); ok {
			owners := se.r.OwnerSet(uri, mi)
			items = append(items, s.methodsOfOwners(se, owners, prefix)...)
		}
	}

	if prefix != "" && prefix[0] >= 'A' && prefix[0] <= 'Z' {
		for _, e := range se.l.MatchSymbols(prefix, 50) {
			switch e.Kind {
			case index.EntryClass, index.EntryModule, index.EntryConstant:
			default:
				continue
			}
			f := se.l.FQNOf(e.FQN)
			label := leafName(f)
			if _, ok := trimPrefixFold(label, prefix); !ok {
				continue
			}
			kind := protocol.CompletionItemKindClass
			if e.Kind == index.EntryModule {
				kind = protocol.CompletionItemKindModule
			} else if e.Kind == index.EntryConstant {
				kind = protocol.CompletionItemKindConstant
			}
			detail := se.l.FQNString(e.FQN)
			items = append(items, protocol.CompletionItem{Label: label, Kind: &kind, Detail: &detail})
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return dedupeItems(items)
}

func leafName(f ident.FQN) string {
	if f.Kind() == ident.KindConstant {
		return string(f.ConstantLeaf())
	}
	path := f.Path()
	if len(path) == 0 {
		return f.String()
	}
	return string(path[len(path)-1])
}

func dedupeItems(items []protocol.CompletionItem) []protocol.CompletionItem {
	out := items[:0]
	var last string
	for i, item := range items {
		if i > 0 && item.Label == last {
			continue
		}
		last = item.Label
		out = append(out, item)
	}
	return out
}

func (s *Server) codeLens(ctx *glsp.Context, params *protocol.CodeLensParams) ([]protocol.CodeLens, error) {
	uri := params.TextDocument.URI
	st := s.file(uri)
	if st == nil {
		return nil, nil
	}

	se := s.openSession()
	defer se.close()

	fid, ok := se.l.LookupFile(uri)
	if !ok {
		return nil, nil
	}

	var lenses []protocol.CodeLens
	for _, e := range se.l.EntriesInFile(fid) {
		switch e.Kind {
		case index.EntryClass, index.EntryModule, index.EntryMethod:
		default:
			continue
		}
		refs := len(se.l.References(e.FQN))
		title := fmt.Sprintf("%d reference", refs)
		if refs != 1 {
			title += "s"
		}
		lenses = append(lenses, protocol.CodeLens{
			Range: s.byteRangeToProtocol(st.doc, e.NameRange),
			Command: &protocol.Command{
				Title:   title,
				Command: "ruby-fast-lsp.showReferences",
			},
		})
	}
	return lenses, nil
}
