package server

import (
	"encoding/json"
	"log/slog"
	"sort"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/locator"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
)

type commandParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

type commandInfo struct {
	Name        string         `json:"name"`
	Method      string         `json:"method"`
	Description string         `json:"description"`
	Params      []commandParam `json:"params"`
}

type commandList struct {
	Commands []commandInfo `json:"commands"`
}

// commands describes the JSON-RPC methods outside the 3.16 handler
// table: the 3.17 inlay hint pull plus the debug surface.
var commands = []commandInfo{
	{
		Name:        "inlayHint",
		Method:      "textDocument/inlayHint",
		Description: "Inlay hints for a document range: end labels, assignment types, return types.",
		Params: []commandParam{
			{Name: "textDocument", Type: "TextDocumentIdentifier", Required: true, Description: "document to hint"},
			{Name: "range", Type: "Range", Required: true, Description: "visible range to cover"},
		},
	},
	{
		Name:        "lookup",
		Method:      "ruby-fast-lsp/debug/lookup",
		Description: "Identifier kind, resolved name and definition files at a byte offset.",
		Params: []commandParam{
			{Name: "uri", Type: "string", Required: true, Description: "document URI"},
			{Name: "offset", Type: "integer", Required: true, Description: "byte offset in the document"},
		},
	},
	{
		Name:        "stats",
		Method:      "ruby-fast-lsp/debug/stats",
		Description: "Index entry, file, FQN and graph counts plus tracked file count.",
		Params:      []commandParam{},
	},
	{
		Name:        "ancestors",
		Method:      "ruby-fast-lsp/debug/ancestors",
		Description: "Method resolution order of a namespace, singleton side optional.",
		Params: []commandParam{
			{Name: "name", Type: "string", Required: true, Description: "constant path, e.g. A::B"},
			{Name: "singleton", Type: "boolean", Required: false, Description: "linearize the singleton side"},
		},
	},
	{
		Name:        "methods",
		Method:      "ruby-fast-lsp/debug/methods",
		Description: "Signatures of every method owned by a namespace.",
		Params: []commandParam{
			{Name: "name", Type: "string", Required: true, Description: "constant path, e.g. A::B"},
		},
	},
	{
		Name:        "inference-stats",
		Method:      "ruby-fast-lsp/debug/inference-stats",
		Description: "Counters from the last return-type inference run.",
		Params:      []commandParam{},
	},
}

// Handler routes custom methods and delegates the rest to the glsp
// protocol handler.
type Handler struct {
	proto *protocol.Handler
	srv   *Server
}

// NewHandler builds the complete JSON-RPC handler for a server.
func NewHandler(s *Server) *Handler {
	return &Handler{proto: s.Protocol(), srv: s}
}

func (h *Handler) Handle(ctx *glsp.Context) (any, bool, bool, error) {
	switch ctx.Method {
	case "textDocument/inlayHint":
		var params inlayHintParams
		if err := json.Unmarshal(ctx.Params, &params); err != nil {
			return nil, true, false, err
		}
		return h.srv.inlayHints(&params), true, true, nil
	case "$/listCommands":
		return commandList{Commands: commands}, true, true, nil
	case "ruby-fast-lsp/debug/lookup":
		var params debugLookupParams
		if err := json.Unmarshal(ctx.Params, &params); err != nil {
			return nil, true, false, err
		}
		return h.srv.debugLookup(&params), true, true, nil
	case "ruby-fast-lsp/debug/stats":
		return h.srv.debugStats(), true, true, nil
	case "ruby-fast-lsp/debug/ancestors":
		var params debugNameParams
		if err := json.Unmarshal(ctx.Params, &params); err != nil {
			return nil, true, false, err
		}
		return h.srv.debugAncestors(&params), true, true, nil
	case "ruby-fast-lsp/debug/methods":
		var params debugNameParams
		if err := json.Unmarshal(ctx.Params, &params); err != nil {
			return nil, true, false, err
		}
		return h.srv.debugMethods(&params), true, true, nil
	case "ruby-fast-lsp/debug/inference-stats":
		h.srv.mu.RLock()
		st := h.srv.inferStats
		h.srv.mu.RUnlock()
		return st, true, true, nil
	}
	return h.proto.Handle(ctx)
}

// inlayHintParams is the 3.17 pull request shape; the protocol module
// is 3.16 so the types live here.
type inlayHintParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
	Range        protocol.Range                  `json:"range"`
}

type inlayHint struct {
	Position    protocol.Position `json:"position"`
	Label       string            `json:"label"`
	Kind        int               `json:"kind,omitempty"`
	PaddingLeft bool              `json:"paddingLeft,omitempty"`
}

const inlayHintKindType = 1

// inlayHints emits four hint families over the requested range: end
// labels naming their construct, assignment types from the narrowing
// engine, inferred method return types, and implicit-return markers.
func (s *Server) inlayHints(params *inlayHintParams) []inlayHint {
	uri := params.TextDocument.URI
	st := s.file(uri)
	if st == nil {
		return nil
	}
	lo := s.posToOffset(st.doc, params.Range.Start)
	hi := s.posToOffset(st.doc, params.Range.End)

	se := s.openSession()
	defer se.close()

	var hints []inlayHint
	add := func(offset int, label string, kind int, pad bool) {
		if offset < lo || offset >= hi {
			return
		}
		hints = append(hints, inlayHint{
			Position:    s.offsetToPos(st.doc, offset),
			Label:       label,
			Kind:        kind,
			PaddingLeft: pad,
		})
	}

	parser.Walk(st.res.Root(), func(node *tree_sitter.Node) bool {
		switch node.Kind() {
		case "class", "module", "method", "singleton_method":
			name := node.ChildByFieldName("name")
			if name == nil {
				return true
			}
			sp := s.offsetToPos(st.doc, int(node.StartByte()))
			ep := s.offsetToPos(st.doc, int(node.EndByte()))
			if ep.Line > sp.Line {
				keyword := node.Kind()
				if keyword != "class" && keyword != "module" {
					keyword = "def"
				}
				add(int(node.EndByte()), keyword+" "+parser.NodeText(name, st.res.Source), 0, true)
			}
			if node.Kind() == "method" || node.Kind() == "singleton_method" {
				if last := implicitReturnExpr(node); last != nil {
					add(int(last.EndByte()), "⮐", 0, true)
				}
			}
		case "assignment":
			left := node.ChildByFieldName("left")
			if left == nil || left.Kind() != "identifier" {
				return true
			}
			name := parser.NodeText(left, st.res.Source)
			if t, ok := se.eng.NarrowedType(uri, name, int(node.EndByte())+1); ok {
				add(int(left.EndByte()), ": "+t.Format(se.l), inlayHintKindType, false)
			}
		}
		return true
	})

	if fid, ok := se.l.LookupFile(uri); ok {
		for _, e := range se.l.EntriesInFile(fid) {
			m := e.Method()
			if m == nil || m.Return == nil || m.Origin != index.OriginExplicit {
				continue
			}
			pos := e.NameRange.End
			if node := parser.SmallestNodeAt(st.res.Root(), e.NameRange.Start); node != nil {
				for def := node; def != nil; def = def.Parent() {
					k := def.Kind()
					if k != "method" && k != "singleton_method" {
						continue
					}
					if p := def.ChildByFieldName("parameters"); p != nil {
						pos = int(p.EndByte())
					}
					break
				}
			}
			add(pos, "→ "+m.Return.Format(se.l), inlayHintKindType, true)
		}
	}

	sort.SliceStable(hints, func(i, j int) bool {
		if hints[i].Position.Line != hints[j].Position.Line {
			return hints[i].Position.Line < hints[j].Position.Line
		}
		return hints[i].Position.Character < hints[j].Position.Character
	})
	return hints
}

// implicitReturnExpr returns the last body expression of a def when it
// is the method's value, or nil for an explicit return.
func implicitReturnExpr(def *tree_sitter.Node) *tree_sitter.Node {
	body := def.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	var last *tree_sitter.Node
	for _, c := range parser.NamedChildren(body) {
		if c.Kind() == "comment" {
			continue
		}
		last = c
	}
	if last == nil || last.Kind() == "return" {
		return nil
	}
	return last
}

type debugLookupParams struct {
	URI    string `json:"uri"`
	Offset int    `json:"offset"`
}

type debugLookupResult struct {
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Definitions []string `json:"definitions"`
}

func (s *Server) debugLookup(params *debugLookupParams) *debugLookupResult {
	st := s.file(params.URI)
	if st == nil {
		return nil
	}
	id := locator.At(st.res, st.table, params.Offset)
	if id == nil {
		return nil
	}

	se := s.openSession()
	defer se.close()

	out := &debugLookupResult{}
	switch v := id.(type) {
	case locator.ConstantIdent:
		out.Kind = "constant"
		out.Name = ident.NewNamespace(v.Path...).String()
	case locator.MethodIdent:
		out.Kind = "method"
		out.Name = string(v.Name)
	case locator.VariableIdent:
		out.Kind = v.Kind.String()
		out.Name = v.Name
	}
	for _, loc := range se.r.Definition(params.URI, st.table, id) {
		out.Definitions = append(out.Definitions, loc.URI)
	}
	return out
}

type debugStatsResult struct {
	Index index.Stats `json:"index"`
	Files int         `json:"trackedFiles"`
}

func (s *Server) debugStats() debugStatsResult {
	l := s.index.Lock()
	st := l.Stats()
	l.Unlock()
	s.mu.RLock()
	files := len(s.files)
	s.mu.RUnlock()
	slog.Debug("debug.stats", "entries", st.Entries, "files", files)
	return debugStatsResult{Index: st, Files: files}
}

type debugNameParams struct {
	Name      string `json:"name"`
	Singleton bool   `json:"singleton,omitempty"`
}

func (s *Server) debugAncestors(params *debugNameParams) []string {
	parts, _, err := ident.ParseConstantPath(params.Name)
	if err != nil {
		return nil
	}
	l := s.index.Lock()
	defer l.Unlock()
	fid, ok := l.LookupFQN(ident.NewNamespace(parts...))
	if !ok {
		return nil
	}
	var names []string
	for _, n := range l.MRO(index.NodeRef{FQN: fid, Singleton: params.Singleton}) {
		name := l.FQNString(n.FQN)
		if n.Singleton {
			name = "singleton(" + name + ")"
		}
		names = append(names, name)
	}
	return names
}

func (s *Server) debugMethods(params *debugNameParams) []string {
	parts, _, err := ident.ParseConstantPath(params.Name)
	if err != nil {
		return nil
	}
	l := s.index.Lock()
	defer l.Unlock()
	owner, ok := l.LookupFQN(ident.NewNamespace(parts...))
	if !ok {
		return nil
	}
	var sigs []string
	l.EachDefinition(func(e *index.Entry) bool {
		if m := e.Method(); m != nil && m.Owner == owner {
			sigs = append(sigs, methodSignature(l, e, m))
		}
		return true
	})
	return sigs
}
