package server

import (
	"sort"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

// tokenTypes is the semantic token legend, in index order.
var tokenTypes = []string{
	"namespace",  // 0: module names
	"class",      // 1: class names and constants
	"method",     // 2: method definition names
	"property",   // 3: instance/class variables
	"variable",   // 4: global variables
	"enumMember", // 5: symbols
	"comment",    // 6
	"string",     // 7
	"number",     // 8
}

const (
	tokNamespace = iota
	tokClass
	tokMethod
	tokProperty
	tokVariable
	tokSymbol
	tokComment
	tokString
	tokNumber
)

// tokenModifiers is the modifier legend; bit 0 marks write sites.
var tokenModifiers = []string{"declaration"}

const modDeclaration = 1 << 0

type rawToken struct {
	start int // byte offset
	end   int
	typ   uint32
	mods  uint32
}

func (s *Server) semanticTokensFull(ctx *glsp.Context, params *protocol.SemanticTokensParams) (*protocol.SemanticTokens, error) {
	st := s.file(params.TextDocument.URI)
	if st == nil {
		return nil, nil
	}
	tokens := collectTokens(st.res, st.table)
	return &protocol.SemanticTokens{Data: s.encodeTokens(st, tokens)}, nil
}

func (s *Server) semanticTokensRange(ctx *glsp.Context, params *protocol.SemanticTokensRangeParams) (any, error) {
	st := s.file(params.TextDocument.URI)
	if st == nil {
		return nil, nil
	}
	lo := s.posToOffset(st.doc, params.Range.Start)
	hi := s.posToOffset(st.doc, params.Range.End)

	all := collectTokens(st.res, st.table)
	tokens := all[:0]
	for _, tok := range all {
		if tok.end <= lo || tok.start >= hi {
			continue
		}
		tokens = append(tokens, tok)
	}
	return &protocol.SemanticTokens{Data: s.encodeTokens(st, tokens)}, nil
}

// collectTokens walks the tree picking out the node kinds the legend
// covers, then merges in local-variable occurrences from the table with
// the declaration bit on writes. Multi-line tokens are split per line
// during encoding.
func collectTokens(res *parser.Result, table *scope.LocalTable) []rawToken {
	var tokens []rawToken
	add := func(node *tree_sitter.Node, typ uint32) {
		tokens = append(tokens, rawToken{start: int(node.StartByte()), end: int(node.EndByte()), typ: typ})
	}

	parser.Walk(res.Root(), func(node *tree_sitter.Node) bool {
		switch node.Kind() {
		case "constant":
			typ := uint32(tokClass)
			if p := node.Parent(); p != nil && p.Kind() == "module" {
				typ = tokNamespace
			}
			add(node, typ)
		case "method", "singleton_method":
			if name := node.ChildByFieldName("name"); name != nil {
				add(name, tokMethod)
			}
		case "call":
			// Element access parses as element_reference, never call,
			// so [] and []= stay untokenized.
			if m := node.ChildByFieldName("method"); m != nil && m.Kind() == "identifier" {
				add(m, tokMethod)
			}
		case "instance_variable", "class_variable":
			add(node, tokProperty)
		case "global_variable":
			add(node, tokVariable)
		case "simple_symbol", "hash_key_symbol":
			add(node, tokSymbol)
		case "comment":
			add(node, tokComment)
		case "string", "heredoc_beginning":
			add(node, tokString)
			return false
		case "integer", "float":
			add(node, tokNumber)
		}
		return true
	})

	if table != nil {
		table.EachOccurrence(func(name string, occ scope.Occurrence) {
			tok := rawToken{start: occ.Range.Start, end: occ.Range.End, typ: tokVariable}
			if occ.Write {
				tok.mods = modDeclaration
			}
			tokens = append(tokens, tok)
		})
	}

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].start < tokens[j].start })
	return tokens
}

// encodeTokens produces the LSP delta encoding: five UIntegers per
// token, positions relative to the previous token. Tokens spanning
// lines are emitted once per line.
func (s *Server) encodeTokens(st *fileState, tokens []rawToken) []protocol.UInteger {
	data := make([]protocol.UInteger, 0, len(tokens)*5)
	prevLine, prevChar := 0, 0

	emit := func(line, char, length int, typ, mods uint32) {
		deltaLine := line - prevLine
		deltaChar := char
		if deltaLine == 0 {
			deltaChar = char - prevChar
		}
		data = append(data,
			protocol.UInteger(deltaLine),
			protocol.UInteger(deltaChar),
			protocol.UInteger(length),
			protocol.UInteger(typ),
			protocol.UInteger(mods))
		prevLine, prevChar = line, char
	}

	for _, tok := range tokens {
		start := s.offsetToPos(st.doc, tok.start)
		end := s.offsetToPos(st.doc, tok.end)
		if start.Line == end.Line {
			emit(int(start.Line), int(start.Character), int(end.Character-start.Character), tok.typ, tok.mods)
			continue
		}
		// Split across lines.
		for line := int(start.Line); line <= int(end.Line); line++ {
			lineStart := st.doc.LineStart(line)
			segStart := lineStart
			if line == int(start.Line) {
				segStart = tok.start
			}
			segEnd := tok.end
			if line < int(end.Line) {
				segEnd = st.doc.LineStart(line+1) - 1
			}
			if segEnd <= segStart {
				continue
			}
			sp := s.offsetToPos(st.doc, segStart)
			ep := s.offsetToPos(st.doc, segEnd)
			emit(int(sp.Line), int(sp.Character), int(ep.Character-sp.Character), tok.typ, tok.mods)
		}
	}
	return data
}
