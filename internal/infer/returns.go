// Package infer computes method return types and flow-sensitive local
// variable types. Return inference is flow-insensitive over the tail
// expression set of each method; narrowing runs a dataflow analysis over
// a per-method control-flow graph.
package infer

import (
	"log/slog"
	"sort"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rbs"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

// DocSource hands the engine parsed documents by URI.
type DocSource interface {
	DocResult(uri string) (*parser.Result, *scope.LocalTable, bool)
}

// fixpointPasses bounds re-inference over call-graph cycles.
const fixpointPasses = 3

// Stats counts one inference run, for the debug surface.
type Stats struct {
	Methods  int `json:"methods"`
	Inferred int `json:"inferred"`
	Passes   int `json:"passes"`
}

// Engine infers method return types against a locked index.
type Engine struct {
	l      *index.Locked
	docs   DocSource
	oracle *rbs.Catalog // nil disables core-signature lookups
}

func NewEngine(l *index.Locked, docs DocSource, oracle *rbs.Catalog) *Engine {
	return &Engine{l: l, docs: docs, oracle: oracle}
}

// InferAll fills unset return types on every explicit method entry.
// Methods are visited callees-first where the call graph allows; cycles
// are retried for a bounded number of passes.
func (e *Engine) InferAll() Stats {
	var pending []*index.Entry
	e.l.EachDefinition(func(entry *index.Entry) bool {
		if m := entry.Method(); m != nil && m.Return == nil && m.Origin == index.OriginExplicit {
			pending = append(pending, entry)
		}
		return true
	})

	st := Stats{Methods: len(pending)}
	order := e.calleeFirst(pending)

	for pass := 0; pass < fixpointPasses; pass++ {
		st.Passes = pass + 1
		changed := false
		for _, entry := range order {
			m := entry.Method()
			if m == nil || m.Return != nil {
				continue
			}
			t := e.InferMethod(entry)
			if t.Kind != rtype.KUnknown {
				e.l.SetReturnType(entry.ID, t)
				st.Inferred++
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	slog.Debug("infer.done", "methods", st.Methods, "inferred", st.Inferred, "passes", st.Passes)
	return st
}

// calleeFirst orders methods so that, where the (name-keyed, best-effort)
// call graph is acyclic, callees come before callers.
func (e *Engine) calleeFirst(entries []*index.Entry) []*index.Entry {
	byName := map[ident.MethodName][]int{}
	for i, entry := range entries {
		byName[entry.Method().Name] = append(byName[entry.Method().Name], i)
	}

	deps := make([][]int, len(entries))
	indeg := make([]int, len(entries))
	for i, entry := range entries {
		def := e.defNode(entry)
		if def == nil {
			continue
		}
		res, _, _ := e.docOf(entry)
		seen := map[int]bool{}
		parser.Walk(def, func(n *tree_sitter.Node) bool {
			if n.Kind() != "call" {
				return true
			}
			mn := n.ChildByFieldName("method")
			if mn == nil {
				return true
			}
			name, err := ident.NewMethodName(parser.NodeText(mn, res.Source))
			if err != nil {
				return true
			}
			for _, j := range byName[name] {
				if j != i && !seen[j] {
					seen[j] = true
					deps[j] = append(deps[j], i)
					indeg[i]++
				}
			}
			return true
		})
	}

	var queue []int
	for i := range entries {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	sort.Ints(queue)

	var order []*index.Entry
	done := make([]bool, len(entries))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		done[i] = true
		order = append(order, entries[i])
		for _, j := range deps[i] {
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	// Cycle members keep their original order at the end.
	for i := range entries {
		if !done[i] {
			order = append(order, entries[i])
		}
	}
	return order
}

func (e *Engine) docOf(entry *index.Entry) (*parser.Result, *scope.LocalTable, bool) {
	if e.docs == nil {
		return nil, nil, false
	}
	return e.docs.DocResult(e.l.URIOf(entry.File))
}

// defNode finds the def node backing a method entry.
func (e *Engine) defNode(entry *index.Entry) *tree_sitter.Node {
	res, _, ok := e.docOf(entry)
	if !ok {
		return nil
	}
	n := parser.SmallestNodeAt(res.Root(), entry.NameRange.Start)
	for ; n != nil; n = n.Parent() {
		if n.Kind() == "method" || n.Kind() == "singleton_method" {
			s, end := parser.ByteRangeOf(n)
			if s == entry.Range.Start && end == entry.Range.End {
				return n
			}
		}
	}
	return nil
}

// InferMethod computes the return type of one method entry, Unknown when
// nothing can be said.
func (e *Engine) InferMethod(entry *index.Entry) rtype.Type {
	res, _, ok := e.docOf(entry)
	if !ok {
		return rtype.Unknown
	}
	def := e.defNode(entry)
	if def == nil {
		return rtype.Unknown
	}
	body := def.ChildByFieldName("body")
	if body == nil {
		// An empty def returns nil.
		return rtype.Nil
	}

	ownerPath := e.l.FQNOf(entry.Method().Owner).Path()
	ev := &evaluator{
		e:      e,
		res:    res,
		owner:  entry.Method().Owner,
		nsPath: ownerPath,
		env:    map[string]rtype.Type{},
		depth:  0,
	}
	ev.buildEnv(body)

	tails := tailExpressions(body)
	if len(tails) == 0 {
		return rtype.Nil
	}
	out := rtype.Unknown
	first := true
	for _, tail := range tails {
		t := ev.eval(tail)
		if first {
			out = t
			first = false
		} else {
			out = rtype.Union(out, t)
		}
	}
	return out
}

// tailExpressions collects the expressions whose value a method body can
// produce: the final statement, every branch of a terminal conditional,
// and all return targets.
func tailExpressions(body *tree_sitter.Node) []*tree_sitter.Node {
	var tails []*tree_sitter.Node

	var last *tree_sitter.Node
	for i := uint(0); i < body.NamedChildCount(); i++ {
		if c := body.NamedChild(i); c != nil {
			last = c
		}
	}
	if last != nil {
		tails = append(tails, branchTails(last)...)
	}

	// Explicit returns anywhere in the body, skipping nested defs.
	parser.Walk(body, func(n *tree_sitter.Node) bool {
		switch n.Kind() {
		case "method", "singleton_method", "class", "module", "lambda":
			return false
		case "return":
			tails = append(tails, n)
			return false
		}
		return true
	})
	return tails
}

// branchTails unfolds a terminal statement into its value-producing leaves.
func branchTails(n *tree_sitter.Node) []*tree_sitter.Node {
	switch n.Kind() {
	case "if", "unless", "elsif":
		var out []*tree_sitter.Node
		covered := false
		if cons := n.ChildByFieldName("consequence"); cons != nil {
			out = append(out, blockTails(cons)...)
		}
		if alt := n.ChildByFieldName("alternative"); alt != nil {
			covered = true
			out = append(out, branchTails(alt)...)
		}
		if !covered {
			// A one-armed conditional can fall through to nil.
			out = append(out, nil)
		}
		return out
	case "else":
		return blockTails(n)
	case "case":
		var out []*tree_sitter.Node
		hasElse := false
		for i := uint(0); i < n.NamedChildCount(); i++ {
			c := n.NamedChild(i)
			if c == nil {
				continue
			}
			switch c.Kind() {
			case "when", "in_clause":
				out = append(out, blockTails(c)...)
			case "else":
				hasElse = true
				out = append(out, blockTails(c)...)
			}
		}
		if !hasElse {
			out = append(out, nil)
		}
		return out
	case "begin":
		var out []*tree_sitter.Node
		var lastStmt *tree_sitter.Node
		for i := uint(0); i < n.NamedChildCount(); i++ {
			c := n.NamedChild(i)
			if c == nil {
				continue
			}
			switch c.Kind() {
			case "rescue", "else", "ensure":
				if c.Kind() == "rescue" || c.Kind() == "else" {
					if b := c.ChildByFieldName("body"); b != nil {
						out = append(out, blockTails(b)...)
					} else {
						out = append(out, blockTails(c)...)
					}
				}
			default:
				lastStmt = c
			}
		}
		if lastStmt != nil {
			out = append(out, branchTails(lastStmt)...)
		}
		return out
	case "while", "until", "for":
		// Loop values are nil unless broken with a value; approximate nil.
		return []*tree_sitter.Node{nil}
	}
	return []*tree_sitter.Node{n}
}

// blockTails takes the last value-producing child of a clause.
func blockTails(n *tree_sitter.Node) []*tree_sitter.Node {
	var last *tree_sitter.Node
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		switch c.Kind() {
		case "pattern", "then":
			if c.Kind() == "then" {
				var inner *tree_sitter.Node
				for j := uint(0); j < c.NamedChildCount(); j++ {
					if cc := c.NamedChild(j); cc != nil {
						inner = cc
					}
				}
				if inner != nil {
					last = inner
				}
			}
		default:
			last = c
		}
	}
	if last == nil {
		return []*tree_sitter.Node{nil}
	}
	return branchTails(last)
}
