package infer

import (
	"sync"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
)

// TypeState maps local variable names to their narrowed types at one
// program point.
type TypeState map[string]rtype.Type

func (s TypeState) clone() TypeState {
	out := make(TypeState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// join is the pointwise lattice union. Names known on only one side join
// with Unknown, which absorbs.
func (s TypeState) join(other TypeState) TypeState {
	out := s.clone()
	for k, v := range other {
		if cur, ok := out[k]; ok {
			out[k] = rtype.Union(cur, v)
		} else {
			out[k] = rtype.Unknown
		}
	}
	for k := range s {
		if _, ok := other[k]; !ok {
			out[k] = rtype.Unknown
		}
	}
	return out
}

func (s TypeState) equal(other TypeState) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || !typesEqual(v, ov) {
			return false
		}
	}
	return true
}

func typesEqual(a, b rtype.Type) bool {
	return a.Equal(b)
}

// methodFlow is the solved dataflow for one method, cached per content
// hash so edits invalidate it.
type methodFlow struct {
	cfg *CFG
	in  []TypeState
}

type flowKey struct {
	uri   string
	hash  uint64
	start int
}

// flowCache survives across requests; entries are keyed by content hash
// so a stale entry is never served, only leaked. EvictFlows reclaims
// them when a file is reindexed or removed.
var flowCache sync.Map // flowKey -> *methodFlow

// EvictFlows drops every cached method flow for the file.
func EvictFlows(uri string) {
	flowCache.Range(func(k, _ any) bool {
		if k.(flowKey).uri == uri {
			flowCache.Delete(k)
		}
		return true
	})
}

// NarrowedType returns the narrowed type of a local variable just before
// the byte offset. False when the variable is not tracked there.
func (e *Engine) NarrowedType(uri, name string, offset int) (rtype.Type, bool) {
	res, _, ok := e.docs.DocResult(uri)
	if !ok {
		return rtype.Unknown, false
	}
	def, body := enclosingMethod(res, offset)
	if body == nil {
		return rtype.Unknown, false
	}
	start := 0
	if def != nil {
		start = int(def.StartByte())
	}

	key := flowKey{uri: uri, hash: res.Hash, start: start}
	var flow *methodFlow
	if v, ok := flowCache.Load(key); ok {
		flow = v.(*methodFlow)
	} else {
		flow = e.solveFlow(uri, res, def, body)
		flowCache.Store(key, flow)
	}

	blockID, ok := flow.cfg.BlockAt(offset)
	if !ok {
		blockID = flow.cfg.Entry
	}
	if flow.in[blockID] == nil {
		return rtype.Unknown, false
	}
	state := flow.in[blockID].clone()
	ev := e.narrowEvaluator(res, def, state)
	for _, stmt := range flow.cfg.Blocks[blockID].Stmts {
		if int(stmt.EndByte()) >= offset {
			break
		}
		applyStmt(ev, state, stmt)
	}
	t, ok := state[name]
	return t, ok
}

// enclosingMethod finds the innermost def containing the offset; for
// top-level code the program node doubles as the body.
func enclosingMethod(res *parser.Result, offset int) (def, body *tree_sitter.Node) {
	n := parser.SmallestNodeAt(res.Root(), offset)
	for ; n != nil; n = n.Parent() {
		switch n.Kind() {
		case "method", "singleton_method":
			return n, n.ChildByFieldName("body")
		}
	}
	return nil, res.Root()
}

func (e *Engine) narrowEvaluator(res *parser.Result, def *tree_sitter.Node, state TypeState) *evaluator {
	owner := ident.NoFqn
	nsPath := enclosingNamespace(res, def)
	if len(nsPath) > 0 {
		if id, ok := e.l.LookupFQN(ident.NewNamespace(nsPath...)); ok {
			owner = id
		}
	}
	return &evaluator{e: e, res: res, owner: owner, nsPath: nsPath, env: state}
}

func enclosingNamespace(res *parser.Result, def *tree_sitter.Node) []ident.Constant {
	if def == nil {
		return nil
	}
	var segs [][]ident.Constant
	for n := def.Parent(); n != nil; n = n.Parent() {
		if n.Kind() == "class" || n.Kind() == "module" {
			if nameNode := n.ChildByFieldName("name"); nameNode != nil {
				if parts, _ := constantParts(nameNode, res.Source); parts != nil {
					segs = append(segs, parts)
				}
			}
		}
	}
	var path []ident.Constant
	for i := len(segs) - 1; i >= 0; i-- {
		path = append(path, segs[i]...)
	}
	return path
}

// solveFlow runs worklist iteration to a fixpoint. The lattice has finite
// height per method and transfers are monotone, so this terminates.
func (e *Engine) solveFlow(uri string, res *parser.Result, def, body *tree_sitter.Node) *methodFlow {
	cfg := BuildCFG(body)
	// nil means unvisited; the entry starts tracked.
	in := make([]TypeState, len(cfg.Blocks))
	in[cfg.Entry] = TypeState{}

	// Parameters start Unknown but tracked.
	if def != nil {
		if params := def.ChildByFieldName("parameters"); params != nil {
			parser.Walk(params, func(n *tree_sitter.Node) bool {
				if n.Kind() == "identifier" {
					in[cfg.Entry][parser.NodeText(n, res.Source)] = rtype.Unknown
				}
				return true
			})
		}
	}

	work := []int{cfg.Entry}
	inWork := make([]bool, len(cfg.Blocks))
	inWork[cfg.Entry] = true
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		inWork[id] = false

		state := in[id].clone()
		ev := e.narrowEvaluator(res, def, state)
		for _, stmt := range cfg.Blocks[id].Stmts {
			applyStmt(ev, state, stmt)
		}

		for _, edge := range cfg.Blocks[id].Succs {
			next := state
			if edge.Guard != nil {
				next = applyGuard(ev, state.clone(), edge)
			}
			var merged TypeState
			if in[edge.To] == nil {
				merged = next.clone()
			} else {
				merged = in[edge.To].join(next)
			}
			if in[edge.To] == nil || !merged.equal(in[edge.To]) {
				in[edge.To] = merged
				if !inWork[edge.To] {
					work = append(work, edge.To)
					inWork[edge.To] = true
				}
			}
		}
	}
	return &methodFlow{cfg: cfg, in: in}
}

// applyStmt interprets assignments inside one statement.
func applyStmt(ev *evaluator, state TypeState, stmt *tree_sitter.Node) {
	parser.Walk(stmt, func(n *tree_sitter.Node) bool {
		switch n.Kind() {
		case "method", "singleton_method", "class", "module", "do_block", "block":
			return false
		case "if", "unless", "while", "until", "case":
			// Nested control flow got its own blocks.
			return false
		case "assignment":
			left := n.ChildByFieldName("left")
			right := n.ChildByFieldName("right")
			if left != nil && right != nil && left.Kind() == "identifier" {
				state[parser.NodeText(left, ev.res.Source)] = ev.eval(right)
			}
		case "operator_assignment":
			left := n.ChildByFieldName("left")
			if left != nil && left.Kind() == "identifier" {
				name := parser.NodeText(left, ev.res.Source)
				if prev, ok := state[name]; ok {
					state[name] = rtype.Union(prev, ev.eval(n.ChildByFieldName("right")))
				}
			}
		}
		return true
	})
}

// applyGuard refines the state along a conditional edge.
func applyGuard(ev *evaluator, state TypeState, edge Edge) TypeState {
	g := edge.Guard
	taken := edge.Kind == EdgeBranchTrue

	if len(g.Patterns) > 0 && g.Subject != nil {
		return applyCaseGuard(ev, state, g, taken)
	}
	if g.Cond == nil {
		return state
	}
	return applyCondGuard(ev, state, g.Cond, taken)
}

func applyCondGuard(ev *evaluator, state TypeState, cond *tree_sitter.Node, taken bool) TypeState {
	switch cond.Kind() {
	case "call":
		return applyCallGuard(ev, state, cond, taken)
	case "binary":
		return applyBinaryGuard(ev, state, cond, taken)
	case "unary":
		op := cond.ChildByFieldName("operator")
		operand := cond.ChildByFieldName("operand")
		if op != nil && operand != nil && parser.NodeText(op, ev.res.Source) == "!" {
			return applyCondGuard(ev, state, operand, !taken)
		}
	case "identifier":
		name := parser.NodeText(cond, ev.res.Source)
		if t, ok := state[name]; ok {
			if taken {
				// Truthy: nil and false are excluded.
				t = rtype.Subtract(t, rtype.Nil)
				t = rtype.Subtract(t, rtype.False)
			} else {
				t = rtype.Intersect(t, rtype.Union(rtype.Nil, rtype.False))
			}
			state[name] = t
		}
	case "parenthesized_statements":
		var inner *tree_sitter.Node
		for i := uint(0); i < cond.NamedChildCount(); i++ {
			if c := cond.NamedChild(i); c != nil {
				inner = c
			}
		}
		if inner != nil {
			return applyCondGuard(ev, state, inner, taken)
		}
	}
	return state
}

// applyCallGuard handles x.nil?, x.is_a?(C) and x.kind_of?(C).
func applyCallGuard(ev *evaluator, state TypeState, call *tree_sitter.Node, taken bool) TypeState {
	recv := call.ChildByFieldName("receiver")
	mn := call.ChildByFieldName("method")
	if recv == nil || mn == nil || recv.Kind() != "identifier" {
		return state
	}
	name := parser.NodeText(recv, ev.res.Source)
	t, tracked := state[name]
	if !tracked {
		return state
	}

	switch parser.NodeText(mn, ev.res.Source) {
	case "nil?":
		if taken {
			state[name] = rtype.Intersect(t, rtype.Nil)
		} else {
			state[name] = rtype.Subtract(t, rtype.Nil)
		}
	case "is_a?", "kind_of?", "instance_of?":
		ct, ok := guardClassType(ev, call)
		if !ok {
			return state
		}
		if taken {
			state[name] = rtype.Intersect(t, ct)
		} else {
			state[name] = rtype.Subtract(t, ct)
		}
	}
	return state
}

// guardClassType resolves the class argument of an is_a? style guard.
func guardClassType(ev *evaluator, call *tree_sitter.Node) (rtype.Type, bool) {
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return rtype.Unknown, false
	}
	arg := args.NamedChild(0)
	if arg == nil {
		return rtype.Unknown, false
	}
	switch arg.Kind() {
	case "constant", "scope_resolution":
		if t, ok := coreGuardType(parser.NodeText(arg, ev.res.Source)); ok {
			return t, true
		}
		if fqn, ok := ev.resolveConstant(arg); ok {
			return rtype.ClassInstance(fqn), true
		}
	}
	return rtype.Unknown, false
}

// coreGuardType maps core class names used in guards straight to lattice
// points.
func coreGuardType(name string) (rtype.Type, bool) {
	switch name {
	case "String":
		return rtype.String, true
	case "Integer":
		return rtype.Integer, true
	case "Float":
		return rtype.Float, true
	case "Numeric":
		return rtype.Numeric, true
	case "Symbol":
		return rtype.Symbol, true
	case "NilClass":
		return rtype.Nil, true
	case "TrueClass":
		return rtype.True, true
	case "FalseClass":
		return rtype.False, true
	case "Array":
		return rtype.ArrayOf(rtype.Unknown), true
	case "Hash":
		return rtype.HashOf(rtype.Unknown, rtype.Unknown), true
	}
	return rtype.Unknown, false
}

// applyBinaryGuard handles comparisons against nil.
func applyBinaryGuard(ev *evaluator, state TypeState, cond *tree_sitter.Node, taken bool) TypeState {
	op := cond.ChildByFieldName("operator")
	left := cond.ChildByFieldName("left")
	right := cond.ChildByFieldName("right")
	if op == nil || left == nil || right == nil {
		return state
	}

	var varNode *tree_sitter.Node
	switch {
	case left.Kind() == "identifier" && right.Kind() == "nil":
		varNode = left
	case right.Kind() == "identifier" && left.Kind() == "nil":
		varNode = right
	default:
		// && narrows along both operands on the true branch.
		if o := parser.NodeText(op, ev.res.Source); (o == "&&" || o == "and") && taken {
			state = applyCondGuard(ev, state, left, true)
			return applyCondGuard(ev, state, right, true)
		}
		return state
	}

	name := parser.NodeText(varNode, ev.res.Source)
	t, tracked := state[name]
	if !tracked {
		return state
	}

	isNil := taken
	if parser.NodeText(op, ev.res.Source) == "!=" {
		isNil = !taken
	}
	if isNil {
		state[name] = rtype.Intersect(t, rtype.Nil)
	} else {
		state[name] = rtype.Subtract(t, rtype.Nil)
	}
	return state
}

// applyCaseGuard narrows the case subject along a when arm with constant
// patterns.
func applyCaseGuard(ev *evaluator, state TypeState, g *Guard, taken bool) TypeState {
	if g.Subject.Kind() != "identifier" {
		return state
	}
	name := parser.NodeText(g.Subject, ev.res.Source)
	t, tracked := state[name]
	if !tracked {
		return state
	}

	var arm rtype.Type
	first := true
	ok := false
	for _, pat := range g.Patterns {
		for i := uint(0); i < pat.NamedChildCount(); i++ {
			c := pat.NamedChild(i)
			if c == nil {
				continue
			}
			var ct rtype.Type
			var got bool
			switch c.Kind() {
			case "constant", "scope_resolution":
				if coret, cok := coreGuardType(parser.NodeText(c, ev.res.Source)); cok {
					ct, got = coret, true
				} else if fqn, rok := ev.resolveConstant(c); rok {
					ct, got = rtype.ClassInstance(fqn), true
				}
			case "nil":
				ct, got = rtype.Nil, true
			}
			if !got {
				return state
			}
			if first {
				arm, first, ok = ct, false, true
			} else {
				arm = rtype.Union(arm, ct)
			}
		}
	}
	if !ok {
		return state
	}
	if taken {
		state[name] = rtype.Intersect(t, arm)
	} else {
		state[name] = rtype.Subtract(t, arm)
	}
	return state
}
