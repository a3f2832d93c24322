package infer

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rbs"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
)

// maxEvalDepth bounds recursive call-chain evaluation.
const maxEvalDepth = 8

// evaluator computes expression types inside one method body. The local
// environment is flow-insensitive: each variable's type is the union over
// its writes.
type evaluator struct {
	e      *Engine
	res    *parser.Result
	owner  ident.FqnID
	nsPath []ident.Constant
	env    map[string]rtype.Type
	depth  int
}

// buildEnv visits assignments in the body, skipping nested defs, and
// unions the written types per variable name.
func (ev *evaluator) buildEnv(body *tree_sitter.Node) {
	parser.Walk(body, func(n *tree_sitter.Node) bool {
		switch n.Kind() {
		case "method", "singleton_method", "class", "module":
			return false
		case "assignment":
			left := n.ChildByFieldName("left")
			right := n.ChildByFieldName("right")
			if left != nil && right != nil && left.Kind() == "identifier" {
				name := parser.NodeText(left, ev.res.Source)
				t := ev.eval(right)
				if prev, ok := ev.env[name]; ok {
					ev.env[name] = rtype.Union(prev, t)
				} else {
					ev.env[name] = t
				}
			}
		}
		return true
	})
}

func (ev *evaluator) text(n *tree_sitter.Node) string {
	return parser.NodeText(n, ev.res.Source)
}

// eval computes the type of one expression. A nil node stands for an
// implicit nil value.
func (ev *evaluator) eval(n *tree_sitter.Node) rtype.Type {
	if n == nil {
		return rtype.Nil
	}
	switch n.Kind() {
	case "integer":
		return rtype.Integer
	case "float":
		return rtype.Float
	case "string", "string_literal", "heredoc_beginning", "chained_string", "bare_string":
		return rtype.String
	case "string_content":
		return rtype.String
	case "simple_symbol", "delimited_symbol", "hash_key_symbol", "bare_symbol":
		return rtype.Symbol
	case "true":
		return rtype.True
	case "false":
		return rtype.False
	case "nil":
		return rtype.Nil
	case "array", "string_array", "symbol_array":
		return ev.evalArray(n)
	case "hash":
		return rtype.HashOf(rtype.Unknown, rtype.Unknown)
	case "range":
		return rtype.Unknown
	case "self":
		return rtype.Self(ev.owner)
	case "identifier":
		if t, ok := ev.env[ev.text(n)]; ok {
			return t
		}
		// Receiverless call.
		return ev.evalCall(nil, ev.text(n), n)
	case "constant", "scope_resolution":
		return ev.evalConstant(n)
	case "call":
		recv := n.ChildByFieldName("receiver")
		mn := n.ChildByFieldName("method")
		if mn == nil {
			return rtype.Unknown
		}
		return ev.evalCall(recv, ev.text(mn), n)
	case "return":
		for i := uint(0); i < n.NamedChildCount(); i++ {
			if c := n.NamedChild(i); c != nil {
				if c.Kind() == "argument_list" {
					if c.NamedChildCount() == 1 {
						return ev.eval(c.NamedChild(0))
					}
					return rtype.Unknown
				}
				return ev.eval(c)
			}
		}
		return rtype.Nil
	case "parenthesized_statements", "then", "argument_list":
		var last *tree_sitter.Node
		for i := uint(0); i < n.NamedChildCount(); i++ {
			if c := n.NamedChild(i); c != nil {
				last = c
			}
		}
		return ev.eval(last)
	case "binary":
		return ev.evalBinary(n)
	case "unary":
		return ev.evalUnary(n)
	case "conditional":
		// Ternary: union of both arms.
		return rtype.Union(
			ev.eval(n.ChildByFieldName("consequence")),
			ev.eval(n.ChildByFieldName("alternative")),
		)
	case "if", "unless", "case", "begin":
		out := rtype.Unknown
		first := true
		for _, tail := range branchTails(n) {
			t := ev.eval(tail)
			if first {
				out, first = t, false
			} else {
				out = rtype.Union(out, t)
			}
		}
		return out
	case "instance_variable", "class_variable", "global_variable":
		return rtype.Unknown
	case "interpolation":
		return rtype.Unknown
	}
	return rtype.Unknown
}

func (ev *evaluator) evalArray(n *tree_sitter.Node) rtype.Type {
	if n.Kind() != "array" {
		return rtype.ArrayOf(rtype.String)
	}
	elem := rtype.Unknown
	first := true
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		t := ev.eval(c)
		if first {
			elem, first = t, false
		} else {
			elem = rtype.Union(elem, t)
		}
	}
	return rtype.ArrayOf(elem)
}

// evalConstant maps a constant read: Singleton for classes and modules,
// a literal type when the constant's indexed value representation is a
// recognizable literal, Unknown otherwise.
func (ev *evaluator) evalConstant(n *tree_sitter.Node) rtype.Type {
	fqn, ok := ev.resolveConstant(n)
	if !ok {
		return rtype.Unknown
	}
	if kind, ok := ev.e.l.NamespaceKind(fqn); ok {
		if kind == index.EntryModule {
			return rtype.ModuleRef(fqn)
		}
		return rtype.Singleton(fqn)
	}
	return rtype.Unknown
}

func (ev *evaluator) resolveConstant(n *tree_sitter.Node) (ident.FqnID, bool) {
	parts, absolute := constantParts(n, ev.res.Source)
	if len(parts) == 0 {
		return ident.NoFqn, false
	}
	try := func(prefix []ident.Constant) (ident.FqnID, bool) {
		full := append(append([]ident.Constant{}, prefix...), parts...)
		if id, ok := ev.e.l.LookupFQN(ident.NewNamespace(full...)); ok && len(ev.e.l.Definitions(id)) > 0 {
			return id, true
		}
		return ident.NoFqn, false
	}
	if !absolute {
		for i := len(ev.nsPath); i > 0; i-- {
			if id, ok := try(ev.nsPath[:i]); ok {
				return id, true
			}
		}
	}
	return try(nil)
}

func constantParts(n *tree_sitter.Node, source []byte) ([]ident.Constant, bool) {
	switch n.Kind() {
	case "constant":
		c, err := ident.NewConstant(parser.NodeText(n, source))
		if err != nil {
			return nil, false
		}
		return []ident.Constant{c}, false
	case "scope_resolution":
		nameNode := n.ChildByFieldName("name")
		if nameNode == nil {
			return nil, false
		}
		leaf, err := ident.NewConstant(parser.NodeText(nameNode, source))
		if err != nil {
			return nil, false
		}
		scopeNode := n.ChildByFieldName("scope")
		if scopeNode == nil {
			return []ident.Constant{leaf}, true
		}
		prefix, abs := constantParts(scopeNode, source)
		if prefix == nil {
			return nil, false
		}
		return append(prefix, leaf), abs
	}
	return nil, false
}

// evalCall types a method call from the receiver type, the indexed method
// table and the core-signature oracle.
func (ev *evaluator) evalCall(recv *tree_sitter.Node, method string, call *tree_sitter.Node) rtype.Type {
	if ev.depth >= maxEvalDepth {
		return rtype.Unknown
	}

	var recvType rtype.Type
	if recv == nil {
		recvType = rtype.Self(ev.owner)
	} else {
		ev.depth++
		recvType = ev.eval(recv)
		ev.depth--
	}

	// Constructor call: X.new is an instance of X.
	if method == "new" && recvType.Kind == rtype.KSingleton {
		return rtype.ClassInstance(recvType.FQN)
	}

	name, err := ident.NewMethodName(method)
	if err != nil {
		return rtype.Unknown
	}

	if t, ok := ev.lookupIndexed(recvType, name); ok {
		return t
	}
	if t, ok := ev.lookupOracle(recvType, method); ok {
		return t
	}
	return rtype.Unknown
}

// lookupIndexed finds the single known return type for name over the
// receiver's MRO. Multiple conflicting known returns yield nothing.
func (ev *evaluator) lookupIndexed(recvType rtype.Type, name ident.MethodName) (rtype.Type, bool) {
	var owners []index.NodeRef
	switch recvType.Kind {
	case rtype.KClass, rtype.KModule:
		owners = ev.e.l.MRO(index.NodeRef{FQN: recvType.FQN})
	case rtype.KSelf:
		owners = ev.e.l.MRO(index.NodeRef{FQN: recvType.FQN})
	case rtype.KSingleton:
		owners = ev.e.l.MRO(index.NodeRef{FQN: recvType.FQN, Singleton: true})
	default:
		return rtype.Unknown, false
	}

	for _, node := range owners {
		path := ev.e.l.FQNOf(node.FQN).Path()
		var fqns []ident.FQN
		if node.Singleton {
			fqns = []ident.FQN{ident.NewClassMethod(path, name), ident.NewModuleMethod(path, name)}
		} else {
			fqns = []ident.FQN{ident.NewInstanceMethod(path, name), ident.NewModuleMethod(path, name)}
		}
		for _, f := range fqns {
			id, ok := ev.e.l.LookupFQN(f)
			if !ok {
				continue
			}
			defs := ev.e.l.Definitions(id)
			if len(defs) == 0 {
				continue
			}
			var found *rtype.Type
			for _, d := range defs {
				m := d.Method()
				if m == nil || m.Return == nil {
					continue
				}
				if found != nil && found.Kind != m.Return.Kind {
					// Conflicting known returns across reopenings.
					return rtype.Unknown, false
				}
				found = m.Return
			}
			if found != nil {
				return *found, true
			}
			// The method exists but its return is not known yet.
			return rtype.Unknown, false
		}
	}
	return rtype.Unknown, false
}

// lookupOracle consults the bundled core signatures.
func (ev *evaluator) lookupOracle(recvType rtype.Type, method string) (rtype.Type, bool) {
	if ev.e.oracle == nil {
		return rtype.Unknown, false
	}
	class, singleton, ok := coreClassOf(recvType, ev.e.l)
	if !ok {
		return rtype.Unknown, false
	}
	ret, ok := ev.e.oracle.MethodReturn(class, method, singleton)
	if !ok {
		return rtype.Unknown, false
	}
	if ret == "self" {
		return recvType, true
	}
	t := rbs.TypeFor(ret, nil)
	if t.Kind == rtype.KUnknown {
		return rtype.Unknown, false
	}
	return t, true
}

// coreClassOf maps a lattice type to the core class name dispatch happens
// on.
func coreClassOf(t rtype.Type, namer rtype.Namer) (string, bool, bool) {
	switch t.Kind {
	case rtype.KString:
		return "String", false, true
	case rtype.KInteger:
		return "Integer", false, true
	case rtype.KFloat:
		return "Float", false, true
	case rtype.KNumeric:
		return "Numeric", false, true
	case rtype.KSymbol:
		return "Symbol", false, true
	case rtype.KNil:
		return "NilClass", false, true
	case rtype.KTrue:
		return "TrueClass", false, true
	case rtype.KFalse:
		return "FalseClass", false, true
	case rtype.KBool:
		return "TrueClass", false, true
	case rtype.KArray:
		return "Array", false, true
	case rtype.KHash:
		return "Hash", false, true
	case rtype.KClass:
		return namer.FQNString(t.FQN), false, true
	case rtype.KSingleton:
		return namer.FQNString(t.FQN), true, true
	}
	return "", false, false
}

func (ev *evaluator) evalBinary(n *tree_sitter.Node) rtype.Type {
	opNode := n.ChildByFieldName("operator")
	left := n.ChildByFieldName("left")
	right := n.ChildByFieldName("right")
	if opNode == nil || left == nil || right == nil {
		return rtype.Unknown
	}
	switch op := ev.text(opNode); op {
	case "==", "!=", "<", ">", "<=", ">=", "===", "=~":
		return rtype.Bool
	case "&&", "and":
		return ev.eval(right)
	case "||", "or":
		return rtype.Union(ev.eval(left), ev.eval(right))
	case "+", "-", "*", "/", "%", "**":
		lt := ev.eval(left)
		rt := ev.eval(right)
		if lt.Kind == rtype.KString && op == "+" {
			return rtype.String
		}
		if lt.Kind == rtype.KInteger && rt.Kind == rtype.KInteger {
			return rtype.Integer
		}
		if lt.Kind == rtype.KFloat || rt.Kind == rtype.KFloat {
			if lt.Kind == rtype.KFloat || lt.Kind == rtype.KInteger {
				return rtype.Float
			}
		}
		// Fall back to the operator as a method on the left operand.
		return ev.evalCall(left, op, n)
	case "<=>":
		return rtype.Union(rtype.Integer, rtype.Nil)
	case "<<":
		return ev.eval(left)
	}
	return rtype.Unknown
}

func (ev *evaluator) evalUnary(n *tree_sitter.Node) rtype.Type {
	opNode := n.ChildByFieldName("operator")
	operand := n.ChildByFieldName("operand")
	if opNode == nil || operand == nil {
		return rtype.Unknown
	}
	switch ev.text(opNode) {
	case "!", "not":
		return rtype.Bool
	case "-", "+":
		return ev.eval(operand)
	}
	return rtype.Unknown
}
