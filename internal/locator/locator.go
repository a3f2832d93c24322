// Package locator turns a cursor offset into a typed identifier: the
// constant path, method call or variable under the cursor, plus the
// lexical context a resolver needs (namespace nesting, singleton state,
// local-variable scope stack).
package locator

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

// Site is the lexical context at the cursor.
type Site struct {
	// Nesting holds the namespace frames outermost to innermost, each as a
	// full constant path. Empty at the top level.
	Nesting [][]ident.Constant
	// InSingleton reports a `class << self` body between the cursor and the
	// innermost namespace.
	InSingleton bool
	// LVStack is the local-variable scope-id stack at the cursor.
	LVStack []int
	// Range covers the located identifier in byte space.
	Range doc.ByteRange
}

// Namespace returns the innermost namespace path, or nil at the top level.
func (s Site) Namespace() []ident.Constant {
	if len(s.Nesting) == 0 {
		return nil
	}
	return s.Nesting[len(s.Nesting)-1]
}

// ReceiverKind classifies what a method call's receiver expression is.
type ReceiverKind int

const (
	ReceiverNone ReceiverKind = iota
	ReceiverSelf
	ReceiverConstant
	ReceiverLocal
	ReceiverInstanceVar
	ReceiverClassVar
	ReceiverGlobalVar
	ReceiverCall
	ReceiverExpr
)

// Receiver describes a call receiver. Parts is set for constant receivers,
// Name for variable receivers and for the method name of call receivers.
type Receiver struct {
	Kind     ReceiverKind
	Parts    []ident.Constant
	Absolute bool
	Name     string
}

// Ident is a located identifier: constant, method or variable.
type Ident interface{ isIdent() }

// ConstantIdent is a constant path at the cursor. Path is the sub-path up
// to and including the clicked segment, so a click on Bar in Foo::Bar::BAZ
// yields [Foo, Bar].
type ConstantIdent struct {
	Site
	Path     []ident.Constant
	Absolute bool
}

// MethodIdent is a method call or definition name at the cursor.
type MethodIdent struct {
	Site
	Name     ident.MethodName
	Receiver Receiver
	// Def marks a definition site (the name in a def).
	Def bool
	// ClassMethod is set for `def self.x` and defs inside `class << self`.
	ClassMethod bool
}

// VariableIdent is a local, instance, class or global variable at the
// cursor. For locals the Site's LVStack drives resolution.
type VariableIdent struct {
	Site
	Kind ident.VarKind
	Name string
}

func (ConstantIdent) isIdent() {}
func (MethodIdent) isIdent()   {}
func (VariableIdent) isIdent() {}

// At locates the identifier at a byte offset. The local table must come
// from the same parse of the document. Returns nil when the offset is not
// on an identifier.
func At(res *parser.Result, table *scope.LocalTable, offset int) Ident {
	node := parser.SmallestNodeAt(res.Root(), offset)
	if node == nil {
		return nil
	}
	site := siteAt(res, table, node, offset)

	switch node.Kind() {
	case "constant":
		return constantAt(res, node, site)
	case "identifier":
		return identifierAt(res, table, node, site)
	case "instance_variable":
		return VariableIdent{Site: site, Kind: ident.VarInstance, Name: parser.NodeText(node, res.Source)}
	case "class_variable":
		return VariableIdent{Site: site, Kind: ident.VarClass, Name: parser.NodeText(node, res.Source)}
	case "global_variable":
		return VariableIdent{Site: site, Kind: ident.VarGlobal, Name: parser.NodeText(node, res.Source)}
	case "self":
		return selfAt(site)
	}

	// Operator method names in defs and calls sit on unnamed tokens.
	if name, ok := operatorTokenAt(res, node); ok {
		return methodNameAt(res, table, node, name, site)
	}
	return nil
}

// siteAt rebuilds the lexical context by walking ancestors.
func siteAt(res *parser.Result, table *scope.LocalTable, node *tree_sitter.Node, offset int) Site {
	s, e := parser.ByteRangeOf(node)
	site := Site{Range: doc.ByteRange{Start: s, End: e}}
	if table != nil {
		site.LVStack = table.ScopeStackAt(offset)
	}

	// Collect namespace segments innermost first, then reverse into
	// cumulative outermost-first frames.
	type frame struct {
		parts     []ident.Constant
		singleton bool
	}
	var frames []frame
	sawNamespace := false
	for n := node.Parent(); n != nil; n = n.Parent() {
		switch n.Kind() {
		case "class", "module":
			nameNode := n.ChildByFieldName("name")
			if nameNode == nil {
				continue
			}
			// The declaration name itself is outside the body's nesting.
			if containsNode(nameNode, node) {
				continue
			}
			parts, _, ok := constantPathOf(res, nameNode)
			if !ok {
				continue
			}
			frames = append(frames, frame{parts: parts})
			sawNamespace = true
		case "singleton_class":
			if v := n.ChildByFieldName("value"); v != nil && v.Kind() == "self" && !sawNamespace {
				site.InSingleton = true
			}
			frames = append(frames, frame{singleton: true})
		}
	}

	var path []ident.Constant
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].singleton {
			continue
		}
		path = append(path, frames[i].parts...)
		site.Nesting = append(site.Nesting, append([]ident.Constant{}, path...))
	}
	return site
}

func containsNode(outer, inner *tree_sitter.Node) bool {
	return outer.StartByte() <= inner.StartByte() && inner.EndByte() <= outer.EndByte()
}

// constantPathOf flattens a constant or scope_resolution node.
func constantPathOf(res *parser.Result, node *tree_sitter.Node) (parts []ident.Constant, absolute bool, ok bool) {
	switch node.Kind() {
	case "constant":
		c, err := ident.NewConstant(parser.NodeText(node, res.Source))
		if err != nil {
			return nil, false, false
		}
		return []ident.Constant{c}, false, true
	case "scope_resolution":
		nameNode := node.ChildByFieldName("name")
		if nameNode == nil {
			return nil, false, false
		}
		leaf, err := ident.NewConstant(parser.NodeText(nameNode, res.Source))
		if err != nil {
			return nil, false, false
		}
		scopeNode := node.ChildByFieldName("scope")
		if scopeNode == nil {
			return []ident.Constant{leaf}, true, true
		}
		prefix, abs, ok := constantPathOf(res, scopeNode)
		if !ok {
			return nil, false, false
		}
		return append(prefix, leaf), abs, true
	}
	return nil, false, false
}

// constantAt climbs a constant-path chain so the returned path ends at the
// clicked segment: Foo::Bar::BAZ at Bar yields [Foo, Bar].
func constantAt(res *parser.Result, node *tree_sitter.Node, site Site) Ident {
	chosen := node
	for p := chosen.Parent(); p != nil && p.Kind() == "scope_resolution"; p = p.Parent() {
		name := p.ChildByFieldName("name")
		if name == nil || name.StartByte() != chosen.StartByte() || name.EndByte() != chosen.EndByte() {
			break
		}
		chosen = p
	}
	parts, abs, ok := constantPathOf(res, chosen)
	if !ok {
		return nil
	}
	return ConstantIdent{Site: site, Path: parts, Absolute: abs}
}

// identifierAt decides between local variable, parameter, method name in a
// def, and receiverless call.
func identifierAt(res *parser.Result, table *scope.LocalTable, node *tree_sitter.Node, site Site) Ident {
	name := parser.NodeText(node, res.Source)
	parent := node.Parent()

	if parent != nil {
		switch parent.Kind() {
		case "method", "singleton_method":
			if fieldIs(parent, "name", node) {
				return methodDefAt(res, parent, node, site)
			}
		case "call":
			if fieldIs(parent, "method", node) {
				return methodCallAt(res, table, parent, node, site)
			}
		}
	}

	if table != nil {
		if _, ok := table.Resolve(site.LVStack, name); ok {
			return VariableIdent{Site: site, Kind: ident.VarLocal, Name: name}
		}
	}

	m, err := ident.NewMethodName(name)
	if err != nil {
		return nil
	}
	recv := Receiver{Kind: ReceiverNone}
	if site.InSingleton {
		return MethodIdent{Site: site, Name: m, Receiver: recv, ClassMethod: true}
	}
	return MethodIdent{Site: site, Name: m, Receiver: recv}
}

func fieldIs(parent *tree_sitter.Node, field string, node *tree_sitter.Node) bool {
	f := parent.ChildByFieldName(field)
	return f != nil && f.StartByte() == node.StartByte() && f.EndByte() == node.EndByte()
}

func methodDefAt(res *parser.Result, def, nameNode *tree_sitter.Node, site Site) Ident {
	m, err := ident.NewMethodName(parser.NodeText(nameNode, res.Source))
	if err != nil {
		return nil
	}
	classMethod := site.InSingleton
	if def.Kind() == "singleton_method" {
		if obj := def.ChildByFieldName("object"); obj != nil && obj.Kind() == "self" {
			classMethod = true
		}
	}
	return MethodIdent{Site: site, Name: m, Receiver: Receiver{Kind: ReceiverSelf}, Def: true, ClassMethod: classMethod}
}

func methodCallAt(res *parser.Result, table *scope.LocalTable, call, nameNode *tree_sitter.Node, site Site) Ident {
	m, err := ident.NewMethodName(parser.NodeText(nameNode, res.Source))
	if err != nil {
		return nil
	}
	return MethodIdent{
		Site:     site,
		Name:     m,
		Receiver: receiverOf(res, table, call.ChildByFieldName("receiver"), site),
	}
}

func receiverOf(res *parser.Result, table *scope.LocalTable, recv *tree_sitter.Node, site Site) Receiver {
	if recv == nil {
		return Receiver{Kind: ReceiverNone}
	}
	switch recv.Kind() {
	case "self":
		return Receiver{Kind: ReceiverSelf}
	case "constant", "scope_resolution":
		parts, abs, ok := constantPathOf(res, recv)
		if ok {
			return Receiver{Kind: ReceiverConstant, Parts: parts, Absolute: abs}
		}
	case "identifier":
		name := parser.NodeText(recv, res.Source)
		if table != nil {
			if _, ok := table.Resolve(site.LVStack, name); ok {
				return Receiver{Kind: ReceiverLocal, Name: name}
			}
		}
		return Receiver{Kind: ReceiverCall, Name: name}
	case "instance_variable":
		return Receiver{Kind: ReceiverInstanceVar, Name: parser.NodeText(recv, res.Source)}
	case "class_variable":
		return Receiver{Kind: ReceiverClassVar, Name: parser.NodeText(recv, res.Source)}
	case "global_variable":
		return Receiver{Kind: ReceiverGlobalVar, Name: parser.NodeText(recv, res.Source)}
	case "call":
		name := ""
		if mn := recv.ChildByFieldName("method"); mn != nil {
			name = parser.NodeText(mn, res.Source)
		}
		return Receiver{Kind: ReceiverCall, Name: name}
	}
	return Receiver{Kind: ReceiverExpr}
}

// selfAt treats a cursor on `self` as a constant identifier for the
// enclosing namespace, so hover and definition land on the class.
func selfAt(site Site) Ident {
	nsPath := site.Namespace()
	if len(nsPath) == 0 {
		return nil
	}
	return ConstantIdent{Site: site, Path: append([]ident.Constant{}, nsPath...), Absolute: true}
}

// operatorTokenAt recognizes operator method names under def and call
// nodes, like `def <=>` or the `[]` in a bracket call definition.
func operatorTokenAt(res *parser.Result, node *tree_sitter.Node) (string, bool) {
	parent := node.Parent()
	if parent == nil {
		return "", false
	}
	switch parent.Kind() {
	case "method", "singleton_method", "call":
	default:
		return "", false
	}
	if !fieldIs(parent, "name", node) && !fieldIs(parent, "method", node) {
		return "", false
	}
	text := parser.NodeText(node, res.Source)
	if _, err := ident.NewMethodName(text); err != nil {
		return "", false
	}
	return text, true
}

func methodNameAt(res *parser.Result, table *scope.LocalTable, node *tree_sitter.Node, name string, site Site) Ident {
	m, err := ident.NewMethodName(name)
	if err != nil {
		return nil
	}
	parent := node.Parent()
	if parent.Kind() == "call" {
		return MethodIdent{
			Site:     site,
			Name:     m,
			Receiver: receiverOf(res, table, parent.ChildByFieldName("receiver"), site),
		}
	}
	return MethodIdent{Site: site, Name: m, Receiver: Receiver{Kind: ReceiverSelf}, Def: true, ClassMethod: site.InSingleton}
}
