package index

import (
	"log/slog"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

// ProcessingOptions selects which passes the visitor runs.
type ProcessingOptions struct {
	IndexDefinitions bool
	IndexReferences  bool
	ResolveMixins    bool
	IncludeLocalVars bool
}

// AllPasses enables everything.
var AllPasses = ProcessingOptions{
	IndexDefinitions: true,
	IndexReferences:  true,
	ResolveMixins:    true,
	IncludeLocalVars: true,
}

// DefinitionsOnly runs just the definition pass plus mixin recording.
var DefinitionsOnly = ProcessingOptions{
	IndexDefinitions: true,
	ResolveMixins:    true,
}

// ReferencesOnly runs just the reference pass and local-variable edges.
var ReferencesOnly = ProcessingOptions{
	IndexReferences:  true,
	IncludeLocalVars: true,
}

// visState is one visibility frame: the "current" visibility flipped by
// bare private/public/protected, and the module_function flag.
type visState struct {
	vis        Visibility
	moduleFunc bool
}

// nsContext tracks the innermost class/module payload so include calls in
// the body can attach their mixin refs.
type nsContext struct {
	fqn  ident.FqnID
	data EntryData // *ClassData or *ModuleData, nil when the name was invalid
}

type fileVisitor struct {
	l       *Locked
	file    FileID
	uri     string
	source  []byte
	opts    ProcessingOptions
	tracker *scope.Tracker
	table   *scope.LocalTable

	visStack []visState
	nsStack  []nsContext

	// pendingVis overrides the visibility of the next def, for the
	// `private def foo` form.
	pendingVis *Visibility
}

// ProcessFile runs the configured passes over one parsed document. The
// caller holds the index lock and has already removed the file's stale
// entries. The local table collects this document's variable occurrences.
func ProcessFile(l *Locked, uri string, res *parser.Result, table *scope.LocalTable, opts ProcessingOptions) {
	v := &fileVisitor{
		l:       l,
		file:    l.InternFile(uri),
		uri:     uri,
		source:  res.Source,
		opts:    opts,
		table:   table,
		tracker: scope.NewTracker(table, len(res.Source)),
	}
	v.visStack = append(v.visStack, visState{vis: Public})
	v.visit(res.Root())
}

func (v *fileVisitor) spanOf(node *tree_sitter.Node) doc.ByteRange {
	s, e := parser.ByteRangeOf(node)
	return doc.ByteRange{Start: s, End: e}
}

func (v *fileVisitor) text(node *tree_sitter.Node) string {
	return parser.NodeText(node, v.source)
}

func (v *fileVisitor) currentVis() *visState {
	return &v.visStack[len(v.visStack)-1]
}

func (v *fileVisitor) visitChildren(node *tree_sitter.Node) {
	for i := uint(0); i < node.NamedChildCount(); i++ {
		if c := node.NamedChild(i); c != nil {
			v.visit(c)
		}
	}
}

func (v *fileVisitor) visit(node *tree_sitter.Node) {
	switch node.Kind() {
	case "class":
		v.handleNamespace(node, EntryClass)
	case "module":
		v.handleNamespace(node, EntryModule)
	case "singleton_class":
		v.handleSingletonClass(node)
	case "method":
		v.handleMethod(node, nil)
	case "singleton_method":
		v.handleMethod(node, node.ChildByFieldName("object"))
	case "assignment":
		v.handleAssignment(node)
	case "operator_assignment":
		v.handleOperatorAssignment(node)
	case "call":
		v.handleCall(node)
	case "alias":
		v.handleAlias(node)
	case "constant", "scope_resolution":
		v.refConstant(node)
	case "identifier":
		v.refIdentifier(node)
	case "instance_variable":
		v.refVariable(node, ident.VarInstance, false)
	case "class_variable":
		v.refVariable(node, ident.VarClass, false)
	case "global_variable":
		v.refVariable(node, ident.VarGlobal, false)
	case "do_block", "block":
		v.handleBlock(node)
	case "rescue":
		v.handleRescue(node)
	default:
		v.visitChildren(node)
	}
}

// extractConstantPath flattens a constant or scope_resolution node into
// validated path segments.
func (v *fileVisitor) extractConstantPath(node *tree_sitter.Node) (parts []ident.Constant, absolute bool, ok bool) {
	switch node.Kind() {
	case "constant":
		c, err := ident.NewConstant(v.text(node))
		if err != nil {
			slog.Debug("index.skip_invalid_constant", "uri", v.uri, "name", v.text(node))
			return nil, false, false
		}
		return []ident.Constant{c}, false, true
	case "scope_resolution":
		nameNode := node.ChildByFieldName("name")
		if nameNode == nil {
			return nil, false, false
		}
		leaf, err := ident.NewConstant(v.text(nameNode))
		if err != nil {
			slog.Debug("index.skip_invalid_constant", "uri", v.uri, "name", v.text(nameNode))
			return nil, false, false
		}
		scopeNode := node.ChildByFieldName("scope")
		if scopeNode == nil {
			// `::Foo` — rooted at Object.
			return []ident.Constant{leaf}, true, true
		}
		prefix, abs, ok := v.extractConstantPath(scopeNode)
		if !ok {
			return nil, false, false
		}
		return append(prefix, leaf), abs, true
	}
	return nil, false, false
}

// nsPathFor computes the full constant path of a declaration name given
// the current nesting.
func (v *fileVisitor) nsPathFor(parts []ident.Constant, absolute bool) []ident.Constant {
	if absolute {
		return parts
	}
	enclosing := v.tracker.CurrentNamespace()
	path := make([]ident.Constant, 0, len(enclosing)+len(parts))
	path = append(path, enclosing...)
	return append(path, parts...)
}

func (v *fileVisitor) handleNamespace(node *tree_sitter.Node, kind EntryKind) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		v.visitChildren(node)
		return
	}
	parts, absolute, ok := v.extractConstantPath(nameNode)

	ctx := nsContext{}
	if ok {
		path := v.nsPathFor(parts, absolute)
		fqn := ident.NewNamespace(path...)
		ctx.fqn = v.l.InternFQN(fqn)

		if v.opts.IndexDefinitions {
			var data EntryData
			if kind == EntryClass {
				data = &ClassData{}
			} else {
				data = &ModuleData{}
			}
			ctx.data = data
			v.l.AddEntry(Entry{
				FQN:       ctx.fqn,
				File:      v.file,
				Range:     v.spanOf(node),
				NameRange: v.spanOf(nameNode),
				Kind:      kind,
				Data:      data,
			})
		}
	}

	v.tracker.PushNamespace(parts)
	nesting := v.tracker.Nesting()

	// Superclass expression, when present and textual.
	if kind == EntryClass {
		if sc := node.ChildByFieldName("superclass"); sc != nil {
			v.handleSuperclass(sc, ctx, nesting)
		}
	}

	v.visStack = append(v.visStack, visState{vis: Public})
	v.nsStack = append(v.nsStack, ctx)
	v.tracker.PushLVScope(scope.LVConstant, v.spanOf(node))

	if body := node.ChildByFieldName("body"); body != nil {
		v.visitChildren(body)
	}

	v.tracker.PopLVScope()
	v.nsStack = v.nsStack[:len(v.nsStack)-1]
	v.visStack = v.visStack[:len(v.visStack)-1]
	v.tracker.PopFrame()
}

func (v *fileVisitor) currentNS() *nsContext {
	if len(v.nsStack) == 0 {
		return nil
	}
	return &v.nsStack[len(v.nsStack)-1]
}

func (v *fileVisitor) handleSuperclass(sc *tree_sitter.Node, ctx nsContext, nesting [][]ident.Constant) {
	// The superclass node wraps the expression after `<`.
	var expr *tree_sitter.Node
	for i := uint(0); i < sc.NamedChildCount(); i++ {
		expr = sc.NamedChild(i)
	}
	if expr == nil {
		return
	}
	switch expr.Kind() {
	case "constant", "scope_resolution":
		parts, abs, ok := v.extractConstantPath(expr)
		if !ok {
			return
		}
		ref := MixinRef{Parts: parts, Absolute: abs}
		if cd, isClass := ctx.data.(*ClassData); isClass {
			cd.Superclass = &ref
		}
		if v.opts.ResolveMixins && ctx.fqn != ident.NoFqn {
			v.l.SetSuperclass(NodeRef{FQN: ctx.fqn}, ref, nesting, v.file)
		}
		if v.opts.IndexReferences {
			v.refConstant(expr)
		}
	default:
		// Dynamic superclass (Struct.new, Class.new): walk it for references.
		v.visit(expr)
	}
}

func (v *fileVisitor) handleSingletonClass(node *tree_sitter.Node) {
	value := node.ChildByFieldName("value")
	isSelf := value != nil && value.Kind() == "self"
	if isSelf {
		v.tracker.PushSingleton()
	}
	v.tracker.PushLVScope(scope.LVConstant, v.spanOf(node))
	if body := node.ChildByFieldName("body"); body != nil {
		v.visitChildren(body)
	}
	v.tracker.PopLVScope()
	if isSelf {
		v.tracker.PopFrame()
	}
}

func (v *fileVisitor) handleMethod(node *tree_sitter.Node, object *tree_sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name, err := ident.NewMethodName(v.text(nameNode))
	if err != nil {
		slog.Debug("index.skip_invalid_method", "uri", v.uri, "name", v.text(nameNode))
		v.visitMethodBody(node)
		return
	}

	nsPath := v.tracker.CurrentNamespace()
	classMethod := v.tracker.InSingleton()
	skip := false
	if object != nil {
		switch object.Kind() {
		case "self":
			classMethod = true
		case "constant", "scope_resolution":
			if parts, abs, ok := v.extractConstantPath(object); ok {
				nsPath = v.nsPathFor(parts, abs)
				classMethod = true
			} else {
				skip = true
			}
		default:
			// def obj.foo — per-object singleton, not addressable.
			skip = true
		}
	}

	if v.opts.IndexDefinitions && !skip {
		vis := v.currentVis().vis
		if v.pendingVis != nil {
			vis = *v.pendingVis
		}

		var fqn ident.FQN
		switch {
		case classMethod:
			fqn = ident.NewClassMethod(nsPath, name)
		case v.currentVis().moduleFunc:
			fqn = ident.NewModuleMethod(nsPath, name)
		default:
			fqn = ident.NewInstanceMethod(nsPath, name)
		}

		owner := v.l.InternFQN(ident.NewNamespace(nsPath...))
		v.l.AddEntry(Entry{
			FQN:       v.l.InternFQN(fqn),
			File:      v.file,
			Range:     v.spanOf(node),
			NameRange: v.spanOf(nameNode),
			Kind:      EntryMethod,
			Data: &MethodData{
				Name:             name,
				Params:           v.parseParams(node.ChildByFieldName("parameters")),
				Owner:            owner,
				Visibility:       vis,
				Origin:           OriginExplicit,
				OriginVisibility: vis,
			},
		})
	}

	v.visitMethodBody(node)
}

func (v *fileVisitor) visitMethodBody(node *tree_sitter.Node) {
	v.tracker.PushLVScope(scope.LVMethod, v.spanOf(node))
	if v.opts.IncludeLocalVars {
		v.recordParamBindings(node.ChildByFieldName("parameters"))
	}
	if body := node.ChildByFieldName("body"); body != nil {
		v.visitChildren(body)
	}
	v.tracker.PopLVScope()
}

func (v *fileVisitor) parseParams(params *tree_sitter.Node) []Param {
	if params == nil {
		return nil
	}
	var out []Param
	for _, p := range parser.NamedChildren(params) {
		switch p.Kind() {
		case "identifier":
			out = append(out, Param{Name: v.text(p), Kind: ParamRequired})
		case "optional_parameter":
			if n := p.ChildByFieldName("name"); n != nil {
				out = append(out, Param{Name: v.text(n), Kind: ParamOptional})
			}
		case "keyword_parameter":
			if n := p.ChildByFieldName("name"); n != nil {
				kind := ParamKeyword
				if p.ChildByFieldName("value") != nil {
					kind = ParamKeywordOptional
				}
				out = append(out, Param{Name: v.text(n), Kind: kind})
			}
		case "splat_parameter":
			name := ""
			if n := p.ChildByFieldName("name"); n != nil {
				name = v.text(n)
			}
			out = append(out, Param{Name: name, Kind: ParamRest})
		case "hash_splat_parameter":
			name := ""
			if n := p.ChildByFieldName("name"); n != nil {
				name = v.text(n)
			}
			out = append(out, Param{Name: name, Kind: ParamKeywordRest})
		case "block_parameter":
			name := ""
			if n := p.ChildByFieldName("name"); n != nil {
				name = v.text(n)
			}
			out = append(out, Param{Name: name, Kind: ParamBlock})
		}
	}
	return out
}

// recordParamBindings marks every named parameter as a write in the
// current (method or block) scope.
func (v *fileVisitor) recordParamBindings(params *tree_sitter.Node) {
	if params == nil {
		return
	}
	scopeID := v.tracker.CurrentLVScope()
	var record func(n *tree_sitter.Node)
	record = func(n *tree_sitter.Node) {
		if n.Kind() == "identifier" {
			v.table.Record(scopeID, v.text(n), v.spanOf(n), true)
			return
		}
		for i := uint(0); i < n.NamedChildCount(); i++ {
			if c := n.NamedChild(i); c != nil {
				record(c)
			}
		}
	}
	record(params)
}

func (v *fileVisitor) handleBlock(node *tree_sitter.Node) {
	v.tracker.PushLVScope(scope.LVBlock, v.spanOf(node))
	if v.opts.IncludeLocalVars {
		v.recordParamBindings(node.ChildByFieldName("parameters"))
	}
	if body := node.ChildByFieldName("body"); body != nil {
		v.visitChildren(body)
	} else {
		// Brace blocks put statements directly under the node.
		for i := uint(0); i < node.NamedChildCount(); i++ {
			c := node.NamedChild(i)
			if c != nil && c.Kind() != "block_parameters" {
				v.visit(c)
			}
		}
	}
	v.tracker.PopLVScope()
}

func (v *fileVisitor) handleRescue(node *tree_sitter.Node) {
	v.tracker.PushLVScope(scope.LVRescue, v.spanOf(node))
	if v.opts.IncludeLocalVars {
		if ev := node.ChildByFieldName("variable"); ev != nil {
			for i := uint(0); i < ev.NamedChildCount(); i++ {
				if c := ev.NamedChild(i); c != nil && c.Kind() == "identifier" {
					v.table.Record(v.tracker.CurrentLVScope(), v.text(c), v.spanOf(c), true)
				}
			}
		}
	}
	if exceptions := node.ChildByFieldName("exceptions"); exceptions != nil {
		v.visit(exceptions)
	}
	if body := node.ChildByFieldName("body"); body != nil {
		v.visitChildren(body)
	}
	v.tracker.PopLVScope()
}

func (v *fileVisitor) handleAssignment(node *tree_sitter.Node) {
	left := node.ChildByFieldName("left")
	right := node.ChildByFieldName("right")
	if left != nil {
		v.handleAssignTarget(left, right)
	}
	if right != nil {
		v.visit(right)
	}
}

func (v *fileVisitor) handleAssignTarget(left, right *tree_sitter.Node) {
	switch left.Kind() {
	case "constant", "scope_resolution":
		v.defineConstant(left, right)
	case "identifier":
		if v.opts.IncludeLocalVars {
			v.table.Record(v.tracker.CurrentLVScope(), v.text(left), v.spanOf(left), true)
		}
	case "instance_variable":
		v.defineVariable(left, ident.VarInstance)
	case "class_variable":
		v.defineVariable(left, ident.VarClass)
	case "global_variable":
		v.defineVariable(left, ident.VarGlobal)
	case "left_assignment_list", "destructured_left_assignment":
		for i := uint(0); i < left.NamedChildCount(); i++ {
			if c := left.NamedChild(i); c != nil {
				v.handleAssignTarget(c, nil)
			}
		}
	case "rest_assignment":
		for i := uint(0); i < left.NamedChildCount(); i++ {
			if c := left.NamedChild(i); c != nil {
				v.handleAssignTarget(c, nil)
			}
		}
	default:
		// element/attribute assignment — walk for references.
		v.visit(left)
	}
}

func (v *fileVisitor) handleOperatorAssignment(node *tree_sitter.Node) {
	left := node.ChildByFieldName("left")
	if left != nil {
		// Compound assignment both reads and writes the target.
		if left.Kind() == "identifier" && v.opts.IncludeLocalVars {
			v.table.Record(v.tracker.CurrentLVScope(), v.text(left), v.spanOf(left), false)
			v.table.Record(v.tracker.CurrentLVScope(), v.text(left), v.spanOf(left), true)
		} else {
			v.handleAssignTarget(left, nil)
		}
	}
	if right := node.ChildByFieldName("right"); right != nil {
		v.visit(right)
	}
}

func (v *fileVisitor) defineConstant(nameNode, valueNode *tree_sitter.Node) {
	if !v.opts.IndexDefinitions {
		return
	}
	parts, absolute, ok := v.extractConstantPath(nameNode)
	if !ok || len(parts) == 0 {
		return
	}
	full := v.nsPathFor(parts, absolute)
	leaf := full[len(full)-1]
	fqn := ident.NewConstantFQN(full[:len(full)-1], leaf)

	repr := ""
	if valueNode != nil {
		repr = v.text(valueNode)
		if len(repr) > 64 {
			repr = repr[:64] + "…"
		}
	}
	v.l.AddEntry(Entry{
		FQN:       v.l.InternFQN(fqn),
		File:      v.file,
		Range:     v.spanOf(nameNode),
		NameRange: v.spanOf(nameNode),
		Kind:      EntryConstant,
		Data:      ConstantData{ValueRepr: repr},
	})
}

func (v *fileVisitor) defineVariable(node *tree_sitter.Node, kind ident.VarKind) {
	if !v.opts.IndexDefinitions {
		return
	}
	name := v.text(node)
	if err := ident.ValidateVariable(kind, name); err != nil {
		slog.Debug("index.skip_invalid_variable", "uri", v.uri, "name", name)
		return
	}
	var path []ident.Constant
	if kind != ident.VarGlobal {
		path = v.tracker.CurrentNamespace()
	}
	entryKind := EntryInstanceVariable
	switch kind {
	case ident.VarClass:
		entryKind = EntryClassVariable
	case ident.VarGlobal:
		entryKind = EntryGlobalVariable
	}
	v.l.AddEntry(Entry{
		FQN:       v.l.InternFQN(ident.NewVariableFQN(path, name)),
		File:      v.file,
		Range:     v.spanOf(node),
		NameRange: v.spanOf(node),
		Kind:      entryKind,
		Data:      VariableData{Name: name},
	})
}
