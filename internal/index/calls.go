package index

import (
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
)

// handleCall dispatches the DSL-ish calls that shape the index: mixins,
// attr_* accessors, visibility modifiers, aliases. Anything else becomes a
// plain method-call reference.
func (v *fileVisitor) handleCall(node *tree_sitter.Node) {
	receiver := node.ChildByFieldName("receiver")
	methodNode := node.ChildByFieldName("method")
	args := node.ChildByFieldName("arguments")
	block := node.ChildByFieldName("block")

	bare := receiver == nil || receiver.Kind() == "self"
	name := ""
	if methodNode != nil {
		name = v.text(methodNode)
	}

	if bare {
		switch name {
		case "include", "prepend", "extend":
			v.handleMixinCall(node, name, args)
			v.visitBlockOf(block)
			return
		case "attr_reader", "attr_writer", "attr_accessor":
			v.handleAttrCall(node, name, args)
			return
		case "private", "public", "protected":
			v.handleVisibilityCall(node, name, args)
			return
		case "module_function":
			v.handleModuleFunctionCall(node, args)
			return
		case "private_constant":
			v.handlePrivateConstant(args)
			return
		case "alias_method":
			v.handleAliasMethod(node, args)
			return
		}
	}

	// Plain call: reference to the method, then walk the pieces.
	if methodNode != nil && v.opts.IndexReferences {
		v.refMethodCall(node, receiver, methodNode)
	}
	if receiver != nil {
		v.visit(receiver)
	}
	if args != nil {
		v.visitChildren(args)
	}
	v.visitBlockOf(block)
}

func (v *fileVisitor) visitBlockOf(block *tree_sitter.Node) {
	if block != nil {
		v.visit(block)
	}
}

func mixinKindFor(name string) MixinKind {
	switch name {
	case "prepend":
		return MixinPrepend
	case "extend":
		return MixinExtend
	}
	return MixinInclude
}

func (v *fileVisitor) handleMixinCall(node *tree_sitter.Node, name string, args *tree_sitter.Node) {
	if args == nil {
		return
	}
	ctx := v.currentNS()
	kind := mixinKindFor(name)
	nesting := v.tracker.Nesting()

	for _, arg := range parser.NamedChildren(args) {
		if arg.Kind() != "constant" && arg.Kind() != "scope_resolution" {
			v.visit(arg)
			continue
		}
		parts, abs, ok := v.extractConstantPath(arg)
		if ok && ctx != nil {
			ref := MixinRef{Parts: parts, Absolute: abs}
			if v.opts.IndexDefinitions {
				attachMixin(ctx.data, kind, ref)
			}
			if v.opts.ResolveMixins && ctx.fqn != ident.NoFqn {
				v.l.AddMixinUse(NodeRef{FQN: ctx.fqn}, kind, ref, nesting, v.file)
			}
		}
		if v.opts.IndexReferences {
			v.refConstant(arg)
		}
	}
}

func attachMixin(data EntryData, kind MixinKind, ref MixinRef) {
	switch d := data.(type) {
	case *ClassData:
		switch kind {
		case MixinPrepend:
			d.Prepends = append(d.Prepends, ref)
		case MixinExtend:
			d.Extends = append(d.Extends, ref)
		default:
			d.Includes = append(d.Includes, ref)
		}
	case *ModuleData:
		switch kind {
		case MixinPrepend:
			d.Prepends = append(d.Prepends, ref)
		case MixinExtend:
			d.Extends = append(d.Extends, ref)
		default:
			d.Includes = append(d.Includes, ref)
		}
	}
}

// symbolText extracts "name" from a :name literal argument.
func (v *fileVisitor) symbolText(node *tree_sitter.Node) (string, bool) {
	switch node.Kind() {
	case "simple_symbol":
		return strings.TrimPrefix(v.text(node), ":"), true
	case "string":
		return strings.Trim(v.text(node), `"'`), true
	}
	return "", false
}

func (v *fileVisitor) handleAttrCall(call *tree_sitter.Node, attrKind string, args *tree_sitter.Node) {
	if args == nil || !v.opts.IndexDefinitions {
		return
	}
	nsPath := v.tracker.CurrentNamespace()
	classMethod := v.tracker.InSingleton()
	vis := v.currentVis().vis
	owner := v.l.InternFQN(ident.NewNamespace(nsPath...))

	emit := func(argNode *tree_sitter.Node, methodName string) {
		name, err := ident.NewMethodName(methodName)
		if err != nil {
			return
		}
		var fqn ident.FQN
		if classMethod {
			fqn = ident.NewClassMethod(nsPath, name)
		} else {
			fqn = ident.NewInstanceMethod(nsPath, name)
		}
		var params []Param
		if strings.HasSuffix(methodName, "=") {
			params = []Param{{Name: "value", Kind: ParamRequired}}
		}
		v.l.AddEntry(Entry{
			FQN:       v.l.InternFQN(fqn),
			File:      v.file,
			Range:     v.spanOf(call),
			NameRange: v.spanOf(argNode),
			Kind:      EntryMethod,
			Data: &MethodData{
				Name:             name,
				Params:           params,
				Owner:            owner,
				Visibility:       vis,
				Origin:           OriginAttr,
				OriginVisibility: vis,
			},
		})
	}

	for _, arg := range parser.NamedChildren(args) {
		base, ok := v.symbolText(arg)
		if !ok || base == "" {
			continue
		}
		if attrKind == "attr_reader" || attrKind == "attr_accessor" {
			emit(arg, base)
		}
		if attrKind == "attr_writer" || attrKind == "attr_accessor" {
			emit(arg, base+"=")
		}
	}
}

func (v *fileVisitor) handleVisibilityCall(node *tree_sitter.Node, name string, args *tree_sitter.Node) {
	vis := Public
	switch name {
	case "private":
		vis = Private
	case "protected":
		vis = Protected
	}

	if args == nil {
		// Bare modifier: flips the current visibility for the rest of the body.
		v.currentVis().vis = vis
		return
	}

	for _, arg := range parser.NamedChildren(args) {
		switch arg.Kind() {
		case "method", "singleton_method":
			// `private def foo` — the def inherits the modifier.
			v.pendingVis = &vis
			v.visit(arg)
			v.pendingVis = nil
		case "simple_symbol", "string":
			if sym, ok := v.symbolText(arg); ok {
				v.adjustMethodVisibility(sym, vis)
			}
		default:
			v.visit(arg)
		}
	}
}

// adjustMethodVisibility rewrites the visibility of an already-emitted
// method entry in the current namespace.
func (v *fileVisitor) adjustMethodVisibility(methodName string, vis Visibility) {
	name, err := ident.NewMethodName(methodName)
	if err != nil {
		return
	}
	nsPath := v.tracker.CurrentNamespace()
	for _, fqn := range []ident.FQN{
		ident.NewInstanceMethod(nsPath, name),
		ident.NewClassMethod(nsPath, name),
		ident.NewModuleMethod(nsPath, name),
	} {
		for _, e := range v.l.GetFQN(fqn) {
			if m := e.Method(); m != nil && e.File == v.file {
				m.Visibility = vis
			}
		}
	}
}

func (v *fileVisitor) handleModuleFunctionCall(node *tree_sitter.Node, args *tree_sitter.Node) {
	if args == nil {
		v.currentVis().moduleFunc = true
		return
	}
	for _, arg := range parser.NamedChildren(args) {
		switch arg.Kind() {
		case "method":
			saved := v.currentVis().moduleFunc
			v.currentVis().moduleFunc = true
			v.visit(arg)
			v.currentVis().moduleFunc = saved
		case "simple_symbol", "string":
			if sym, ok := v.symbolText(arg); ok {
				v.promoteToModuleFunction(sym)
			}
		}
	}
}

// promoteToModuleFunction re-keys an instance method as a module method.
func (v *fileVisitor) promoteToModuleFunction(methodName string) {
	if !v.opts.IndexDefinitions {
		return
	}
	name, err := ident.NewMethodName(methodName)
	if err != nil {
		return
	}
	nsPath := v.tracker.CurrentNamespace()
	src := ident.NewInstanceMethod(nsPath, name)
	for _, e := range v.l.GetFQN(src) {
		m := e.Method()
		if m == nil || e.File != v.file {
			continue
		}
		v.l.AddEntry(Entry{
			FQN:       v.l.InternFQN(ident.NewModuleMethod(nsPath, name)),
			File:      v.file,
			Range:     e.Range,
			NameRange: e.NameRange,
			Kind:      EntryMethod,
			Data: &MethodData{
				Name:             m.Name,
				Params:           m.Params,
				Owner:            m.Owner,
				Visibility:       Public,
				Origin:           m.Origin,
				OriginVisibility: m.Visibility,
			},
		})
	}
}

func (v *fileVisitor) handlePrivateConstant(args *tree_sitter.Node) {
	if args == nil || !v.opts.IndexDefinitions {
		return
	}
	nsPath := v.tracker.CurrentNamespace()
	for _, arg := range parser.NamedChildren(args) {
		sym, ok := v.symbolText(arg)
		if !ok {
			continue
		}
		leaf, err := ident.NewConstant(sym)
		if err != nil {
			continue
		}
		fqn := ident.NewConstantFQN(nsPath, leaf)
		for _, e := range v.l.GetFQN(fqn) {
			if cd, isConst := e.Data.(ConstantData); isConst && e.File == v.file {
				cd.Visibility = ConstPrivate
				e.Data = cd
			}
		}
	}
}

func (v *fileVisitor) handleAliasMethod(call *tree_sitter.Node, args *tree_sitter.Node) {
	if args == nil {
		return
	}
	named := parser.NamedChildren(args)
	if len(named) < 2 {
		return
	}
	newName, ok1 := v.symbolText(named[0])
	oldName, ok2 := v.symbolText(named[1])
	if !ok1 || !ok2 {
		return
	}
	v.emitAlias(call, named[0], newName, oldName)
}

func (v *fileVisitor) handleAlias(node *tree_sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	aliasNode := node.ChildByFieldName("alias")
	// Grammar field order: `alias <name> <alias>` aliases <alias> as <name>.
	if nameNode == nil || aliasNode == nil {
		named := parser.NamedChildren(node)
		if len(named) < 2 {
			return
		}
		nameNode, aliasNode = named[0], named[1]
	}
	newName := strings.TrimPrefix(v.text(nameNode), ":")
	oldName := strings.TrimPrefix(v.text(aliasNode), ":")
	v.emitAlias(node, nameNode, newName, oldName)
}

func (v *fileVisitor) emitAlias(site, nameNode *tree_sitter.Node, newName, oldName string) {
	if !v.opts.IndexDefinitions {
		return
	}
	name, err := ident.NewMethodName(newName)
	if err != nil {
		return
	}
	old, err := ident.NewMethodName(oldName)
	if err != nil {
		return
	}

	nsPath := v.tracker.CurrentNamespace()
	classMethod := v.tracker.InSingleton()

	var fqn ident.FQN
	var srcFqn ident.FQN
	if classMethod {
		fqn = ident.NewClassMethod(nsPath, name)
		srcFqn = ident.NewClassMethod(nsPath, old)
	} else {
		fqn = ident.NewInstanceMethod(nsPath, name)
		srcFqn = ident.NewInstanceMethod(nsPath, old)
	}

	// Carry the source's visibility when it is already indexed.
	originVis := v.currentVis().vis
	var params []Param
	for _, e := range v.l.GetFQN(srcFqn) {
		if m := e.Method(); m != nil {
			originVis = m.Visibility
			params = m.Params
			break
		}
	}

	v.l.AddEntry(Entry{
		FQN:       v.l.InternFQN(fqn),
		File:      v.file,
		Range:     v.spanOf(site),
		NameRange: v.spanOf(nameNode),
		Kind:      EntryMethod,
		Data: &MethodData{
			Name:             name,
			Params:           params,
			Owner:            v.l.InternFQN(ident.NewNamespace(nsPath...)),
			Visibility:       v.currentVis().vis,
			Origin:           OriginAlias,
			OriginVisibility: originVis,
		},
	})
}
