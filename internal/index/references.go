package index

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
)

// refConstant records a use-site of a constant or constant path. The FQN
// is resolved against the lexical nesting when a matching definition
// exists; otherwise the path as written keys the reference so a later
// definition can still find it.
func (v *fileVisitor) refConstant(node *tree_sitter.Node) {
	if !v.opts.IndexReferences {
		return
	}
	parts, absolute, ok := v.extractConstantPath(node)
	if !ok || len(parts) == 0 {
		return
	}

	fqn := v.resolveConstantRef(parts, absolute)
	nameNode := node
	if node.Kind() == "scope_resolution" {
		if n := node.ChildByFieldName("name"); n != nil {
			nameNode = n
		}
	}
	v.l.AddEntry(Entry{
		FQN:       v.l.InternFQN(fqn),
		File:      v.file,
		Range:     v.spanOf(node),
		NameRange: v.spanOf(nameNode),
		Kind:      EntryReference,
	})
}

// resolveConstantRef walks the nesting innermost first, then the root,
// looking for a namespace or constant definition matching the path.
func (v *fileVisitor) resolveConstantRef(parts []ident.Constant, absolute bool) ident.FQN {
	candidate := func(prefix []ident.Constant) (ident.FQN, bool) {
		full := append(append([]ident.Constant{}, prefix...), parts...)
		ns := ident.NewNamespace(full...)
		if v.l.HasNamespace(ns) {
			return ns, true
		}
		cf := ident.NewConstantFQN(full[:len(full)-1], full[len(full)-1])
		if len(v.l.GetFQN(cf)) > 0 {
			return cf, true
		}
		return ident.FQN{}, false
	}

	if !absolute {
		nesting := v.tracker.Nesting()
		for i := len(nesting) - 1; i >= 0; i-- {
			if f, ok := candidate(nesting[i]); ok {
				return f
			}
		}
	}
	if f, ok := candidate(nil); ok {
		return f
	}
	// Unresolved: key by the written path from the root.
	return ident.NewNamespace(parts...)
}

// refIdentifier handles a bare identifier read: a local-variable read when
// the name resolves in the local table, otherwise a receiverless method
// call reference.
func (v *fileVisitor) refIdentifier(node *tree_sitter.Node) {
	name := v.text(node)
	if name == "" {
		return
	}

	// Argument-less visibility modifiers parse as bare identifiers.
	switch name {
	case "private":
		v.currentVis().vis = Private
		return
	case "protected":
		v.currentVis().vis = Protected
		return
	case "public":
		v.currentVis().vis = Public
		return
	case "module_function":
		v.currentVis().moduleFunc = true
		return
	}

	if v.opts.IncludeLocalVars {
		if _, ok := v.table.Resolve(v.tracker.LVStack(), name); ok {
			v.table.Record(v.tracker.CurrentLVScope(), name, v.spanOf(node), false)
			return
		}
	}
	if !v.opts.IndexReferences {
		return
	}

	mname, err := ident.NewMethodName(name)
	if err != nil {
		return
	}
	v.emitMethodRefs(node, node, mname, nil)
}

// refVariable records a use-site of an instance, class or global variable.
func (v *fileVisitor) refVariable(node *tree_sitter.Node, kind ident.VarKind, write bool) {
	if !v.opts.IndexReferences {
		return
	}
	name := v.text(node)
	if err := ident.ValidateVariable(kind, name); err != nil {
		return
	}
	var path []ident.Constant
	if kind != ident.VarGlobal {
		path = v.tracker.CurrentNamespace()
	}
	v.l.AddEntry(Entry{
		FQN:       v.l.InternFQN(ident.NewVariableFQN(path, name)),
		File:      v.file,
		Range:     v.spanOf(node),
		NameRange: v.spanOf(node),
		Kind:      EntryReference,
	})
}

// refMethodCall records a use-site for an explicit call node.
func (v *fileVisitor) refMethodCall(call, receiver, methodNode *tree_sitter.Node) {
	name, err := ident.NewMethodName(v.text(methodNode))
	if err != nil {
		return
	}
	v.emitMethodRefs(call, methodNode, name, receiver)
}

// emitMethodRefs writes the method reference entries for a call site. A
// name-only entry always goes in so rename and find-references can match
// calls whose receiver type is unknown. When the receiver pins down the
// owner a second, precise entry is added.
func (v *fileVisitor) emitMethodRefs(site, nameNode *tree_sitter.Node, name ident.MethodName, receiver *tree_sitter.Node) {
	emit := func(f ident.FQN) {
		v.l.AddEntry(Entry{
			FQN:       v.l.InternFQN(f),
			File:      v.file,
			Range:     v.spanOf(site),
			NameRange: v.spanOf(nameNode),
			Kind:      EntryReference,
		})
	}

	emit(ident.NewInstanceMethod(nil, name))

	if precise, ok := v.preciseMethodFQN(name, receiver); ok {
		emit(precise)
	}
}

// preciseMethodFQN pins a call to an owner FQN when the receiver is
// self, absent, or a constant path that names an indexed namespace.
func (v *fileVisitor) preciseMethodFQN(name ident.MethodName, receiver *tree_sitter.Node) (ident.FQN, bool) {
	if receiver == nil || receiver.Kind() == "self" {
		nsPath := v.tracker.CurrentNamespace()
		if len(nsPath) == 0 {
			return ident.FQN{}, false
		}
		if v.tracker.InSingleton() {
			return ident.NewClassMethod(nsPath, name), true
		}
		return ident.NewInstanceMethod(nsPath, name), true
	}

	switch receiver.Kind() {
	case "constant", "scope_resolution":
		parts, abs, ok := v.extractConstantPath(receiver)
		if !ok {
			return ident.FQN{}, false
		}
		target := v.resolveConstantRef(parts, abs)
		if target.Kind() != ident.KindNamespace || len(target.Path()) == 0 {
			// Value constants do not pin a receiver type here.
			return ident.FQN{}, false
		}
		return ident.NewClassMethod(target.Path(), name), true
	}
	return ident.FQN{}, false
}
