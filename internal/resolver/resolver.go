// Package resolver maps located identifiers to their definitions and
// references, combining index lookup, Ruby constant lookup rules and the
// ancestor graph's method resolution order.
package resolver

import (
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/locator"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

// TypeSource supplies receiver types for variable receivers. Nil disables
// type-driven method resolution; everything else still works.
type TypeSource interface {
	// ReceiverType returns the type of a call receiver at a use site.
	ReceiverType(uri string, recv locator.Receiver, site locator.Site) (rtype.Type, bool)
}

// Resolver answers definition and reference queries against a locked
// index. It is request-scoped: build one per query while holding the lock.
type Resolver struct {
	l     *index.Locked
	types TypeSource
}

func New(l *index.Locked, types TypeSource) *Resolver {
	return &Resolver{l: l, types: types}
}

// Definition resolves an identifier to its definition locations. The local
// table is the table of the identifier's document. An empty result is a
// normal outcome, not an error.
func (r *Resolver) Definition(uri string, table *scope.LocalTable, id locator.Ident) []index.Location {
	switch v := id.(type) {
	case locator.ConstantIdent:
		if fqn, ok := r.ResolveConstant(v); ok {
			return r.locationsOf(r.l.Definitions(fqn))
		}
	case locator.MethodIdent:
		return r.locationsOf(r.MethodEntries(uri, v))
	case locator.VariableIdent:
		return r.variableDefinition(uri, table, v)
	}
	return nil
}

// References resolves an identifier to its use sites, optionally with the
// definitions included. Results are deduplicated by location.
func (r *Resolver) References(uri string, table *scope.LocalTable, id locator.Ident, includeDecl bool) []index.Location {
	var locs []index.Location
	switch v := id.(type) {
	case locator.ConstantIdent:
		if fqn, ok := r.ResolveConstant(v); ok {
			locs = r.locationsOf(r.l.References(fqn))
			if includeDecl {
				locs = append(locs, r.locationsOf(r.l.Definitions(fqn))...)
			}
		}
	case locator.MethodIdent:
		locs = r.methodReferences(uri, v, includeDecl)
	case locator.VariableIdent:
		locs = r.variableReferences(uri, table, v, includeDecl)
	}
	return dedupe(locs)
}

func (r *Resolver) locationsOf(entries []*index.Entry) []index.Location {
	out := make([]index.Location, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.l.Location(e))
	}
	return out
}

func dedupe(locs []index.Location) []index.Location {
	seen := make(map[index.Location]bool, len(locs))
	out := locs[:0]
	for _, loc := range locs {
		if !seen[loc] {
			seen[loc] = true
			out = append(out, loc)
		}
	}
	return out
}

// ResolveConstant applies Ruby constant lookup: the nesting innermost to
// outermost, then the root, then ancestors of the innermost namespace.
func (r *Resolver) ResolveConstant(c locator.ConstantIdent) (ident.FqnID, bool) {
	try := func(prefix []ident.Constant) (ident.FqnID, bool) {
		full := append(append([]ident.Constant{}, prefix...), c.Path...)
		if id, ok := r.lookupNamespaceOrConstant(full); ok {
			return id, true
		}
		return ident.NoFqn, false
	}

	if !c.Absolute {
		for i := len(c.Nesting) - 1; i >= 0; i-- {
			if id, ok := try(c.Nesting[i]); ok {
				return id, true
			}
		}
	}
	if id, ok := try(nil); ok {
		return id, true
	}
	if c.Absolute {
		return ident.NoFqn, false
	}

	// Inherited constants: ancestors of the innermost enclosing namespace.
	ns := c.Namespace()
	if len(ns) == 0 {
		return ident.NoFqn, false
	}
	self, ok := r.l.LookupFQN(ident.NewNamespace(ns...))
	if !ok {
		return ident.NoFqn, false
	}
	for _, anc := range r.l.Ancestors(index.NodeRef{FQN: self}) {
		if anc.Singleton {
			continue
		}
		base := r.l.FQNOf(anc.FQN).Path()
		if id, ok := try(base); ok {
			return id, true
		}
	}
	return ident.NoFqn, false
}

func (r *Resolver) lookupNamespaceOrConstant(full []ident.Constant) (ident.FqnID, bool) {
	if len(full) == 0 {
		return ident.NoFqn, false
	}
	ns := ident.NewNamespace(full...)
	if id, ok := r.l.LookupFQN(ns); ok && len(r.l.Definitions(id)) > 0 {
		return id, true
	}
	cf := ident.NewConstantFQN(full[:len(full)-1], full[len(full)-1])
	if id, ok := r.l.LookupFQN(cf); ok && len(r.l.Definitions(id)) > 0 {
		return id, true
	}
	return ident.NoFqn, false
}

// OwnerSet computes the MRO nodes whose methods a call can dispatch to.
func (r *Resolver) OwnerSet(uri string, m locator.MethodIdent) []index.NodeRef {
	switch m.Receiver.Kind {
	case locator.ReceiverNone, locator.ReceiverSelf:
		ns := m.Namespace()
		if len(ns) == 0 {
			return nil
		}
		self, ok := r.l.LookupFQN(ident.NewNamespace(ns...))
		if !ok {
			return nil
		}
		return r.l.MRO(index.NodeRef{FQN: self, Singleton: m.InSingleton || m.ClassMethod})
	case locator.ReceiverConstant:
		fqn, ok := r.ResolveConstant(locator.ConstantIdent{
			Site:     m.Site,
			Path:     m.Receiver.Parts,
			Absolute: m.Receiver.Absolute,
		})
		if !ok {
			return nil
		}
		return r.l.MRO(index.NodeRef{FQN: fqn, Singleton: true})
	case locator.ReceiverLocal, locator.ReceiverInstanceVar, locator.ReceiverClassVar, locator.ReceiverGlobalVar, locator.ReceiverCall:
		if r.types == nil {
			return nil
		}
		t, ok := r.types.ReceiverType(uri, m.Receiver, m.Site)
		if !ok {
			return nil
		}
		return r.ownersForType(t)
	}
	return nil
}

func (r *Resolver) ownersForType(t rtype.Type) []index.NodeRef {
	switch t.Kind {
	case rtype.KClass, rtype.KModule, rtype.KSelf:
		return r.l.MRO(index.NodeRef{FQN: t.FQN})
	case rtype.KSingleton:
		return r.l.MRO(index.NodeRef{FQN: t.FQN, Singleton: true})
	case rtype.KUnion:
		// A union receiver dispatches into any member.
		var out []index.NodeRef
		for _, m := range t.Members {
			out = append(out, r.ownersForType(m)...)
		}
		return out
	}
	return nil
}

// methodCandidates lists the FQNs a method name can carry on one MRO node.
func methodCandidates(path []ident.Constant, name ident.MethodName, singleton bool) []ident.FQN {
	if singleton {
		return []ident.FQN{
			ident.NewClassMethod(path, name),
			ident.NewModuleMethod(path, name),
		}
	}
	return []ident.FQN{
		ident.NewInstanceMethod(path, name),
		ident.NewModuleMethod(path, name),
	}
}

// MethodEntries resolves a method identifier to its definition entries,
// walking the owner set in MRO order and stopping at the first owner that
// defines the name. With no resolvable owner the whole index is searched
// by name.
func (r *Resolver) MethodEntries(uri string, m locator.MethodIdent) []*index.Entry {
	if m.Def {
		// The cursor is on the definition itself.
		ns := m.Namespace()
		var fqn ident.FQN
		if m.ClassMethod {
			fqn = ident.NewClassMethod(ns, m.Name)
		} else {
			fqn = ident.NewInstanceMethod(ns, m.Name)
		}
		if es := definitionsFQN(r.l, fqn); len(es) > 0 {
			return es
		}
		return definitionsFQN(r.l, ident.NewModuleMethod(ns, m.Name))
	}

	owners := r.OwnerSet(uri, m)
	for _, node := range owners {
		path := r.l.FQNOf(node.FQN).Path()
		for _, fqn := range methodCandidates(path, m.Name, node.Singleton) {
			if es := definitionsFQN(r.l, fqn); len(es) > 0 {
				return es
			}
		}
	}
	if len(owners) > 0 {
		return nil
	}

	// Unknown receiver type: fall back to every definition of the name.
	var out []*index.Entry
	r.l.EachDefinition(func(e *index.Entry) bool {
		if md := e.Method(); md != nil && md.Name == m.Name {
			out = append(out, e)
		}
		return true
	})
	return out
}

func definitionsFQN(l *index.Locked, f ident.FQN) []*index.Entry {
	id, ok := l.LookupFQN(f)
	if !ok {
		return nil
	}
	return l.Definitions(id)
}

func (r *Resolver) methodReferences(uri string, m locator.MethodIdent, includeDecl bool) []index.Location {
	var locs []index.Location

	add := func(f ident.FQN) {
		id, ok := r.l.LookupFQN(f)
		if !ok {
			return
		}
		locs = append(locs, r.locationsOf(r.l.References(id))...)
		if includeDecl {
			locs = append(locs, r.locationsOf(r.l.Definitions(id))...)
		}
	}

	// Name-only key catches calls whose receiver type was unknown at
	// index time.
	add(ident.NewInstanceMethod(nil, m.Name))

	for _, node := range r.OwnerSet(uri, m) {
		path := r.l.FQNOf(node.FQN).Path()
		for _, fqn := range methodCandidates(path, m.Name, node.Singleton) {
			add(fqn)
		}
	}
	if includeDecl {
		for _, e := range r.MethodEntries(uri, m) {
			locs = append(locs, r.l.Location(e))
		}
	}
	return locs
}

func (r *Resolver) variableDefinition(uri string, table *scope.LocalTable, v locator.VariableIdent) []index.Location {
	if v.Kind == ident.VarLocal {
		if table == nil {
			return nil
		}
		scopeID, ok := table.Resolve(v.LVStack, v.Name)
		if !ok {
			return nil
		}
		if occ, ok := table.FirstWrite(scopeID, v.Name); ok {
			return []index.Location{{URI: uri, Range: occ.Range}}
		}
		return nil
	}
	id, ok := r.variableFQN(v)
	if !ok {
		return nil
	}
	return r.locationsOf(r.l.Definitions(id))
}

func (r *Resolver) variableReferences(uri string, table *scope.LocalTable, v locator.VariableIdent, includeDecl bool) []index.Location {
	if v.Kind == ident.VarLocal {
		if table == nil {
			return nil
		}
		scopeID, ok := table.Resolve(v.LVStack, v.Name)
		if !ok {
			return nil
		}
		var locs []index.Location
		for _, occ := range table.Occurrences(scopeID, v.Name) {
			if occ.Write && !includeDecl {
				continue
			}
			locs = append(locs, index.Location{URI: uri, Range: occ.Range})
		}
		return locs
	}
	id, ok := r.variableFQN(v)
	if !ok {
		return nil
	}
	locs := r.locationsOf(r.l.References(id))
	if includeDecl {
		locs = append(locs, r.locationsOf(r.l.Definitions(id))...)
	}
	return locs
}

func (r *Resolver) variableFQN(v locator.VariableIdent) (ident.FqnID, bool) {
	var path []ident.Constant
	if v.Kind != ident.VarGlobal {
		path = v.Namespace()
	}
	return r.l.LookupFQN(ident.NewVariableFQN(path, v.Name))
}
