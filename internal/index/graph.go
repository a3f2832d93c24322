package index

import (
	"log/slog"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
)

// NodeRef names an ancestor-graph node: the instance side or the singleton
// side of a class/module.
type NodeRef struct {
	FQN       ident.FqnID
	Singleton bool
}

type edgeKind int

const (
	edgeSuperclass edgeKind = iota
	edgeInclude
	edgePrepend
)

type graphEdge struct {
	kind   edgeKind
	target NodeRef
	file   FileID
}

// pendingMixin is an unresolved textual mixin edge, retried on every later
// namespace insert until its target appears.
type pendingMixin struct {
	ref     MixinRef
	kind    MixinKind
	nesting [][]ident.Constant
	site    NodeRef
	file    FileID
}

// CycleDiag reports an ancestry cycle detected during linearization.
type CycleDiag struct {
	FQN  ident.FqnID
	File FileID
}

// Graph is the ancestor graph: forward superclass/include/prepend edges,
// reverse edges for global queries, and the MRO cache. It is part of the
// index and shares the index lock; Graph methods must only be reached
// through a *Locked.
type Graph struct {
	s        *store
	forward  map[NodeRef][]graphEdge
	reverse  map[NodeRef][]NodeRef
	pending  []pendingMixin
	version  uint64
	mroCache map[mroKey][]NodeRef
	cycles   map[FileID][]CycleDiag
}

type mroKey struct {
	node    NodeRef
	version uint64
}

func newGraph(s *store) *Graph {
	return &Graph{
		s:        s,
		forward:  make(map[NodeRef][]graphEdge),
		reverse:  make(map[NodeRef][]NodeRef),
		mroCache: make(map[mroKey][]NodeRef),
		cycles:   make(map[FileID][]CycleDiag),
	}
}

func (g *Graph) size() (nodes, edges, pending int) {
	seen := map[NodeRef]bool{}
	for n, es := range g.forward {
		seen[n] = true
		for _, e := range es {
			seen[e.target] = true
		}
		edges += len(es)
	}
	return len(seen), edges, len(g.pending)
}

// bump invalidates every cached linearization. The cache is keyed by
// version, so the old entries could never be served again; dropping them
// here keeps the map from growing with every edge change.
func (g *Graph) bump() {
	g.version++
	clear(g.mroCache)
}

// AddMixinUse records a textual mixin edge observed at an include site and
// tries to resolve it immediately. Unresolved refs are retained and retried
// as later files are indexed.
func (l *Locked) AddMixinUse(site NodeRef, kind MixinKind, ref MixinRef, nesting [][]ident.Constant, file FileID) {
	g := l.s.graph
	pm := pendingMixin{ref: ref, kind: kind, nesting: nesting, site: site, file: file}
	if !l.tryResolveMixin(pm) {
		g.pending = append(g.pending, pm)
	}
	g.bump()
}

// SetSuperclass records a superclass edge; like mixins it may stay pending.
func (l *Locked) SetSuperclass(site NodeRef, ref MixinRef, nesting [][]ident.Constant, file FileID) {
	g := l.s.graph
	pm := pendingMixin{ref: ref, kind: MixinKind(-1), nesting: nesting, site: site, file: file}
	if !l.tryResolveSuper(pm) {
		g.pending = append(g.pending, pm)
	}
	g.bump()
}

// RetryPending re-attempts resolution of every pending textual edge.
// Called after each file's definition pass.
func (l *Locked) RetryPending() {
	g := l.s.graph
	if len(g.pending) == 0 {
		return
	}
	var still []pendingMixin
	for _, pm := range g.pending {
		var ok bool
		if pm.kind == MixinKind(-1) {
			ok = l.tryResolveSuper(pm)
		} else {
			ok = l.tryResolveMixin(pm)
		}
		if !ok {
			still = append(still, pm)
		}
	}
	g.pending = still
	g.bump()
}

// resolveRef walks the nesting stack outward looking for a namespace whose
// FQN combined with the ref's parts is indexed; absolute refs try only the
// root. Returns the resolved namespace id.
func (l *Locked) resolveRef(ref MixinRef, nesting [][]ident.Constant) (ident.FqnID, bool) {
	try := func(prefix []ident.Constant) (ident.FqnID, bool) {
		path := make([]ident.Constant, 0, len(prefix)+len(ref.Parts))
		path = append(path, prefix...)
		path = append(path, ref.Parts...)
		f := ident.NewNamespace(path...)
		if l.HasNamespace(f) {
			id, _ := l.LookupFQN(f)
			return id, true
		}
		return 0, false
	}
	if !ref.Absolute {
		for i := len(nesting) - 1; i >= 0; i-- {
			if id, ok := try(nesting[i]); ok {
				return id, true
			}
		}
	}
	return try(nil)
}

func (l *Locked) tryResolveMixin(pm pendingMixin) bool {
	target, ok := l.resolveRef(pm.ref, pm.nesting)
	if !ok {
		return false
	}
	g := l.s.graph
	site := pm.site
	kind := edgeInclude
	switch pm.kind {
	case MixinPrepend:
		kind = edgePrepend
	case MixinExtend:
		// extend M on C is Singleton(C).includes(Instance(M)).
		site = NodeRef{FQN: pm.site.FQN, Singleton: true}
		kind = edgeInclude
	}
	tgt := NodeRef{FQN: target}
	g.addEdge(site, graphEdge{kind: kind, target: tgt, file: pm.file})
	return true
}

func (l *Locked) tryResolveSuper(pm pendingMixin) bool {
	target, ok := l.resolveRef(pm.ref, pm.nesting)
	if !ok {
		return false
	}
	g := l.s.graph
	g.addEdge(pm.site, graphEdge{kind: edgeSuperclass, target: NodeRef{FQN: target}, file: pm.file})
	return true
}

func (g *Graph) addEdge(from NodeRef, e graphEdge) {
	for _, existing := range g.forward[from] {
		if existing == e {
			return
		}
	}
	g.forward[from] = append(g.forward[from], e)
	g.reverse[e.target] = append(g.reverse[e.target], from)
	g.bump()
}

// removeFileEdges drops every edge tagged with the file, plus its pending
// refs. Reverse edges are rebuilt lazily from the surviving forward set.
func (g *Graph) removeFileEdges(file FileID) {
	changed := false
	for from, edges := range g.forward {
		kept := edges[:0]
		for _, e := range edges {
			if e.file == file {
				changed = true
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(g.forward, from)
		} else {
			g.forward[from] = kept
		}
	}
	var pend []pendingMixin
	for _, pm := range g.pending {
		if pm.file != file {
			pend = append(pend, pm)
		}
	}
	g.pending = pend
	delete(g.cycles, file)

	if changed {
		g.reverse = make(map[NodeRef][]NodeRef, len(g.forward))
		for from, edges := range g.forward {
			for _, e := range edges {
				g.reverse[e.target] = append(g.reverse[e.target], from)
			}
		}
	}
	g.bump()
}

// Children returns the reverse-edge sources pointing at the node:
// subclasses, includers, prependers.
func (l *Locked) Children(node NodeRef) []NodeRef {
	return l.s.graph.reverse[node]
}

// CycleDiags returns cycle diagnostics recorded for a file.
func (l *Locked) CycleDiags(file FileID) []CycleDiag {
	return l.s.graph.cycles[file]
}

// MRO computes the method-resolution order for a node: prepended modules
// first, then the node itself, then included modules (last include wins),
// then the superclass chain. Cycles are broken by the visited set and
// reported once per offending file; the result falls back to DFS order.
// Results are cached per (node, graph version).
//
// This is a depth-first preorder with first-emit-wins dedup, not Ruby's
// C3 linearization. The two agree on single inheritance with simple
// mixins, which covers most code, but can order ancestors differently
// when a module is reachable along several paths: C3 places a shared
// module after everything that depends on it, while this walk keeps the
// position of its first visit. Lookup results only differ when such a
// shared module and a competitor both define the same method.
func (l *Locked) MRO(node NodeRef) []NodeRef {
	g := l.s.graph
	key := mroKey{node: node, version: g.version}
	if cached, ok := g.mroCache[key]; ok {
		return cached
	}

	var order []NodeRef
	emitted := map[NodeRef]bool{}
	onPath := map[NodeRef]bool{}

	var visit func(n NodeRef)
	visit = func(n NodeRef) {
		if onPath[n] {
			// Ancestry cycle: report against the file of the closing edge's
			// first definition entry.
			for _, e := range l.Definitions(n.FQN) {
				g.cycles[e.File] = appendCycle(g.cycles[e.File], CycleDiag{FQN: n.FQN, File: e.File})
				slog.Warn("graph.cycle", "fqn", l.FQNString(n.FQN))
				break
			}
			return
		}
		if emitted[n] {
			return
		}
		onPath[n] = true
		defer func() { onPath[n] = false }()

		var prepends, includes []NodeRef
		var super *NodeRef
		for _, e := range g.forward[n] {
			switch e.kind {
			case edgePrepend:
				prepends = append(prepends, e.target)
			case edgeInclude:
				includes = append(includes, e.target)
			case edgeSuperclass:
				t := e.target
				if n.Singleton {
					t = NodeRef{FQN: e.target.FQN, Singleton: true}
				}
				super = &t
			}
		}
		// For singleton nodes the superclass edge lives on the instance node.
		if super == nil && n.Singleton {
			for _, e := range g.forward[NodeRef{FQN: n.FQN}] {
				if e.kind == edgeSuperclass {
					t := NodeRef{FQN: e.target.FQN, Singleton: true}
					super = &t
					break
				}
			}
		}

		for i := len(prepends) - 1; i >= 0; i-- {
			visit(prepends[i])
		}
		if !emitted[n] {
			emitted[n] = true
			order = append(order, n)
		}
		for i := len(includes) - 1; i >= 0; i-- {
			visit(includes[i])
		}
		if super != nil {
			visit(*super)
		}
	}
	visit(node)

	g.mroCache[mroKey{node: node, version: g.version}] = order
	return order
}

func appendCycle(diags []CycleDiag, d CycleDiag) []CycleDiag {
	for _, existing := range diags {
		if existing == d {
			return diags
		}
	}
	return append(diags, d)
}

// Ancestors returns the MRO minus the node itself.
func (l *Locked) Ancestors(node NodeRef) []NodeRef {
	mro := l.MRO(node)
	if len(mro) > 0 && mro[0] == node {
		return mro[1:]
	}
	return mro
}
