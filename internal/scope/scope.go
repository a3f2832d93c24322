// Package scope tracks the namespace-frame stack and lexical
// local-variable scopes during AST traversal.
package scope

import (
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
)

// FrameKind distinguishes namespace frames from the singleton-shift marker
// pushed by `class << self`.
type FrameKind int

const (
	FrameNamespace FrameKind = iota
	FrameSingleton
)

// Frame is one record on the namespace stack. A namespace frame carries the
// constant-path segments it contributed; a singleton frame carries none.
type Frame struct {
	Kind FrameKind
	Path []ident.Constant
}

// LVKind tags a local-variable scope. Method and Constant scopes are hard
// boundaries: variable resolution stops there. The rest are soft.
type LVKind int

const (
	LVTopLevel LVKind = iota
	LVConstant
	LVMethod
	LVBlock
	LVRescue
	LVExplicitBlockLocal
)

// Hard reports whether the scope kind stops outward variable resolution.
func (k LVKind) Hard() bool {
	return k == LVMethod || k == LVConstant
}

func (k LVKind) String() string {
	switch k {
	case LVTopLevel:
		return "top-level"
	case LVConstant:
		return "constant"
	case LVMethod:
		return "method"
	case LVBlock:
		return "block"
	case LVRescue:
		return "rescue"
	case LVExplicitBlockLocal:
		return "block-local"
	}
	return "unknown"
}

// Tracker maintains the two stacks during a single AST traversal. It is not
// safe for concurrent use; each visitor owns one.
type Tracker struct {
	frames  []Frame
	lvStack []int
	table   *LocalTable
}

// NewTracker returns a tracker with an implicit top-level LV scope covering
// the whole document.
func NewTracker(table *LocalTable, docLen int) *Tracker {
	t := &Tracker{table: table}
	top := table.newScope(LVTopLevel, doc.ByteRange{Start: 0, End: docLen}, -1)
	t.lvStack = append(t.lvStack, top)
	return t
}

// Table returns the local-variable table the tracker writes to.
func (t *Tracker) Table() *LocalTable { return t.table }

// PushNamespace enters a class/module declaration contributing the given
// constant-path segments.
func (t *Tracker) PushNamespace(path []ident.Constant) {
	t.frames = append(t.frames, Frame{Kind: FrameNamespace, Path: path})
}

// PushSingleton enters a `class << self` body.
func (t *Tracker) PushSingleton() {
	t.frames = append(t.frames, Frame{Kind: FrameSingleton})
}

// PopFrame leaves the innermost namespace or singleton frame.
func (t *Tracker) PopFrame() {
	if len(t.frames) > 0 {
		t.frames = t.frames[:len(t.frames)-1]
	}
}

// CurrentNamespace concatenates the namespace frames into a constant path.
// Singleton frames contribute nothing to the path.
func (t *Tracker) CurrentNamespace() []ident.Constant {
	var path []ident.Constant
	for _, f := range t.frames {
		if f.Kind == FrameNamespace {
			path = append(path, f.Path...)
		}
	}
	return path
}

// InSingleton reports whether a singleton frame sits above the innermost
// namespace frame, which shifts `def` into class-method position.
func (t *Tracker) InSingleton() bool {
	for i := len(t.frames) - 1; i >= 0; i-- {
		switch t.frames[i].Kind {
		case FrameSingleton:
			return true
		case FrameNamespace:
			return false
		}
	}
	return false
}

// Nesting returns the namespace paths from outermost to innermost, one per
// namespace frame. Constant resolution walks this outward.
func (t *Tracker) Nesting() [][]ident.Constant {
	var out [][]ident.Constant
	var acc []ident.Constant
	for _, f := range t.frames {
		if f.Kind != FrameNamespace {
			continue
		}
		acc = append(acc, f.Path...)
		snapshot := make([]ident.Constant, len(acc))
		copy(snapshot, acc)
		out = append(out, snapshot)
	}
	return out
}

// PushLVScope enters a local-variable scope and returns its id.
func (t *Tracker) PushLVScope(kind LVKind, r doc.ByteRange) int {
	parent := -1
	if len(t.lvStack) > 0 {
		parent = t.lvStack[len(t.lvStack)-1]
	}
	id := t.table.newScope(kind, r, parent)
	t.lvStack = append(t.lvStack, id)
	return id
}

// PopLVScope leaves the innermost local-variable scope.
func (t *Tracker) PopLVScope() {
	if len(t.lvStack) > 1 {
		t.lvStack = t.lvStack[:len(t.lvStack)-1]
	}
}

// CurrentLVScope returns the innermost scope id.
func (t *Tracker) CurrentLVScope() int {
	return t.lvStack[len(t.lvStack)-1]
}

// LVStack returns a snapshot of the scope-id stack, outermost first.
func (t *Tracker) LVStack() []int {
	out := make([]int, len(t.lvStack))
	copy(out, t.lvStack)
	return out
}
