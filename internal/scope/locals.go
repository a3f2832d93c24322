package scope

import "github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"

// LocalScope is one lexical local-variable region.
type LocalScope struct {
	ID     int
	Kind   LVKind
	Range  doc.ByteRange
	Parent int // -1 for the top-level scope
}

// Occurrence is one read or write of a local variable.
type Occurrence struct {
	Range doc.ByteRange
	Write bool
}

type localKey struct {
	scope int
	name  string
}

// LocalTable holds the local-variable scopes and occurrences of a single
// document. It lives on the document record, never in the global index, and
// is dropped wholesale when the document closes.
type LocalTable struct {
	scopes      []LocalScope
	occurrences map[localKey][]Occurrence
}

// NewLocalTable returns an empty table.
func NewLocalTable() *LocalTable {
	return &LocalTable{occurrences: make(map[localKey][]Occurrence)}
}

func (t *LocalTable) newScope(kind LVKind, r doc.ByteRange, parent int) int {
	id := len(t.scopes)
	t.scopes = append(t.scopes, LocalScope{ID: id, Kind: kind, Range: r, Parent: parent})
	return id
}

// Scope returns the scope record for an id.
func (t *LocalTable) Scope(id int) LocalScope {
	return t.scopes[id]
}

// ScopeCount returns the number of scopes.
func (t *LocalTable) ScopeCount() int { return len(t.scopes) }

// Record adds a read or write occurrence of name in the given scope.
func (t *LocalTable) Record(scopeID int, name string, r doc.ByteRange, write bool) {
	k := localKey{scope: scopeID, name: name}
	t.occurrences[k] = append(t.occurrences[k], Occurrence{Range: r, Write: write})
}

// declaredIn reports whether name has any occurrence directly in the scope.
func (t *LocalTable) declaredIn(scopeID int, name string) bool {
	_, ok := t.occurrences[localKey{scope: scopeID, name: name}]
	return ok
}

// Resolve walks the scope stack from innermost outward, stopping after the
// first hard boundary, and returns the id of the scope declaring name.
func (t *LocalTable) Resolve(stack []int, name string) (int, bool) {
	for i := len(stack) - 1; i >= 0; i-- {
		id := stack[i]
		if t.declaredIn(id, name) {
			return id, true
		}
		if t.scopes[id].Kind.Hard() {
			break
		}
	}
	return 0, false
}

// Occurrences returns the recorded occurrences of name in the scope.
func (t *LocalTable) Occurrences(scopeID int, name string) []Occurrence {
	return t.occurrences[localKey{scope: scopeID, name: name}]
}

// FirstWrite returns the earliest write occurrence of name in the scope.
func (t *LocalTable) FirstWrite(scopeID int, name string) (Occurrence, bool) {
	var best Occurrence
	found := false
	for _, occ := range t.occurrences[localKey{scope: scopeID, name: name}] {
		if !occ.Write {
			continue
		}
		if !found || occ.Range.Start < best.Range.Start {
			best = occ
			found = true
		}
	}
	return best, found
}

// EachOccurrence visits every recorded occurrence of every local.
func (t *LocalTable) EachOccurrence(fn func(name string, occ Occurrence)) {
	for k, occs := range t.occurrences {
		for _, occ := range occs {
			fn(k.name, occ)
		}
	}
}

// NamesVisible collects the variable names reachable from the scope stack,
// walking soft boundaries up to and including the first hard one,
// deduplicating by name. Used by completion.
func (t *LocalTable) NamesVisible(stack []int) []string {
	seen := map[string]bool{}
	var names []string
	stopped := false
	for i := len(stack) - 1; i >= 0 && !stopped; i-- {
		id := stack[i]
		for k := range t.occurrences {
			if k.scope == id && !seen[k.name] {
				seen[k.name] = true
				names = append(names, k.name)
			}
		}
		if t.scopes[id].Kind.Hard() {
			stopped = true
		}
	}
	return names
}

// ScopeStackAt rebuilds the scope-id stack for a byte offset by walking the
// scope tree. Used when resolving a cursor position outside a traversal.
func (t *LocalTable) ScopeStackAt(offset int) []int {
	if len(t.scopes) == 0 {
		return nil
	}
	// Deepest scope containing the offset wins; ties break to the later
	// (inner) scope since children are appended after parents.
	best := 0
	for _, s := range t.scopes {
		if s.Range.Contains(offset) && s.Range.Start >= t.scopes[best].Range.Start {
			best = s.ID
		}
	}
	var stack []int
	for id := best; id != -1; id = t.scopes[id].Parent {
		stack = append([]int{id}, stack...)
	}
	return stack
}
