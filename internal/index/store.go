package index

import (
	"strings"
	"sync"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
)

// Index is the unlocked handle to the store. All reads and writes go
// through Lock, which returns the handle carrying the methods; code holding
// a *Locked cannot lock again, so nested acquisition is a compile error.
type Index struct {
	mu sync.Mutex
	s  *store
}

// New returns an empty index.
func New() *Index {
	s := &store{
		fqnIDs:    make(map[string]ident.FqnID),
		fqns:      []ident.FQN{{}}, // id 0 reserved
		fileIDs:   make(map[string]FileID),
		uris:      []string{""}, // id 0 reserved
		fqnIndex:  make(map[ident.FqnID][]EntryID),
		fileIndex: make(map[FileID][]EntryID),
	}
	s.graph = newGraph(s)
	return s.wrap()
}

func (s *store) wrap() *Index {
	return &Index{s: s}
}

// Lock acquires the exclusive lock and returns the locked handle.
func (ix *Index) Lock() *Locked {
	ix.mu.Lock()
	return &Locked{ix: ix, s: ix.s}
}

// Locked is the handle holding the lock. Callers must Unlock when done and
// must not retain the handle afterwards.
type Locked struct {
	ix *Index
	s  *store
}

// Unlock releases the lock.
func (l *Locked) Unlock() {
	l.s = nil
	l.ix.mu.Unlock()
}

type entrySlot struct {
	used bool
	e    Entry
}

// store is the single shared mutable state behind the lock: the entry
// slot map, the interners, the secondary maps and the ancestor graph.
type store struct {
	entries []entrySlot
	free    []EntryID

	fqns   []ident.FQN
	fqnIDs map[string]ident.FqnID

	uris    []string
	fileIDs map[string]FileID

	fqnIndex  map[ident.FqnID][]EntryID
	fileIndex map[FileID][]EntryID

	graph *Graph
}

// InternFQN returns the stable id for an FQN, allocating one if needed.
func (l *Locked) InternFQN(f ident.FQN) ident.FqnID {
	key := f.Key()
	if id, ok := l.s.fqnIDs[key]; ok {
		return id
	}
	id := ident.FqnID(len(l.s.fqns))
	l.s.fqns = append(l.s.fqns, f)
	l.s.fqnIDs[key] = id
	return id
}

// LookupFQN returns the id for an FQN without allocating.
func (l *Locked) LookupFQN(f ident.FQN) (ident.FqnID, bool) {
	id, ok := l.s.fqnIDs[f.Key()]
	return id, ok
}

// FQNOf returns the FQN for an interned id.
func (l *Locked) FQNOf(id ident.FqnID) ident.FQN {
	if int(id) >= len(l.s.fqns) {
		return ident.FQN{}
	}
	return l.s.fqns[id]
}

// FQNString implements rtype.Namer.
func (l *Locked) FQNString(id ident.FqnID) string {
	return l.FQNOf(id).String()
}

var _ rtype.Namer = (*Locked)(nil)

// InternFile returns the stable id for a URI, allocating one if needed.
func (l *Locked) InternFile(uri string) FileID {
	if id, ok := l.s.fileIDs[uri]; ok {
		return id
	}
	id := FileID(len(l.s.uris))
	l.s.uris = append(l.s.uris, uri)
	l.s.fileIDs[uri] = id
	return id
}

// LookupFile returns the id for a URI without allocating.
func (l *Locked) LookupFile(uri string) (FileID, bool) {
	id, ok := l.s.fileIDs[uri]
	return id, ok
}

// URIOf returns the URI for an interned file id.
func (l *Locked) URIOf(id FileID) string {
	if int(id) >= len(l.s.uris) {
		return ""
	}
	return l.s.uris[id]
}

// AddEntry appends an entry to the slot map and the secondary maps,
// returning its stable id.
func (l *Locked) AddEntry(e Entry) EntryID {
	var id EntryID
	if n := len(l.s.free); n > 0 {
		id = l.s.free[n-1]
		l.s.free = l.s.free[:n-1]
		e.ID = id
		l.s.entries[id] = entrySlot{used: true, e: e}
	} else {
		id = EntryID(len(l.s.entries))
		e.ID = id
		l.s.entries = append(l.s.entries, entrySlot{used: true, e: e})
	}
	l.s.fqnIndex[e.FQN] = append(l.s.fqnIndex[e.FQN], id)
	l.s.fileIndex[e.File] = append(l.s.fileIndex[e.File], id)
	return id
}

// Entry returns the entry for an id, or nil for a stale id.
func (l *Locked) Entry(id EntryID) *Entry {
	if int(id) >= len(l.s.entries) || !l.s.entries[id].used {
		return nil
	}
	return &l.s.entries[id].e
}

// RemoveByFile drains the file's entries from the slot map and every
// secondary map, and drops the graph edges the file introduced.
// Cost is proportional to the file's entry count.
func (l *Locked) RemoveByFile(file FileID) {
	ids := l.s.fileIndex[file]
	delete(l.s.fileIndex, file)
	for _, id := range ids {
		if !l.s.entries[id].used {
			continue
		}
		fqn := l.s.entries[id].e.FQN
		l.s.entries[id] = entrySlot{}
		l.s.free = append(l.s.free, id)

		bucket := l.s.fqnIndex[fqn]
		for i, b := range bucket {
			if b == id {
				bucket = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(bucket) == 0 {
			delete(l.s.fqnIndex, fqn)
		} else {
			l.s.fqnIndex[fqn] = bucket
		}
	}
	l.s.graph.removeFileEdges(file)
}

// Get returns all entries for an FQN id. Multiple entries per FQN are
// normal: reopened classes, overloads, references.
func (l *Locked) Get(fqn ident.FqnID) []*Entry {
	ids := l.s.fqnIndex[fqn]
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if l.s.entries[id].used {
			out = append(out, &l.s.entries[id].e)
		}
	}
	return out
}

// GetFQN is Get keyed by structural FQN.
func (l *Locked) GetFQN(f ident.FQN) []*Entry {
	id, ok := l.LookupFQN(f)
	if !ok {
		return nil
	}
	return l.Get(id)
}

// Definitions returns the non-reference entries for an FQN id.
func (l *Locked) Definitions(fqn ident.FqnID) []*Entry {
	var out []*Entry
	for _, e := range l.Get(fqn) {
		if e.IsDefinition() {
			out = append(out, e)
		}
	}
	return out
}

// References returns the reference entries for an FQN id.
func (l *Locked) References(fqn ident.FqnID) []*Entry {
	var out []*Entry
	for _, e := range l.Get(fqn) {
		if e.Kind == EntryReference {
			out = append(out, e)
		}
	}
	return out
}

// EntriesByKind filters an FQN's entries by kind.
func (l *Locked) EntriesByKind(fqn ident.FqnID, kind EntryKind) []*Entry {
	var out []*Entry
	for _, e := range l.Get(fqn) {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// EntriesInFile returns the entries tagged with the file id.
func (l *Locked) EntriesInFile(file FileID) []*Entry {
	ids := l.s.fileIndex[file]
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if l.s.entries[id].used {
			out = append(out, &l.s.entries[id].e)
		}
	}
	return out
}

// HasNamespace reports whether an FQN names an indexed class or module.
func (l *Locked) HasNamespace(f ident.FQN) bool {
	for _, e := range l.GetFQN(f) {
		if e.Kind == EntryClass || e.Kind == EntryModule {
			return true
		}
	}
	return false
}

// NamespaceKind returns whether the namespace FQN is a class or module.
func (l *Locked) NamespaceKind(fqn ident.FqnID) (EntryKind, bool) {
	for _, e := range l.Get(fqn) {
		if e.Kind == EntryClass || e.Kind == EntryModule {
			return e.Kind, true
		}
	}
	return 0, false
}

// SetReturnType caches an inferred return type on a method entry.
func (l *Locked) SetReturnType(id EntryID, t rtype.Type) {
	e := l.Entry(id)
	if e == nil {
		return
	}
	if m := e.Method(); m != nil {
		m.Return = &t
	}
}

// Graph returns the ancestor graph. It shares the store's lock; callers
// already hold it by construction.
func (l *Locked) Graph() *Graph {
	return l.s.graph
}

// Location materializes an entry's URI-space location.
func (l *Locked) Location(e *Entry) Location {
	return Location{URI: l.URIOf(e.File), Range: e.NameRange}
}

// EachDefinition calls fn for every definition entry in the store.
func (l *Locked) EachDefinition(fn func(*Entry) bool) {
	for i := range l.s.entries {
		if !l.s.entries[i].used {
			continue
		}
		e := &l.s.entries[i].e
		if !e.IsDefinition() {
			continue
		}
		if !fn(e) {
			return
		}
	}
}

// MatchSymbols returns definition entries whose terminal name contains the
// query, case-insensitively. Used by workspace/symbol.
func (l *Locked) MatchSymbols(query string, limit int) []*Entry {
	q := strings.ToLower(query)
	var out []*Entry
	l.EachDefinition(func(e *Entry) bool {
		switch e.Kind {
		case EntryClass, EntryModule, EntryMethod, EntryConstant:
			name := l.FQNOf(e.FQN).Name()
			if q == "" || strings.Contains(strings.ToLower(name), q) {
				out = append(out, e)
			}
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Stats summarizes the store for the debug surface.
type Stats struct {
	Entries    int `json:"entries"`
	Files      int `json:"files"`
	FQNs       int `json:"fqns"`
	References int `json:"references"`
	GraphNodes int `json:"graphNodes"`
	GraphEdges int `json:"graphEdges"`
	Pending    int `json:"pendingMixins"`
}

// Stats counts live entries and graph size.
func (l *Locked) Stats() Stats {
	st := Stats{
		Files: len(l.s.fileIDs),
		FQNs:  len(l.s.fqnIDs),
	}
	for i := range l.s.entries {
		if !l.s.entries[i].used {
			continue
		}
		st.Entries++
		if l.s.entries[i].e.Kind == EntryReference {
			st.References++
		}
	}
	st.GraphNodes, st.GraphEdges, st.Pending = l.s.graph.size()
	return st
}
