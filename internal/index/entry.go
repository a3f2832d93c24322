// Package index is the semantic index: the entry store with stable IDs,
// FQN and URI interning, the ancestor graph and the two visitor passes
// that populate it.
package index

import (
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
)

// FileID is an interned workspace URI.
type FileID uint32

// EntryID is a stable slot-map handle for an entry.
type EntryID uint32

// Location is an entry position in URI space.
type Location struct {
	URI   string
	Range doc.ByteRange
}

// Visibility is a Ruby method visibility level.
type Visibility int

const (
	Public Visibility = iota
	Private
	Protected
)

func (v Visibility) String() string {
	switch v {
	case Private:
		return "private"
	case Protected:
		return "protected"
	}
	return "public"
}

// MethodOrigin records how a method entry came to exist.
type MethodOrigin int

const (
	OriginExplicit MethodOrigin = iota
	OriginAttr
	OriginAlias
	OriginMixin
	OriginRBS
	OriginDynamic // reserved; dynamic-only methods are never indexed
)

// MixinKind is the call that introduced a mixin edge.
type MixinKind int

const (
	MixinInclude MixinKind = iota
	MixinPrepend
	MixinExtend
)

func (k MixinKind) String() string {
	switch k {
	case MixinPrepend:
		return "prepend"
	case MixinExtend:
		return "extend"
	}
	return "include"
}

// MixinRef is a textual, unresolved mixin edge. It is resolved lazily
// against the namespace nesting at the include site.
type MixinRef struct {
	Parts    []ident.Constant
	Absolute bool
}

func (r MixinRef) String() string {
	s := ""
	if r.Absolute {
		s = "::"
	}
	for i, p := range r.Parts {
		if i > 0 {
			s += "::"
		}
		s += string(p)
	}
	return s
}

// ParamKind tags a method parameter shape.
type ParamKind int

const (
	ParamRequired ParamKind = iota
	ParamOptional
	ParamRest
	ParamKeyword
	ParamKeywordOptional
	ParamKeywordRest
	ParamBlock
)

// Param is one formal parameter of a method entry.
type Param struct {
	Name string
	Kind ParamKind
}

// EntryKind discriminates index entries.
type EntryKind int

const (
	EntryClass EntryKind = iota
	EntryModule
	EntryMethod
	EntryConstant
	EntryInstanceVariable
	EntryClassVariable
	EntryGlobalVariable
	EntryReference
)

func (k EntryKind) String() string {
	switch k {
	case EntryClass:
		return "class"
	case EntryModule:
		return "module"
	case EntryMethod:
		return "method"
	case EntryConstant:
		return "constant"
	case EntryInstanceVariable:
		return "instance variable"
	case EntryClassVariable:
		return "class variable"
	case EntryGlobalVariable:
		return "global variable"
	case EntryReference:
		return "reference"
	}
	return "unknown"
}

// EntryData is the kind-specific payload. Reference entries carry none:
// their location and FQN are the whole payload.
type EntryData interface{ isEntryData() }

// ClassData is the payload of a class entry. Mixin refs stay textual here;
// resolution happens in the ancestor graph.
type ClassData struct {
	Superclass *MixinRef
	Includes   []MixinRef
	Prepends   []MixinRef
	Extends    []MixinRef
}

// ModuleData is the payload of a module entry.
type ModuleData struct {
	Includes []MixinRef
	Prepends []MixinRef
	Extends  []MixinRef
}

// MethodData is the payload of a method entry. Return stays nil until the
// inferrer fills it; an unknown inference result is never stored.
type MethodData struct {
	Name             ident.MethodName
	Params           []Param
	Owner            ident.FqnID
	Visibility       Visibility
	Origin           MethodOrigin
	OriginVisibility Visibility
	Return           *rtype.Type
}

// ConstVisibility is the private_constant marker.
type ConstVisibility int

const (
	ConstPublic ConstVisibility = iota
	ConstPrivate
)

// ConstantData is the payload of a constant entry.
type ConstantData struct {
	ValueRepr  string
	Visibility ConstVisibility
}

// VariableData is the payload of instance/class/global variable entries.
type VariableData struct {
	Name string
}

func (*ClassData) isEntryData()   {}
func (*ModuleData) isEntryData()  {}
func (*MethodData) isEntryData()  {}
func (ConstantData) isEntryData() {}
func (VariableData) isEntryData() {}

// Entry is one indexed declaration or use-site.
type Entry struct {
	ID        EntryID
	FQN       ident.FqnID
	File      FileID
	Range     doc.ByteRange // entire declaration
	NameRange doc.ByteRange // just the name
	Kind      EntryKind
	Data      EntryData
}

// Method returns the method payload, or nil for non-method entries.
func (e *Entry) Method() *MethodData {
	if m, ok := e.Data.(*MethodData); ok {
		return m
	}
	return nil
}

// IsDefinition reports whether the entry is a declaration, not a use-site.
func (e *Entry) IsDefinition() bool {
	return e.Kind != EntryReference
}
