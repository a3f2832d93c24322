// Package rtype is the type lattice used by return-type inference and the
// narrowing engine.
package rtype

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/ident"
)

// Kind enumerates the lattice points.
type Kind int

const (
	KUnknown Kind = iota
	KNil
	KBool
	KTrue
	KFalse
	KNumeric
	KInteger
	KFloat
	KString
	KSymbol
	KArray
	KHash
	KClass     // instance of a named class
	KModule    // a named module
	KSingleton // the class object itself
	KUnion
	KSelf
)

// Type is one lattice element. The zero value is Unknown, the top.
type Type struct {
	Kind    Kind
	Elem    *Type        // Array element
	Key     *Type        // Hash key
	Value   *Type        // Hash value
	FQN     ident.FqnID  // Class, Module, Singleton, Self
	Members []Type       // Union, canonicalized: sorted, de-duplicated
}

// Constructors for the common points.
var (
	Unknown = Type{Kind: KUnknown}
	Nil     = Type{Kind: KNil}
	Bool    = Type{Kind: KBool}
	True    = Type{Kind: KTrue}
	False   = Type{Kind: KFalse}
	Numeric = Type{Kind: KNumeric}
	Integer = Type{Kind: KInteger}
	Float   = Type{Kind: KFloat}
	String  = Type{Kind: KString}
	Symbol  = Type{Kind: KSymbol}
)

// ArrayOf builds a parameterized array type.
func ArrayOf(elem Type) Type {
	return Type{Kind: KArray, Elem: &elem}
}

// HashOf builds a parameterized hash type.
func HashOf(key, value Type) Type {
	return Type{Kind: KHash, Key: &key, Value: &value}
}

// ClassInstance builds the type "instance of the class named by fqn".
func ClassInstance(fqn ident.FqnID) Type {
	return Type{Kind: KClass, FQN: fqn}
}

// ModuleRef builds the type of a named module.
func ModuleRef(fqn ident.FqnID) Type {
	return Type{Kind: KModule, FQN: fqn}
}

// Singleton builds the type of the class object itself.
func Singleton(fqn ident.FqnID) Type {
	return Type{Kind: KSingleton, FQN: fqn}
}

// Self builds the self type inside the namespace named by fqn.
func Self(fqn ident.FqnID) Type {
	return Type{Kind: KSelf, FQN: fqn}
}

// IsUnknown reports whether t is the top element.
func (t Type) IsUnknown() bool { return t.Kind == KUnknown }

// key is a canonical ordering/deduplication key.
func (t Type) key() string {
	var b strings.Builder
	t.writeKey(&b)
	return b.String()
}

func (t Type) writeKey(b *strings.Builder) {
	b.WriteByte(byte('a' + t.Kind))
	switch t.Kind {
	case KArray:
		t.Elem.writeKey(b)
	case KHash:
		t.Key.writeKey(b)
		t.Value.writeKey(b)
	case KClass, KModule, KSingleton, KSelf:
		b.WriteString(strconv.FormatUint(uint64(t.FQN), 10))
	case KUnion:
		for _, m := range t.Members {
			m.writeKey(b)
		}
	}
}

// Equal compares two types structurally.
func (t Type) Equal(other Type) bool {
	return t.key() == other.key()
}

// Union joins lattice elements, canonicalizing the result: flattened,
// de-duplicated, sorted; a single-element union collapses to its element.
// Unknown absorbs everything.
func Union(types ...Type) Type {
	var flat []Type
	for _, t := range types {
		switch t.Kind {
		case KUnknown:
			return Unknown
		case KUnion:
			flat = append(flat, t.Members...)
		default:
			flat = append(flat, t)
		}
	}
	seen := map[string]bool{}
	var members []Type
	for _, t := range flat {
		k := t.key()
		if !seen[k] {
			seen[k] = true
			members = append(members, t)
		}
	}
	switch len(members) {
	case 0:
		return Unknown
	case 1:
		return members[0]
	}
	sort.Slice(members, func(i, j int) bool { return members[i].key() < members[j].key() })
	return Type{Kind: KUnion, Members: members}
}

// covers reports whether a, as a lattice point, subsumes b.
func covers(a, b Type) bool {
	if a.Kind == KUnknown {
		return true
	}
	if a.Equal(b) {
		return true
	}
	switch a.Kind {
	case KBool:
		return b.Kind == KTrue || b.Kind == KFalse
	case KNumeric:
		return b.Kind == KInteger || b.Kind == KFloat
	case KArray:
		return b.Kind == KArray && covers(*a.Elem, *b.Elem)
	case KHash:
		return b.Kind == KHash && covers(*a.Key, *b.Key) && covers(*a.Value, *b.Value)
	}
	return false
}

// Intersect keeps the members of t compatible with constraint.
func Intersect(t, constraint Type) Type {
	if t.Kind == KUnknown {
		return constraint
	}
	if constraint.Kind == KUnknown {
		return t
	}
	if t.Kind == KUnion {
		var kept []Type
		for _, m := range t.Members {
			if covers(constraint, m) || covers(m, constraint) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			// Contradictory guard; trust the guard.
			return constraint
		}
		return Union(kept...)
	}
	if covers(constraint, t) {
		return t
	}
	if covers(t, constraint) {
		return constraint
	}
	return constraint
}

// Subtract removes the members of t subsumed by removed.
func Subtract(t, removed Type) Type {
	if t.Kind == KUnknown || removed.Kind == KUnknown {
		return t
	}
	if t.Kind == KUnion {
		var kept []Type
		for _, m := range t.Members {
			if !covers(removed, m) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			return t // removing everything would leave bottom; keep the original
		}
		return Union(kept...)
	}
	if covers(removed, t) {
		return t
	}
	return t
}

// IsCompatibleWith reports whether a value of type t can flow where want is
// expected. Unknown is compatible with everything.
func (t Type) IsCompatibleWith(want Type) bool {
	if t.Kind == KUnknown || want.Kind == KUnknown {
		return true
	}
	if t.Kind == KUnion {
		for _, m := range t.Members {
			if !m.IsCompatibleWith(want) {
				return false
			}
		}
		return true
	}
	if want.Kind == KUnion {
		for _, m := range want.Members {
			if t.IsCompatibleWith(m) {
				return true
			}
		}
		return false
	}
	return covers(want, t)
}

// Includes reports whether t contains member (itself, or a union member).
func (t Type) Includes(member Type) bool {
	if t.Kind == KUnion {
		for _, m := range t.Members {
			if covers(member, m) || m.Equal(member) {
				return true
			}
		}
		return false
	}
	return covers(member, t) || t.Equal(member)
}

// Namer resolves interned FQN ids to display strings.
type Namer interface {
	FQNString(ident.FqnID) string
}

// Format renders the type for hover and inlay hints.
func (t Type) Format(n Namer) string {
	switch t.Kind {
	case KUnknown:
		return "untyped"
	case KNil:
		return "nil"
	case KBool:
		return "bool"
	case KTrue:
		return "true"
	case KFalse:
		return "false"
	case KNumeric:
		return "Numeric"
	case KInteger:
		return "Integer"
	case KFloat:
		return "Float"
	case KString:
		return "String"
	case KSymbol:
		return "Symbol"
	case KArray:
		if t.Elem == nil || t.Elem.IsUnknown() {
			return "Array"
		}
		return "Array<" + t.Elem.Format(n) + ">"
	case KHash:
		if t.Key == nil || (t.Key.IsUnknown() && t.Value.IsUnknown()) {
			return "Hash"
		}
		return "Hash<" + t.Key.Format(n) + ", " + t.Value.Format(n) + ">"
	case KClass, KModule:
		return n.FQNString(t.FQN)
	case KSingleton:
		return "singleton(" + n.FQNString(t.FQN) + ")"
	case KSelf:
		return "self(" + n.FQNString(t.FQN) + ")"
	case KUnion:
		parts := make([]string, len(t.Members))
		for i, m := range t.Members {
			parts[i] = m.Format(n)
		}
		return strings.Join(parts, " | ")
	}
	return "untyped"
}
