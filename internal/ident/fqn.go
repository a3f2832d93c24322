package ident

import "strings"

// FqnID is an interned FQN handle. IDs are allocated by the index store's
// interner and are stable for the life of the process.
type FqnID uint32

// NoFqn is the zero FqnID, never allocated to a real name.
const NoFqn FqnID = 0

// FqnKind tags the lexical shape of an addressable Ruby entity.
type FqnKind int

const (
	KindNamespace FqnKind = iota
	KindInstanceMethod
	KindClassMethod
	KindModuleMethod
	KindConstant
	KindVariable // instance/class/global variable, addressed by sigiled name
)

func (k FqnKind) String() string {
	switch k {
	case KindNamespace:
		return "namespace"
	case KindInstanceMethod:
		return "instance method"
	case KindClassMethod:
		return "class method"
	case KindModuleMethod:
		return "module method"
	case KindConstant:
		return "constant"
	case KindVariable:
		return "variable"
	}
	return "unknown"
}

// FQN is a fully-qualified name: a constant path plus an optional method or
// constant leaf. Display forms: A::B, A::B#m, A::B.m, A::B::m, A::B::C.
type FQN struct {
	kind    FqnKind
	path    []Constant
	method  MethodName
	leaf    Constant
	varName string
}

// NewNamespace builds the FQN of a class or module.
func NewNamespace(path ...Constant) FQN {
	return FQN{kind: KindNamespace, path: path}
}

// NewInstanceMethod builds the FQN of an instance method A::B#m.
func NewInstanceMethod(path []Constant, m MethodName) FQN {
	return FQN{kind: KindInstanceMethod, path: path, method: m}
}

// NewClassMethod builds the FQN of a singleton-class method A::B.m.
func NewClassMethod(path []Constant, m MethodName) FQN {
	return FQN{kind: KindClassMethod, path: path, method: m}
}

// NewModuleMethod builds the FQN of a module_function-style method A::B::m.
func NewModuleMethod(path []Constant, m MethodName) FQN {
	return FQN{kind: KindModuleMethod, path: path, method: m}
}

// NewConstantFQN builds the FQN of a plain constant A::B::C, where C is the
// constant leaf and path names the enclosing namespace.
func NewConstantFQN(path []Constant, c Constant) FQN {
	return FQN{kind: KindConstant, path: path, leaf: c}
}

// NewVariableFQN addresses an instance, class or global variable by its
// sigiled name within the enclosing namespace (globals carry no path).
func NewVariableFQN(path []Constant, name string) FQN {
	return FQN{kind: KindVariable, path: path, varName: name}
}

// VariableName returns the sigiled variable name; empty unless KindVariable.
func (f FQN) VariableName() string { return f.varName }

// Kind returns the lexical shape of the name.
func (f FQN) Kind() FqnKind { return f.kind }

// Path returns the namespace constant path.
func (f FQN) Path() []Constant { return f.path }

// Method returns the method leaf; empty unless Kind is a method kind.
func (f FQN) Method() MethodName { return f.method }

// ConstantLeaf returns the constant leaf; empty unless Kind is KindConstant.
func (f FQN) ConstantLeaf() Constant { return f.leaf }

// IsMethod reports whether the FQN names a method.
func (f FQN) IsMethod() bool {
	return f.kind == KindInstanceMethod || f.kind == KindClassMethod || f.kind == KindModuleMethod
}

// Name returns the terminal segment: the method, the constant leaf, or the
// last path segment for namespaces.
func (f FQN) Name() string {
	switch f.kind {
	case KindConstant:
		return string(f.leaf)
	case KindVariable:
		return f.varName
	case KindNamespace:
		if len(f.path) == 0 {
			return ""
		}
		return string(f.path[len(f.path)-1])
	default:
		return string(f.method)
	}
}

func joinPath(path []Constant) string {
	segs := make([]string, len(path))
	for i, c := range path {
		segs[i] = string(c)
	}
	return strings.Join(segs, "::")
}

// String renders the canonical display form.
func (f FQN) String() string {
	ns := joinPath(f.path)
	switch f.kind {
	case KindNamespace:
		return ns
	case KindInstanceMethod:
		return ns + "#" + string(f.method)
	case KindClassMethod:
		return ns + "." + string(f.method)
	case KindModuleMethod:
		return ns + "::" + string(f.method)
	case KindConstant:
		if ns == "" {
			return string(f.leaf)
		}
		return ns + "::" + string(f.leaf)
	case KindVariable:
		if ns == "" {
			return f.varName
		}
		return ns + "::" + f.varName
	}
	return ns
}

// Key returns a hashable representation unique per (kind, path, leaf).
// The display form alone is ambiguous for operator module methods.
func (f FQN) Key() string {
	var b strings.Builder
	b.WriteByte(byte('0' + f.kind))
	b.WriteByte('|')
	b.WriteString(joinPath(f.path))
	b.WriteByte('|')
	switch {
	case f.IsMethod():
		b.WriteString(string(f.method))
	case f.kind == KindVariable:
		b.WriteString(f.varName)
	default:
		b.WriteString(string(f.leaf))
	}
	return b.String()
}

// Namespace returns the FQN of the enclosing namespace.
func (f FQN) Namespace() FQN {
	if f.kind == KindNamespace {
		if len(f.path) == 0 {
			return NewNamespace()
		}
		return NewNamespace(f.path[:len(f.path)-1]...)
	}
	return NewNamespace(f.path...)
}

// Child returns the namespace FQN extended by one constant segment.
func (f FQN) Child(c Constant) FQN {
	path := make([]Constant, 0, len(f.path)+1)
	path = append(path, f.path...)
	return NewNamespace(append(path, c)...)
}

// Equal compares two FQNs structurally.
func (f FQN) Equal(other FQN) bool {
	return f.Key() == other.Key()
}
