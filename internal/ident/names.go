// Package ident defines validated Ruby name wrappers and the
// fully-qualified-name type every index entry is addressed by.
package ident

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Constant is a validated Ruby constant segment (class, module or plain
// constant name). It never contains "::".
type Constant string

// MethodName is a validated Ruby method name, including operator methods
// and names with a trailing ?, ! or =.
type MethodName string

// VarKind distinguishes the four Ruby variable sigils.
type VarKind int

const (
	VarLocal VarKind = iota
	VarInstance
	VarClass
	VarGlobal
)

func (k VarKind) String() string {
	switch k {
	case VarLocal:
		return "local variable"
	case VarInstance:
		return "instance variable"
	case VarClass:
		return "class variable"
	case VarGlobal:
		return "global variable"
	}
	return "variable"
}

// operatorMethods are the method names Ruby allows that are not identifiers.
var operatorMethods = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true, "**": true,
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"<=>": true, "===": true, "=~": true, "!~": true, "<<": true, ">>": true,
	"[]": true, "[]=": true, "+@": true, "-@": true, "!": true, "~": true,
	"&": true, "|": true, "^": true,
}

// specialGlobals are the punctuation globals ($1..$9 are handled separately).
var specialGlobals = map[string]bool{
	"$&": true, "$`": true, "$'": true, "$+": true, "$!": true, "$@": true,
	"$~": true, "$=": true, "$/": true, "$\\": true, "$;": true, "$,": true,
	"$.": true, "$<": true, "$>": true, "$_": true, "$0": true, "$*": true,
	"$$": true, "$?": true, "$:": true, "$\"": true,
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentContinue(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !isIdentStart(r) {
				return false
			}
		} else if !isIdentContinue(r) {
			return false
		}
	}
	return true
}

// NewConstant validates a single constant segment: an uppercase letter
// followed by identifier characters.
func NewConstant(s string) (Constant, error) {
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsUpper(r) {
		return "", fmt.Errorf("constant %q must start with an uppercase letter", s)
	}
	if !validIdentifier(s) {
		return "", fmt.Errorf("invalid constant name %q", s)
	}
	return Constant(s), nil
}

// NewMethodName validates a method name: an identifier with an optional
// trailing ?, ! or =, or one of the operator methods.
func NewMethodName(s string) (MethodName, error) {
	if operatorMethods[s] {
		return MethodName(s), nil
	}
	base := s
	switch {
	case strings.HasSuffix(base, "?"), strings.HasSuffix(base, "!"), strings.HasSuffix(base, "="):
		base = base[:len(base)-1]
	}
	if !validIdentifier(base) {
		return "", fmt.Errorf("invalid method name %q", s)
	}
	return MethodName(s), nil
}

// ValidateVariable checks a variable name against its sigil rules.
func ValidateVariable(kind VarKind, s string) error {
	switch kind {
	case VarLocal:
		if !validIdentifier(s) {
			return fmt.Errorf("invalid local variable %q", s)
		}
	case VarInstance:
		if !strings.HasPrefix(s, "@") || strings.HasPrefix(s, "@@") || !validIdentifier(s[1:]) {
			return fmt.Errorf("invalid instance variable %q", s)
		}
	case VarClass:
		if !strings.HasPrefix(s, "@@") || !validIdentifier(s[2:]) {
			return fmt.Errorf("invalid class variable %q", s)
		}
	case VarGlobal:
		if !strings.HasPrefix(s, "$") || len(s) < 2 {
			return fmt.Errorf("invalid global variable %q", s)
		}
		rest := s[1:]
		if specialGlobals[s] || validIdentifier(rest) || allDigits(rest) {
			return nil
		}
		return fmt.Errorf("invalid global variable %q", s)
	}
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseConstantPath splits "A::B::C" into validated segments. A leading
// "::" marks the path absolute (rooted at Object).
func ParseConstantPath(s string) (parts []Constant, absolute bool, err error) {
	absolute = strings.HasPrefix(s, "::")
	s = strings.TrimPrefix(s, "::")
	for _, seg := range strings.Split(s, "::") {
		c, err := NewConstant(seg)
		if err != nil {
			return nil, false, err
		}
		parts = append(parts, c)
	}
	return parts, absolute, nil
}
