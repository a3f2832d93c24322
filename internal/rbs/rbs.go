// Package rbs is the bundled core-signature oracle: type stubs for the
// Ruby core classes, embedded at build time and selected by Ruby version.
// The resolver and inferrer treat it as read-only external truth.
package rbs

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
)

//go:embed stubs/*.yml
var stubFS embed.FS

// MethodStub is one core method signature.
type MethodStub struct {
	Name   string   `yaml:"name"`
	Params []string `yaml:"params,omitempty"`
	Return string   `yaml:"return"`
	// Kind is "instance" or "singleton"; instance when empty.
	Kind string `yaml:"kind,omitempty"`
}

// ClassStub is one core class or module with its signatures.
type ClassStub struct {
	Name       string       `yaml:"name"`
	Module     bool         `yaml:"module,omitempty"`
	Superclass string       `yaml:"superclass,omitempty"`
	Includes   []string     `yaml:"includes,omitempty"`
	Methods    []MethodStub `yaml:"methods"`
}

// gemStub groups optional signatures beyond core, loaded up to a cap.
type gemStub struct {
	Name    string      `yaml:"name"`
	Classes []ClassStub `yaml:"classes"`
}

type stubFile struct {
	Version string      `yaml:"version"`
	Core    []ClassStub `yaml:"core"`
	Gems    []gemStub   `yaml:"gems,omitempty"`
}

// Catalog is the stub set for one Ruby version.
type Catalog struct {
	Version string
	classes map[string]*ClassStub
}

// GetClass returns the stub for a fully-qualified core class name.
func (c *Catalog) GetClass(name string) (*ClassStub, bool) {
	s, ok := c.classes[name]
	return s, ok
}

// ClassNames lists the stubbed classes, sorted. Used by completion.
func (c *Catalog) ClassNames() []string {
	names := make([]string, 0, len(c.classes))
	for n := range c.classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MethodReturn resolves the declared return type of class#method, walking
// superclasses and includes the way runtime dispatch would.
func (c *Catalog) MethodReturn(class, method string, singleton bool) (string, bool) {
	seen := map[string]bool{}
	for class != "" && !seen[class] {
		seen[class] = true
		stub, ok := c.classes[class]
		if !ok {
			return "", false
		}
		wantKind := "instance"
		if singleton {
			wantKind = "singleton"
		}
		for _, m := range stub.Methods {
			kind := m.Kind
			if kind == "" {
				kind = "instance"
			}
			if m.Name == method && kind == wantKind {
				return m.Return, true
			}
		}
		for _, inc := range stub.Includes {
			if r, ok := c.lookupIncluded(inc, method, wantKind, seen); ok {
				return r, true
			}
		}
		class = stub.Superclass
	}
	return "", false
}

func (c *Catalog) lookupIncluded(name, method, wantKind string, seen map[string]bool) (string, bool) {
	if seen[name] {
		return "", false
	}
	seen[name] = true
	stub, ok := c.classes[name]
	if !ok {
		return "", false
	}
	for _, m := range stub.Methods {
		kind := m.Kind
		if kind == "" {
			kind = "instance"
		}
		if m.Name == method && kind == wantKind {
			return m.Return, true
		}
	}
	return "", false
}

// Oracle holds the per-version catalogs.
type Oracle struct {
	catalogs map[string]*Catalog
	versions []string
}

// Load parses the embedded stub files. gemCap bounds how many optional gem
// stub groups are loaded per version; zero or negative loads none.
func Load(gemCap int) (*Oracle, error) {
	o := &Oracle{catalogs: map[string]*Catalog{}}
	err := fs.WalkDir(stubFS, "stubs", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := stubFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read stub %s: %w", path, err)
		}
		var f stubFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("parse stub %s: %w", path, err)
		}
		cat := &Catalog{Version: f.Version, classes: map[string]*ClassStub{}}
		for i := range f.Core {
			cat.classes[f.Core[i].Name] = &f.Core[i]
		}
		loaded := 0
		for gi := range f.Gems {
			if loaded >= gemCap {
				slog.Debug("rbs.gem_cap_reached", "version", f.Version, "cap", gemCap)
				break
			}
			for i := range f.Gems[gi].Classes {
				cat.classes[f.Gems[gi].Classes[i].Name] = &f.Gems[gi].Classes[i]
			}
			loaded++
		}
		o.catalogs[f.Version] = cat
		o.versions = append(o.versions, f.Version)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(o.versions)
	slog.Info("rbs.loaded", "versions", o.versions)
	return o, nil
}

// Versions lists the bundled stub versions, ascending.
func (o *Oracle) Versions() []string { return o.versions }

// FindClosestVersion picks the bundled version nearest to the requested
// one, preferring the highest bundled version not newer than the request.
func (o *Oracle) FindClosestVersion(v string) string {
	if len(o.versions) == 0 {
		return ""
	}
	want := versionKey(v)
	best := o.versions[0]
	for _, cand := range o.versions {
		if versionKey(cand) <= want {
			best = cand
		}
	}
	return best
}

// Catalog returns the stub catalog for a Ruby version, falling back to the
// closest bundled version.
func (o *Oracle) Catalog(version string) *Catalog {
	if c, ok := o.catalogs[version]; ok {
		return c
	}
	return o.catalogs[o.FindClosestVersion(version)]
}

func versionKey(v string) int {
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	key := 0
	for i := 0; i < 2; i++ {
		n := 0
		if i < len(parts) {
			n, _ = strconv.Atoi(parts[i])
		}
		key = key*1000 + n
	}
	return key
}

// TypeFor maps a stub return-type name to a lattice type. Unrecognized
// names map to Unknown rather than failing.
func TypeFor(name string, namer interface {
	LookupClass(string) (rtype.Type, bool)
}) rtype.Type {
	switch name {
	case "String":
		return rtype.String
	case "Integer":
		return rtype.Integer
	case "Float":
		return rtype.Float
	case "Numeric":
		return rtype.Numeric
	case "Symbol":
		return rtype.Symbol
	case "bool":
		return rtype.Bool
	case "true":
		return rtype.True
	case "false":
		return rtype.False
	case "nil", "NilClass":
		return rtype.Nil
	case "self", "untyped", "void":
		return rtype.Unknown
	case "Array":
		return rtype.ArrayOf(rtype.Unknown)
	case "Hash":
		return rtype.HashOf(rtype.Unknown, rtype.Unknown)
	}
	if namer != nil {
		if t, ok := namer.LookupClass(name); ok {
			return t
		}
	}
	return rtype.Unknown
}
