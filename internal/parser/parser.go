// Package parser wraps the tree-sitter Ruby grammar: pooled parsers, a
// pre-order visitor and parse-error collection.
package parser

import (
	"fmt"
	"sync"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_ruby "github.com/tree-sitter/tree-sitter-ruby/bindings/go"
	"github.com/zeebo/xxh3"
)

var (
	languageOnce sync.Once
	language     *tree_sitter.Language
	parserPool   *sync.Pool
)

func initLanguage() {
	languageOnce.Do(func() {
		language = tree_sitter.NewLanguage(tree_sitter_ruby.Language())
		parserPool = &sync.Pool{
			New: func() any {
				p := tree_sitter.NewParser()
				if err := p.SetLanguage(language); err != nil {
					panic(fmt.Sprintf("set language: %v", err))
				}
				return p
			},
		}
	})
}

// Language returns the tree-sitter Ruby language.
func Language() *tree_sitter.Language {
	initLanguage()
	return language
}

// ParseError is one recoverable syntax error from the grammar.
type ParseError struct {
	Message   string
	StartByte int
	EndByte   int
}

// Result is a parsed document. The tree stays open for the lifetime of the
// result; Close releases it.
type Result struct {
	Tree   *tree_sitter.Tree
	Source []byte
	Hash   uint64
	Errors []ParseError
}

// Root returns the root node of the parse tree.
func (r *Result) Root() *tree_sitter.Node {
	return r.Tree.RootNode()
}

// Close releases the underlying tree.
func (r *Result) Close() {
	if r.Tree != nil {
		r.Tree.Close()
		r.Tree = nil
	}
}

// Parse parses Ruby source. Parsers are pooled via sync.Pool to avoid
// per-file allocation. The tree is partial in the presence of syntax
// errors; Errors carries them.
func Parse(source []byte) (*Result, error) {
	initLanguage()

	p, _ := parserPool.Get().(*tree_sitter.Parser)
	if p == nil {
		return nil, fmt.Errorf("failed to get ruby parser")
	}
	tree := p.Parse(source, nil)
	parserPool.Put(p)

	if tree == nil {
		return nil, fmt.Errorf("parse failed")
	}

	res := &Result{
		Tree:   tree,
		Source: source,
		Hash:   hashOf(source),
	}
	if tree.RootNode().HasError() {
		res.Errors = collectErrors(tree.RootNode(), source)
	}
	return res, nil
}

func collectErrors(root *tree_sitter.Node, source []byte) []ParseError {
	var errs []ParseError
	Walk(root, func(node *tree_sitter.Node) bool {
		switch {
		case node.IsError():
			text := NodeText(node, source)
			if len(text) > 24 {
				text = text[:24] + "…"
			}
			errs = append(errs, ParseError{
				Message:   fmt.Sprintf("syntax error near %q", text),
				StartByte: int(node.StartByte()),
				EndByte:   int(node.EndByte()),
			})
			return false
		case node.IsMissing():
			errs = append(errs, ParseError{
				Message:   fmt.Sprintf("missing %s", node.Kind()),
				StartByte: int(node.StartByte()),
				EndByte:   int(node.EndByte()),
			})
			return false
		}
		return node.HasError()
	})
	return errs
}

// WalkFunc is called for each node during AST traversal.
// Return false to skip children.
type WalkFunc func(node *tree_sitter.Node) bool

// Walk traverses the AST in depth-first pre-order.
func Walk(node *tree_sitter.Node, fn WalkFunc) {
	if node == nil {
		return
	}
	if !fn(node) {
		return
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child != nil {
			Walk(child, fn)
		}
	}
}

func hashOf(b []byte) uint64 {
	return xxh3.Hash(b)
}

// NodeText returns the text content of a node.
func NodeText(node *tree_sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// ByteRangeOf returns the node's byte span as ints.
func ByteRangeOf(node *tree_sitter.Node) (int, int) {
	return int(node.StartByte()), int(node.EndByte())
}

// NamedChildren collects the named children of a node.
func NamedChildren(node *tree_sitter.Node) []*tree_sitter.Node {
	n := node.NamedChildCount()
	out := make([]*tree_sitter.Node, 0, n)
	for i := uint(0); i < n; i++ {
		if c := node.NamedChild(i); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// SmallestNodeAt descends to the smallest named node whose span contains the
// byte offset. Returns nil when the offset is outside the root's span.
func SmallestNodeAt(root *tree_sitter.Node, offset int) *tree_sitter.Node {
	if root == nil || offset < int(root.StartByte()) || offset >= int(root.EndByte()) {
		return nil
	}
	node := root
	for {
		var next *tree_sitter.Node
		for i := uint(0); i < node.NamedChildCount(); i++ {
			c := node.NamedChild(i)
			if c != nil && offset >= int(c.StartByte()) && offset < int(c.EndByte()) {
				next = c
				break
			}
		}
		if next == nil {
			return node
		}
		node = next
	}
}
