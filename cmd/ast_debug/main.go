// Command ast_debug prints the tree-sitter parse tree of Ruby sources,
// for checking node kinds and field names when working on the indexer
// and locator.
package main

import (
	"fmt"
	"os"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
)

func printAST(node *tree_sitter.Node, source []byte, indent int) {
	if node == nil {
		return
	}
	prefix := ""
	for i := 0; i < indent; i++ {
		prefix += "  "
	}
	parentKind := "nil"
	if node.Parent() != nil {
		parentKind = node.Parent().Kind()
	}
	text := string(source[node.StartByte():node.EndByte()])
	if len(text) > 60 {
		text = text[:60] + "..."
	}
	fmt.Printf("%s%s (parent=%s) %q\n", prefix, node.Kind(), parentKind, text)
	for i := uint(0); i < node.ChildCount(); i++ {
		printAST(node.Child(i), source, indent+1)
	}
}

func dump(label string, source []byte) {
	fmt.Printf("=== %s ===\n", label)
	res, err := parser.Parse(source)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	printAST(res.Root(), source, 0)
	for _, pe := range res.Errors {
		fmt.Printf("parse error at %d..%d: %s\n", pe.StartByte, pe.EndByte, pe.Message)
	}
}

func main() {
	if len(os.Args) > 1 {
		for _, path := range os.Args[1:] {
			source, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read:", err)
				os.Exit(1)
			}
			dump(path, source)
		}
		return
	}

	// No arguments: dump the constructs the indexer cares about most.
	dump("CLASS WITH MIXIN", []byte("class Shape\n  include Comparable\n  def area; 0; end\nend\n"))
	dump("SINGLETON METHOD", []byte("class Shape\n  def self.build(kind)\n    new\n  end\nend\n"))
	dump("CASE NARROWING", []byte("case x\nwhen Integer then x + 1\nwhen String then x.upcase\nend\n"))
	dump("CONSTANT PATHS", []byte("module A\n  module B\n    C = ::Top::Level\n  end\nend\n"))
}
