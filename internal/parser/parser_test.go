package parser

import (
	"testing"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

func TestParseRuby(t *testing.T) {
	source := []byte(`class Foo
  def bar
    42
  end

  def self.baz
    "s"
  end
end

module M
  def greet; "hi"; end
end
`)
	res, err := Parse(source)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer res.Close()

	if res.Root() == nil {
		t.Fatal("root node is nil")
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected parse errors: %v", res.Errors)
	}

	counts := map[string]int{}
	Walk(res.Root(), func(n *tree_sitter.Node) bool {
		counts[n.Kind()]++
		return true
	})
	if counts["class"] != 1 {
		t.Errorf("class nodes = %d, want 1", counts["class"])
	}
	if counts["module"] != 1 {
		t.Errorf("module nodes = %d, want 1", counts["module"])
	}
	if counts["method"] != 2 {
		t.Errorf("method nodes = %d, want 2", counts["method"])
	}
	if counts["singleton_method"] != 1 {
		t.Errorf("singleton_method nodes = %d, want 1", counts["singleton_method"])
	}
}

func TestParseCollectsErrors(t *testing.T) {
	res, err := Parse([]byte("class Foo\n  def\nend\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer res.Close()

	if len(res.Errors) == 0 {
		t.Fatal("expected parse errors for malformed source")
	}
	for _, pe := range res.Errors {
		if pe.StartByte > pe.EndByte {
			t.Errorf("error span inverted: %+v", pe)
		}
	}
}

func TestParseNeverPanicsOnGarbage(t *testing.T) {
	inputs := []string{
		"", "\x00\x01\x02", "def", "class << ; end", "))((", "=begin",
		"@@@", "->(){", "\xff\xfe invalid utf8", "end end end",
	}
	for _, in := range inputs {
		res, err := Parse([]byte(in))
		if err != nil {
			continue
		}
		res.Close()
	}
}

func TestSmallestNodeAt(t *testing.T) {
	source := []byte("class Foo\n  def bar\n  end\nend\n")
	res, err := Parse(source)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer res.Close()

	// Offset 6 is inside "Foo".
	node := SmallestNodeAt(res.Root(), 6)
	if node == nil || node.Kind() != "constant" {
		t.Fatalf("node at 6 = %v, want constant", kindOf(node))
	}
	// Offset 16 is inside "bar".
	node = SmallestNodeAt(res.Root(), 16)
	if node == nil || node.Kind() != "identifier" {
		t.Fatalf("node at 16 = %v, want identifier", kindOf(node))
	}
	if SmallestNodeAt(res.Root(), 10_000) != nil {
		t.Error("out-of-range offset should yield nil")
	}
}

func kindOf(n *tree_sitter.Node) string {
	if n == nil {
		return "<nil>"
	}
	return n.Kind()
}

func TestCacheReusesByHash(t *testing.T) {
	c := NewCache()
	src := []byte("x = 1\n")

	first, err := c.Parse("file:///a.rb", src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	second, err := c.Parse("file:///a.rb", src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if first != second {
		t.Error("identical content should hit the cache")
	}

	third, err := c.Parse("file:///a.rb", []byte("x = 2\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if third == first {
		t.Error("changed content should replace the cached result")
	}

	c.Drop("file:///a.rb")
	if c.Len() != 0 {
		t.Errorf("cache len = %d after drop", c.Len())
	}
}
