package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func relPaths(files []FileInfo) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.RelPath)
	}
	sort.Strings(out)
	return out
}

func TestDiscoverFindsRubyFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app/models/user.rb", "class User; end")
	writeFile(t, root, "lib/tasks/db.rake", "task :db")
	writeFile(t, root, "Gemfile", "source 'https://rubygems.org'")
	writeFile(t, root, "config.ru", "run App")
	writeFile(t, root, "README.md", "docs")
	writeFile(t, root, "bin/setup", "#!/bin/sh")

	files, err := Discover(context.Background(), root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Gemfile", "app/models/user.rb", "config.ru", "lib/tasks/db.rake"}
	got := relPaths(files)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("file %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiscoverSkipsDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app/good.rb", "")
	writeFile(t, root, "vendor/bundle/gem.rb", "")
	writeFile(t, root, "node_modules/pkg/x.rb", "")
	writeFile(t, root, "tmp/cache.rb", "")
	writeFile(t, root, ".git/hooks/post.rb", "")
	writeFile(t, root, "coverage/report.rb", "")

	files, err := Discover(context.Background(), root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := relPaths(files)
	if len(got) != 1 || got[0] != "app/good.rb" {
		t.Fatalf("got %v, want only app/good.rb", got)
	}
}

func TestDiscoverHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "generated/\n*.gen.rb\n")
	writeFile(t, root, "lib/real.rb", "")
	writeFile(t, root, "lib/schema.gen.rb", "")
	writeFile(t, root, "generated/out.rb", "")

	files, err := Discover(context.Background(), root, Options{UseGitignore: true})
	if err != nil {
		t.Fatal(err)
	}
	got := relPaths(files)
	if len(got) != 1 || got[0] != "lib/real.rb" {
		t.Fatalf("got %v, want only lib/real.rb", got)
	}
}

func TestDiscoverExtraPatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "lib/a.rb", "")
	writeFile(t, root, "spec/a_spec.rb", "")
	writeFile(t, root, "spec/deep/b_spec.rb", "")

	files, err := Discover(context.Background(), root, Options{
		IgnorePatterns: []string{"spec/**"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := relPaths(files)
	if len(got) != 1 || got[0] != "lib/a.rb" {
		t.Fatalf("got %v, want only lib/a.rb", got)
	}
}

func TestDiscoverCancellation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.rb", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Discover(ctx, root, Options{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestIsRubyFile(t *testing.T) {
	cases := map[string]bool{
		"user.rb":    true,
		"db.rake":    true,
		"my.gemspec": true,
		"config.ru":  true,
		"Rakefile":   true,
		"Gemfile":    true,
		"Capfile":    true,
		"notes.txt":  false,
		"main.go":    false,
	}
	for name, want := range cases {
		if got := IsRubyFile(name); got != want {
			t.Errorf("IsRubyFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestEachBoundsWorkers(t *testing.T) {
	files := make([]FileInfo, 20)
	for i := range files {
		files[i] = FileInfo{Path: "f", RelPath: "f"}
	}
	var mu sync.Mutex
	active, peak := 0, 0
	err := Each(context.Background(), files, 3, func(ctx context.Context, f FileInfo) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if peak > 3 {
		t.Errorf("peak concurrency %d exceeds limit 3", peak)
	}
}

func TestEachStopsOnError(t *testing.T) {
	files := make([]FileInfo, 50)
	var calls atomic.Int32
	err := Each(context.Background(), files, 1, func(ctx context.Context, f FileInfo) error {
		if calls.Add(1) == 3 {
			return context.Canceled
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n >= 50 {
		t.Errorf("processed %d files, expected early stop", n)
	}
}
