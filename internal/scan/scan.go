// Package scan discovers the Ruby source files of a workspace and feeds
// them through a bounded worker pool for indexing.
package scan

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"
)

// skipDirs are directory names never descended into.
var skipDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true, ".bundle": true,
	"node_modules": true, "vendor": true, "tmp": true, "log": true,
	"coverage": true, ".idea": true, ".vscode": true,
}

// rubyExtensions are the file extensions treated as Ruby source.
var rubyExtensions = map[string]bool{
	".rb": true, ".rake": true, ".gemspec": true, ".ru": true,
}

// rubyFilenames are extension-less files treated as Ruby source.
var rubyFilenames = map[string]bool{
	"Rakefile": true, "Gemfile": true, "Guardfile": true,
	"Capfile": true, "Vagrantfile": true,
}

// FileInfo is one discovered workspace file.
type FileInfo struct {
	Path    string // absolute
	RelPath string // slash-separated, relative to the root
}

// URI returns the file:// form of the absolute path.
func (f FileInfo) URI() string {
	return "file://" + filepath.ToSlash(f.Path)
}

// Options configures discovery.
type Options struct {
	// IgnorePatterns are extra doublestar globs matched against the
	// relative path.
	IgnorePatterns []string
	// UseGitignore honors the workspace's .gitignore when present.
	UseGitignore bool
}

// SkipDir reports whether a directory name is never descended into.
func SkipDir(name string) bool {
	return skipDirs[name] || strings.HasPrefix(name, ".")
}

// IsRubyFile reports whether a path looks like Ruby source.
func IsRubyFile(path string) bool {
	if rubyExtensions[filepath.Ext(path)] {
		return true
	}
	return rubyFilenames[filepath.Base(path)]
}

// Discover walks the workspace root and returns its Ruby files.
func Discover(ctx context.Context, root string, opts Options) ([]FileInfo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var gi *ignore.GitIgnore
	if opts.UseGitignore {
		if g, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
			gi = g
		}
	}

	ignored := func(rel string) bool {
		if gi != nil && gi.MatchesPath(rel) {
			return true
		}
		for _, pat := range opts.IgnorePatterns {
			if ok, _ := doublestar.Match(pat, rel); ok {
				return true
			}
		}
		return false
	}

	var files []FileInfo
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != root && (SkipDir(d.Name()) || ignored(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsRubyFile(path) || ignored(rel) {
			return nil
		}
		files = append(files, FileInfo{Path: path, RelPath: rel})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("scan.discovered", "root", root, "files", len(files))
	return files, nil
}

// IndexFunc processes one discovered file.
type IndexFunc func(ctx context.Context, f FileInfo) error

// Each runs fn over the files with at most workers in flight. The first
// error cancels the remaining work.
func Each(ctx context.Context, files []FileInfo, workers int, fn IndexFunc) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, f)
		})
	}
	return g.Wait()
}
