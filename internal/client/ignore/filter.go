// Package ignore decides which paths under the watch root are reported.
package ignore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caltaylor/dirwatch/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const IgnoreFileName = ".watchignore"

var defaultIgnoreLines = []string{
	IgnoreFileName,
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	"*.tmp",
	"*.crdownload",
	"*.part",
}

// Filter combines include globs (matched against the root-relative slash path),
// gitignore-style exclusions, and directories that must never be watched.
type Filter struct {
	root     string
	includes []string
	ignore   *gitignore.GitIgnore
	excluded []string
}

// New builds a filter for root. An empty include list reports every file.
// A .watchignore file at the root is appended to the built-in ignore rules.
func New(root string, includes []string, excludedDirs ...string) (*Filter, error) {
	f := &Filter{root: filepath.Clean(root)}

	for _, pattern := range includes {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
		f.includes = append(f.includes, pattern)
	}

	lines := append([]string{}, defaultIgnoreLines...)
	ignoreFile := filepath.Join(f.root, IgnoreFileName)
	if data, err := os.ReadFile(ignoreFile); err == nil {
		lines = append(lines, strings.Split(string(data), "\n")...)
		slog.Info("watch ignore file loaded", "path", ignoreFile)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", ignoreFile, err)
	}
	f.ignore = gitignore.CompileIgnoreLines(lines...)

	for _, dir := range excludedDirs {
		if dir != "" {
			f.excluded = append(f.excluded, filepath.Clean(dir))
		}
	}
	return f, nil
}

// SkipDir reports whether a directory and everything below it should be skipped
func (f *Filter) SkipDir(path string) bool {
	for _, dir := range f.excluded {
		if utils.IsWithin(dir, path) {
			return true
		}
	}
	rel, ok := f.rel(path)
	if !ok || rel == "." {
		return !ok
	}
	return f.ignore.MatchesPath(rel + "/")
}

// Allow reports whether a file path should be watched and reported
func (f *Filter) Allow(path string) bool {
	for _, dir := range f.excluded {
		if utils.IsWithin(dir, path) {
			return false
		}
	}

	rel, ok := f.rel(path)
	if !ok || rel == "." {
		return false
	}
	if f.ignore.MatchesPath(rel) {
		return false
	}

	if len(f.includes) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, pattern := range f.includes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (f *Filter) rel(path string) (string, bool) {
	path = filepath.Clean(path)
	if !utils.IsWithin(f.root, path) {
		return "", false
	}
	rel, err := filepath.Rel(f.root, path)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
