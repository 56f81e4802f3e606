// Package scanner discovers Markdown files under configured root directories.
package scanner

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileInfo describes one discovered Markdown file.
type FileInfo struct {
	// Path is the absolute file path.
	Path string
	// MTime is the modification time in seconds since the epoch.
	MTime float64
}

// Scanner enumerates .md files under a set of root directories.
type Scanner struct {
	roots []string
}

// New creates a Scanner over the given root directories.
func New(roots []string) *Scanner {
	return &Scanner{roots: roots}
}

// Scan returns all .md files under the configured roots, sorted
// lexicographically by absolute path. Nonexistent or non-directory roots are
// skipped with a warning. Symlinked directories are followed at most once.
func (s *Scanner) Scan() ([]FileInfo, error) {
	seen := make(map[string]FileInfo)
	// Visited set of resolved directories bounds symlink cycles.
	visited := make(map[string]bool)

	for _, root := range s.roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			slog.Warn("skipping unresolvable root", slog.String("root", root), slog.String("error", err.Error()))
			continue
		}

		info, err := os.Stat(absRoot)
		if err != nil {
			slog.Warn("skipping nonexistent root", slog.String("root", absRoot))
			continue
		}
		if !info.IsDir() {
			slog.Warn("skipping non-directory root", slog.String("root", absRoot))
			continue
		}

		s.walk(absRoot, visited, seen)
	}

	files := make([]FileInfo, 0, len(seen))
	for _, f := range seen {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// walk traverses one directory tree, recursing through symlinked directories
// via the visited set so cycles terminate.
func (s *Scanner) walk(root string, visited map[string]bool, seen map[string]FileInfo) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		slog.Warn("skipping unreadable directory", slog.String("dir", root), slog.String("error", err.Error()))
		return
	}
	if visited[resolved] {
		return
	}
	visited[resolved] = true

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping unreadable path", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				return nil
			}
			if target.IsDir() {
				s.walk(path, visited, seen)
			} else if isMarkdown(path) {
				seen[path] = FileInfo{Path: path, MTime: mtimeSeconds(target)}
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !isMarkdown(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		seen[path] = FileInfo{Path: path, MTime: mtimeSeconds(info)}
		return nil
	})
	if err != nil {
		slog.Warn("directory walk failed", slog.String("root", root), slog.String("error", err.Error()))
	}
}

// ReadFile reads the contents of a discovered file.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

func mtimeSeconds(info fs.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}
