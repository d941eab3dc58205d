// Package discover finds the C translation units of a kernel subsystem.
package discover

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/kernelgraph/internal/lang"
)

// FileEntry represents a discovered translation unit.
type FileEntry struct {
	Path     string // Relative to the tree root, slash-separated
	Language string
}

// Options controls which files of a subsystem are returned.
type Options struct {
	// Recursive descends into subdirectories of the subsystem.
	Recursive bool `yaml:"recursive"`
	// IncludeTests keeps KUnit test sources (*-test.c, *_test.c, *kunit*).
	IncludeTests bool `yaml:"include_tests"`
}

var skipDirs = map[string]struct{}{
	".git":          {},
	".hg":           {},
	".svn":          {},
	"Documentation": {},
	"tools":         {},
	"scripts":       {},
	"samples":       {},
}

// Files discovers the translation units of subsystem under root.
func Files(root, subsystem string, opts Options) ([]FileEntry, error) {
	subsystem = filepath.Clean(filepath.FromSlash(subsystem))
	dir := filepath.Join(root, subsystem)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("subsystem %s: %w", subsystem, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("subsystem %s: not a directory", subsystem)
	}

	gitFiles := gitLsFiles(root, subsystem)
	var gi *ignore.GitIgnore
	if gitFiles == nil {
		gi = loadGitignore(root)
	}

	var results []FileEntry

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip errors
		}

		name := d.Name()

		if d.IsDir() {
			if path == dir {
				return nil
			}
			if !opts.Recursive {
				return filepath.SkipDir
			}
			if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		// Skip symlinks
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if gitFiles != nil {
			if _, ok := gitFiles[rel]; !ok {
				return nil
			}
		} else if gi != nil && gi.MatchesPath(rel) {
			return nil
		}

		langName := lang.ForExtension(filepath.Ext(name))
		if langName == "" {
			return nil
		}
		if !opts.IncludeTests && IsTestSource(name) {
			return nil
		}

		results = append(results, FileEntry{Path: rel, Language: langName})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})

	return results, nil
}

// IsTestSource reports whether name is a KUnit test source.
func IsTestSource(name string) bool {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasSuffix(base, "-test") || strings.HasSuffix(base, "_test") || strings.Contains(base, "kunit")
}

// Paths returns the paths of files.
func Paths(files []FileEntry) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func gitLsFiles(root, subsystem string) map[string]struct{} {
	gitDir := filepath.Join(root, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard", "--", filepath.ToSlash(subsystem))
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	files := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			files[line] = struct{}{}
		}
	}
	return files
}

func loadGitignore(root string) *ignore.GitIgnore {
	path := filepath.Join(root, ".gitignore")
	gi, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	return gi
}
