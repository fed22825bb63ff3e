// Package fsutil provides the filesystem walk behind task discovery.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FindTaskFiles walks root and returns the files whose base name matches
// pattern, excluding anything matched by an ignore glob. Globs match both
// the base name and the slash-separated path relative to root. A root that
// is itself a matching file is returned as-is. Results are sorted for
// deterministic collection order.
func FindTaskFiles(root, pattern string, ignoreGlobs []string) ([]string, error) {
	if pattern == "" {
		panic("pattern must not be empty")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if ok, _ := filepath.Match(pattern, filepath.Base(root)); ok {
			return []string{root}, nil
		}
		return nil, nil
	}

	ignored := func(rel, base string) bool {
		for _, g := range ignoreGlobs {
			if ok, _ := filepath.Match(g, base); ok {
				return true
			}
			if ok, _ := filepath.Match(g, filepath.ToSlash(rel)); ok {
				return true
			}
		}
		return false
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if d.IsDir() {
			if path != root && ignored(rel, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignored(rel, d.Name()) {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
