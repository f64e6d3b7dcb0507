package argschema

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SnakefileChoices returns every file below dir whose name contains
// "Snakefile", as paths joined onto dir.
func SnakefileChoices(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*Snakefile*", doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	choices := make([]string, 0, len(matches))
	for _, m := range matches {
		choices = append(choices, filepath.Join(dir, filepath.FromSlash(m)))
	}
	sort.Strings(choices)
	return choices, nil
}

// WorkdirChoices returns dir followed by its subdirectories, skipping hidden
// directories and __pycache__.
func WorkdirChoices(dir string) ([]string, error) {
	choices := []string{dir}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		name := d.Name()
		if name == "__pycache__" || strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		choices = append(choices, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(choices[1:])
	return choices, nil
}
