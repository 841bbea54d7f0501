package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FindScripts expands files and directories into script paths.
//
// Directories are walked recursively for .yaml, .yml, .json and .cue files,
// skipping "golden" and "testdata" subdirectories. Scripts found in a
// directory that another script found there executes are left out, since
// they depend on the session state of their includer; scripts that only
// include each other are all kept. A non-empty filter is a glob matched
// against the file name without extension. Explicit file arguments are
// always kept.
func FindScripts(paths []string, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		var walked []string
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && (d.Name() == "golden" || d.Name() == "testdata") {
					return filepath.SkipDir
				}
				return nil
			}
			if FormatOf(path) != "" {
				walked = append(walked, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		included := includedScripts(walked)
		for _, path := range walked {
			if abs, err := filepath.Abs(path); err == nil && included[abs] {
				continue
			}
			if filter != "" {
				base := filepath.Base(path)
				name := strings.TrimSuffix(base, filepath.Ext(base))
				if ok, _ := filepath.Match(filter, name); !ok {
					continue
				}
			}
			files = append(files, path)
		}
	}
	return files, nil
}

// includedScripts returns the absolute paths of scripts that are executed
// by a top-level script among paths. A script is top-level when no script
// in paths executes it. Scripts that fail to load include nothing.
func includedScripts(paths []string) map[string]bool {
	edges := make(map[string][]string, len(paths))
	targets := make(map[string]bool)
	var order []string

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		order = append(order, abs)

		script, err := LoadScript(path)
		if err != nil {
			continue
		}
		for i := range script.Steps {
			if script.Steps[i].Execute == "" {
				continue
			}
			target, err := includePath(script, script.Steps[i].Execute)
			if err != nil {
				continue
			}
			edges[abs] = append(edges[abs], target)
			targets[target] = true
		}
	}

	reached := make(map[string]bool)
	var visit func(string)
	visit = func(abs string) {
		for _, target := range edges[abs] {
			if reached[target] {
				continue
			}
			reached[target] = true
			visit(target)
		}
	}
	for _, abs := range order {
		if !targets[abs] {
			visit(abs)
		}
	}
	return reached
}

// Check loads a script and every script it executes, transitively,
// reporting the first load error or include cycle. It returns the paths
// of all scripts reached.
func Check(path string) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	var visited []string
	var walk func(path string, stack []string) error
	walk = func(path string, stack []string) error {
		script, err := LoadScript(path)
		if err != nil {
			return err
		}
		if !slices.Contains(visited, path) {
			visited = append(visited, path)
		}
		stack = append(stack, path)

		for i := range script.Steps {
			step := &script.Steps[i]
			if step.Execute == "" {
				continue
			}
			target, err := includePath(script, step.Execute)
			if err != nil {
				return err
			}
			if slices.Contains(stack, target) {
				return &LoadError{
					Code:    ErrCodeInclude,
					Path:    path,
					Message: fmt.Sprintf("%s: include cycle through %s", step.Label(i), target),
				}
			}
			if err := walk(target, stack); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(abs, nil); err != nil {
		return visited, err
	}
	return visited, nil
}
