package strategy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// RejectionError is fatal to a single load attempt: the unit referenced
// something outside the allow-list or a dynamic-execution primitive.
type RejectionError struct {
	File   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("strategy rejected: %s in %s", e.Reason, e.File)
}

// importAllowlist is the closed set of module roots tenant code may import.
// Numeric/statistics tooling only; everything else fails closed.
var importAllowlist = map[string]struct{}{
	"math": {}, "statistics": {}, "random": {}, "decimal": {},
	"datetime": {}, "collections": {}, "itertools": {}, "functools": {},
	"typing": {}, "dataclasses": {}, "enum": {}, "abc": {},
	"heapq": {}, "bisect": {},
	"numpy": {}, "pandas": {}, "scipy": {},
}

// Call primitives that reach outside the sandbox regardless of imports.
var bannedCallPattern = regexp.MustCompile(
	`(^|[^\w.])(open|exec|eval|compile|__import__|input|globals|breakpoint)\s*\(`)

var (
	importPattern     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	importFromPattern = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
)

// ValidateUnit statically scans every source file in the unit and fails
// closed: any import whose root is neither allow-listed nor another file of
// the same unit, or any dynamic-execution call, rejects the unit.
func ValidateUnit(dir string) error {
	files, err := sourceFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return &RejectionError{File: dir, Reason: "no source files"}
	}

	// Sibling modules inside the unit are importable by stem.
	local := make(map[string]struct{}, len(files))
	for _, f := range files {
		stem := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		local[stem] = struct{}{}
	}

	for _, f := range files {
		if err := scanFile(f, local); err != nil {
			return err
		}
	}
	return nil
}

func sourceFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".py" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: can't walk strategy unit %s", err, dir)
	}
	return files, nil
}

func scanFile(path string, local map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: can't open %s", err, path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())

		if m := importFromPattern.FindStringSubmatch(line); m != nil {
			if err := checkImport(path, m[1], local); err != nil {
				return err
			}
			continue
		}
		if m := importPattern.FindStringSubmatch(line); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				name := strings.Fields(strings.TrimSpace(part))
				if len(name) == 0 {
					continue
				}
				if err := checkImport(path, name[0], local); err != nil {
					return err
				}
			}
			continue
		}
		if m := bannedCallPattern.FindStringSubmatch(line); m != nil {
			return &RejectionError{
				File:   path,
				Reason: fmt.Sprintf("disallowed call %q at line %d", m[2], lineNo),
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: can't scan %s", err, path)
	}
	return nil
}

func checkImport(path, module string, local map[string]struct{}) error {
	root := strings.SplitN(module, ".", 2)[0]
	if root == "" {
		// Relative import: stays inside the unit.
		return nil
	}
	if _, ok := importAllowlist[root]; ok {
		return nil
	}
	if _, ok := local[root]; ok {
		return nil
	}
	return &RejectionError{
		File:   path,
		Reason: fmt.Sprintf("import %q outside allow-list", module),
	}
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		return line[:i]
	}
	return line
}
