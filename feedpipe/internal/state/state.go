// Package state tracks which source files a pipeline stage has completed.
//
// A state file is a plain list of filenames, one per line, newline
// terminated, append-only. A name is present if and only if the stage has
// durably completed for that file, so callers must Record only after the
// file's output (database commit, extracted documents) is on disk. A crash
// between the two leaves the name unrecorded and the file is reprocessed on
// the next run.
package state

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type options struct {
	pattern string
}

// Option narrows the candidates NewItems considers.
type Option func(*options)

// WithPattern keeps only entries whose name matches the filepath.Match glob.
func WithPattern(glob string) Option { return func(o *options) { o.pattern = glob } }

// NewItems lists the regular files of sourceDir that stateFile does not
// record yet, in lexical order. An absent state file is an empty set and an
// absent sourceDir has no items. Hidden files, *.tmp files and the state
// file itself are never returned.
func NewItems(sourceDir, stateFile string, opts ...Option) ([]string, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.pattern != "" {
		if _, err := filepath.Match(o.pattern, ""); err != nil {
			return nil, fmt.Errorf("state: bad pattern %q: %w", o.pattern, err)
		}
	}

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: list %s: %w", sourceDir, err)
	}

	done, err := readSet(stateFile)
	if err != nil {
		return nil, err
	}

	stateAbs, _ := filepath.Abs(stateFile)
	var items []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if p, _ := filepath.Abs(filepath.Join(sourceDir, name)); p == stateAbs {
			continue
		}
		if o.pattern != "" {
			if ok, _ := filepath.Match(o.pattern, name); !ok {
				continue
			}
		}
		if _, seen := done[name]; seen {
			continue
		}
		items = append(items, name)
	}
	sort.Strings(items)
	return items, nil
}

// Record appends filename to stateFile, creating the file and its parent
// directory when absent. The append is fsynced before Record returns.
func Record(filename, stateFile string) error {
	return RecordAll([]string{filename}, stateFile)
}

// RecordAll appends every name in one write followed by one fsync.
func RecordAll(filenames []string, stateFile string) error {
	if len(filenames) == 0 {
		return nil
	}
	var b strings.Builder
	for _, name := range filenames {
		if name == "" || strings.ContainsAny(name, "\r\n") {
			return fmt.Errorf("state: invalid filename %q", name)
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(stateFile), 0o755); err != nil {
		return fmt.Errorf("state: mkdir: %w", err)
	}
	f, err := os.OpenFile(stateFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("state: open %s: %w", stateFile, err)
	}
	if _, err := io.WriteString(f, b.String()); err != nil {
		f.Close()
		return fmt.Errorf("state: append %s: %w", stateFile, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: sync %s: %w", stateFile, err)
	}
	return f.Close()
}

// Read returns the recorded names in file order. An absent file is empty.
func Read(stateFile string) ([]string, error) {
	f, err := os.Open(stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: open %s: %w", stateFile, err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			names = append(names, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("state: read %s: %w", stateFile, err)
	}
	return names, nil
}

// Count returns the number of recorded lines, 0 when the file is absent.
// It is meant for status reporting, not control flow.
func Count(stateFile string) (int, error) {
	names, err := Read(stateFile)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func readSet(stateFile string) (map[string]struct{}, error) {
	names, err := Read(stateFile)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, nil
}
