package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Script runs one executable with the feed root as working directory.
type Script struct {
	Path string
	// PhaseKind is the pipeline phase the script performs. DiscoverScripts
	// derives it from the numeric name prefix.
	PhaseKind Kind
}

func (s *Script) Kind() Kind   { return KindScript }
func (s *Script) Name() string { return filepath.Base(s.Path) }
func (s *Script) Phase() Kind  { return s.PhaseKind }

// Run executes the script, streaming stdout and stderr to env.Output. The
// process is killed when ctx is cancelled.
func (s *Script) Run(ctx context.Context, env *Env) error {
	cmd := exec.CommandContext(ctx, s.Path)
	cmd.Dir = env.Feed.Root
	cmd.Stdout = env.Output
	cmd.Stderr = env.Output
	cmd.Env = append(os.Environ(),
		"FEEDPIPE_FEED="+env.Feed.Name,
		"FEEDPIPE_ROOT="+env.Feed.Root,
		"FEEDPIPE_DB="+env.Feed.DBPath,
	)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("stage: %s exited with status %d: %w", s.Name(), exitErr.ExitCode(), err)
		}
		return fmt.Errorf("stage: %s: %w", s.Name(), err)
	}
	return nil
}

// DiscoverScripts lists the regular files of dir sorted by name. Hidden
// files are ignored. A missing dir yields no scripts.
func DiscoverScripts(dir string) ([]*Script, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stage: list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scripts := make([]*Script, len(names))
	for i, n := range names {
		scripts[i] = &Script{Path: filepath.Join(dir, n), PhaseKind: phaseFromName(n, i)}
	}
	return scripts, nil
}

// phaseFromName maps the conventional numeric prefixes 10_, 20_, 30_, 40_ to
// acquire, extract, load and publish. Unnumbered scripts use their position.
func phaseFromName(name string, index int) Kind {
	phases := []Kind{KindAcquire, KindExtract, KindLoad, KindPublish}
	digits := strings.IndexFunc(name, func(r rune) bool { return r < '0' || r > '9' })
	if digits > 0 {
		if n, err := strconv.Atoi(name[:digits]); err == nil {
			index = n/10 - 1
		}
	}
	return phases[max(0, min(index, len(phases)-1))]
}
