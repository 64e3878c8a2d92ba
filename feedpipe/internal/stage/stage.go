// Package stage runs a feed's pipeline: acquire, extract, load, publish.
//
// A stage is either one of the typed built-ins or an external script from
// the feed's src/ directory. Stages run strictly one after another; the first
// failure aborts the rest of the run and nothing already recorded is undone.
// Every stage consults its state file and skips inputs it already completed,
// so rerunning a failed or interrupted run resumes where it stopped.
package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/load"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/manifest"
)

// Kind identifies what a stage does.
type Kind string

const (
	KindAcquire Kind = "acquire"
	KindExtract Kind = "extract"
	KindLoad    Kind = "load"
	KindPublish Kind = "publish"
	KindScript  Kind = "script"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAcquire, KindExtract, KindLoad, KindPublish, KindScript:
		return k, nil
	}
	return "", fmt.Errorf("stage: unknown kind %q", s)
}

// Env is what a stage sees of the current run.
type Env struct {
	Feed     *feed.Context
	Manifest *manifest.Manifest
	// Output receives human-readable progress: the console and pipeline.log.
	Output io.Writer
	Logger *slog.Logger
}

// Stage is one step of a feed run.
type Stage interface {
	Kind() Kind
	Name() string
	Run(ctx context.Context, env *Env) error
}

// Phased is implemented by stages whose Kind does not say which pipeline
// phase they perform, such as scripts.
type Phased interface {
	Phase() Kind
}

func phaseOf(s Stage) Kind {
	if p, ok := s.(Phased); ok {
		return p.Phase()
	}
	return s.Kind()
}

// Observer receives pipeline events. Implementations must be safe for
// concurrent use when one observer is shared by several runners.
type Observer interface {
	StageFinished(feed string, kind Kind, name string, d time.Duration, err error)
	BatchLoaded(feed string, documents int, res load.Result)
}

type nopObserver struct{}

func (nopObserver) StageFinished(string, Kind, string, time.Duration, error) {}
func (nopObserver) BatchLoaded(string, int, load.Result)                     {}

// Only keeps the stages whose kind or phase is one of kinds, in order.
func Only(stages []Stage, kinds ...Kind) []Stage {
	var out []Stage
	for _, s := range stages {
		for _, k := range kinds {
			if s.Kind() == k || phaseOf(s) == k {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
