package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/manifest"
	"github.com/hazyhaar/feedpipe/kit"
)

// State is the position of a feed run in its lifecycle.
type State string

const (
	Pending    State = "pending"
	Acquiring  State = "acquiring"
	Extracting State = "extracting"
	Loading    State = "loading"
	Publishing State = "publishing"
	Published  State = "published"
	Failed     State = "failed"
)

func stateFor(k Kind) (State, bool) {
	switch k {
	case KindAcquire:
		return Acquiring, true
	case KindExtract:
		return Extracting, true
	case KindLoad:
		return Loading, true
	case KindPublish:
		return Publishing, true
	}
	return "", false
}

// Step is the outcome of one executed stage.
type Step struct {
	Name     string        `json:"name"`
	Kind     Kind          `json:"kind"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Run is the record of one feed run.
type Run struct {
	ID       string    `json:"id"`
	Feed     string    `json:"feed"`
	State    State     `json:"state"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Steps    []Step    `json:"steps"`
}

// Runner executes stages for one feed at a time.
type Runner struct {
	console  io.Writer
	logger   *slog.Logger
	observer Observer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithConsole sets where stage output is echoed besides pipeline.log.
// Default: os.Stdout.
func WithConsole(w io.Writer) RunnerOption { return func(r *Runner) { r.console = w } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

// WithObserver receives stage timings.
func WithObserver(o Observer) RunnerOption { return func(r *Runner) { r.observer = o } }

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{console: os.Stdout, logger: slog.Default(), observer: nopObserver{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes stages in order. The first failing stage moves the run to
// Failed and is returned as a *StageError; later stages do not start. On
// success the run ends Published.
func (r *Runner) Run(ctx context.Context, fc *feed.Context, m *manifest.Manifest, stages []Stage) (*Run, error) {
	run := &Run{ID: uuid.NewString(), Feed: fc.Name, State: Pending, Started: time.Now()}
	log := r.logger.With("feed", fc.Name, "run", run.ID)
	ctx = kit.WithTraceID(ctx, run.ID)

	if err := fc.EnsureDirs(); err != nil {
		run.State = Failed
		return run, &StageError{Feed: fc.Name, Stage: "setup", ExitCode: 1, Err: err}
	}
	logFile, err := os.OpenFile(fc.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		run.State = Failed
		return run, &StageError{Feed: fc.Name, Stage: "setup", ExitCode: 1, Err: fmt.Errorf("stage: open log: %w", err)}
	}
	defer logFile.Close()
	out := io.MultiWriter(r.console, logFile)

	env := &Env{Feed: fc, Manifest: m, Output: out}
	for _, s := range stages {
		if st, ok := stateFor(phaseOf(s)); ok {
			run.State = st
		}
		env.Logger = log.With("stage", s.Name())
		fmt.Fprintf(out, "== %s %s %s\n", time.Now().UTC().Format(time.RFC3339), fc.Name, s.Name())
		env.Logger.Info("stage: starting", "kind", s.Kind(), "state", run.State)

		began := time.Now()
		err := s.Run(ctx, env)
		d := time.Since(began)
		r.observer.StageFinished(fc.Name, phaseOf(s), s.Name(), d, err)

		step := Step{Name: s.Name(), Kind: s.Kind(), Duration: d}
		if err != nil {
			step.Error = err.Error()
			run.Steps = append(run.Steps, step)
			run.State = Failed
			run.Finished = time.Now()
			serr := newStageError(fc.Name, s, err)
			env.Logger.Error("stage: failed", "exit_code", serr.ExitCode, "error", err, "duration", d)
			fmt.Fprintf(out, "== %s failed: %v\n", s.Name(), err)
			return run, serr
		}
		run.Steps = append(run.Steps, step)
		env.Logger.Info("stage: done", "duration", d)
	}

	run.State = Published
	run.Finished = time.Now()
	log.Info("stage: run complete", "stages", len(stages), "duration", run.Finished.Sub(run.Started))
	return run, nil
}
