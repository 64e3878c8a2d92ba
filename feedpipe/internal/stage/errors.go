package stage

import (
	"errors"
	"fmt"
	"os/exec"
)

// ErrNameConflict is returned by extract when a member name is taken by
// different content under both its own name and the archive-prefixed one.
var ErrNameConflict = errors.New("extract: member name conflict")

// StageError reports the stage that failed a feed run.
type StageError struct {
	Feed  string
	Stage string
	// ExitCode is the script's exit status, or 1 for built-in stages.
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Feed, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func newStageError(feedName string, s Stage, err error) *StageError {
	code := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		code = exitErr.ExitCode()
	}
	return &StageError{Feed: feedName, Stage: s.Name(), ExitCode: code, Err: err}
}
