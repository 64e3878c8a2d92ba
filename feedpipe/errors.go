package feedpipe

import (
	"errors"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/archive"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/scaffold"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/stage"
)

// ErrFeedNotFound is returned when the feed directory does not exist.
var ErrFeedNotFound = feed.ErrNotFound

// ErrFeedExists is returned when creating a feed whose directory exists.
var ErrFeedExists = scaffold.ErrExists

// ErrInvalidName is returned for feed names that are not filesystem-safe.
var ErrInvalidName = feed.ErrInvalidName

// ErrArchiveExists is returned when restoring over an existing feed.
var ErrArchiveExists = archive.ErrExists

// ErrInvalidConfig is returned for configuration values that fail validation.
var ErrInvalidConfig = errors.New("feedpipe: invalid config")

// StageError identifies the feed and stage of a failed run.
type StageError = stage.StageError
