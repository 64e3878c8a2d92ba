// Package feedpipe runs incremental ingestion pipelines for data feeds. Each
// feed lives in its own directory with a manifest; a run acquires daily
// archives, extracts their documents, loads them into the feed's SQLite
// database and publishes the result. Per-stage state files make every run
// resumable and idempotent.
//
// Quick start:
//
//	svc, err := feedpipe.New(cfg, logger)
//	svc.Create(feedpipe.CreateParams{Name: "data-oasis-as-mileage", URL: tmpl})
//	run, err := svc.Process(ctx, "data-oasis-as-mileage")
//	st, err := svc.Status(ctx, "data-oasis-as-mileage")
package feedpipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/archive"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/fetch"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/manifest"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/s3sync"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/scaffold"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/stage"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/transform"
	"github.com/hazyhaar/feedpipe/sqltrace"
)

// Run is the record of one feed run.
type Run = stage.Run

// RunState is the lifecycle state of a run.
type RunState = stage.State

// CreateParams describes a feed to scaffold.
type CreateParams = scaffold.Params

// S3API is the subset of the S3 client used for mirroring.
type S3API = s3sync.API

// Service is the feedpipe API used by the CLI, the HTTP server and MCP.
type Service struct {
	cfg     *Config
	logger  *slog.Logger
	console io.Writer
	metrics *Metrics
	now     func() time.Time

	s3once   sync.Once
	s3client S3API
	s3       *s3sync.Syncer
	s3err    error
}

// Option configures a Service.
type Option func(*Service)

// WithConsole sets where stage output is echoed. Default: os.Stdout.
func WithConsole(w io.Writer) Option { return func(s *Service) { s.console = w } }

// WithMetrics records pipeline events into m.
func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithNow overrides the clock that bounds the acquire date range.
func WithNow(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

// WithS3Client mirrors through api instead of a client built from the
// default AWS chain.
func WithS3Client(api S3API) Option { return func(s *Service) { s.s3client = api } }

// New creates a Service. A nil cfg uses DefaultConfig.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger, console: os.Stdout, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Config returns the configuration in use.
func (s *Service) Config() *Config { return s.cfg }

// Metrics returns the metrics set with WithMetrics, or nil.
func (s *Service) Metrics() *Metrics { return s.metrics }

// List returns the feed names under the data directory.
func (s *Service) List() ([]string, error) {
	return feed.List(s.cfg.DataDir())
}

// Create scaffolds a new feed and returns its root directory.
func (s *Service) Create(p CreateParams) (string, error) {
	fc, err := scaffold.Create(s.cfg.DataDir(), p)
	if err != nil {
		return "", err
	}
	s.logger.Info("feedpipe: feed created", "feed", fc.Name, "root", fc.Root)
	return fc.Root, nil
}

// Process runs the feed's pipeline. With kinds, only the stages of those
// kinds or phases run ("acquire", "extract", "load", "publish", "script").
// The manifest is read fresh for every run.
func (s *Service) Process(ctx context.Context, name string, kinds ...string) (*Run, error) {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(fc.ManifestPath)
	if err != nil {
		return nil, &StageError{Feed: name, Stage: "manifest", ExitCode: 1, Err: err}
	}
	log := s.logger.With("feed", name)

	b, err := s.builtins(ctx, log)
	if err != nil {
		return nil, &StageError{Feed: name, Stage: "setup", ExitCode: 1, Err: err}
	}
	stages, err := stage.Plan(fc, m, b)
	if err != nil {
		return nil, &StageError{Feed: name, Stage: "plan", ExitCode: 1, Err: err}
	}
	if len(kinds) > 0 {
		ks := make([]stage.Kind, len(kinds))
		for i, k := range kinds {
			if ks[i], err = stage.ParseKind(k); err != nil {
				return nil, err
			}
		}
		stages = stage.Only(stages, ks...)
	}

	opts := []stage.RunnerOption{stage.WithConsole(s.console), stage.WithLogger(s.logger)}
	if s.metrics != nil {
		opts = append(opts, stage.WithObserver(s.metrics))
	}
	return stage.NewRunner(opts...).Run(ctx, fc, m, stages)
}

func (s *Service) builtins(ctx context.Context, log *slog.Logger) (*stage.Builtins, error) {
	retries := s.cfg.Fetch.Retries
	if retries == 0 {
		retries = -1
	}
	b := &stage.Builtins{
		Fetcher: fetch.New(fetch.Config{
			Timeout:   s.cfg.Fetch.Timeout,
			Retries:   retries,
			MaxBytes:  int64(s.cfg.Fetch.MaxMB) << 20,
			UserAgent: s.cfg.Fetch.UserAgent,
		}, log),
		Transformer:    transform.New(transform.DefaultPlan(), log),
		BatchDocuments: s.cfg.BatchDocuments,
		Now:            s.now,
	}
	if s.metrics != nil {
		b.Observer = s.metrics
	}
	if s.cfg.TraceSQL {
		b.Driver = sqltrace.DriverName
	}
	if s.cfg.Publish.Archive {
		b.Snapshot = &archive.Archiver{Dir: s.cfg.ArchiveDir()}
	}
	if s.cfg.Publish.S3 {
		syncer, err := s.syncer(ctx)
		if err != nil {
			return nil, err
		}
		b.Mirror = syncer
	}
	return b, nil
}

func (s *Service) syncer(ctx context.Context) (*s3sync.Syncer, error) {
	s.s3once.Do(func() {
		cfg := s3sync.Config(s.cfg.S3)
		if s.s3client != nil {
			if cfg.Bucket == "" {
				s.s3err = s3sync.ErrNoBucket
				return
			}
			s.s3 = s3sync.NewWithClient(s.s3client, cfg, s.logger)
			return
		}
		s.s3, s.s3err = s3sync.New(ctx, cfg, s.logger)
	})
	return s.s3, s.s3err
}

// Invoke runs an arbitrary shell command in the feed directory, output to
// the console.
func (s *Service) Invoke(ctx context.Context, name, command string) error {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = fc.Root
	cmd.Stdout = s.console
	cmd.Stderr = s.console
	cmd.Env = append(os.Environ(), "FEEDPIPE_FEED="+fc.Name, "FEEDPIPE_ROOT="+fc.Root, "FEEDPIPE_DB="+fc.DBPath)
	s.logger.Info("feedpipe: invoke", "feed", name, "command", command)
	if err := cmd.Run(); err != nil {
		return &StageError{Feed: name, Stage: "invoke", ExitCode: exitCode(err), Err: err}
	}
	return nil
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return ee.ExitCode()
	}
	return 1
}

// Reset empties the given stage directories ("zip", "xml", "db"), state
// files included, so the next run redoes that work. No dirs means all three.
func (s *Service) Reset(name string, dirs ...string) error {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		dirs = []string{feed.ZipDir, feed.XMLDir, feed.DBDir}
	}
	paths := make([]string, len(dirs))
	for i, d := range dirs {
		if paths[i], err = fc.StageDir(d); err != nil {
			return err
		}
	}
	for i, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("feedpipe: reset %s: %w", dirs[i], err)
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("feedpipe: reset %s: %w", dirs[i], err)
		}
		s.logger.Info("feedpipe: stage reset", "feed", name, "stage", dirs[i])
	}
	return nil
}

// Archive snapshots the feed to <root>/archive/<name>.tar.gz.
func (s *Service) Archive(ctx context.Context, name string) (string, error) {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return "", err
	}
	return (&archive.Archiver{Dir: s.cfg.ArchiveDir()}).Snapshot(ctx, fc)
}

// Restore recreates a feed from its snapshot. It refuses to overwrite an
// existing feed.
func (s *Service) Restore(ctx context.Context, name string) (string, error) {
	a := &archive.Archiver{Dir: s.cfg.ArchiveDir()}
	root, err := archive.Restore(ctx, a.Path(name), s.cfg.DataDir(), name)
	if err != nil {
		return "", err
	}
	s.logger.Info("feedpipe: feed restored", "feed", name, "root", root)
	return root, nil
}

// S3Archive mirrors the feed's archives and database to the bucket and
// returns the number of files uploaded.
func (s *Service) S3Archive(ctx context.Context, name string) (int, error) {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return 0, err
	}
	syncer, err := s.syncer(ctx)
	if err != nil {
		return 0, err
	}
	return syncer.Push(ctx, fc)
}

// S3Restore downloads the feed's recorded archives from the bucket into
// outDir, zip/ by default, and returns the number of files fetched.
func (s *Service) S3Restore(ctx context.Context, name, outDir string) (int, error) {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return 0, err
	}
	syncer, err := s.syncer(ctx)
	if err != nil {
		return 0, err
	}
	return syncer.Restore(ctx, fc, outDir)
}

// ManifestShow returns the raw manifest.json of a feed.
func (s *Service) ManifestShow(name string) ([]byte, error) {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return nil, err
	}
	return manifest.Show(fc.ManifestPath)
}

// ManifestUpdate sets one top-level manifest field; an empty value removes
// it. value is parsed as JSON when possible. The result must still be a
// valid manifest.
func (s *Service) ManifestUpdate(name, field, value string) error {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return err
	}
	if err := manifest.Update(fc.ManifestPath, field, value); err != nil {
		return err
	}
	if _, err := manifest.Load(fc.ManifestPath); err != nil {
		return fmt.Errorf("feedpipe: manifest %s updated but invalid: %w", name, err)
	}
	return nil
}
