// Package s3sync mirrors a feed's archives and database to an S3-compatible
// bucket and restores the archives back.
//
// Objects live under <prefix>/<feed>/zip/<file> and <prefix>/<feed>/db/<file>.
// Only zip/*.zip and db/*.db are mirrored: everything else in a feed is
// either derived from the archives or small enough to come from a snapshot.
package s3sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/state"
)

// ErrNoBucket is returned when no bucket is configured.
var ErrNoBucket = errors.New("s3sync: no bucket configured")

// Config selects the bucket and how to reach it. Credentials come from the
// standard AWS chain (environment, shared files, profile).
type Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`   // S3-compatible providers (Wasabi, Spaces, MinIO)
	Profile   string `yaml:"profile"`    // shared config profile
	PathStyle bool   `yaml:"path_style"` // path-style addressing
}

// API is the subset of the S3 client the syncer uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Syncer copies feed artifacts to and from one bucket.
type Syncer struct {
	api    API
	bucket string
	prefix string
	logger *slog.Logger
}

// New builds a Syncer from the default AWS configuration chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Syncer, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3sync: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient builds a Syncer on an existing client.
func NewWithClient(api API, cfg Config, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		api:    api,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}
}

func (s *Syncer) key(fc *feed.Context, dir, name string) string {
	return path.Join(s.prefix, fc.Name, dir, name)
}

// Push uploads zip/*.zip and db/*.db. Archives already present remotely
// with the same size are skipped; databases are always uploaded. It returns
// the number of files uploaded.
func (s *Syncer) Push(ctx context.Context, fc *feed.Context) (int, error) {
	var uploaded int
	for _, set := range []struct {
		dir, localDir, pattern string
		always                 bool
	}{
		{feed.ZipDir, fc.ZipDir, "*.zip", false},
		{feed.DBDir, fc.DBDir, "*.db", true},
	} {
		matches, err := filepath.Glob(filepath.Join(set.localDir, set.pattern))
		if err != nil {
			return uploaded, fmt.Errorf("s3sync: glob: %w", err)
		}
		for _, local := range matches {
			if err := ctx.Err(); err != nil {
				return uploaded, err
			}
			key := s.key(fc, set.dir, filepath.Base(local))
			fi, err := os.Stat(local)
			if err != nil {
				return uploaded, fmt.Errorf("s3sync: stat: %w", err)
			}
			if !set.always && s.sameSize(ctx, key, fi.Size()) {
				continue
			}
			if err := s.put(ctx, key, local); err != nil {
				return uploaded, err
			}
			uploaded++
			s.logger.Info("s3sync: uploaded", "feed", fc.Name, "key", key, "bytes", fi.Size())
		}
	}
	return uploaded, nil
}

func (s *Syncer) sameSize(ctx context.Context, key string, size int64) bool {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err == nil && aws.ToInt64(out.ContentLength) == size
}

func (s *Syncer) put(ctx context.Context, key, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("s3sync: open: %w", err)
	}
	defer f.Close()
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3sync: put %s: %w", key, err)
	}
	return nil
}

// Restore downloads the archives named in the feed's extracted state file
// into outDir (default: the feed's zip directory). Files already present
// locally are kept. It returns the number of files downloaded.
func (s *Syncer) Restore(ctx context.Context, fc *feed.Context, outDir string) (int, error) {
	if outDir == "" {
		outDir = fc.ZipDir
	}
	names, err := state.Read(fc.Extracted)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, fmt.Errorf("s3sync: mkdir: %w", err)
	}

	var downloaded int
	for _, name := range names {
		if name != filepath.Base(name) {
			return downloaded, fmt.Errorf("s3sync: bad archive name %q in %s", name, fc.Extracted)
		}
		dest := filepath.Join(outDir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := s.get(ctx, s.key(fc, feed.ZipDir, name), dest); err != nil {
			return downloaded, err
		}
		downloaded++
		s.logger.Info("s3sync: downloaded", "feed", fc.Name, "file", name)
	}
	return downloaded, nil
}

func (s *Syncer) get(ctx context.Context, key, dest string) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3sync: get %s: %w", key, err)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("s3sync: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("s3sync: write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("s3sync: close: %w", err)
	}
	return os.Rename(tmp.Name(), dest)
}
