// Package archive snapshots a feed directory to <dir>/<feed>.tar.gz and
// restores it. Entries are stored relative to the feed root, so a restore
// reproduces the exact layout the pipeline expects: state files, stage
// directories, database and scripts with their modes.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
)

var (
	// ErrExists is returned by Restore when the target feed directory exists.
	ErrExists = errors.New("archive: target feed directory already exists")
	// ErrUnsafeEntry is returned for archive entries escaping the target.
	ErrUnsafeEntry = errors.New("archive: unsafe entry")
)

// Suffix is appended to the feed name to form the archive file name.
const Suffix = ".tar.gz"

// Archiver writes snapshots into Dir.
type Archiver struct {
	Dir string
}

// Path returns the archive path for a feed.
func (a *Archiver) Path(name string) string { return filepath.Join(a.Dir, name+Suffix) }

// Snapshot archives the feed and returns the archive path.
func (a *Archiver) Snapshot(ctx context.Context, fc *feed.Context) (string, error) {
	dest := a.Path(fc.Name)
	if err := Create(ctx, fc.Root, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// Create writes a gzip-compressed tar of srcDir to dest. The archive is
// written under a temporary name and renamed into place when complete.
func Create(ctx context.Context, srcDir, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("archive: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(ctx, tmp, srcDir); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("archive: rename: %w", err)
	}
	return nil
}

func write(ctx context.Context, w io.Writer, srcDir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil || rel == "." {
			return err
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive: write %s: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("archive: close gzip: %w", err)
	}
	return nil
}

// Restore extracts the archive at src into dataDir/name. It refuses to touch
// an existing feed directory.
func Restore(ctx context.Context, src, dataDir, name string) (string, error) {
	if err := feed.ValidateName(name); err != nil {
		return "", err
	}
	target := filepath.Join(dataDir, name)
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, target)
	}

	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("archive: open %s: %w", src, err)
	}
	defer f.Close()

	// Extract next to the target and rename, so a failed restore leaves no
	// half-populated feed behind.
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("archive: mkdir: %w", err)
	}
	staging, err := os.MkdirTemp(dataDir, "."+name+".restore-*")
	if err != nil {
		return "", fmt.Errorf("archive: staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(ctx, f, staging); err != nil {
		return "", err
	}
	if err := os.Rename(staging, target); err != nil {
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return target, nil
}

func extract(ctx context.Context, r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("archive: gzip: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read: %w", err)
		}

		name := filepath.FromSlash(strings.TrimPrefix(hdr.Name, "./"))
		if name == "" || name == "." {
			continue
		}
		target := filepath.Join(dir, name)
		if filepath.IsAbs(name) || !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s", ErrUnsafeEntry, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archive: mkdir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: mkdir: %w", err)
			}
			if err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("archive: extract %s: %w", hdr.Name, err)
			}
		}
	}
}

func writeFile(path string, r io.Reader, mode fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
