package stage

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/fetch"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/load"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/state"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/transform"
)

// Acquire downloads one archive per day between the manifest start date and
// today from the manifest url template.
type Acquire struct {
	Fetcher *fetch.Fetcher
	Now     func() time.Time
}

func (a *Acquire) Kind() Kind   { return KindAcquire }
func (a *Acquire) Name() string { return string(KindAcquire) }

func (a *Acquire) Run(ctx context.Context, env *Env) error {
	fc, m := env.Feed, env.Manifest
	if m.URL == "" {
		env.Logger.Info("acquire: manifest has no url, nothing to download")
		return nil
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	end := now()
	start, ok := m.Start()
	if !ok {
		start = end
	}

	done, err := state.Read(fc.Acquired)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(done))
	for _, n := range done {
		seen[n] = true
	}

	if err := os.MkdirAll(fc.ZipDir, 0o755); err != nil {
		return err
	}
	var fetched int
	for _, t := range fetch.Days(m.URL, start, end) {
		if seen[t.File] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := filepath.Join(fc.ZipDir, t.File)
		if _, err := os.Stat(dest); err != nil {
			res, err := a.Fetcher.Download(ctx, t.URL, dest)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Output, "downloaded %s (%d bytes)\n", t.File, res.Bytes)
		}
		if err := state.Record(t.File, fc.Acquired); err != nil {
			return err
		}
		fetched++
	}
	env.Logger.Info("acquire: done", "new", fetched)
	return nil
}

// Extract unpacks every new zip archive into the xml directory.
type Extract struct{}

func (x *Extract) Kind() Kind   { return KindExtract }
func (x *Extract) Name() string { return string(KindExtract) }

func (x *Extract) Run(ctx context.Context, env *Env) error {
	fc := env.Feed
	items, err := state.NewItems(fc.ZipDir, fc.Extracted, state.WithPattern("*.zip"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(fc.XMLDir, 0o755); err != nil {
		return err
	}
	for _, name := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unzip(filepath.Join(fc.ZipDir, name), fc.XMLDir)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := state.Record(name, fc.Extracted); err != nil {
			return err
		}
		fmt.Fprintf(env.Output, "extracted %s (%d files)\n", name, n)
	}
	env.Logger.Info("extract: done", "new", len(items))
	return nil
}

// unzip writes the regular files of archive flat into dir. Member paths are
// reduced to their base name. A name already holding different content, from
// another archive or another member, gets the archive name as a prefix.
func unzip(archive, dir string) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	stem := strings.TrimSuffix(filepath.Base(archive), filepath.Ext(archive))
	var n int
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(f.Name, `\`, "/")))
		if base == "." || base == ".." || strings.HasPrefix(base, ".") {
			continue
		}
		dest, done, err := memberPath(f, dir, stem, base)
		if err != nil {
			return n, err
		}
		if !done {
			if err := extractFile(f, dest); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

// memberPath picks where f is written. done reports that an identical copy
// is already in place, as after an interrupted extract.
func memberPath(f *zip.File, dir, stem, base string) (string, bool, error) {
	for _, name := range []string{base, stem + "_" + base} {
		path := filepath.Join(dir, name)
		same, err := sameContent(path, f)
		if errors.Is(err, os.ErrNotExist) {
			return path, false, nil
		}
		if err != nil {
			return "", false, err
		}
		if same {
			return path, true, nil
		}
	}
	return "", false, fmt.Errorf("%w: %s", ErrNameConflict, base)
}

func sameContent(path string, f *zip.File) (bool, error) {
	fh, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer fh.Close()
	fi, err := fh.Stat()
	if err != nil {
		return false, err
	}
	if uint64(fi.Size()) != f.UncompressedSize64 {
		return false, nil
	}
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, fh); err != nil {
		return false, err
	}
	return h.Sum32() == f.CRC32, nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// Load transforms every new document and loads the records in batches of
// BatchDocuments documents, one transaction per batch. A batch's document
// names are recorded only after its transaction commits.
type Load struct {
	Transformer *transform.Transformer
	// BatchDocuments is the number of documents per transaction. Default 1.
	BatchDocuments int
	Observer       Observer
	// Driver overrides the database/sql driver, e.g. "sqlite-trace".
	Driver string
}

func (l *Load) Kind() Kind   { return KindLoad }
func (l *Load) Name() string { return string(KindLoad) }

func (l *Load) Run(ctx context.Context, env *Env) error {
	fc := env.Feed
	obs := l.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	tr := l.Transformer
	if tr == nil {
		tr = transform.New(transform.DefaultPlan(), env.Logger)
	}

	st, err := load.Compile(env.Manifest, tr.Plan().Columns())
	if err != nil {
		return err
	}
	// Items without a natural key are skipped at transform time; inserting
	// them would fail the batch on every run.
	if len(st.Required) > 0 {
		p := tr.Plan()
		p.Required = append(slices.Clip(p.Required), st.Required...)
		tr = transform.New(p, env.Logger)
	}
	items, err := state.NewItems(fc.XMLDir, fc.Loaded, state.WithPattern("*.xml"))
	if err != nil {
		return err
	}

	var opts []load.Option
	if l.Driver != "" {
		opts = append(opts, load.WithDriver(l.Driver))
	}
	eng, err := load.Open(fc.DBPath, env.Logger, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	size := max(l.BatchDocuments, 1)
	var (
		total   load.Result
		skipped int
	)
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := items[start:min(start+size, len(items))]

		var records []transform.Record
		for _, name := range batch {
			res, err := tr.TransformFile(filepath.Join(fc.XMLDir, name))
			if err != nil {
				if errors.Is(err, transform.ErrMalformed) {
					env.Logger.Warn("load: skipping malformed document", "document", name, "error", err)
					fmt.Fprintf(env.Output, "skipped %s: %v\n", name, err)
					continue
				}
				return err
			}
			if res.Skipped > 0 {
				fmt.Fprintf(env.Output, "skipped %d items of %s without a key\n", res.Skipped, name)
			}
			skipped += res.Skipped
			records = append(records, res.Records...)
		}

		res, err := eng.Load(ctx, st, records)
		if err != nil {
			return fmt.Errorf("batch %s: %w", batchLabel(batch), err)
		}
		if err := state.RecordAll(batch, fc.Loaded); err != nil {
			return err
		}
		obs.BatchLoaded(fc.Name, len(batch), res)
		total.Attempted += res.Attempted
		total.Committed += res.Committed
		total.Inserted += res.Inserted
		fmt.Fprintf(env.Output, "loaded %s: %d records, %d new rows\n", batchLabel(batch), res.Committed, res.Inserted)
	}

	// The table exists even when there was nothing new, so status can count it.
	if len(items) == 0 {
		if _, err := eng.Load(ctx, st, nil); err != nil {
			return err
		}
	}
	env.Logger.Info("load: done", "documents", len(items),
		"records", total.Committed, "inserted", total.Inserted, "skipped_items", skipped)
	return nil
}

func batchLabel(batch []string) string {
	if len(batch) == 1 {
		return batch[0]
	}
	return fmt.Sprintf("%s..%s", batch[0], batch[len(batch)-1])
}

// Snapshotter writes a compressed copy of a feed.
type Snapshotter interface {
	Snapshot(ctx context.Context, fc *feed.Context) (string, error)
}

// Mirror copies a feed's artifacts to remote storage.
type Mirror interface {
	Push(ctx context.Context, fc *feed.Context) (int, error)
}

// Publish snapshots the feed and mirrors it. Both steps are optional.
type Publish struct {
	Snapshot Snapshotter
	Mirror   Mirror
}

func (p *Publish) Kind() Kind   { return KindPublish }
func (p *Publish) Name() string { return string(KindPublish) }

func (p *Publish) Run(ctx context.Context, env *Env) error {
	if p.Snapshot == nil && p.Mirror == nil {
		env.Logger.Debug("publish: no archive or mirror configured")
		return nil
	}
	if p.Snapshot != nil {
		path, err := p.Snapshot.Snapshot(ctx, env.Feed)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Output, "archived to %s\n", path)
	}
	if p.Mirror != nil {
		n, err := p.Mirror.Push(ctx, env.Feed)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Output, "mirrored %d files\n", n)
	}
	return nil
}
