package archive

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
)

func populate(t *testing.T, root string) {
	t.Helper()
	files := map[string]string{
		"manifest.json":       `{"name":"oasis"}`,
		"zip/downloaded.txt":  "20190101.zip\n",
		"zip/20190101.zip":    "PK",
		"xml/unzipped.txt":    "20190101.zip\n",
		"db/inserted.txt":     "20190101.xml\n",
		"db/oasis.db":         "sqlite",
		"src/10_down.sh":      "#!/bin/sh\n",
		"src/nested/deep.txt": "x",
	}
	for rel, body := range files {
		p := filepath.Join(root, rel)
		os.MkdirAll(filepath.Dir(p), 0o755)
		mode := os.FileMode(0o644)
		if filepath.Ext(rel) == ".sh" {
			mode = 0o755
		}
		if err := os.WriteFile(p, []byte(body), mode); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	// WHAT: Snapshot then restore reproduces files, contents and modes.
	// WHY: A restored feed must resume exactly where the snapshot left it.
	ctx := context.Background()
	dataDir := filepath.Join(t.TempDir(), "data")
	root := filepath.Join(dataDir, "oasis")
	populate(t, root)

	a := &Archiver{Dir: filepath.Join(t.TempDir(), "archive")}
	path, err := a.Snapshot(ctx, feed.New(root))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if path != filepath.Join(a.Dir, "oasis.tar.gz") {
		t.Errorf("path = %s", path)
	}

	if _, err := Restore(ctx, path, dataDir, "oasis"); !errors.Is(err, ErrExists) {
		t.Fatalf("restore over existing feed: err = %v, want ErrExists", err)
	}

	other := filepath.Join(t.TempDir(), "data")
	target, err := Restore(ctx, path, other, "oasis")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, rel := range []string{"zip/downloaded.txt", "db/oasis.db", "src/nested/deep.txt"} {
		want, _ := os.ReadFile(filepath.Join(root, rel))
		got, err := os.ReadFile(filepath.Join(target, rel))
		if err != nil || string(got) != string(want) {
			t.Errorf("%s: got %q, %v", rel, got, err)
		}
	}
	fi, err := os.Stat(filepath.Join(target, "src/10_down.sh"))
	if err != nil || fi.Mode().Perm()&0o100 == 0 {
		t.Errorf("script mode not preserved: %v %v", fi, err)
	}
	entries, _ := os.ReadDir(other)
	if len(entries) != 1 {
		t.Errorf("staging directory left behind: %d entries", len(entries))
	}
}

func TestRestoreRejectsTraversal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, _ := os.Create(src)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("pwned")
	tw.WriteHeader(&tar.Header{Name: "../../escape.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg})
	tw.Write(body)
	tw.Close()
	gz.Close()
	f.Close()

	dataDir := filepath.Join(t.TempDir(), "data")
	if _, err := Restore(context.Background(), src, dataDir, "evil"); !errors.Is(err, ErrUnsafeEntry) {
		t.Fatalf("err = %v, want ErrUnsafeEntry", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "evil")); !os.IsNotExist(err) {
		t.Error("failed restore left a feed directory")
	}
}

func TestRestoreMissingArchive(t *testing.T) {
	if _, err := Restore(context.Background(), filepath.Join(t.TempDir(), "none.tar.gz"), t.TempDir(), "x"); err == nil {
		t.Fatal("expected error")
	}
}
