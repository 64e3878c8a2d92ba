package fetch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastConfig() Config {
	return Config{WaitMin: time.Millisecond, WaitMax: 5 * time.Millisecond}
}

func TestDownload_Success(t *testing.T) {
	// WHAT: A 200 response lands at dest with its hash and size.
	// WHY: Core acquire functionality.
	body := "PK\x03\x04 not really a zip"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "feedpipe/1.0" {
			t.Errorf("user agent: got %q", ua)
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "20190101.zip")
	res, err := New(fastConfig(), quiet()).Download(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != body {
		t.Fatalf("dest content %q, %v", got, err)
	}
	if res.Bytes != int64(len(body)) || res.StatusCode != 200 {
		t.Errorf("result = %+v", res)
	}
	if want := fmt.Sprintf("%x", sha256.Sum256([]byte(body))); res.Hash != want {
		t.Errorf("hash: got %s, want %s", res.Hash, want)
	}
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	// WHAT: Transient 503s are retried until the server answers.
	// WHY: Report servers throttle bulk historical downloads.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "a.zip")
	if _, err := New(fastConfig(), quiet()).Download(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls: got %d, want 3", n)
	}
}

func TestDownload_NotFoundLeavesNothing(t *testing.T) {
	// WHAT: A 4xx fails without creating dest or temp files.
	// WHY: The state file must only name files that exist completely.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	res, err := New(fastConfig(), quiet()).Download(context.Background(), srv.URL, filepath.Join(dir, "a.zip"))
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.StatusCode != 404 {
		t.Errorf("result = %+v", res)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("directory not empty: %d entries", len(entries))
	}
}

func TestDownload_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxBytes = 10
	dir := t.TempDir()
	_, err := New(cfg, quiet()).Download(context.Background(), srv.URL, filepath.Join(dir, "a.zip"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("partial file left behind")
	}
}

func TestExpand(t *testing.T) {
	day := time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC)
	got := Expand("http://x/q?start=_START_T07:00-0000&end=_END_T07:00-0000", day)
	want := "http://x/q?start=20191231T07:00-0000&end=20200101T07:00-0000"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestDays(t *testing.T) {
	start := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2019, 1, 4, 15, 30, 0, 0, time.UTC)

	targets := Days("http://x/_START_", start, end)
	if len(targets) != 3 {
		t.Fatalf("targets: got %d, want 3", len(targets))
	}
	if targets[0].File != "20190101.zip" || targets[2].URL != "http://x/20190103" {
		t.Errorf("targets = %+v", targets)
	}

	static := Days("http://x/latest.zip", start, end)
	if len(static) != 1 || static[0].File != "20190104.zip" {
		t.Errorf("static targets = %+v", static)
	}
}
