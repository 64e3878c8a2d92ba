// Package fetch downloads acquire-stage artifacts over HTTP with retries.
//
// Files are written to a temporary name in the destination directory and
// renamed into place once complete, so a crash mid-download never leaves a
// truncated file that a later stage would pick up.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrTooLarge is returned when a response exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("fetch: response too large")

// Config configures the fetcher.
type Config struct {
	Timeout   time.Duration // per-attempt HTTP timeout. Default: 60s.
	Retries   int           // retries after the first attempt. Default: 3, negative disables.
	MaxBytes  int64         // response size cap. Default: 512MB.
	UserAgent string        // Default: "feedpipe/1.0".
	// WaitMin and WaitMax bound the retry backoff. Defaults: 1s, 30s.
	WaitMin time.Duration
	WaitMax time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 3
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 512 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "feedpipe/1.0"
	}
	if c.WaitMin <= 0 {
		c.WaitMin = time.Second
	}
	if c.WaitMax <= 0 {
		c.WaitMax = 30 * time.Second
	}
}

// Result describes one completed download.
type Result struct {
	Path       string
	StatusCode int
	Bytes      int64
	Hash       string // SHA-256 of the body
}

// Fetcher performs GET requests with retry and backoff.
type Fetcher struct {
	client *retryablehttp.Client
	config Config
}

// New creates a Fetcher. Retry attempts are logged through logger.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = cfg.WaitMin
	rc.RetryWaitMax = cfg.WaitMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = logger
	return &Fetcher{client: rc, config: cfg}
}

// Download fetches url into dest. dest's directory must exist.
func (f *Fetcher) Download(ctx context.Context, url, dest string) (*Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{StatusCode: resp.StatusCode}, fmt.Errorf("fetch: get %s: http %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("fetch: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err == nil && n > f.config.MaxBytes {
		err = fmt.Errorf("%w: over %d bytes", ErrTooLarge, f.config.MaxBytes)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("fetch: write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("fetch: rename: %w", err)
	}

	return &Result{
		Path:       dest,
		StatusCode: resp.StatusCode,
		Bytes:      n,
		Hash:       hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// DayLayout formats the _START_ and _END_ placeholders.
const DayLayout = "20060102"

// Target is one day's download.
type Target struct {
	Day  time.Time
	URL  string
	File string // file name under the feed's zip directory
}

// Expand replaces _START_ with day and _END_ with the following day.
func Expand(tmpl string, day time.Time) string {
	return strings.NewReplacer(
		"_START_", day.Format(DayLayout),
		"_END_", day.AddDate(0, 0, 1).Format(DayLayout),
	).Replace(tmpl)
}

// Days returns one Target per day from start up to, but excluding, end.
// A template without placeholders yields a single target named after end's
// day, so static URLs are fetched once per day the pipeline runs.
func Days(tmpl string, start, end time.Time) []Target {
	start = truncateDay(start)
	end = truncateDay(end)
	if !strings.Contains(tmpl, "_START_") && !strings.Contains(tmpl, "_END_") {
		return []Target{{Day: end, URL: tmpl, File: end.Format(DayLayout) + ".zip"}}
	}
	var out []Target
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		out = append(out, Target{Day: d, URL: Expand(tmpl, d), File: d.Format(DayLayout) + ".zip"})
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
