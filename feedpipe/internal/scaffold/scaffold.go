// Package scaffold creates new feed directories from embedded templates.
package scaffold

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/transform"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// ErrExists is returned when the feed directory is already present.
var ErrExists = errors.New("scaffold: feed already exists")

// DefaultStart is the start date used when none is given.
var DefaultStart = time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultNaturalKey identifies one OASIS report value.
var DefaultNaturalKey = []string{"data_item", "resource_name", "opr_date", "interval_num"}

// Params describes the feed to create.
type Params struct {
	Name       string
	Maintainer string
	Company    string
	Email      string
	URL        string // download template with _START_ and _END_
	Start      time.Time
	// RepoURL defaults to RepoBase + Name.
	RepoURL string
}

// RepoBase prefixes the default repository URL.
const RepoBase = "https://github.com/energy-analytics-project/"

type column struct {
	Name string
	Type string
}

type data struct {
	Params
	Columns    []column
	NaturalKey []string
}

// files maps template names to paths relative to the feed root.
var files = map[string]string{
	"manifest.json.tmpl": feed.ManifestFile,
	"README.md.tmpl":     "README.md",
	"gitignore.tmpl":     ".gitignore",
}

var tmpl = template.Must(template.New("").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"int": func(m time.Month) int { return int(m) },
}).ParseFS(templateFS, "templates/*.tmpl"))

// Create makes dataDir/<name> with its manifest, README and empty stage
// directories. It fails if the directory exists.
func Create(dataDir string, p Params) (*feed.Context, error) {
	if err := feed.ValidateName(p.Name); err != nil {
		return nil, err
	}
	if p.Start.IsZero() {
		p.Start = DefaultStart
	}
	if p.RepoURL == "" {
		p.RepoURL = RepoBase + p.Name
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("scaffold: mkdir: %w", err)
	}
	root := filepath.Join(dataDir, p.Name)
	if err := os.Mkdir(root, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, root)
		}
		return nil, fmt.Errorf("scaffold: mkdir: %w", err)
	}

	fc := feed.New(root)
	if err := render(fc, p); err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	return fc, nil
}

func render(fc *feed.Context, p Params) error {
	d := data{Params: p, Columns: planColumns(), NaturalKey: DefaultNaturalKey}
	for name, rel := range files {
		var buf bytes.Buffer
		if err := tmpl.ExecuteTemplate(&buf, name, d); err != nil {
			return fmt.Errorf("scaffold: render %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(fc.Root, rel), buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("scaffold: write %s: %w", rel, err)
		}
	}
	for _, dir := range append([]string{fc.SrcDir}, fc.StageDirs()...) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("scaffold: mkdir: %w", err)
		}
	}
	return nil
}

// planColumns declares one column per field of the default transform plan.
func planColumns() []column {
	fields := transform.DefaultPlan().Fields
	cols := make([]column, len(fields))
	for i, f := range fields {
		typ := "TEXT"
		if f.Derive == transform.Posix || strings.HasSuffix(f.Column, "_posix") {
			typ = "INTEGER"
		}
		cols[i] = column{Name: f.Column, Type: typ}
	}
	return cols
}
