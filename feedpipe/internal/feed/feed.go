// Package feed resolves the on-disk layout of one data feed into an explicit
// Context value, so no component depends on the process working directory.
//
// Layout under the feed root:
//
//	manifest.json
//	src/                stage scripts (optional)
//	zip/                acquired archives, zip/downloaded.txt
//	xml/                extracted documents, xml/unzipped.txt
//	db/<name>.db        feed database, db/inserted.txt
//	pipeline.log        combined stage output
package feed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when the feed directory does not exist.
var ErrNotFound = errors.New("feed: not found")

// Stage subdirectories and state file names.
const (
	ManifestFile = "manifest.json"
	SrcDir       = "src"
	ZipDir       = "zip"
	XMLDir       = "xml"
	DBDir        = "db"
	LogFile      = "pipeline.log"

	AcquiredFile  = "downloaded.txt"
	ExtractedFile = "unzipped.txt"
	LoadedFile    = "inserted.txt"
)

// Context carries every path a pipeline component needs for one feed.
type Context struct {
	Name string
	Root string

	SrcDir       string
	ZipDir       string
	XMLDir       string
	DBDir        string
	DBPath       string
	ManifestPath string
	LogPath      string

	// State files, one per stage.
	Acquired  string
	Extracted string
	Loaded    string
}

// New builds the Context for the feed rooted at root without touching the
// filesystem. The feed name is the last path element.
func New(root string) *Context {
	root = filepath.Clean(root)
	name := filepath.Base(root)
	c := &Context{
		Name:         name,
		Root:         root,
		SrcDir:       filepath.Join(root, SrcDir),
		ZipDir:       filepath.Join(root, ZipDir),
		XMLDir:       filepath.Join(root, XMLDir),
		DBDir:        filepath.Join(root, DBDir),
		ManifestPath: filepath.Join(root, ManifestFile),
		LogPath:      filepath.Join(root, LogFile),
	}
	c.DBPath = filepath.Join(c.DBDir, name+".db")
	c.Acquired = filepath.Join(c.ZipDir, AcquiredFile)
	c.Extracted = filepath.Join(c.XMLDir, ExtractedFile)
	c.Loaded = filepath.Join(c.DBDir, LoadedFile)
	return c
}

// Open validates name, checks that dataDir/name is an existing directory and
// returns its Context. It fails before any state is touched.
func Open(dataDir, name string) (*Context, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	root := filepath.Join(dataDir, name)
	fi, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, root)
		}
		return nil, fmt.Errorf("feed: stat %s: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, root)
	}
	return New(root), nil
}

// StageDirs returns the working directories the pipeline writes into.
func (c *Context) StageDirs() []string {
	return []string{c.ZipDir, c.XMLDir, c.DBDir}
}

// EnsureDirs creates the stage working directories.
func (c *Context) EnsureDirs() error {
	for _, d := range c.StageDirs() {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("feed: mkdir %s: %w", d, err)
		}
	}
	return nil
}

// StageDir maps a reset stage name ("zip", "xml", "db") to its directory.
func (c *Context) StageDir(stage string) (string, error) {
	switch stage {
	case ZipDir:
		return c.ZipDir, nil
	case XMLDir:
		return c.XMLDir, nil
	case DBDir:
		return c.DBDir, nil
	default:
		return "", fmt.Errorf("feed: unknown stage directory %q (want zip, xml or db)", stage)
	}
}

// List returns the names of the feed directories under dataDir, sorted.
// A missing dataDir yields an empty list.
func List(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("feed: list %s: %w", dataDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
