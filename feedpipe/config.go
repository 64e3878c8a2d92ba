package feedpipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the tool configuration, ~/.config/feedpipe/config.yaml.
type Config struct {
	// Root holds data/<feed> and archive/.
	Root           string `yaml:"root"`
	LogLevel       string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat      string `yaml:"log_format"` // json, text
	BatchDocuments int    `yaml:"batch_documents"`
	// TraceSQL logs every load statement through the sqlite-trace driver.
	TraceSQL bool `yaml:"trace_sql"`

	Fetch   FetchConfig   `yaml:"fetch"`
	S3      S3Config      `yaml:"s3"`
	Publish PublishConfig `yaml:"publish"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// FetchConfig configures acquire-stage downloads.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	UserAgent string        `yaml:"user_agent"`
	MaxMB     int           `yaml:"max_mb"`
}

// S3Config selects the bucket feeds are mirrored to.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Profile   string `yaml:"profile"`
	PathStyle bool   `yaml:"path_style"`
}

// PublishConfig selects what the built-in publish stage does.
type PublishConfig struct {
	Archive bool `yaml:"archive"` // tar.gz snapshot into archive/
	S3      bool `yaml:"s3"`      // mirror zip/*.zip and db/*.db
}

// HTTPConfig configures "feedpipe serve".
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigPath returns ~/.config/feedpipe/config.yaml.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "feedpipe", "config.yaml")
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Root:           ".",
		LogLevel:       "info",
		LogFormat:      "json",
		BatchDocuments: 1,
		Fetch: FetchConfig{
			Timeout:   60 * time.Second,
			Retries:   3,
			UserAgent: "feedpipe/1.0",
			MaxMB:     512,
		},
		S3:   S3Config{Prefix: "feedpipe"},
		HTTP: HTTPConfig{Listen: "127.0.0.1:8090"},
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.Root == "" {
		c.Root = d.Root
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.BatchDocuments <= 0 {
		c.BatchDocuments = d.BatchDocuments
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = d.Fetch.Timeout
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = d.Fetch.UserAgent
	}
	if c.Fetch.MaxMB <= 0 {
		c.Fetch.MaxMB = d.Fetch.MaxMB
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = d.HTTP.Listen
	}
}

// LoadConfig reads a YAML config file over DefaultConfig. A missing file is
// an error wrapping os.ErrNotExist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feedpipe: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("feedpipe: parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: root is required", ErrInvalidConfig)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q (use debug, info, warn or error)", ErrInvalidConfig, c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log_format %q (use json or text)", ErrInvalidConfig, c.LogFormat)
	}
	if c.BatchDocuments <= 0 {
		return fmt.Errorf("%w: batch_documents must be > 0", ErrInvalidConfig)
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("%w: fetch.retries must be >= 0", ErrInvalidConfig)
	}
	if c.Publish.S3 && c.S3.Bucket == "" {
		return fmt.Errorf("%w: publish.s3 needs s3.bucket", ErrInvalidConfig)
	}
	return nil
}

// Save writes the config to path, creating its directory. The file is
// replaced atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("feedpipe: encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("feedpipe: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("feedpipe: write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("feedpipe: rename config: %w", err)
	}
	return nil
}

// Set assigns one key by its YAML path, e.g. "fetch.retries" or "s3.bucket".
func (c *Config) Set(key, value string) error {
	var err error
	switch key {
	case "root":
		c.Root = value
	case "log_level":
		c.LogLevel = value
	case "log_format":
		c.LogFormat = value
	case "batch_documents":
		c.BatchDocuments, err = strconv.Atoi(value)
	case "trace_sql":
		c.TraceSQL, err = strconv.ParseBool(value)
	case "fetch.timeout":
		c.Fetch.Timeout, err = time.ParseDuration(value)
	case "fetch.retries":
		c.Fetch.Retries, err = strconv.Atoi(value)
	case "fetch.user_agent":
		c.Fetch.UserAgent = value
	case "fetch.max_mb":
		c.Fetch.MaxMB, err = strconv.Atoi(value)
	case "s3.bucket":
		c.S3.Bucket = value
	case "s3.prefix":
		c.S3.Prefix = value
	case "s3.region":
		c.S3.Region = value
	case "s3.endpoint":
		c.S3.Endpoint = value
	case "s3.profile":
		c.S3.Profile = value
	case "s3.path_style":
		c.S3.PathStyle, err = strconv.ParseBool(value)
	case "publish.archive":
		c.Publish.Archive, err = strconv.ParseBool(value)
	case "publish.s3":
		c.Publish.S3, err = strconv.ParseBool(value)
	case "http.listen":
		c.HTTP.Listen = value
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return c.Validate()
}

// RootDir returns Root with a leading ~ expanded and made absolute.
func (c *Config) RootDir() string {
	root := c.Root
	if root == "~" || strings.HasPrefix(root, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, strings.TrimPrefix(root, "~"))
		}
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return root
}

// DataDir holds one directory per feed.
func (c *Config) DataDir() string { return filepath.Join(c.RootDir(), "data") }

// ArchiveDir holds <feed>.tar.gz snapshots.
func (c *Config) ArchiveDir() string { return filepath.Join(c.RootDir(), "archive") }

// String renders the config as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(data)
}
