// Package manifest reads and updates a feed's manifest.json.
//
// The manifest is loaded fresh on every pipeline invocation; nothing caches
// it across runs. Statements may be written as one string or as an array of
// tokens, which are joined with single spaces:
//
//	"ddl_create": ["CREATE TABLE IF NOT EXISTS oasis (", "id TEXT", ")"]
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrInvalid is returned when a manifest fails validation.
var ErrInvalid = errors.New("manifest: invalid")

// Statement is an SQL statement declared as a string or a token array.
type Statement string

// UnmarshalJSON accepts either a JSON string or an array of strings.
func (s *Statement) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var parts []string
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("manifest: statement tokens: %w", err)
		}
		*s = Statement(strings.Join(parts, " "))
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("manifest: statement: %w", err)
	}
	*s = Statement(str)
	return nil
}

// Column maps one record field to one table column.
type Column struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`  // SQLite type affinity, default TEXT
	Field string `json:"field,omitempty"` // record field, default Name
}

// RecordField returns the record field feeding this column.
func (c Column) RecordField() string {
	if c.Field != "" {
		return c.Field
	}
	return c.Name
}

// StageSpec overrides one step of the feed's pipeline.
type StageSpec struct {
	Kind string `json:"kind"`           // acquire, extract, load, publish, script
	Path string `json:"path,omitempty"` // script path relative to the feed root
}

// Manifest is the pipeline's view of manifest.json. Keys it does not know
// are preserved by Update but ignored here.
type Manifest struct {
	Name      string    `json:"name"`
	DDLCreate Statement `json:"ddl_create,omitempty"`
	SQLInsert Statement `json:"sql_insert,omitempty"`

	Table      string   `json:"table,omitempty"`
	Columns    []Column `json:"columns,omitempty"`
	NaturalKey []string `json:"natural_key,omitempty"`

	Stages []StageSpec `json:"stages,omitempty"`

	Maintainer string `json:"maintainer,omitempty"`
	Company    string `json:"company,omitempty"`
	Email      string `json:"email,omitempty"`
	URL        string `json:"url,omitempty"`
	StartDate  []int  `json:"start_date,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the fields the pipeline depends on.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if len(m.NaturalKey) > 0 && len(m.Columns) == 0 {
		return fmt.Errorf("%w: natural_key requires columns", ErrInvalid)
	}
	cols := make(map[string]bool, len(m.Columns))
	for i, c := range m.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: columns[%d]: name is required", ErrInvalid, i)
		}
		if cols[c.Name] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalid, c.Name)
		}
		cols[c.Name] = true
	}
	for _, k := range m.NaturalKey {
		if !cols[k] {
			return fmt.Errorf("%w: natural_key column %q is not declared", ErrInvalid, k)
		}
	}
	if m.StartDate != nil && len(m.StartDate) != 3 {
		return fmt.Errorf("%w: start_date must be [year, month, day]", ErrInvalid)
	}
	for i, s := range m.Stages {
		switch s.Kind {
		case "acquire", "extract", "load", "publish":
		case "script":
			if s.Path == "" {
				return fmt.Errorf("%w: stages[%d]: script stage needs a path", ErrInvalid, i)
			}
		default:
			return fmt.Errorf("%w: stages[%d]: unknown kind %q", ErrInvalid, i, s.Kind)
		}
	}
	return nil
}

var createTableRe = regexp.MustCompile("(?i)create\\s+table\\s+(?:if\\s+not\\s+exists\\s+)?[\"`\\[]?([A-Za-z_][A-Za-z0-9_]*)")

// TableName returns the target table: the explicit "table" key, else the
// name parsed from ddl_create, else "".
func (m *Manifest) TableName() string {
	if m.Table != "" {
		return m.Table
	}
	if sm := createTableRe.FindStringSubmatch(string(m.DDLCreate)); sm != nil {
		return sm[1]
	}
	return ""
}

// Start returns the feed's start date, or false when it is not declared.
func (m *Manifest) Start() (time.Time, bool) {
	if len(m.StartDate) != 3 {
		return time.Time{}, false
	}
	return time.Date(m.StartDate[0], time.Month(m.StartDate[1]), m.StartDate[2], 0, 0, 0, 0, time.UTC), true
}

// Show returns the manifest file verbatim.
func Show(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return data, nil
}

// Update sets field to value in the manifest at path, or removes the field
// when value is empty. A value that parses as JSON (array, number, object)
// is stored as such, anything else as a string. Keys are written sorted with
// four-space indentation. The file is replaced atomically.
func Update(path, field, value string) error {
	if field == "" {
		return fmt.Errorf("%w: field is required", ErrInvalid)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest: read %s: %w", path, err)
	}
	obj := make(map[string]any)
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	if value == "" {
		delete(obj, field)
	} else {
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			obj[field] = parsed
		} else {
			obj[field] = value
		}
	}

	out, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	out = append(out, '\n')
	return writeAtomic(path, out)
}

func writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("manifest: rename: %w", err)
	}
	return nil
}
