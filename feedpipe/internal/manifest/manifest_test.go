package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const oasisManifest = `{
    "name": "data-oasis-as-mileage-calc-all",
    "maintainer": "Todd",
    "url": "http://oasis.example.com/SingleZip?startdatetime=_START_T07:00-0000&enddatetime=_END_T07:00-0000",
    "start_date": [2013, 1, 1],
    "ddl_create": ["CREATE TABLE IF NOT EXISTS oasis (", "timedate TEXT, value TEXT,", "PRIMARY KEY (timedate))"],
    "sql_insert": "INSERT OR IGNORE INTO oasis (timedate, value) VALUES (:timedate, :value)",
    "custom": {"keep": true}
}`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_TokenStatements(t *testing.T) {
	// WHAT: Token-array statements are joined with single spaces.
	// WHY: Manifests split long DDL across array elements.
	m, err := Load(writeManifest(t, oasisManifest))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := "CREATE TABLE IF NOT EXISTS oasis ( timedate TEXT, value TEXT, PRIMARY KEY (timedate))"
	if string(m.DDLCreate) != want {
		t.Errorf("ddl: got %q", m.DDLCreate)
	}
	if string(m.SQLInsert) != "INSERT OR IGNORE INTO oasis (timedate, value) VALUES (:timedate, :value)" {
		t.Errorf("insert: got %q", m.SQLInsert)
	}
	if m.TableName() != "oasis" {
		t.Errorf("table: got %q", m.TableName())
	}
	start, ok := m.Start()
	if !ok || start.Year() != 2013 || start.Month() != 1 || start.Day() != 1 {
		t.Errorf("start: got %v, %v", start, ok)
	}
}

func TestLoad_MissingName(t *testing.T) {
	_, err := Load(writeManifest(t, `{"ddl_create": "x"}`))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestValidate_NaturalKey(t *testing.T) {
	m := &Manifest{
		Name:       "f",
		Columns:    []Column{{Name: "a"}},
		NaturalKey: []string{"b"},
	}
	if err := m.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("undeclared key column: err = %v", err)
	}
	m.NaturalKey = []string{"a"}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid manifest: %v", err)
	}
}

func TestValidate_Stages(t *testing.T) {
	m := &Manifest{Name: "f", Stages: []StageSpec{{Kind: "script"}}}
	if err := m.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("script without path: err = %v", err)
	}
	m.Stages = []StageSpec{{Kind: "deploy"}}
	if err := m.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown kind: err = %v", err)
	}
}

func TestTableName_Explicit(t *testing.T) {
	m := &Manifest{Name: "f", Table: "prices", DDLCreate: "CREATE TABLE other (x)"}
	if m.TableName() != "prices" {
		t.Errorf("got %q", m.TableName())
	}
	m = &Manifest{Name: "f", DDLCreate: `create table "quoted_t" (x)`}
	if m.TableName() != "quoted_t" {
		t.Errorf("quoted: got %q", m.TableName())
	}
}

func TestUpdate_SetAndRemove(t *testing.T) {
	// WHAT: Update sets or removes one key and keeps unknown keys intact.
	// WHY: Scaffolding metadata lives next to pipeline fields in one file.
	path := writeManifest(t, oasisManifest)

	if err := Update(path, "maintainer", "Alice"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := Update(path, "url", ""); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := Update(path, "start_date", "[2019, 5, 1]"); err != nil {
		t.Fatalf("update json value: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatal(err)
	}
	if obj["maintainer"] != "Alice" {
		t.Errorf("maintainer: got %v", obj["maintainer"])
	}
	if _, ok := obj["url"]; ok {
		t.Error("url should be removed")
	}
	if _, ok := obj["custom"]; !ok {
		t.Error("unknown key dropped")
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if start, _ := m.Start(); start.Year() != 2019 || start.Month() != 5 {
		t.Errorf("start_date: got %v", start)
	}
}
