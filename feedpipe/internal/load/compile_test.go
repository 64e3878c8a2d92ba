package load

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/manifest"
)

func TestCompile_Columns(t *testing.T) {
	m := &manifest.Manifest{
		Name:  "prices",
		Table: "lmp",
		Columns: []manifest.Column{
			{Name: "node", Field: "resource_name"},
			{Name: "start", Type: "INTEGER", Field: "interval_start_posix"},
			{Name: "value", Type: "REAL"},
		},
		NaturalKey: []string{"node", "start"},
	}
	st, err := Compile(m, []string{"resource_name", "interval_start_posix", "value", "extra"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if st.Table != "lmp" || !st.Named {
		t.Fatalf("table=%q named=%v", st.Table, st.Named)
	}
	for _, want := range []string{`"node" TEXT NOT NULL`, `"start" INTEGER NOT NULL`, `"value" REAL,`, `PRIMARY KEY ("node", "start")`} {
		if !strings.Contains(st.DDL, want) {
			t.Errorf("DDL missing %q:\n%s", want, st.DDL)
		}
	}
	wantInsert := `INSERT INTO "lmp" ("node", "start", "value") VALUES (:node, :start, :value) ON CONFLICT ("node", "start") DO NOTHING`
	if st.Insert != wantInsert {
		t.Errorf("insert:\n got %s\nwant %s", st.Insert, wantInsert)
	}
	wantBinds := []Bind{{"node", "resource_name"}, {"start", "interval_start_posix"}, {"value", "value"}}
	if !reflect.DeepEqual(st.Binds, wantBinds) {
		t.Errorf("binds = %v", st.Binds)
	}
	if want := []string{"resource_name", "interval_start_posix"}; !reflect.DeepEqual(st.Required, want) {
		t.Errorf("required = %v, want %v", st.Required, want)
	}
}

func TestCompile_ColumnsRejects(t *testing.T) {
	// WHAT: Identifiers are validated before they reach generated SQL.
	// WHY: Column and table names are interpolated, not bound.
	cases := map[string]*manifest.Manifest{
		"bad table":  {Name: "x", Table: "a;b", Columns: []manifest.Column{{Name: "v"}}},
		"bad column": {Name: "x", Columns: []manifest.Column{{Name: `v"`}}},
		"bad type":   {Name: "x", Columns: []manifest.Column{{Name: "v", Type: "TEXT; DROP"}}},
		"no field":   {Name: "x", Columns: []manifest.Column{{Name: "v", Field: "nope"}}},
		"feed name":  {Name: "my-feed", Columns: []manifest.Column{{Name: "v"}}},
	}
	for name, m := range cases {
		if _, err := Compile(m, []string{"v"}); !errors.Is(err, ErrCompile) {
			t.Errorf("%s: err = %v, want ErrCompile", name, err)
		}
	}
}

func TestCompile_VerbatimPositional(t *testing.T) {
	m := &manifest.Manifest{
		Name:      "x",
		DDLCreate: "CREATE TABLE IF NOT EXISTS t (a TEXT, b TEXT)",
		SQLInsert: "INSERT OR IGNORE INTO t VALUES (?, ?)",
	}
	st, err := Compile(m, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if st.Named || st.Table != "t" {
		t.Fatalf("named=%v table=%q", st.Named, st.Table)
	}
	if len(st.Binds) != 2 || st.Binds[0].Field != "a" || st.Binds[1].Field != "b" {
		t.Errorf("binds = %v", st.Binds)
	}

	if _, err := Compile(m, []string{"a", "b", "c"}); !errors.Is(err, ErrCompile) {
		t.Errorf("arity mismatch: err = %v", err)
	}
}

func TestCompile_VerbatimNamed(t *testing.T) {
	m := &manifest.Manifest{
		Name:      "x",
		DDLCreate: "CREATE TABLE t (a TEXT, b TEXT)",
		SQLInsert: "INSERT INTO t (a, b) VALUES (:a, @b)",
	}
	st, err := Compile(m, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	want := []Bind{{"a", "a"}, {"b", "b"}}
	if !st.Named || !reflect.DeepEqual(st.Binds, want) {
		t.Errorf("named=%v binds=%v", st.Named, st.Binds)
	}

	m.SQLInsert = "INSERT INTO t (a, b) VALUES (:a, ?)"
	if _, err := Compile(m, []string{"a", "b"}); !errors.Is(err, ErrCompile) {
		t.Errorf("mixed params: err = %v", err)
	}
	m.SQLInsert = "INSERT INTO t (a) VALUES (:missing)"
	if _, err := Compile(m, []string{"a", "b"}); !errors.Is(err, ErrCompile) {
		t.Errorf("unknown field: err = %v", err)
	}
}

func TestCompile_Empty(t *testing.T) {
	if _, err := Compile(&manifest.Manifest{Name: "x"}, nil); !errors.Is(err, ErrCompile) {
		t.Fatalf("err = %v, want ErrCompile", err)
	}
}

func TestScanParams(t *testing.T) {
	tests := []struct {
		sql        string
		named      []string
		positional int
	}{
		{"INSERT INTO t VALUES (?, ?, ?)", nil, 3},
		{"INSERT INTO t VALUES (:a, :b, :a)", []string{"a", "b"}, 0},
		{"INSERT INTO t VALUES ($x, @y_2)", []string{"x", "y_2"}, 0},
		{"INSERT INTO t VALUES ('a:b?', \"c@d\", ?) -- :ignored ?\n", nil, 1},
		{"INSERT /* :c ? */ INTO [we?ird] VALUES ('it''s', :v)", []string{"v"}, 0},
		{"SELECT time(':00')", nil, 0},
	}
	for _, tt := range tests {
		named, pos, err := scanParams(tt.sql)
		if err != nil {
			t.Errorf("%q: %v", tt.sql, err)
			continue
		}
		if !reflect.DeepEqual(named, tt.named) || pos != tt.positional {
			t.Errorf("%q: named=%v positional=%d, want %v %d", tt.sql, named, pos, tt.named, tt.positional)
		}
	}

	for _, bad := range []string{"VALUES ('open", "VALUES (?1)", "/* open"} {
		if _, _, err := scanParams(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
