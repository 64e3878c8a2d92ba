package load

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/manifest"
)

// ErrCompile is returned when a manifest cannot be turned into statements.
var ErrCompile = errors.New("load: cannot compile statements")

var (
	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	typeRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 (),]*$`)
)

// Bind maps one statement parameter to one record field.
type Bind struct {
	// Param is the parameter name without its prefix, or "" for positional.
	Param string
	Field string
}

// Statement is the compiled DDL and insert pair for one feed.
type Statement struct {
	Table  string
	DDL    string
	Insert string
	// Binds lists parameters in order of first appearance. Positional
	// statements bind every plan column in plan order.
	Binds []Bind
	Named bool
	// Required lists the record fields feeding NOT NULL key columns. Records
	// missing one of them cannot be inserted.
	Required []string
}

// Compile builds the statements for m. Records carry the fields listed in
// planColumns.
//
// When the manifest declares columns, the DDL and insert are generated: a
// natural key becomes a NOT NULL primary key and the insert ignores rows
// whose key is already present. Otherwise ddl_create and sql_insert are used
// verbatim and their parameters are bound by name (:x, @x, $x) or, for ?,
// by plan column order.
func Compile(m *manifest.Manifest, planColumns []string) (*Statement, error) {
	if len(m.Columns) > 0 {
		return compileColumns(m, planColumns)
	}
	return compileVerbatim(m, planColumns)
}

func compileColumns(m *manifest.Manifest, planColumns []string) (*Statement, error) {
	table := m.Table
	if table == "" {
		table = m.Name
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("%w: table name %q is not a plain identifier", ErrCompile, table)
	}

	key := make(map[string]bool, len(m.NaturalKey))
	for _, k := range m.NaturalKey {
		key[k] = true
	}

	var (
		defs     []string
		names    []string
		params   []string
		binds    []Bind
		required []string
	)
	for _, c := range m.Columns {
		if !identRe.MatchString(c.Name) {
			return nil, fmt.Errorf("%w: column name %q is not a plain identifier", ErrCompile, c.Name)
		}
		typ := c.Type
		if typ == "" {
			typ = "TEXT"
		}
		if !typeRe.MatchString(typ) {
			return nil, fmt.Errorf("%w: column %s: bad type %q", ErrCompile, c.Name, typ)
		}
		field := c.RecordField()
		if !slices.Contains(planColumns, field) {
			return nil, fmt.Errorf("%w: column %s: record has no field %q", ErrCompile, c.Name, field)
		}
		def := quote(c.Name) + " " + typ
		if key[c.Name] {
			def += " NOT NULL"
			required = append(required, field)
		}
		defs = append(defs, def)
		names = append(names, quote(c.Name))
		params = append(params, ":"+c.Name)
		binds = append(binds, Bind{Param: c.Name, Field: field})
	}

	var conflict string
	if len(m.NaturalKey) > 0 {
		quoted := make([]string, len(m.NaturalKey))
		for i, k := range m.NaturalKey {
			quoted[i] = quote(k)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
		conflict = " ON CONFLICT (" + strings.Join(quoted, ", ") + ") DO NOTHING"
	}

	return &Statement{
		Table: table,
		DDL: "CREATE TABLE IF NOT EXISTS " + quote(table) + " (\n    " +
			strings.Join(defs, ",\n    ") + "\n)",
		Insert: "INSERT INTO " + quote(table) + " (" + strings.Join(names, ", ") +
			") VALUES (" + strings.Join(params, ", ") + ")" + conflict,
		Binds:    binds,
		Named:    true,
		Required: required,
	}, nil
}

func compileVerbatim(m *manifest.Manifest, planColumns []string) (*Statement, error) {
	ddl := strings.TrimSpace(string(m.DDLCreate))
	insert := strings.TrimSpace(string(m.SQLInsert))
	if ddl == "" || insert == "" {
		return nil, fmt.Errorf("%w: manifest needs columns or both ddl_create and sql_insert", ErrCompile)
	}

	named, positional, err := scanParams(insert)
	if err != nil {
		return nil, fmt.Errorf("%w: sql_insert: %v", ErrCompile, err)
	}
	st := &Statement{Table: m.TableName(), DDL: ddl, Insert: insert}

	switch {
	case len(named) > 0 && positional > 0:
		return nil, fmt.Errorf("%w: sql_insert mixes named and ? parameters", ErrCompile)
	case len(named) > 0:
		st.Named = true
		for _, p := range named {
			if !slices.Contains(planColumns, p) {
				return nil, fmt.Errorf("%w: sql_insert parameter %q is not a record field", ErrCompile, p)
			}
			st.Binds = append(st.Binds, Bind{Param: p, Field: p})
		}
	default:
		if positional != len(planColumns) {
			return nil, fmt.Errorf("%w: sql_insert has %d ? parameters, records have %d fields",
				ErrCompile, positional, len(planColumns))
		}
		for _, c := range planColumns {
			st.Binds = append(st.Binds, Bind{Field: c})
		}
	}
	return st, nil
}

// scanParams returns the distinct named parameters of stmt in order of first
// appearance and the number of anonymous ? parameters. Quoted text and
// comments are skipped.
func scanParams(stmt string) ([]string, int, error) {
	var (
		named      []string
		positional int
	)
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := strings.IndexByte(stmt[i+1:], c)
			if end < 0 {
				return nil, 0, fmt.Errorf("unterminated %c quote", c)
			}
			i += end + 1
		case c == '[':
			end := strings.IndexByte(stmt[i+1:], ']')
			if end < 0 {
				return nil, 0, fmt.Errorf("unterminated [ identifier")
			}
			i += end + 1
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			end := strings.IndexByte(stmt[i:], '\n')
			if end < 0 {
				return named, positional, nil
			}
			i += end
		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			end := strings.Index(stmt[i+2:], "*/")
			if end < 0 {
				return nil, 0, fmt.Errorf("unterminated comment")
			}
			i += end + 3
		case c == '?':
			if i+1 < len(stmt) && stmt[i+1] >= '0' && stmt[i+1] <= '9' {
				return nil, 0, fmt.Errorf("numbered ?NNN parameters are not supported")
			}
			positional++
		case c == ':' || c == '@' || c == '$':
			j := i + 1
			for j < len(stmt) && isIdentByte(stmt[j], j == i+1) {
				j++
			}
			if j == i+1 {
				continue
			}
			if name := stmt[i+1 : j]; !slices.Contains(named, name) {
				named = append(named, name)
			}
			i = j - 1
		}
	}
	return named, positional, nil
}

func isIdentByte(b byte, first bool) bool {
	switch {
	case b == '_', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return !first
	}
	return false
}

func quote(ident string) string { return `"` + ident + `"` }
