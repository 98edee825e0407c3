// Package diff compares a declared expectation with an introspected catalog.
// It is informational: the reconciler never acts on type or nullability
// drift, it only adds what is missing.
package diff

import (
	"fmt"
	"regexp"
	"strings"

	"schema_reconciler/internal/db"
	"schema_reconciler/internal/expect"
)

// Drift describes how a live schema departs from an expectation.
type Drift struct {
	MissingTables []string
	// Tables holds per-table drift in declaration order.
	Tables []TableDrift
}

// TableDrift captures differences on one declared table.
type TableDrift struct {
	Name            string
	MissingColumns  []string
	Changed         []ColumnChange
	PrimaryKeyWant  []string
	PrimaryKeyLive  []string
	PrimaryKeyDiffs bool
}

// ColumnChange marks a column present on both sides with different attributes.
type ColumnChange struct {
	Name        string
	Expected    expect.Column
	Live        db.Column
	TypeDiffers bool
	NullDiffers bool
}

// Compare builds the drift of live against exp.
func Compare(exp expect.Expectation, live db.Schema) Drift {
	var res Drift
	for _, t := range exp.Tables {
		lt, ok := live.Tables[t.Name]
		if !ok {
			res.MissingTables = append(res.MissingTables, t.Name)
			continue
		}
		td := TableDrift{Name: t.Name, PrimaryKeyLive: append([]string{}, lt.PrimaryKey...)}
		for _, c := range t.Columns {
			if c.PrimaryKey {
				td.PrimaryKeyWant = append(td.PrimaryKeyWant, c.Name)
			}
			lc, ok := lt.Columns[c.Name]
			if !ok {
				td.MissingColumns = append(td.MissingColumns, c.Name)
				continue
			}
			change := ColumnChange{
				Name:        c.Name,
				Expected:    c,
				Live:        lc,
				TypeDiffers: normalizeType(c.Type) != normalizeType(lc.DataType),
				NullDiffers: !c.PrimaryKey && c.Nullable != lc.IsNullable,
			}
			if change.TypeDiffers || change.NullDiffers {
				td.Changed = append(td.Changed, change)
			}
		}
		// Catalogs that cannot report keys return none; only compare when
		// both sides have an opinion.
		if len(td.PrimaryKeyLive) > 0 && len(td.PrimaryKeyWant) > 0 && !equalStringSlices(td.PrimaryKeyWant, td.PrimaryKeyLive) {
			td.PrimaryKeyDiffs = true
		}
		if td.PrimaryKeyDiffs || len(td.MissingColumns) > 0 || len(td.Changed) > 0 {
			res.Tables = append(res.Tables, td)
		}
	}
	return res
}

// Missing lists declared columns absent from existing tables.
func (d Drift) Missing() []expect.ColumnRef {
	var out []expect.ColumnRef
	for _, t := range d.Tables {
		for _, c := range t.MissingColumns {
			out = append(out, expect.ColumnRef{Table: t.Name, Column: c})
		}
	}
	return out
}

// HasChanges reports whether the diff contains meaningful differences.
func (d Drift) HasChanges() bool {
	return len(d.MissingTables) > 0 || len(d.Tables) > 0
}

// Describe returns a human-readable summary of differences.
func Describe(d Drift) string {
	if !d.HasChanges() {
		return "schema matches expectation"
	}

	var lines []string
	if len(d.MissingTables) > 0 {
		lines = append(lines, fmt.Sprintf("Missing tables: %s", strings.Join(d.MissingTables, ", ")))
	}
	for _, td := range d.Tables {
		if len(td.MissingColumns) > 0 {
			lines = append(lines, fmt.Sprintf("Table %s: missing columns: %s", td.Name, strings.Join(td.MissingColumns, ", ")))
		}
		for _, ch := range td.Changed {
			lines = append(lines, fmt.Sprintf("Table %s column %s differs (want: %s NULL:%v | live: %s NULL:%v)",
				td.Name,
				ch.Name,
				ch.Expected.Type, ch.Expected.Nullable,
				ch.Live.DataType, ch.Live.IsNullable))
		}
		if td.PrimaryKeyDiffs {
			lines = append(lines, fmt.Sprintf("Table %s primary key differs (want: %v | live: %v)", td.Name, td.PrimaryKeyWant, td.PrimaryKeyLive))
		}
	}
	return strings.Join(lines, "\n")
}

var typeParams = regexp.MustCompile(`\s*\(.*\)`)

var typeAliases = map[string]string{
	"int":                         "integer",
	"int4":                        "integer",
	"int8":                        "bigint",
	"int2":                        "smallint",
	"serial":                      "integer",
	"bigserial":                   "bigint",
	"decimal":                     "numeric",
	"float8":                      "double precision",
	"double":                      "double precision",
	"float4":                      "real",
	"bool":                        "boolean",
	"tinyint":                     "boolean",
	"varchar":                     "character varying",
	"char":                        "character",
	"timestamptz":                 "timestamp with time zone",
	"timestamp":                   "timestamp without time zone",
	"timetz":                      "time with time zone",
	"json":                        "json",
	"jsonb":                       "jsonb",
	"uuid":                        "uuid",
	"text":                        "text",
	"string":                      "text",
	"datetime":                    "timestamp without time zone",
	"timestamp without time zone": "timestamp without time zone",
}

// normalizeType folds spellings of the same type so catalogs and
// hand-written expectations compare equal.
func normalizeType(t string) string {
	s := strings.ToLower(strings.TrimSpace(typeParams.ReplaceAllString(t, "")))
	s = strings.TrimSuffix(s, " unsigned")
	if alias, ok := typeAliases[s]; ok {
		return alias
	}
	return s
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
