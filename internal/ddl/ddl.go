// Package ddl renders the additive statements the reconciler issues: the
// probe read, the conditional column add, the null backfill and, for manual
// follow-up only, table creation.
package ddl

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"schema_reconciler/internal/expect"
)

// ErrLiteralNotPortable is returned when a default is an expression that can
// only be evaluated by the database (now(), gen_random_uuid(), ...).
var ErrLiteralNotPortable = errors.New("default is not a plain literal")

// Dialect selects quoting and statement shape.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect accepts the provider names used in configuration.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "postgrest", "supabase":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", name)
	}
}

var simpleIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var reserved = map[string]bool{
	"all": true, "and": true, "as": true, "asc": true, "case": true, "check": true,
	"column": true, "default": true, "desc": true, "end": true, "false": true,
	"from": true, "group": true, "index": true, "key": true, "limit": true,
	"not": true, "null": true, "offset": true, "or": true, "order": true,
	"primary": true, "references": true, "select": true, "table": true, "to": true,
	"true": true, "user": true, "values": true, "when": true, "where": true,
}

// QuoteIdent quotes a (possibly schema-qualified) identifier when it is not a
// plain lower-case name. SQLite uses backticks: a double-quoted name that
// matches no column is read back as a string literal there.
func (d Dialect) QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.quotePart(p)
	}
	return strings.Join(parts, ".")
}

func (d Dialect) quotePart(name string) string {
	if simpleIdent.MatchString(name) && !reserved[name] {
		return name
	}
	switch d {
	case MySQL, SQLite:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// SupportsConditionalAdd reports whether ADD COLUMN IF NOT EXISTS exists. On
// the other dialects a duplicate-column error stands in for the condition.
func (d Dialect) SupportsConditionalAdd() bool {
	return d == Postgres
}

// SelectColumn is the minimal read used to probe a column.
func (d Dialect) SelectColumn(table, column string) string {
	return fmt.Sprintf("SELECT %s FROM %s LIMIT 1", d.QuoteIdent(column), d.QuoteIdent(table))
}

// AddColumn renders the additive statement for one column.
func (d Dialect) AddColumn(table string, col expect.Column) string {
	var b strings.Builder
	b.WriteString("ALTER TABLE ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" ADD COLUMN ")
	if d.SupportsConditionalAdd() {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(d.columnDefinition(col, d != MySQL))
	if d == MySQL && col.References != nil {
		// MySQL parses and ignores inline REFERENCES on a column definition.
		b.WriteString(", ADD FOREIGN KEY (")
		b.WriteString(d.QuoteIdent(col.Name))
		b.WriteString(") ")
		b.WriteString(d.referenceClause(col.References))
	}
	return b.String()
}

// Backfill sets null rows to the declared default. The IS NULL filter keeps
// repeated runs from touching rows twice.
func (d Dialect) Backfill(table string, col expect.Column) string {
	c := d.QuoteIdent(col.Name)
	return fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s IS NULL", d.QuoteIdent(table), c, strings.TrimSpace(col.Default), c)
}

// CreateTable renders a CREATE TABLE IF NOT EXISTS for a table that is
// missing entirely. The reconciler never runs it; it is part of manual SQL.
func (d Dialect) CreateTable(t expect.Table) string {
	var defs []string
	var pk []string
	for _, c := range t.Columns {
		defs = append(defs, d.columnDefinition(withoutPK(c), d != MySQL))
		if c.PrimaryKey {
			pk = append(pk, d.QuoteIdent(c.Name))
		}
	}
	if len(pk) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	}
	if d == MySQL {
		for _, c := range t.Columns {
			if c.References != nil {
				defs = append(defs, "FOREIGN KEY ("+d.QuoteIdent(c.Name)+") "+d.referenceClause(c.References))
			}
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", d.QuoteIdent(t.Name), strings.Join(defs, ",\n  "))
}

func withoutPK(c expect.Column) expect.Column {
	c.PrimaryKey = false
	return c
}

func (d Dialect) columnDefinition(col expect.Column, inlineRef bool) string {
	parts := []string{d.QuoteIdent(col.Name), strings.TrimSpace(col.Type)}
	if !col.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if col.HasDefault() {
		parts = append(parts, "DEFAULT "+strings.TrimSpace(col.Default))
	}
	if col.PrimaryKey {
		parts = append(parts, "PRIMARY KEY")
	}
	if inlineRef && col.References != nil {
		parts = append(parts, d.referenceClause(col.References))
	}
	return strings.Join(parts, " ")
}

func (d Dialect) referenceClause(fk *expect.ForeignKey) string {
	clause := fmt.Sprintf("REFERENCES %s(%s)", d.QuoteIdent(fk.Table), d.QuoteIdent(fk.Column))
	if action := strings.TrimSpace(fk.OnDelete); action != "" {
		clause += " ON DELETE " + strings.ToUpper(action)
	}
	return clause
}

var (
	numericLiteral = regexp.MustCompile(`^[-+]?[0-9]+(\.[0-9]+)?$`)
	typeCast       = regexp.MustCompile(`::[a-zA-Z_][a-zA-Z0-9_ ]*(\([0-9, ]*\))?$`)
)

// LiteralValue converts a SQL default into a JSON value for row writes that
// go through a REST layer rather than SQL.
func LiteralValue(literal string) (any, error) {
	lit := strings.TrimSpace(typeCast.ReplaceAllString(strings.TrimSpace(literal), ""))
	switch {
	case lit == "":
		return nil, fmt.Errorf("%w: empty", ErrLiteralNotPortable)
	case strings.EqualFold(lit, "null"):
		return nil, nil
	case strings.EqualFold(lit, "true"):
		return true, nil
	case strings.EqualFold(lit, "false"):
		return false, nil
	case numericLiteral.MatchString(lit):
		return json.Number(strings.TrimPrefix(lit, "+")), nil
	case len(lit) >= 2 && lit[0] == '\'' && lit[len(lit)-1] == '\'':
		inner := lit[1 : len(lit)-1]
		if strings.Contains(strings.ReplaceAll(inner, "''", ""), "'") {
			return nil, fmt.Errorf("%w: %s", ErrLiteralNotPortable, literal)
		}
		return strings.ReplaceAll(inner, "''", "'"), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrLiteralNotPortable, literal)
	}
}
