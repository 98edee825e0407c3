package expect

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"schema_reconciler/expectations"
)

// ErrInvalid marks an expectation that fails validation.
var ErrInvalid = errors.New("invalid expectation")

// ErrUnknownTable marks a table filter naming a table that is not declared.
var ErrUnknownTable = errors.New("table not declared in expectation")

// Expectation is the hand-authored description of the tables and columns the
// application relies on. Slice order is declaration order.
type Expectation struct {
	Tables []Table `yaml:"tables" json:"tables"`
}

// Table lists the columns expected on one table.
type Table struct {
	Name    string   `yaml:"name" json:"name"`
	Columns []Column `yaml:"columns" json:"columns"`
}

// Column describes one expected column. Default is a literal SQL fragment
// copied verbatim into generated statements.
type Column struct {
	Name       string      `yaml:"name" json:"name"`
	Type       string      `yaml:"type" json:"type"`
	Nullable   bool        `yaml:"nullable" json:"nullable"`
	Default    string      `yaml:"default,omitempty" json:"default,omitempty"`
	PrimaryKey bool        `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	References *ForeignKey `yaml:"references,omitempty" json:"references,omitempty"`
	NoBackfill bool        `yaml:"no_backfill,omitempty" json:"no_backfill,omitempty"`
}

// ForeignKey is an optional reference from a column to another table.
type ForeignKey struct {
	Table    string `yaml:"table" json:"table"`
	Column   string `yaml:"column" json:"column"`
	OnDelete string `yaml:"on_delete,omitempty" json:"on_delete,omitempty"`
}

// ColumnRef identifies a column by table and name.
type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

func (r ColumnRef) String() string { return r.Table + "." + r.Column }

var columnKeys = map[string]bool{
	"name": true, "type": true, "nullable": true, "default": true,
	"primary_key": true, "references": true, "no_backfill": true,
}

// UnmarshalYAML defaults Nullable to true; most columns added after the fact
// have to tolerate existing rows.
func (c *Column) UnmarshalYAML(node *yaml.Node) error {
	// node.Decode does not inherit KnownFields from the outer decoder.
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if !columnKeys[key] {
				return fmt.Errorf("line %d: unknown column field %q", node.Content[i].Line, key)
			}
		}
	}
	type rawColumn Column
	raw := rawColumn{Nullable: true}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = Column(raw)
	return nil
}

// HasDefault reports whether the column declares a default value.
func (c Column) HasDefault() bool {
	return strings.TrimSpace(c.Default) != ""
}

// WantsBackfill reports whether null rows should be set to the default.
func (c Column) WantsBackfill() bool {
	return c.HasDefault() && !c.NoBackfill && !c.PrimaryKey
}

// Load reads and validates an expectation file.
func Load(path string) (Expectation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Expectation{}, fmt.Errorf("read expectation: %w", err)
	}
	exp, err := Parse(data)
	if err != nil {
		return Expectation{}, fmt.Errorf("%s: %w", path, err)
	}
	return exp, nil
}

// Default returns the embedded business-management expectation.
func Default() (Expectation, error) {
	data, err := expectations.Business()
	if err != nil {
		return Expectation{}, fmt.Errorf("read embedded expectation: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, falling back to the embedded expectation when
// path is empty.
func LoadOrDefault(path string) (Expectation, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	return Load(path)
}

// Parse decodes YAML and validates the result. Unknown keys are rejected.
func Parse(data []byte) (Expectation, error) {
	var exp Expectation
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&exp); err != nil {
		return Expectation{}, fmt.Errorf("parse expectation: %w", err)
	}
	if err := exp.Validate(); err != nil {
		return Expectation{}, err
	}
	return exp, nil
}

// Validate checks names, types and references. All problems are reported
// together.
func (e Expectation) Validate() error {
	var problems []string
	if len(e.Tables) == 0 {
		problems = append(problems, "no tables declared")
	}
	seenTables := map[string]bool{}
	for i, t := range e.Tables {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("table #%d has no name", i+1))
			continue
		}
		if seenTables[name] {
			problems = append(problems, fmt.Sprintf("table %s declared twice", name))
		}
		seenTables[name] = true
		if len(t.Columns) == 0 {
			problems = append(problems, fmt.Sprintf("table %s declares no columns", name))
		}
		seenCols := map[string]bool{}
		for j, c := range t.Columns {
			col := strings.TrimSpace(c.Name)
			if col == "" {
				problems = append(problems, fmt.Sprintf("table %s column #%d has no name", name, j+1))
				continue
			}
			if seenCols[col] {
				problems = append(problems, fmt.Sprintf("column %s.%s declared twice", name, col))
			}
			seenCols[col] = true
			if strings.TrimSpace(c.Type) == "" {
				problems = append(problems, fmt.Sprintf("column %s.%s has no type", name, col))
			}
			if c.PrimaryKey && c.Nullable {
				problems = append(problems, fmt.Sprintf("primary key %s.%s cannot be nullable", name, col))
			}
			if c.References != nil && (strings.TrimSpace(c.References.Table) == "" || strings.TrimSpace(c.References.Column) == "") {
				problems = append(problems, fmt.Sprintf("column %s.%s has an incomplete reference", name, col))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Table returns the declared table with the given name.
func (e Expectation) Table(name string) (Table, bool) {
	for _, t := range e.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Column returns the declared column spec for a reference.
func (e Expectation) Column(ref ColumnRef) (Column, bool) {
	t, ok := e.Table(ref.Table)
	if !ok {
		return Column{}, false
	}
	for _, c := range t.Columns {
		if c.Name == ref.Column {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnCount is the number of declared columns across all tables.
func (e Expectation) ColumnCount() int {
	n := 0
	for _, t := range e.Tables {
		n += len(t.Columns)
	}
	return n
}

// Only returns a copy restricted to the named tables, keeping declaration
// order. An empty filter returns e unchanged. Names that are not declared
// give ErrUnknownTable.
func (e Expectation) Only(tables ...string) (Expectation, error) {
	if len(tables) == 0 {
		return e, nil
	}
	keep := make(map[string]bool, len(tables))
	for _, t := range tables {
		keep[t] = true
	}
	out := Expectation{}
	for _, t := range e.Tables {
		if keep[t.Name] {
			out.Tables = append(out.Tables, t)
			delete(keep, t.Name)
		}
	}
	if len(keep) > 0 {
		unknown := make([]string, 0, len(keep))
		for name := range keep {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		return Expectation{}, fmt.Errorf("%w: %s", ErrUnknownTable, strings.Join(unknown, ", "))
	}
	return out, nil
}
