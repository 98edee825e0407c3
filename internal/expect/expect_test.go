package expect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersYAML = `
tables:
  - name: orders
    columns:
      - name: id
        type: uuid
        primary_key: true
        nullable: false
      - name: tax_amount
        type: numeric
        default: "0"
      - name: ship_date
        type: date
  - name: customers
    columns:
      - name: email
        type: text
        nullable: false
        default: "''"
`

func TestParsePreservesDeclarationOrder(t *testing.T) {
	exp, err := Parse([]byte(ordersYAML))
	require.NoError(t, err)

	require.Len(t, exp.Tables, 2)
	assert.Equal(t, "orders", exp.Tables[0].Name)
	assert.Equal(t, "customers", exp.Tables[1].Name)

	cols := exp.Tables[0].Columns
	require.Len(t, cols, 3)
	assert.Equal(t, []string{"id", "tax_amount", "ship_date"}, []string{cols[0].Name, cols[1].Name, cols[2].Name})
	assert.Equal(t, 4, exp.ColumnCount())
}

func TestParseNullableDefaultsToTrue(t *testing.T) {
	exp, err := Parse([]byte(ordersYAML))
	require.NoError(t, err)

	id, ok := exp.Column(ColumnRef{Table: "orders", Column: "id"})
	require.True(t, ok)
	assert.False(t, id.Nullable)

	tax, ok := exp.Column(ColumnRef{Table: "orders", Column: "tax_amount"})
	require.True(t, ok)
	assert.True(t, tax.Nullable)
	assert.Equal(t, "0", tax.Default)
	assert.True(t, tax.WantsBackfill())

	ship, _ := exp.Column(ColumnRef{Table: "orders", Column: "ship_date"})
	assert.False(t, ship.HasDefault())
	assert.False(t, ship.WantsBackfill())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
tables:
  - name: orders
    columns:
      - name: id
        type: uuid
        nulable: false
`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		exp  Expectation
		want string
	}{
		{
			name: "no tables",
			exp:  Expectation{},
			want: "no tables declared",
		},
		{
			name: "duplicate table",
			exp: Expectation{Tables: []Table{
				{Name: "orders", Columns: []Column{{Name: "id", Type: "int"}}},
				{Name: "orders", Columns: []Column{{Name: "total", Type: "int"}}},
			}},
			want: "table orders declared twice",
		},
		{
			name: "duplicate column",
			exp: Expectation{Tables: []Table{
				{Name: "orders", Columns: []Column{{Name: "id", Type: "int"}, {Name: "id", Type: "int"}}},
			}},
			want: "column orders.id declared twice",
		},
		{
			name: "missing type",
			exp: Expectation{Tables: []Table{
				{Name: "orders", Columns: []Column{{Name: "id"}}},
			}},
			want: "column orders.id has no type",
		},
		{
			name: "nullable primary key",
			exp: Expectation{Tables: []Table{
				{Name: "orders", Columns: []Column{{Name: "id", Type: "int", PrimaryKey: true, Nullable: true}}},
			}},
			want: "primary key orders.id cannot be nullable",
		},
		{
			name: "incomplete reference",
			exp: Expectation{Tables: []Table{
				{Name: "orders", Columns: []Column{{Name: "customer_id", Type: "int", References: &ForeignKey{Table: "customers"}}}},
			}},
			want: "column orders.customer_id has an incomplete reference",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.exp.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expectation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ordersYAML), 0o644))

	exp, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, exp.Tables, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefaultExpectationIsValid(t *testing.T) {
	exp, err := LoadOrDefault("")
	require.NoError(t, err)

	_, ok := exp.Table("invoices")
	assert.True(t, ok)
	tax, ok := exp.Column(ColumnRef{Table: "orders", Column: "tax_amount"})
	require.True(t, ok)
	assert.Equal(t, "0", tax.Default)
}

func TestOnly(t *testing.T) {
	exp, err := Parse([]byte(ordersYAML))
	require.NoError(t, err)

	only, err := exp.Only("customers")
	require.NoError(t, err)
	require.Len(t, only.Tables, 1)
	assert.Equal(t, "customers", only.Tables[0].Name)

	all, err := exp.Only()
	require.NoError(t, err)
	assert.Len(t, all.Tables, 2)
}

func TestOnlyRejectsUndeclaredTables(t *testing.T) {
	exp, err := Parse([]byte(ordersYAML))
	require.NoError(t, err)

	_, err = exp.Only("orders", "ordres", "invoices")
	require.ErrorIs(t, err, ErrUnknownTable)
	assert.Contains(t, err.Error(), "invoices, ordres")
}
