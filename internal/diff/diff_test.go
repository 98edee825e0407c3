package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"schema_reconciler/internal/db"
	"schema_reconciler/internal/expect"
)

func liveSchema() db.Schema {
	return db.Schema{Tables: map[string]db.Table{
		"orders": {
			Name:       "orders",
			PrimaryKey: []string{"id"},
			Columns: map[string]db.Column{
				"id":         {Name: "id", DataType: "uuid", IsNullable: false},
				"tax_amount": {Name: "tax_amount", DataType: "numeric", IsNullable: false},
				"note":       {Name: "note", DataType: "character varying", IsNullable: true},
			},
		},
	}}
}

func expectation() expect.Expectation {
	return expect.Expectation{Tables: []expect.Table{
		{Name: "orders", Columns: []expect.Column{
			{Name: "id", Type: "uuid", PrimaryKey: true},
			{Name: "tax_amount", Type: "numeric(12,2)", Nullable: true, Default: "0"},
			{Name: "note", Type: "varchar(200)", Nullable: true},
			{Name: "ship_date", Type: "date", Nullable: true},
		}},
		{Name: "customers", Columns: []expect.Column{{Name: "id", Type: "uuid", PrimaryKey: true}}},
	}}
}

func TestCompare(t *testing.T) {
	d := Compare(expectation(), liveSchema())

	assert.True(t, d.HasChanges())
	assert.Equal(t, []string{"customers"}, d.MissingTables)
	assert.Equal(t, []expect.ColumnRef{{Table: "orders", Column: "ship_date"}}, d.Missing())

	if assert.Len(t, d.Tables, 1) {
		orders := d.Tables[0]
		assert.False(t, orders.PrimaryKeyDiffs)
		if assert.Len(t, orders.Changed, 1) {
			ch := orders.Changed[0]
			assert.Equal(t, "tax_amount", ch.Name)
			assert.True(t, ch.NullDiffers)
			assert.False(t, ch.TypeDiffers)
		}
	}

	want := "Missing tables: customers\n" +
		"Table orders: missing columns: ship_date\n" +
		"Table orders column tax_amount differs (want: numeric(12,2) NULL:true | live: numeric NULL:false)"
	assert.Equal(t, want, Describe(d))
}

func TestCompareMatching(t *testing.T) {
	exp := expect.Expectation{Tables: []expect.Table{{Name: "orders", Columns: []expect.Column{
		{Name: "id", Type: "UUID", PrimaryKey: true},
		{Name: "note", Type: "varchar", Nullable: true},
	}}}}
	d := Compare(exp, liveSchema())
	assert.False(t, d.HasChanges())
	assert.Equal(t, "schema matches expectation", Describe(d))
}

func TestPrimaryKeyDrift(t *testing.T) {
	live := liveSchema()
	orders := live.Tables["orders"]
	orders.PrimaryKey = []string{"note"}
	live.Tables["orders"] = orders

	exp := expect.Expectation{Tables: []expect.Table{{Name: "orders", Columns: []expect.Column{
		{Name: "id", Type: "uuid", PrimaryKey: true},
	}}}}
	d := Compare(exp, live)
	if assert.Len(t, d.Tables, 1) {
		assert.True(t, d.Tables[0].PrimaryKeyDiffs)
	}
	assert.Contains(t, Describe(d), "primary key differs (want: [id] | live: [note])")
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, "integer", normalizeType("INT4"))
	assert.Equal(t, "numeric", normalizeType("decimal(10, 2)"))
	assert.Equal(t, "timestamp with time zone", normalizeType("timestamptz"))
	assert.Equal(t, "bigint", normalizeType("bigint unsigned"))
	assert.Equal(t, "date", normalizeType("date"))
}
