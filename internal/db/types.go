package db

import (
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"schema_reconciler/internal/sqlerr"
)

// Schema holds the introspected structure of a database.
type Schema struct {
	Tables map[string]Table
}

// Table describes a table and its columns.
type Table struct {
	Name       string
	Columns    map[string]Column
	PrimaryKey []string
}

// Column describes a table column.
type Column struct {
	Name         string
	DataType     string
	IsNullable   bool
	DefaultValue sql.NullString
}

// TableNames returns the table names in lexical order.
func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for n := range s.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ColumnNames returns the column names of t in lexical order.
func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for n := range t.Columns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type channelResult struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// resultError inspects what a channel returned. RPC bridges often catch the
// exception themselves and answer {"success": false, "error": "..."}.
func resultError(raw []byte) error {
	body := strings.TrimSpace(string(raw))
	if body == "" || body[0] != '{' {
		return nil
	}
	var res channelResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil
	}
	failed := res.Success != nil && !*res.Success
	if !failed && res.Error == "" {
		return nil
	}
	msg := res.Error
	if msg == "" {
		msg = res.Message
	}
	if msg == "" {
		msg = "channel reported failure"
	}
	return &sqlerr.RemoteError{Code: res.Code, Message: msg}
}
