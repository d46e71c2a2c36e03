package types

// Schema defines the column layout of a persisted table.
type Schema struct {
	// Version tracks schema evolution for backward compatibility
	Version int `json:"version"`

	// Table is the table name used by relational sinks
	Table string `json:"table"`

	// Columns defines the columns in the schema, in output order
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the SQLite type: TEXT, INTEGER, BLOB, REAL
	Type string `json:"type"`

	// PrimaryKey marks the index column
	PrimaryKey bool `json:"primary_key"`
}

// IndexColumn returns the name of the primary key column, or "" if none.
func (s Schema) IndexColumn() string {
	for _, c := range s.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	return ""
}

// FeatureSchema describes the session feature table.
func FeatureSchema() Schema {
	return Schema{
		Version: 1,
		Table:   "session_features",
		Columns: []ColumnDef{
			{Name: "session", Type: "INTEGER", PrimaryKey: true},
			{Name: "total_events", Type: "INTEGER"},
			{Name: "click_cnt", Type: "INTEGER"},
			{Name: "cart_cnt", Type: "INTEGER"},
			{Name: "order_cnt", Type: "INTEGER"},
			{Name: "converted", Type: "INTEGER"},
		},
	}
}

// EventSchema describes the flat event table.
func EventSchema() Schema {
	return Schema{
		Version: 1,
		Table:   "events",
		Columns: []ColumnDef{
			{Name: "session", Type: "INTEGER"},
			{Name: "aid", Type: "INTEGER"},
			{Name: "ts", Type: "INTEGER"},
			{Name: "type", Type: "TEXT"},
		},
	}
}
