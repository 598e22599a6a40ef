// Package record defines the row and outcome types that flow from the
// extractors through the worker pool into the aggregator and table writer.
package record

// Record is an ordered set of columns for one output row.
// Column order is insertion order; setting an existing column keeps its position.
type Record struct {
	columns []string
	values  map[string]string
}

// New creates an empty record.
func New() Record {
	return Record{values: make(map[string]string)}
}

// Set assigns a value to a column, appending the column if it is new.
func (r *Record) Set(column, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[column]; !ok {
		r.columns = append(r.columns, column)
	}
	r.values[column] = value
}

// Get returns the value of a column and whether it was set.
func (r Record) Get(column string) (string, bool) {
	v, ok := r.values[column]
	return v, ok
}

// Columns returns the column names in insertion order.
func (r Record) Columns() []string {
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

// Len returns the number of columns.
func (r Record) Len() int {
	return len(r.columns)
}

// Values lays the record out against header. Columns missing from the
// record are returned as empty strings.
func (r Record) Values(header []string) []string {
	out := make([]string, len(header))
	for i, col := range header {
		out[i] = r.values[col]
	}
	return out
}
