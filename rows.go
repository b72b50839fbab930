package gpa

import (
	"database/sql"
	"fmt"
	"reflect"
)

// Row is an ordered field-name -> value mapping, as returned by adapters
// and executors.
type Row struct {
	Columns []string
	Values  []any
}

// RowOf builds a row from parallel column and value slices.
func RowOf(columns []string, values []any) Row {
	return Row{Columns: columns, Values: values}
}

// Get returns the value stored under name.
func (r Row) Get(name string) (any, bool) {
	for i, c := range r.Columns {
		if c == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Set replaces the value under name, appending the column if it is new.
func (r *Row) Set(name string, value any) {
	for i, c := range r.Columns {
		if c == name {
			r.Values[i] = value
			return
		}
	}
	r.Columns = append(r.Columns, name)
	r.Values = append(r.Values, value)
}

// Len returns the number of columns.
func (r Row) Len() int {
	return len(r.Columns)
}

// Map copies the row into an unordered map.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		m[c] = r.Values[i]
	}
	return m
}

// ScanRows drains a database/sql result set into rows. Byte slices are
// copied into strings because drivers reuse their buffers between Next calls.
// rows is closed before returning.
func ScanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		columns := make([]string, len(cols))
		copy(columns, cols)
		out = append(out, Row{Columns: columns, Values: values})
	}
	return out, rows.Err()
}

// Values extracts the storable columns of entity. Owning single-valued
// associations contribute their foreign key, read from the associated
// entity's primary key.
func (r *MetadataRegistry) Values(meta *EntityMetadata, entity any) (Row, error) {
	if err := RequirePointer(entity); err != nil {
		return Row{}, err
	}
	var row Row
	for _, f := range meta.Fields {
		rel := f.Relationship
		if rel == nil {
			row.Set(f.StorageName, f.Accessor.Get(entity))
			continue
		}
		if rel.Kind == KindOneToMany || !rel.Owning {
			continue
		}
		target := f.Accessor.Get(entity)
		if target == nil {
			row.Set(f.StorageName, nil)
			continue
		}
		targetMeta, ok := r.ByType(rel.ElementType)
		if !ok {
			return Row{}, ConfigError(meta.Name, f.Name, "no metadata registered for %s", rel.ElementType)
		}
		row.Set(f.StorageName, targetMeta.ID(target))
	}
	return row, nil
}

// IsZeroID reports whether id is nil or the zero value of its type.
func IsZeroID(id any) bool {
	if id == nil {
		return true
	}
	v := reflect.ValueOf(id)
	if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && v.IsNil() {
		return true
	}
	return v.IsZero()
}

// IDKey renders an id for use in composite string keys.
func IDKey(id any) string {
	return fmt.Sprint(id)
}
