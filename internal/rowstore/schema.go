package rowstore

import (
	"errors"
	"fmt"
	"strings"
)

// Base headers present in every sheet, in column order.
const (
	ColumnName      = "name"
	ColumnEmail     = "email"
	ColumnID        = "id"
	ColumnTimestamp = "Timestamp"
)

var (
	// ErrUnknownColumn indicates a row field that is not part of the declared headers.
	ErrUnknownColumn = errors.New("rowstore: invalid column header")
	// ErrRowLength indicates an encoded row whose length differs from the header count.
	ErrRowLength = errors.New("rowstore: row length mismatch")
	// ErrDuplicateColumn indicates a custom field that repeats an existing header.
	ErrDuplicateColumn = errors.New("rowstore: duplicate column header")
)

// Row is a decoded row keyed by header name.
type Row map[string]any

// ID returns the row identifier, or "" when absent or not a string.
func (r Row) ID() string {
	return r.String(ColumnID)
}

// String returns the named field when it holds a string.
func (r Row) String(column string) string {
	value, _ := r[column].(string)
	return value
}

// Schema positions row fields by header index.
type Schema struct {
	headers     []string
	columnIndex map[string]int
}

// BaseHeaders returns the headers every schema starts with.
func BaseHeaders() []string {
	return []string{ColumnName, ColumnEmail, ColumnID, ColumnTimestamp}
}

// NewSchema builds a schema from the base headers followed by the custom fields.
func NewSchema(fields []string) (Schema, error) {
	headers := append(BaseHeaders(), fields...)
	return NewSchemaFromHeaders(headers)
}

// NewSchemaFromHeaders builds a schema from a complete header list.
func NewSchemaFromHeaders(headers []string) (Schema, error) {
	index := make(map[string]int, len(headers))
	for position, header := range headers {
		name := strings.TrimSpace(header)
		if name == "" {
			return Schema{}, fmt.Errorf("%w: empty header at position %d", ErrUnknownColumn, position)
		}
		if _, exists := index[name]; exists {
			return Schema{}, fmt.Errorf("%w: %s", ErrDuplicateColumn, name)
		}
		index[name] = position
	}
	return Schema{
		headers:     append([]string(nil), headers...),
		columnIndex: index,
	}, nil
}

// Headers returns a copy of the header list.
func (s Schema) Headers() []string {
	return append([]string(nil), s.headers...)
}

// Fields returns the custom fields following the base headers.
func (s Schema) Fields() []string {
	base := len(BaseHeaders())
	if len(s.headers) <= base {
		return nil
	}
	return append([]string(nil), s.headers[base:]...)
}

// Len reports the number of columns.
func (s Schema) Len() int {
	return len(s.headers)
}

// Has reports whether column is a declared header.
func (s Schema) Has(column string) bool {
	_, ok := s.columnIndex[column]
	return ok
}

// Index returns the position of column.
func (s Schema) Index(column string) (int, bool) {
	position, ok := s.columnIndex[column]
	return position, ok
}

// Validate rejects any field of row that is not a declared header.
func (s Schema) Validate(row Row) error {
	for column := range row {
		if !s.Has(column) {
			return fmt.Errorf("%w: %s", ErrUnknownColumn, column)
		}
	}
	return nil
}

// Encode positions row fields by header index. Columns absent from row are nil.
func (s Schema) Encode(row Row) ([]any, error) {
	if err := s.Validate(row); err != nil {
		return nil, err
	}
	values := make([]any, len(s.headers))
	for column, value := range row {
		values[s.columnIndex[column]] = value
	}
	return values, nil
}

// Decode maps an encoded row back to header names. An empty list decodes to an
// empty row; any other length must equal the header count.
func (s Schema) Decode(values []any) (Row, error) {
	if len(values) == 0 {
		return Row{}, nil
	}
	if len(values) != len(s.headers) {
		return nil, fmt.Errorf("%w: got %d but expected %d", ErrRowLength, len(values), len(s.headers))
	}
	row := make(Row, len(values))
	for position, value := range values {
		row[s.headers[position]] = value
	}
	return row, nil
}
