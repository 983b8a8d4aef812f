// Package schema infers a warehouse table schema from a Parquet file's
// footer, honoring a small set of named field overrides. Inference reads
// only the file's metadata; it never decodes row data.
package schema

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// WarehouseType names a destination column type.
type WarehouseType string

const (
	TypeBoolean   WarehouseType = "BOOLEAN"
	TypeInt64     WarehouseType = "INT64"
	TypeFloat64   WarehouseType = "FLOAT64"
	TypeDate      WarehouseType = "DATE"
	TypeTimestamp WarehouseType = "TIMESTAMP"
	TypeString    WarehouseType = "STRING"
	TypeNumeric   WarehouseType = "NUMERIC"
	TypeDecimal   WarehouseType = "DECIMAL"
	TypeRepeated  WarehouseType = "REPEATED"
)

// ErrUnknownParquetType is returned when a Parquet field's logical type has
// no mapping to a warehouse type. The caller treats this as fatal.
var ErrUnknownParquetType = errors.New("schema: unknown parquet type")

// Field is one column of the inferred (or overridden) warehouse schema.
type Field struct {
	Name      string
	Type      WarehouseType
	Precision int           // meaningful for DECIMAL only
	Scale     int           // meaningful for DECIMAL only
	Element   *Field        // meaningful for REPEATED only: the element type
}

// FieldOverride pins a field name to an explicit warehouse type, bypassing
// inference for that field.
type FieldOverride struct {
	FieldName string
	Type      WarehouseType
	Precision int
	Scale     int
}

// Infer builds a warehouse schema from a Parquet schema, applying name
// overrides intact over the inferred entries. It returns
// ErrUnknownParquetType, wrapped with the offending field name, the first
// time a field can't be mapped.
func Infer(ps *parquet.Schema, overrides []FieldOverride) ([]Field, error) {
	overrideByName := make(map[string]FieldOverride, len(overrides))
	for _, o := range overrides {
		overrideByName[o.FieldName] = o
	}

	fields := ps.Fields()
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if o, ok := overrideByName[f.Name()]; ok {
			out = append(out, Field{
				Name:      o.FieldName,
				Type:      o.Type,
				Precision: o.Precision,
				Scale:     o.Scale,
			})
			continue
		}

		field, err := inferField(f.Name(), f)
		if err != nil {
			return nil, err
		}
		out = append(out, field)
	}

	return out, nil
}

// InferFromBlob opens a Parquet file's footer and infers its warehouse
// schema, applying overrides the same way Infer does. It is how the
// engine turns one representative source blob (sampled via
// queue.Set.Peek) into the schema threaded through to the warehouse
// client for a run.
func InferFromBlob(data []byte, overrides []FieldOverride) ([]Field, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("schema: open parquet file: %w", err)
	}
	return Infer(file.Schema(), overrides)
}

// inferField maps a single Parquet node to a warehouse Field, recursing
// once for repeated (list) fields.
func inferField(name string, node parquet.Node) (Field, error) {
	if node.Repeated() && !node.Leaf() {
		children := node.Fields()
		if len(children) != 1 {
			return Field{}, fmt.Errorf("%w: %s (list with unexpected shape)", ErrUnknownParquetType, name)
		}
		elem, err := inferField(name, children[0])
		if err != nil {
			return Field{}, err
		}
		return Field{Name: name, Type: TypeRepeated, Element: &elem}, nil
	}
	if node.Repeated() {
		elem, err := inferField(name, parquet.Required(node))
		if err != nil {
			return Field{}, err
		}
		return Field{Name: name, Type: TypeRepeated, Element: &elem}, nil
	}

	logical := node.Type().LogicalType()
	if logical != nil {
		switch {
		case logical.Date != nil:
			return Field{Name: name, Type: TypeDate}, nil
		case logical.Timestamp != nil:
			return Field{Name: name, Type: TypeTimestamp}, nil
		case logical.UTF8 != nil:
			return Field{Name: name, Type: TypeString}, nil
		case logical.Decimal != nil:
			precision := int(logical.Decimal.Precision)
			scale := int(logical.Decimal.Scale)
			if precision == 100 && scale == 0 {
				return Field{Name: name, Type: TypeNumeric, Precision: precision, Scale: scale}, nil
			}
			return Field{Name: name, Type: TypeDecimal, Precision: precision, Scale: scale}, nil
		}
	}

	switch node.Type().Kind() {
	case parquet.Boolean:
		return Field{Name: name, Type: TypeBoolean}, nil
	case parquet.Int32, parquet.Int64:
		return Field{Name: name, Type: TypeInt64}, nil
	case parquet.Float, parquet.Double:
		return Field{Name: name, Type: TypeFloat64}, nil
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return Field{Name: name, Type: TypeString}, nil
	default:
		return Field{}, fmt.Errorf("%w: %s (kind %v)", ErrUnknownParquetType, name, node.Type().Kind())
	}
}
