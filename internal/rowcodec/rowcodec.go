// Package rowcodec converts a decoded Parquet row into a DynamoDB item,
// optionally stamping it with the _checkpoint column the Parallel Loader
// adds during its per-item remote rewrite. It plays the same role the
// teacher's itemimage package plays for PITR export lines: turning a
// generic decoded record into the attribute-value shape the warehouse
// client writes.
package rowcodec

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/opensource-observer/goldsky-ingest/internal/schema"
)

// ErrCorrupt is returned when a row cannot be converted to a DynamoDB item.
var ErrCorrupt = fmt.Errorf("rowcodec: corrupt row")

// Decoder converts one decoded Parquet row (already resolved to native Go
// values by the caller) into a DynamoDB item.
type Decoder interface {
	Decode(row map[string]any) (map[string]types.AttributeValue, error)
}

// AttributeValueDecoder implements Decoder via attributevalue.MarshalMap.
type AttributeValueDecoder struct{}

// NewAttributeValueDecoder creates an AttributeValueDecoder.
func NewAttributeValueDecoder() *AttributeValueDecoder {
	return &AttributeValueDecoder{}
}

// Decode marshals row into a DynamoDB item.
func (d *AttributeValueDecoder) Decode(row map[string]any) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(row)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return item, nil
}

// SchemaAwareDecoder reformats columns an inferred or overridden schema
// marks NUMERIC or DECIMAL before falling back to plain attributevalue
// marshaling for everything else. NUMERIC columns are written as native
// DynamoDB Number attributes; DECIMAL columns are written as fixed-scale
// strings, since DynamoDB's Number type cannot always round-trip
// arbitrary-precision decimals exactly. This is what makes a schema
// override (e.g. pinning "amount" to NUMERIC instead of the inferred
// DECIMAL(38,9)) an observable change in the loaded row's shape.
type SchemaAwareDecoder struct {
	base   Decoder
	fields map[string]schema.Field
}

// NewSchemaAwareDecoder creates a SchemaAwareDecoder for fields, the
// output of schema.Infer or schema.InferFromBlob.
func NewSchemaAwareDecoder(fields []schema.Field) *SchemaAwareDecoder {
	byName := make(map[string]schema.Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	return &SchemaAwareDecoder{base: NewAttributeValueDecoder(), fields: byName}
}

// Decode marshals row via the base decoder, then overwrites any column
// named in the schema as NUMERIC or DECIMAL with its type-appropriate
// representation.
func (d *SchemaAwareDecoder) Decode(row map[string]any) (map[string]types.AttributeValue, error) {
	item, err := d.base.Decode(row)
	if err != nil {
		return nil, err
	}
	for name, f := range d.fields {
		v, ok := row[name]
		if !ok {
			continue
		}
		switch f.Type {
		case schema.TypeNumeric:
			item[name] = &types.AttributeValueMemberN{Value: formatNumber(v, -1)}
		case schema.TypeDecimal:
			item[name] = &types.AttributeValueMemberS{Value: formatNumber(v, f.Scale)}
		}
	}
	return item, nil
}

// formatNumber renders v as a base-10 string. scale < 0 means "as few
// digits as exactly represent the value"; scale >= 0 fixes that many
// digits after the decimal point, matching a DECIMAL(precision, scale)
// column's fixed-point representation.
func formatNumber(v any, scale int) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', scale, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', scale, 32)
	case int64:
		return strconv.FormatInt(n, 10)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	default:
		return fmt.Sprintf("%v", n)
	}
}

// WithCheckpoint returns a copy of row with a "_checkpoint" column set to
// checkpoint, the per-item stamp the Parallel Loader adds during its
// remote rewrite so every loaded row records the checkpoint it arrived at.
func WithCheckpoint(row map[string]any, checkpoint int64) map[string]any {
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out["_checkpoint"] = checkpoint
	return out
}
