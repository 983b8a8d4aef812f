// Package schemaoverrides loads the schema_overrides configuration value
// from a JSONL manifest object in the object store: one override per line.
// It streams the manifest line by line via gurre/s3streamer rather than
// buffering the whole object, since the same streaming reader the teacher
// uses for its line-delimited export files applies here unchanged.
package schemaoverrides

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/gurre/s3streamer"

	"github.com/opensource-observer/goldsky-ingest/internal/schema"
)

// overrideLine is the JSON shape of a single line in the manifest.
type overrideLine struct {
	FieldName string `json:"field_name"`
	Type      string `json:"type"`
	Precision int    `json:"precision"`
	Scale     int    `json:"scale"`
}

// Loader loads the set of schema field overrides configured for a source.
type Loader interface {
	Load(ctx context.Context, bucket, key string) ([]schema.FieldOverride, error)
}

// S3Loader loads overrides from a JSONL object in S3 via a streaming reader.
type S3Loader struct {
	streamer s3streamer.Streamer
}

// NewS3Loader creates an S3Loader backed by streamer.
func NewS3Loader(streamer s3streamer.Streamer) *S3Loader {
	return &S3Loader{streamer: streamer}
}

// Load streams bucket/key line by line, decoding each non-empty line as a
// schema override. Malformed lines are reported immediately as a fatal
// error, since a broken override manifest is an operator mistake, not a
// transient condition.
func (l *S3Loader) Load(ctx context.Context, bucket, key string) ([]schema.FieldOverride, error) {
	var overrides []schema.FieldOverride

	err := l.streamer.Stream(ctx, bucket, key, 0, func(line []byte, byteOffset int64) error {
		if len(line) == 0 {
			return nil
		}

		var ol overrideLine
		if err := json.Unmarshal(line, &ol); err != nil {
			return fmt.Errorf("schemaoverrides: malformed line at offset %d: %w", byteOffset, err)
		}

		overrides = append(overrides, schema.FieldOverride{
			FieldName: ol.FieldName,
			Type:      schema.WarehouseType(ol.Type),
			Precision: ol.Precision,
			Scale:     ol.Scale,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("schemaoverrides: stream %s/%s: %w", bucket, key, err)
	}

	return overrides, nil
}
