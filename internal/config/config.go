// Package config holds and validates the parameters that drive a single
// ingestion run: source location, destination tables, batching and retry
// knobs, and the optional Parallel Loader cluster settings.
package config

import (
	"fmt"
	"time"
)

// SchemaOverride pins a single Parquet field name to an explicit warehouse
// type, bypassing the inferred mapping for that field.
type SchemaOverride struct {
	FieldName string
	Type      string // e.g. "NUMERIC", "STRING"
	Precision int    // only meaningful for NUMERIC/DECIMAL
	Scale     int
}

// ClusterConfig configures the optional Parallel Loader compute backend.
// Fields correspond to the dask_* configuration keys.
type ClusterConfig struct {
	Enabled         bool
	SchedulerMemory string
	WorkerMemory    string
	Image           string
}

// Config holds all configuration for an ingestion run. Fields mirror the
// configuration keys named for the external interfaces: source location,
// destination naming, batching knobs, transform model names, and the
// optional cluster backend.
type Config struct {
	SourceName       string // logical source identifier, e.g. an indexer name
	SourceBucketName string // object store bucket holding source blobs
	SourceGoldskyDir string // prefix under the bucket where source blobs live

	DestinationBucketName         string // bucket backing staging/working tables
	DestinationDatasetName        string // dataset/schema holding the final tables
	WorkingDestinationDatasetName string // dataset/schema holding raw/deduped staging tables
	WorkingDestinationPreloadPath string // prefix for per-run staging objects
	DestinationTableName          string // final merged table name
	ProjectID                     string // warehouse project/account identifier

	PointerSize      int // number of loaded blobs per pointer commit
	MaxObjectsToLoad int // per-worker dequeue cap for a single run

	LoadTableTimeout time.Duration
	TransformTimeout time.Duration

	DedupeModel       string // transform model used to produce deduped_{worker}
	MergeWorkersModel string // transform model used to merge into the destination
	DedupeUniqueColumn string
	DedupeOrderColumn  string

	PartitionColumnName      string
	PartitionColumnType      string
	PartitionColumnTransform string

	SchemaOverrides []SchemaOverride

	Cluster ClusterConfig

	RetentionFiles int // blobs retained per worker by the retention job

	Region string // AWS region for the operation
}

// Validate ensures all required fields are present and within range. It
// mirrors the teacher's hand-built Validate pattern: plain field checks,
// no schema/tag-driven validation library.
func (c *Config) Validate() error {
	if c.SourceName == "" {
		return fmt.Errorf("source name is required")
	}
	if c.SourceBucketName == "" {
		return fmt.Errorf("source bucket name is required")
	}
	if c.SourceGoldskyDir == "" {
		return fmt.Errorf("source goldsky dir is required")
	}
	if c.DestinationBucketName == "" {
		return fmt.Errorf("destination bucket name is required")
	}
	if c.DestinationDatasetName == "" {
		return fmt.Errorf("destination dataset name is required")
	}
	if c.WorkingDestinationDatasetName == "" {
		return fmt.Errorf("working destination dataset name is required")
	}
	if c.WorkingDestinationPreloadPath == "" {
		return fmt.Errorf("working destination preload path is required")
	}
	if c.DestinationTableName == "" {
		return fmt.Errorf("destination table name is required")
	}
	if c.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}

	if c.PointerSize < 1 {
		return fmt.Errorf("pointer size must be at least 1")
	}
	if c.MaxObjectsToLoad < 0 {
		return fmt.Errorf("max objects to load must not be negative")
	}

	if c.LoadTableTimeout < time.Second {
		return fmt.Errorf("load table timeout must be at least 1 second")
	}
	if c.TransformTimeout < time.Second {
		return fmt.Errorf("transform timeout must be at least 1 second")
	}

	if c.DedupeModel == "" {
		return fmt.Errorf("dedupe model is required")
	}
	if c.MergeWorkersModel == "" {
		return fmt.Errorf("merge workers model is required")
	}
	if c.DedupeUniqueColumn == "" {
		return fmt.Errorf("dedupe unique column is required")
	}
	if c.DedupeOrderColumn == "" {
		return fmt.Errorf("dedupe order column is required")
	}

	if c.RetentionFiles < 0 {
		return fmt.Errorf("retention files must not be negative")
	}

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if c.Cluster.Enabled {
		if c.Cluster.SchedulerMemory == "" {
			return fmt.Errorf("cluster scheduler memory is required when cluster is enabled")
		}
		if c.Cluster.WorkerMemory == "" {
			return fmt.Errorf("cluster worker memory is required when cluster is enabled")
		}
		if c.Cluster.Image == "" {
			return fmt.Errorf("cluster image is required when cluster is enabled")
		}
	}

	return nil
}
